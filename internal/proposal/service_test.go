package proposal

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"appforge/internal/chat"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

type recordingInstaller struct {
	mu       sync.Mutex
	calls    [][]string
	fail     error
	touch    string
	manifest []string
}

func (r *recordingInstaller) Install(_ context.Context, appPath string, packages []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), packages...))
	if r.touch != "" {
		_ = os.WriteFile(filepath.Join(appPath, r.touch), []byte("changed"), 0o644)
	}
	if r.fail != nil {
		return nil, r.fail
	}
	return nil, nil
}

func (r *recordingInstaller) ManifestFiles() []string { return r.manifest }

type fixture struct {
	store     *storage.SQLiteStore
	vcs       *versions.Store
	svc       *Service
	installer *recordingInstaller
	conv      chat.Conversation
	appPath   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if !versions.Available() {
		t.Skip("git not installed")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "appforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	appPath := t.TempDir()
	vcs := versions.New("test", "test@example.com", logger)
	require.NoError(t, vcs.Init(context.Background(), appPath))

	app, err := store.CreateApp("demo", appPath)
	require.NoError(t, err)
	conv, err := store.CreateConversation(app.ID, "chat", chat.ModeBuild)
	require.NoError(t, err)

	inst := &recordingInstaller{}
	return &fixture{
		store:     store,
		vcs:       vcs,
		svc:       NewService(store, vcs, SQLiteExecutor{}, inst, logger),
		installer: inst,
		conv:      conv,
		appPath:   appPath,
	}
}

func (f *fixture) pendingMessage(t *testing.T, content string) chat.Message {
	t.Helper()
	msg, err := f.store.AppendMessage(chat.Message{
		ConversationID: f.conv.ID,
		Role:           chat.RoleAssistant,
		Content:        content,
		ApprovalState:  chat.ApprovalPending,
	})
	require.NoError(t, err)
	return msg
}

func twoFilesOnePackage() string {
	return WriteTag("src/App.tsx", "app", "export default 1\n") +
		WriteTag("src/lib/util.ts", "util", "export const x = 1\n") +
		AddDependencyTag([]string{"zod"}) +
		ChatSummaryTag("Add app")
}

func TestApproveCreatesExactlyOneVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.vcs.List(ctx, f.appPath)
	require.NoError(t, err)

	msg := f.pendingMessage(t, twoFilesOnePackage())
	res, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.ElementsMatch(t, []string{"src/App.tsx", "src/lib/util.ts"}, res.AppliedFiles)

	after, err := f.vcs.List(ctx, f.appPath)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	require.Equal(t, res.CommitHash, after[0].OID)

	changed, err := f.vcs.ChangedFiles(ctx, f.appPath, res.CommitHash)
	require.NoError(t, err)
	sort.Strings(changed)
	require.Equal(t, []string{"src/App.tsx", "src/lib/util.ts"}, changed)
	require.Equal(t, [][]string{{"zod"}}, f.installer.calls)

	stored, err := f.store.LoadMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, chat.ApprovalApproved, stored.ApprovalState)
	require.Equal(t, res.CommitHash, stored.CommitHash)
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.pendingMessage(t, twoFilesOnePackage())

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
			if err != nil {
				t.Errorf("Approve: %v", err)
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	again, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, again.AlreadyResolved)
	require.Equal(t, results[0].CommitHash, again.CommitHash)

	list, _ := f.vcs.List(ctx, f.appPath)
	require.Len(t, list, 2, "init + one approval")
	require.Len(t, f.installer.calls, 1)

	require.NoError(t, f.svc.Reject(ctx, f.conv.ID, msg.ID))
	stored, _ := f.store.LoadMessage(msg.ID)
	require.Equal(t, chat.ApprovalApproved, stored.ApprovalState, "reject after approve is a no-op")
}

func TestApproveRefusesDirtyTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(f.appPath, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.appPath, "src/App.tsx"), []byte("hand edit"), 0o644))

	msg := f.pendingMessage(t, twoFilesOnePackage())
	_, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, []string{"src/App.tsx"}, conflict.Paths)

	data, _ := os.ReadFile(filepath.Join(f.appPath, "src/App.tsx"))
	require.Equal(t, "hand edit", string(data))
	_, statErr := os.Stat(filepath.Join(f.appPath, "src/lib/util.ts"))
	require.True(t, os.IsNotExist(statErr))

	stored, _ := f.store.LoadMessage(msg.ID)
	require.Equal(t, chat.ApprovalPending, stored.ApprovalState)
}

func TestApproveReportsExtraFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.appPath, "notes.md"), []byte("scratch"), 0o644))

	msg := f.pendingMessage(t, WriteTag("src/App.tsx", "", "x"))
	res, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"notes.md"}, res.ExtraFiles)

	dirty, err := f.vcs.Dirty(ctx, f.appPath)
	require.NoError(t, err)
	require.Equal(t, []string{"notes.md"}, dirty, "extra files stay uncommitted")
}

func TestApproveRollsBackOnInstallFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.appPath, "package.json"), []byte("{}"), 0o644))
	_, err := f.vcs.Commit(ctx, f.appPath, []string{"package.json"}, "manifest")
	require.NoError(t, err)
	before, _ := f.vcs.List(ctx, f.appPath)

	f.installer.fail = errors.New("registry down")
	f.installer.touch = "package.json"
	f.installer.manifest = []string{"package.json"}

	msg := f.pendingMessage(t, twoFilesOnePackage())
	_, err = f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.Error(t, err)

	for _, p := range []string{"src/App.tsx", "src/lib/util.ts"} {
		_, statErr := os.Stat(filepath.Join(f.appPath, p))
		require.True(t, os.IsNotExist(statErr), "%s should be rolled back", p)
	}
	data, _ := os.ReadFile(filepath.Join(f.appPath, "package.json"))
	require.Equal(t, "{}", string(data))

	after, _ := f.vcs.List(ctx, f.appPath)
	require.Len(t, after, len(before))
	stored, _ := f.store.LoadMessage(msg.ID)
	require.Equal(t, chat.ApprovalPending, stored.ApprovalState)
}

func TestApproveExecutesSQL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := ExecuteSQLTag("CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT);", "todos") +
		WriteTag("src/todos.ts", "", "export {}")
	msg := f.pendingMessage(t, content)

	res, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	_, err = os.Stat(filepath.Join(f.appPath, ".appforge", "app.db"))
	require.NoError(t, err)
}

func TestApproveRollsBackEarlierSQLWhenLaterQueryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.vcs.List(ctx, f.appPath)
	require.NoError(t, err)

	content := WriteTag("src/notes.ts", "", "export {}") +
		ExecuteSQLTag("CREATE TABLE notes (id INTEGER PRIMARY KEY);", "notes") +
		ExecuteSQLTag("INSERT INTO missing_table VALUES (1);", "broken")
	msg := f.pendingMessage(t, content)

	_, err = f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.Error(t, err)

	after, err := f.vcs.List(ctx, f.appPath)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	_, statErr := os.Stat(filepath.Join(f.appPath, "src", "notes.ts"))
	require.True(t, os.IsNotExist(statErr), "written file should be rolled back")

	db, err := sql.Open("sqlite", filepath.Join(f.appPath, ".appforge", "app.db"))
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'notes'`).Scan(&n))
	require.Zero(t, n, "table from the first query must not survive")

	stored, _ := f.store.LoadMessage(msg.ID)
	require.Equal(t, chat.ApprovalPending, stored.ApprovalState)
}

func TestRejectIsSideEffectFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.pendingMessage(t, twoFilesOnePackage())

	require.NoError(t, f.svc.Reject(ctx, f.conv.ID, msg.ID))
	stored, _ := f.store.LoadMessage(msg.ID)
	require.Equal(t, chat.ApprovalRejected, stored.ApprovalState)

	res, err := f.svc.Approve(ctx, f.conv.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadyResolved)
	require.False(t, res.Success)
	_, statErr := os.Stat(filepath.Join(f.appPath, "src/App.tsx"))
	require.True(t, os.IsNotExist(statErr))

	require.ErrorIs(t, f.svc.Reject(ctx, f.conv.ID+1, msg.ID), ErrMessageMismatch)
}
