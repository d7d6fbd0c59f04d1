package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"appforge/internal/chat"
	"appforge/internal/contextmgr"
	"appforge/internal/proposal"
	"appforge/internal/provider"
	"appforge/internal/quota"
	"appforge/internal/session"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

type stubInstaller struct {
	mu    sync.Mutex
	calls [][]string

	// entered is closed on the first Install, which then waits for release.
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stubInstaller) Install(_ context.Context, _ string, packages []string) ([]string, error) {
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), packages...))
	return nil, nil
}

// timeoutProvider fails every turn the way an HTTP client timeout does.
type timeoutProvider struct{}

func (timeoutProvider) Chat(context.Context, provider.ChatRequest, *provider.StreamCallbacks) (provider.ChatResponse, error) {
	return provider.ChatResponse{}, fmt.Errorf("upstream: %w", context.DeadlineExceeded)
}
func (timeoutProvider) Name() string          { return "timeout" }
func (timeoutProvider) CurrentModel() string  { return "test-model" }
func (timeoutProvider) SetModel(string) error { return nil }

func (s *stubInstaller) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}

type fixture struct {
	engine    *Engine
	store     *storage.SQLiteStore
	fake      *provider.Fake
	vcs       *versions.Store
	installer *stubInstaller
	app       chat.App
	conv      chat.Conversation
}

type fixtureOpts struct {
	mode       chat.Mode
	requireGit bool
	quota      *quota.Config
	engine     Options
	provider   provider.Provider
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.requireGit && !versions.Available() {
		t.Skip("git not installed")
	}
	if o.mode == "" {
		o.mode = chat.ModeBuild
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "appforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	appPath := t.TempDir()
	vcs := versions.New("test", "test@example.com", logger)
	if versions.Available() {
		require.NoError(t, vcs.Init(context.Background(), appPath))
	}
	app, err := store.CreateApp("demo", appPath)
	require.NoError(t, err)
	conv, err := store.CreateConversation(app.ID, "chat", o.mode)
	require.NoError(t, err)

	fake := provider.NewFake()
	fake.Sleeps = map[string]time.Duration{
		"short":  20 * time.Millisecond,
		"medium": 300 * time.Millisecond,
		"long":   time.Minute,
	}

	qcfg := quota.DefaultConfig()
	if o.quota != nil {
		qcfg = *o.quota
	}
	installer := &stubInstaller{}
	tokenizer := contextmgr.NewTokenizer("cl100k_base")
	strategy := contextmgr.NewFallbackStrategy(contextmgr.NewLLMStrategy(provider.Completion(fake)), contextmgr.RegexStrategy{})

	var prov provider.Provider = fake
	if o.provider != nil {
		prov = o.provider
	}
	eng, err := New(Deps{
		Store:     store,
		Provider:  prov,
		Proposals: proposal.NewService(store, vcs, proposal.SQLiteExecutor{}, installer, logger),
		Versions:  vcs,
		Quota:     quota.NewTracker(qcfg, store),
		Compactor: contextmgr.NewCompactor(store, strategy, tokenizer, contextmgr.Config{}, logger),
		Assembler: contextmgr.NewAssembler("You build web apps."),
		Tokenizer: tokenizer,
		Logger:    logger,
	}, o.engine)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return &fixture{engine: eng, store: store, fake: fake, vcs: vcs, installer: installer, app: app, conv: conv}
}

func (f *fixture) submit(t *testing.T, prompt string) {
	t.Helper()
	item, err := f.engine.Submit(context.Background(), StreamRequest{ConversationID: f.conv.ID, Prompt: prompt})
	require.NoError(t, err)
	require.Nil(t, item, "prompt %q was queued", prompt)
}

func nextEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if ev.Type == want {
				return ev
			}
			if ev.Type == EventError && want != EventError {
				t.Fatalf("unexpected error event: %s", ev.Error.Message)
			}
		case <-timeout:
			t.Fatalf("no %s event within timeout", want)
		}
	}
}

// respondUntilEnd answers every consent request with decide and returns the
// end event.
func respondUntilEnd(t *testing.T, e *Engine, ch <-chan Event, decide func(tool string) string) *EndEvent {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventConsentRequest:
				require.NoError(t, e.ConsentRespond(ev.Consent.ID, decide(ev.Consent.Tool)))
			case EventEnd:
				return ev.End
			case EventError:
				t.Fatalf("unexpected error event: %s", ev.Error.Message)
			}
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestQueuedPromptDrainsExactlyOne(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=1 [sleep=medium]")
	for _, prompt := range []string{"tc=2 [sleep=medium]", "tc=2"} {
		item, err := f.engine.Submit(context.Background(), StreamRequest{ConversationID: f.conv.ID, Prompt: prompt})
		require.NoError(t, err)
		require.NotNil(t, item)
	}
	require.Len(t, f.engine.QueueList(f.conv.ID), 2)

	first := nextEvent(t, events, EventEnd)
	require.False(t, first.End.WasCancelled)
	queued := f.engine.QueueList(f.conv.ID)
	require.Len(t, queued, 1)
	require.Equal(t, "tc=2", queued[0].Prompt)

	nextEvent(t, events, EventEnd)
	nextEvent(t, events, EventEnd)
	f.engine.Wait()
	require.Empty(t, f.engine.QueueList(f.conv.ID))

	msgs, err := f.store.LoadMessages(f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	require.Contains(t, msgs[0].Content, "tc=1")
	require.Contains(t, msgs[2].Content, "tc=2 [sleep=medium]")
	require.Equal(t, "tc=2", msgs[4].Content)
}

func TestSecondStartWhileStreamingIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2 [sleep=medium]"}
	require.NoError(t, f.engine.StreamStart(context.Background(), req))
	require.ErrorIs(t, f.engine.StreamStart(context.Background(), req), session.ErrAlreadyStreaming)
	f.engine.Wait()
	require.False(t, f.engine.IsStreaming(f.conv.ID))
}

func TestDeclinedDependencyIsNotProposed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=add-dep")
	end := respondUntilEnd(t, f.engine, events, func(string) string { return "decline" })
	require.Nil(t, end.Proposal)

	msg, err := f.store.LoadMessage(end.MessageID)
	require.NoError(t, err)
	require.Empty(t, proposal.Parse(msg.Content).Packages)
	require.Equal(t, chat.ApprovalNone, msg.ApprovalState)

	last := f.fake.LastRequest().Messages
	tool := last[len(last)-1]
	require.Equal(t, chat.RoleTool, tool.Role)
	require.Contains(t, tool.Content, "User declined")
}

func TestApprovingTwoFilesAndPackageCreatesOneVersion(t *testing.T) {
	f := newFixture(t, fixtureOpts{requireGit: true})
	ctx := context.Background()
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	before, err := f.vcs.List(ctx, f.app.Path)
	require.NoError(t, err)

	f.submit(t, "tc=write-two-files-add-dep")
	end := respondUntilEnd(t, f.engine, events, func(string) string { return "allow-once" })
	require.NotNil(t, end.Proposal)
	require.Equal(t, proposal.KindCode, end.Proposal.Kind)
	require.Len(t, end.Proposal.FilesChanged, 2)
	require.Equal(t, []string{"zod"}, end.Proposal.PackagesAdded)
	require.Empty(t, end.CommitHash)

	_, err = os.Stat(filepath.Join(f.app.Path, "src", "counter.ts"))
	require.ErrorIs(t, err, os.ErrNotExist, "staged writes must not touch the tree before approval")

	res, err := f.engine.ProposalApprove(ctx, f.conv.ID, end.MessageID)
	require.NoError(t, err)
	require.True(t, res.Success)

	after, err := f.vcs.List(ctx, f.app.Path)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	require.Equal(t, [][]string{{"zod"}}, f.installer.Calls())
	changed, err := f.vcs.ChangedFiles(ctx, f.app.Path, res.CommitHash)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"src/counter.ts", "src/schema.ts"}, changed)

	view, err := f.engine.Proposal(f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, chat.ApprovalApproved, view.ApprovalState)
}

func TestAlwaysAllowSkipsLaterPrompts(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	prompts := 0
	f.submit(t, "tc=write-two-files-add-dep")
	respondUntilEnd(t, f.engine, events, func(tool string) string {
		prompts++
		return "always-allow"
	})
	// write_file is granted after its first request; add_dependency asks once.
	require.Equal(t, 2, prompts)

	grants, err := f.store.ListConsentGrants(f.conv.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"write_file", "add_dependency"}, grants)
}

func TestAgentModeAutoApproves(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeAgent, requireGit: true})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=1")
	end := nextEvent(t, events, EventEnd).End
	require.Empty(t, end.ApproveError)
	require.True(t, end.UpdatedFiles)
	require.NotEmpty(t, end.CommitHash)
	require.Equal(t, "First file", end.ChatSummary)

	data, err := os.ReadFile(filepath.Join(f.app.Path, "src", "one.ts"))
	require.NoError(t, err)
	require.Contains(t, string(data), "export const one = 1;")

	conv, err := f.store.LoadConversation(f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, "First file", conv.Summary)
}

func TestAskModeOffersOnlyReadTools(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeAsk, engine: Options{AutoApprove: true}})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=1")
	end := nextEvent(t, events, EventEnd).End
	require.NotNil(t, end.Proposal)
	require.Equal(t, proposal.KindTip, end.Proposal.Kind)
	require.Empty(t, end.CommitHash)

	for _, def := range f.fake.LastRequest().Tools {
		require.NotContains(t, []string{"write_file", "rename_file", "delete_file", "add_dependency", "execute_sql"}, def.Function.Name)
	}
	msg, err := f.store.LoadMessage(end.MessageID)
	require.NoError(t, err)
	require.Equal(t, chat.ApprovalNone, msg.ApprovalState)
}

func TestCancelSavesPartialAndRefundsQuota(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeFree})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=2 [sleep=long]")
	nextEvent(t, events, EventChunk)
	status, err := f.engine.QuotaStatus("free")
	require.NoError(t, err)
	require.Equal(t, 1, status.Used)

	require.True(t, f.engine.StreamCancel(f.conv.ID))
	end := nextEvent(t, events, EventEnd).End
	require.True(t, end.WasCancelled)
	f.engine.Wait()

	msg, err := f.store.LoadMessage(end.MessageID)
	require.NoError(t, err)
	require.Equal(t, "[Response cancelled by user]", msg.Content)

	status, err = f.engine.QuotaStatus("free")
	require.NoError(t, err)
	require.Equal(t, 0, status.Used)
	require.False(t, f.engine.StreamCancel(f.conv.ID))
}

func TestCancelDeclinesPendingConsent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=add-dep")
	nextEvent(t, events, EventConsentRequest)
	require.Len(t, f.engine.PendingConsents(f.conv.ID), 1)

	require.True(t, f.engine.StreamCancel(f.conv.ID))
	require.True(t, nextEvent(t, events, EventEnd).End.WasCancelled)
	f.engine.Wait()
	require.Empty(t, f.engine.PendingConsents(f.conv.ID))
}

func TestProviderErrorRefundsAndDoesNotDrain(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeFree})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=error [sleep=medium]")
	item, err := f.engine.Submit(context.Background(), StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2"})
	require.NoError(t, err)
	require.NotNil(t, item)

	ev := nextEvent(t, events, EventError)
	require.Contains(t, ev.Error.Message, provider.ErrFakeFailure.Error())
	f.engine.Wait()

	require.Len(t, f.engine.QueueList(f.conv.ID), 1)
	require.False(t, f.engine.IsStreaming(f.conv.ID))
	status, err := f.engine.QuotaStatus("free")
	require.NoError(t, err)
	require.Equal(t, 0, status.Used)
}

func TestProviderTimeoutIsAnError(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeFree, provider: timeoutProvider{}})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "hello")
	ev := nextEvent(t, events, EventError)
	require.Contains(t, ev.Error.Message, context.DeadlineExceeded.Error())
	f.engine.Wait()

	msg, err := f.store.LoadMessage(ev.Error.MessageID)
	require.NoError(t, err)
	require.NotContains(t, msg.Content, cancelledSuffix)
	require.False(t, f.engine.IsStreaming(f.conv.ID))
	status, err := f.engine.QuotaStatus("free")
	require.NoError(t, err)
	require.Equal(t, 0, status.Used)
}

func TestCancelDuringAutoApproveIsRefused(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeAgent, requireGit: true})
	f.installer.entered = make(chan struct{})
	f.installer.release = make(chan struct{})
	ctx := context.Background()
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=write-two-files-add-dep")
	timeout := time.After(10 * time.Second)
wait:
	for {
		select {
		case ev := <-events:
			if ev.Type == EventConsentRequest {
				require.NoError(t, f.engine.ConsentRespond(ev.Consent.ID, "allow-once"))
			}
		case <-f.installer.entered:
			break wait
		case <-timeout:
			t.Fatal("auto-approve never reached the installer")
		}
	}

	item, err := f.engine.Submit(ctx, StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2"})
	require.NoError(t, err)
	require.NotNil(t, item)
	require.False(t, f.engine.StreamCancel(f.conv.ID), "a completing stream cannot be cancelled")
	close(f.installer.release)

	end := respondUntilEnd(t, f.engine, events, func(string) string { return "allow-once" })
	require.False(t, end.WasCancelled)
	require.Empty(t, end.ApproveError)
	require.NotEmpty(t, end.CommitHash)

	nextEvent(t, events, EventEnd)
	f.engine.Wait()
	require.Empty(t, f.engine.QueueList(f.conv.ID))
}

func TestCompleteAfterAcceptedCancelDoesNotDrain(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, unsubscribe := f.engine.Subscribe(f.conv.ID)
	defer unsubscribe()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	sess, err := f.engine.sessions.Admit(f.conv.ID, cancelRun)
	require.NoError(t, err)
	f.engine.enqueue(StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2"})
	require.True(t, f.engine.StreamCancel(f.conv.ID))

	// The loop finished just as the cancel landed.
	f.engine.complete(runCtx, &stream{conv: f.conv, app: f.app, session: sess, started: time.Now()})

	end := nextEvent(t, events, EventEnd).End
	require.True(t, end.WasCancelled)
	require.Len(t, f.engine.QueueList(f.conv.ID), 1)
	require.False(t, f.engine.IsStreaming(f.conv.ID))
}

func TestConcurrentSubmitsAreNeverStranded(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Submit(context.Background(), StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	f.engine.Wait()

	require.Empty(t, f.engine.QueueList(f.conv.ID))
	msgs, err := f.store.LoadMessages(f.conv.ID)
	require.NoError(t, err)
	users := 0
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			users++
		}
	}
	require.Equal(t, n, users)
}

func TestQuotaExceededRefusesStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeFree, quota: &quota.Config{Limit: 1, Window: time.Hour, Modes: []string{"free"}}})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=2")
	nextEvent(t, events, EventEnd)
	f.engine.Wait()

	err := f.engine.StreamStart(context.Background(), StreamRequest{ConversationID: f.conv.ID, Prompt: "tc=2"})
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	require.False(t, f.engine.IsStreaming(f.conv.ID))

	status, err := f.engine.QuotaStatus("free")
	require.NoError(t, err)
	require.Equal(t, 1, status.Used)
	require.Equal(t, 1, status.Limit)
}

func TestTruncatedWriteIsContinued(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=unclosed-write")
	end := nextEvent(t, events, EventEnd).End
	require.Equal(t, 2, f.fake.Calls())

	msg, err := f.store.LoadMessage(end.MessageID)
	require.NoError(t, err)
	out := proposal.Parse(msg.Content)
	require.False(t, out.UnclosedWrite)
	require.Len(t, out.Writes, 1)
	require.Contains(t, out.Writes[0].Content, "export const a = 1;")
	require.Contains(t, out.Writes[0].Content, "export const b = 2;")
}

func TestContinuationBudgetMarksTruncated(t *testing.T) {
	f := newFixture(t, fixtureOpts{engine: Options{MaxContinuations: -1}})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=unclosed-write")
	end := nextEvent(t, events, EventEnd).End
	require.Equal(t, 1, f.fake.Calls())
	require.NotNil(t, end.Proposal)
	require.Equal(t, proposal.KindAction, end.Proposal.Kind)
	require.Equal(t, proposal.ActionKeepGoing, end.Proposal.Actions[0].ID)
}

func TestLargeUsageSchedulesCompaction(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=2 [tokens=150000]")
	nextEvent(t, events, EventEnd)
	f.engine.Wait()

	conv, err := f.store.LoadConversation(f.conv.ID)
	require.NoError(t, err)
	require.True(t, conv.PendingCompaction)

	count, err := f.engine.TokenCount(f.conv.ID, "")
	require.NoError(t, err)
	require.Equal(t, 150000, count.ActualMaxTokens)
	require.Equal(t, 102400, count.Threshold)

	f.submit(t, "tc=2")
	nextEvent(t, events, EventEnd)
	f.engine.Wait()

	msgs, err := f.store.LoadMessages(f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.True(t, msgs[0].IsCompactionSummary)
	require.Contains(t, msgs[0].Content, "## Current Task State")
	require.Equal(t, "tc=2", msgs[1].Content)

	conv, err = f.store.LoadConversation(f.conv.ID)
	require.NoError(t, err)
	require.False(t, conv.PendingCompaction)
	_, err = os.Stat(filepath.Join(f.app.Path, filepath.FromSlash(conv.CompactionBackupPath)))
	require.NoError(t, err)
}

func TestCompactionFollowsCurrentModelWindow(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	require.NoError(t, f.fake.SetModel("gpt-4"))
	f.submit(t, "tc=2 [tokens=10000]")
	nextEvent(t, events, EventEnd)
	f.engine.Wait()

	conv, err := f.store.LoadConversation(f.conv.ID)
	require.NoError(t, err)
	require.True(t, conv.PendingCompaction, "10000 tokens exceed the 8192 window of gpt-4")
}

func TestVersionRevertDropsLaterMessages(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: chat.ModeAgent, requireGit: true})
	ctx := context.Background()
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=1")
	first := nextEvent(t, events, EventEnd).End
	require.NotEmpty(t, first.CommitHash)
	f.engine.Wait()

	f.submit(t, "tc=2")
	nextEvent(t, events, EventEnd)
	f.engine.Wait()

	res, err := f.engine.VersionRevert(ctx, f.app.ID, first.CommitHash)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.DeletedMessages)
	require.True(t, strings.HasPrefix(res.Version.Message, "Reverted all changes back to version"))

	msgs, err := f.store.LoadMessages(f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, first.MessageID, msgs[1].ID)

	list, err := f.engine.VersionList(ctx, f.app.ID)
	require.NoError(t, err)
	require.Equal(t, res.Version.OID, list[0].OID)
}

func TestRecordsSourceCommit(t *testing.T) {
	f := newFixture(t, fixtureOpts{requireGit: true})
	head, err := f.vcs.Head(context.Background(), f.app.Path)
	require.NoError(t, err)
	events, cancel := f.engine.Subscribe(f.conv.ID)
	defer cancel()

	f.submit(t, "tc=2")
	end := nextEvent(t, events, EventEnd).End
	msg, err := f.store.LoadMessage(end.MessageID)
	require.NoError(t, err)
	require.Equal(t, head, msg.SourceCommitHash)
}
