package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"appforge/internal/chat"
)

var (
	ErrMessageMismatch   = errors.New("message does not belong to conversation")
	ErrNothingToApply    = errors.New("message has no changes to apply")
	ErrUncommittedChange = errors.New("target has uncommitted changes")
)

// ConflictError lists proposal targets that were edited outside the chat.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUncommittedChange, strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrUncommittedChange }

// Store is the persistence the service reads and updates.
type Store interface {
	LoadMessage(id int64) (chat.Message, error)
	LoadConversation(id int64) (chat.Conversation, error)
	LoadApp(id int64) (chat.App, error)
	TransitionApproval(id int64, from, to chat.ApprovalState) (bool, error)
	SetCommitHash(id int64, hash string) error
}

// VCS records the applied change set.
type VCS interface {
	Dirty(ctx context.Context, repo string) ([]string, error)
	Commit(ctx context.Context, repo string, paths []string, message string) (string, error)
}

// SQLExecutor 在应用数据库上开启事务
// SQLExecutor opens a transaction on the app's database. All queries of a
// proposal share it; it is committed only after the version is recorded.
type SQLExecutor interface {
	BeginSQL(ctx context.Context, appPath string) (SQLTx, error)
}

type SQLTx interface {
	Exec(ctx context.Context, q SQLQuery) error
	Commit() error
	Rollback() error
}

// Installer 安装依赖包
// Installer adds packages to the app and returns the files it changed,
// relative to the app root.
type Installer interface {
	Install(ctx context.Context, appPath string, packages []string) ([]string, error)
}

// ManifestAware installers name the files they may rewrite so a failed
// approval can restore them.
type ManifestAware interface {
	ManifestFiles() []string
}

// Result is reported back to the caller of Approve.
type Result struct {
	Success         bool     `json:"success"`
	CommitHash      string   `json:"commit_hash,omitempty"`
	AppliedFiles    []string `json:"applied_files"`
	ExtraFiles      []string `json:"extra_files,omitempty"`
	ExtraFilesError string   `json:"extra_files_error,omitempty"`
	AlreadyResolved bool     `json:"already_resolved,omitempty"`
}

// Service 应用或丢弃提案
// Service applies and discards proposals. Approve and Reject of the same
// message are serialized; concurrent Approve calls share one execution.
type Service struct {
	store     Store
	vcs       VCS
	sql       SQLExecutor
	installer Installer
	logger    *slog.Logger

	locks sync.Map // message id -> *sync.Mutex
	group singleflight.Group
}

// NewService wires the collaborators. sql and installer may be nil; a
// proposal that needs a missing collaborator fails to apply.
func NewService(store Store, vcs VCS, sql SQLExecutor, installer Installer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, vcs: vcs, sql: sql, installer: installer, logger: logger}
}

func (s *Service) lock(messageID int64) func() {
	v, _ := s.locks.LoadOrStore(messageID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Approve 应用提案并记录一个版本, 失败时全部回滚
// Approve applies the message's proposal and records one version. Either every
// change lands together with the commit or the working tree is restored.
// Approving a resolved proposal is a no-op.
func (s *Service) Approve(ctx context.Context, conversationID, messageID int64) (Result, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(messageID, 10), func() (any, error) {
		unlock := s.lock(messageID)
		defer unlock()
		return s.approveLocked(ctx, conversationID, messageID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) approveLocked(ctx context.Context, conversationID, messageID int64) (res Result, err error) {
	ctx, span := otel.Tracer("appforge/proposal").Start(ctx, "proposal.approve")
	span.SetAttributes(
		attribute.Int64("conversation.id", conversationID),
		attribute.Int64("message.id", messageID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	msg, err := s.store.LoadMessage(messageID)
	if err != nil {
		return Result{}, fmt.Errorf("load message: %w", err)
	}
	if msg.ConversationID != conversationID {
		return Result{}, ErrMessageMismatch
	}
	if msg.ApprovalState != chat.ApprovalPending {
		return Result{
			Success:         msg.ApprovalState == chat.ApprovalApproved,
			CommitHash:      msg.CommitHash,
			AlreadyResolved: true,
		}, nil
	}

	conv, err := s.store.LoadConversation(conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("load conversation: %w", err)
	}
	app, err := s.store.LoadApp(conv.AppID)
	if err != nil {
		return Result{}, fmt.Errorf("load app: %w", err)
	}

	out := Parse(msg.Content)
	if !out.HasChanges() {
		return Result{}, ErrNothingToApply
	}
	res, err = s.apply(ctx, app.Path, out)
	if err != nil {
		return Result{}, err
	}

	ok, err := s.store.TransitionApproval(messageID, chat.ApprovalPending, chat.ApprovalApproved)
	if err != nil {
		return Result{}, fmt.Errorf("mark approved: %w", err)
	}
	if !ok {
		s.logger.Warn("approval state changed during apply", slog.Int64("message_id", messageID))
	}
	if err := s.store.SetCommitHash(messageID, res.CommitHash); err != nil {
		return Result{}, fmt.Errorf("record commit: %w", err)
	}
	s.logger.Info("proposal approved",
		slog.Int64("conversation_id", conversationID),
		slog.Int64("message_id", messageID),
		slog.String("commit", res.CommitHash),
		slog.Int("files", len(res.AppliedFiles)),
	)
	return res, nil
}

func (s *Service) apply(ctx context.Context, root string, out Output) (Result, error) {
	targets := out.TargetPaths()
	var res Result

	dirty, derr := s.vcs.Dirty(ctx, root)
	if derr != nil {
		res.ExtraFilesError = derr.Error()
	}
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}
	var conflicts []string
	for _, d := range dirty {
		if targetSet[d] {
			conflicts = append(conflicts, d)
		} else {
			res.ExtraFiles = append(res.ExtraFiles, d)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return Result{}, &ConflictError{Paths: conflicts}
	}
	if len(out.Packages) > 0 && s.installer == nil {
		return Result{}, errors.New("no package installer configured")
	}
	if len(out.SQL) > 0 && s.sql == nil {
		return Result{}, errors.New("no SQL executor configured")
	}

	snap := newSnapshot(root)
	capture := append([]string(nil), targets...)
	if ma, ok := s.installer.(ManifestAware); ok && len(out.Packages) > 0 {
		capture = append(capture, ma.ManifestFiles()...)
	}
	for _, p := range capture {
		if err := snap.capture(p); err != nil {
			return Result{}, fmt.Errorf("snapshot: %w", err)
		}
	}

	var tx SQLTx
	rollback := func(cause error) error {
		errs := []error{cause}
		if tx != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logger.Error("sql rollback after failed approval", slog.String("error", rerr.Error()))
				errs = append(errs, rerr)
			}
		}
		if rerr := snap.restore(); rerr != nil {
			s.logger.Error("restore after failed approval", slog.String("error", rerr.Error()))
			errs = append(errs, rerr)
		}
		if len(errs) == 1 {
			return cause
		}
		return errors.Join(errs...)
	}

	if err := applyFiles(root, out); err != nil {
		return Result{}, rollback(err)
	}
	commitPaths := append([]string(nil), targets...)
	if len(out.Packages) > 0 {
		changed, err := s.installer.Install(ctx, root, out.Packages)
		if err != nil {
			return Result{}, rollback(fmt.Errorf("install packages: %w", err))
		}
		commitPaths = append(commitPaths, changed...)
	}
	if len(out.SQL) > 0 {
		var err error
		if tx, err = s.sql.BeginSQL(ctx, root); err != nil {
			return Result{}, rollback(fmt.Errorf("execute sql: %w", err))
		}
		for _, q := range out.SQL {
			if err := tx.Exec(ctx, q); err != nil {
				return Result{}, rollback(fmt.Errorf("execute sql: %w", err))
			}
		}
	}

	title := out.Summary
	if title == "" {
		title = "Apply proposed changes"
	}
	hash, err := s.vcs.Commit(ctx, root, commitPaths, "[appforge] "+title)
	if err != nil {
		return Result{}, rollback(fmt.Errorf("commit: %w", err))
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			// The version exists; the database did not change.
			s.logger.Error("sql commit after version", slog.String("commit", hash), slog.String("error", err.Error()))
			return Result{}, fmt.Errorf("commit sql after version %s: %w", hash, err)
		}
	}

	res.Success = true
	res.CommitHash = hash
	res.AppliedFiles = appliedFiles(out)
	return res, nil
}

// applyFiles performs writes, then renames, then deletes.
func applyFiles(root string, out Output) error {
	for _, w := range out.Writes {
		abs, err := resolveInRoot(root, w.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", w.Path, err)
		}
		if err := os.WriteFile(abs, []byte(w.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", w.Path, err)
		}
	}
	for _, r := range out.Renames {
		from, err := resolveInRoot(root, r.From)
		if err != nil {
			return err
		}
		to, err := resolveInRoot(root, r.To)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return fmt.Errorf("rename %s: %w", r.From, err)
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rename %s: %w", r.From, err)
		}
	}
	for _, d := range out.Deletes {
		abs, err := resolveInRoot(root, d)
		if err != nil {
			return err
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", d, err)
		}
	}
	return nil
}

func appliedFiles(out Output) []string {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, w := range out.Writes {
		add(w.Path)
	}
	for _, r := range out.Renames {
		add(r.To)
	}
	for _, d := range out.Deletes {
		add(d)
	}
	return files
}

// Reject 丢弃待处理的提案
// Reject discards a pending proposal. Rejecting a resolved one is a no-op.
func (s *Service) Reject(_ context.Context, conversationID, messageID int64) error {
	unlock := s.lock(messageID)
	defer unlock()

	msg, err := s.store.LoadMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.ConversationID != conversationID {
		return ErrMessageMismatch
	}
	ok, err := s.store.TransitionApproval(messageID, chat.ApprovalPending, chat.ApprovalRejected)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	if ok {
		s.logger.Info("proposal rejected",
			slog.Int64("conversation_id", conversationID),
			slog.Int64("message_id", messageID),
		)
	}
	return nil
}
