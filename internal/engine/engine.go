// Package engine runs chat streams: admission, the provider/tool loop,
// consent, completion and the follow-up operations on proposals, versions and
// quotas.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/contextmgr"
	"appforge/internal/proposal"
	"appforge/internal/provider"
	"appforge/internal/queue"
	"appforge/internal/quota"
	"appforge/internal/session"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

var ErrEngineClosed = errors.New("engine closed")

const (
	defaultMaxSteps         = 25
	defaultMaxContinuations = 3
	defaultChunkInterval    = 50 * time.Millisecond
)

// Deps 引擎依赖的协作者
// Deps are the collaborators of an Engine. Versions and Quota may be nil.
type Deps struct {
	Store     storage.Store
	Provider  provider.Provider
	Proposals *proposal.Service
	Versions  *versions.Store
	Quota     *quota.Tracker
	Compactor *contextmgr.Compactor
	Assembler *contextmgr.Assembler
	Tokenizer *contextmgr.Tokenizer
	Metrics   *Metrics
	Logger    *slog.Logger
}

type Options struct {
	// MaxSteps bounds provider round trips per stream.
	MaxSteps int
	// MaxContinuations bounds follow-up requests for output cut off inside a
	// write tag.
	MaxContinuations int
	// AutoApprove applies code proposals in build mode too. Ask mode never
	// auto-approves.
	AutoApprove bool
	// ChunkInterval is the minimum spacing of chunk events.
	ChunkInterval time.Duration
	// ConsentOverrides replace the declared consent level of named tools.
	ConsentOverrides map[string]consent.Level
	Temperature      *float64
	MaxTokens        int
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.MaxContinuations < 0 {
		o.MaxContinuations = 0
	} else if o.MaxContinuations == 0 {
		o.MaxContinuations = defaultMaxContinuations
	}
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = defaultChunkInterval
	}
	return o
}

// StreamRequest 提交到会话的一条提示
// StreamRequest is one prompt submitted to a conversation.
type StreamRequest struct {
	ConversationID     int64                     `json:"conversation_id"`
	Prompt             string                    `json:"prompt"`
	Attachments        []chat.Attachment         `json:"attachments,omitempty"`
	SelectedComponents []chat.ComponentSelection `json:"selected_components,omitempty"`
}

// Engine 持有进程内的流状态
// Engine owns the per-process stream state. All methods are safe for
// concurrent use.
type Engine struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	sessions *session.Registry
	queue    *queue.Queue
	gate     *consent.Gate
	bus      *Bus

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// convLocks order Submit's check-and-enqueue against completion's
	// release-and-dequeue per conversation.
	convLocks sync.Map // int64 -> *sync.Mutex

	usageMu sync.Mutex
	usage   map[int64]int // conversation id -> last reported total tokens

	now func() time.Time
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if deps.Proposals == nil {
		return nil, errors.New("engine: proposal service is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tokenizer == nil {
		deps.Tokenizer = contextmgr.DefaultTokenizer()
	}
	if deps.Assembler == nil {
		deps.Assembler = contextmgr.NewAssembler("")
	}
	if deps.Compactor == nil {
		deps.Compactor = contextmgr.NewCompactor(deps.Store, nil, deps.Tokenizer, contextmgr.Config{}, deps.Logger)
	}

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		deps:    deps,
		opts:    opts.withDefaults(),
		logger:  deps.Logger,
		tracer:  otel.Tracer("appforge/engine"),
		bus:     NewBus(),
		baseCtx: ctx,
		stop:    stop,
		usage:   make(map[int64]int),
		now:     time.Now,
	}

	var active session.Gauge
	if deps.Metrics != nil {
		active = deps.Metrics.ActiveStreams
	}
	e.sessions = session.NewRegistry(active)
	e.queue = queue.New()
	e.queue.OnChange = func(conversationID int64, _ int) {
		e.bus.Publish(Event{
			Type:           EventQueueChanged,
			ConversationID: conversationID,
			Queue:          &QueueEvent{Items: e.queue.List(conversationID)},
		})
	}
	e.gate = consent.NewGate(deps.Store, func(req consent.Request) {
		r := req
		e.bus.Publish(Event{Type: EventConsentRequest, ConversationID: req.ConversationID, Consent: &r})
	}, deps.Logger)
	return e, nil
}

// Subscribe 订阅会话事件
// Subscribe streams events of one conversation, or all when conversationID is 0.
func (e *Engine) Subscribe(conversationID int64) (<-chan Event, func()) {
	return e.bus.Subscribe(conversationID)
}

// Gate exposes the consent gate for maintenance sweeps.
func (e *Engine) Gate() *consent.Gate { return e.gate }

// Active lists conversations with a live stream.
func (e *Engine) Active() []int64 { return e.sessions.Active() }

func (e *Engine) IsStreaming(conversationID int64) bool {
	return e.sessions.IsStreaming(conversationID)
}

// Wait blocks until every running stream has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Close cancels every running stream and waits for them to finish.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Submit 启动流, 会话正在流式输出时排队
// Submit starts a stream, or queues the prompt when the conversation is
// already streaming. The queued item is returned in the second case.
func (e *Engine) Submit(ctx context.Context, req StreamRequest) (*queue.Item, error) {
	mu := e.convLock(req.ConversationID)
	for {
		mu.Lock()
		if e.sessions.IsStreaming(req.ConversationID) {
			item := e.enqueue(req)
			mu.Unlock()
			return item, nil
		}
		mu.Unlock()

		err := e.StreamStart(ctx, req)
		if !errors.Is(err, session.ErrAlreadyStreaming) {
			return nil, err
		}
	}
}

func (e *Engine) convLock(conversationID int64) *sync.Mutex {
	v, _ := e.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) enqueue(req StreamRequest) *queue.Item {
	item := e.queue.Enqueue(req.ConversationID, queue.Item{
		Prompt:             req.Prompt,
		Attachments:        req.Attachments,
		SelectedComponents: req.SelectedComponents,
	})
	e.deps.Metrics.queued()
	return &item
}

// StreamStart 准入并在后台运行流
// StreamStart admits a stream and runs it in the background. It fails with
// session.ErrAlreadyStreaming or quota.ErrQuotaExceeded without side effects.
func (e *Engine) StreamStart(_ context.Context, req StreamRequest) error {
	if e.baseCtx.Err() != nil {
		return ErrEngineClosed
	}
	conv, err := e.deps.Store.LoadConversation(req.ConversationID)
	if err != nil {
		return err
	}
	app, err := e.deps.Store.LoadApp(conv.AppID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	sess, err := e.sessions.Admit(conv.ID, cancel)
	if err != nil {
		cancel()
		return err
	}

	consumed := false
	var window time.Time
	if e.deps.Quota != nil && e.deps.Quota.Tracked(string(conv.Mode)) {
		status, err := e.deps.Quota.CheckAndConsume(string(conv.Mode), e.now())
		if err != nil {
			e.sessions.Release(sess)
			cancel()
			if errors.Is(err, quota.ErrQuotaExceeded) {
				e.deps.Metrics.quotaRejected()
			}
			return err
		}
		consumed = true
		window = status.WindowStart
	}

	e.deps.Metrics.streamStarted(string(conv.Mode))
	e.logger.Info("stream admitted", "conversation_id", conv.ID, "mode", conv.Mode)

	st := &stream{
		conv:     conv,
		app:      app,
		session:  sess,
		req:      req,
		consumed: consumed,
		window:   window,
		started:  e.now(),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, st)
	}()
	return nil
}

// StreamCancel 取消会话的活动流
// StreamCancel stops the live stream of a conversation. It reports whether a
// stream was cancelled.
func (e *Engine) StreamCancel(conversationID int64) bool {
	ok := e.sessions.Cancel(conversationID)
	if ok {
		e.logger.Info("stream cancel requested", "conversation_id", conversationID)
	}
	return ok
}

// ConsentRespond 处理授权请求的答复
// ConsentRespond resolves a pending consent request.
func (e *Engine) ConsentRespond(requestID, decision string) error {
	d, err := consent.ParseDecision(decision)
	if err != nil {
		return err
	}
	return e.gate.Respond(requestID, d)
}

// PendingConsents lists unresolved consent requests of a conversation, head first.
func (e *Engine) PendingConsents(conversationID int64) []consent.Request {
	return e.gate.Pending(conversationID)
}

// ProposalView is the proposal of a conversation's latest assistant message.
type ProposalView struct {
	MessageID     int64              `json:"message_id"`
	ApprovalState chat.ApprovalState `json:"approval_state"`
	Proposal      *proposal.Proposal `json:"proposal"`
}

// Proposal 推导最新助手消息的提案
// Proposal derives the proposal of the latest assistant message. A nil
// Proposal means there is nothing to offer.
func (e *Engine) Proposal(conversationID int64) (ProposalView, error) {
	conv, err := e.deps.Store.LoadConversation(conversationID)
	if err != nil {
		return ProposalView{}, err
	}
	msg, err := e.deps.Store.LatestAssistantMessage(conversationID)
	if err != nil {
		return ProposalView{}, err
	}
	history, err := e.deps.Store.LoadMessages(conversationID)
	if err != nil {
		return ProposalView{}, err
	}
	p := proposal.Derive(msg.Content, proposal.Options{
		Mode:         conv.Mode,
		Resolved:     msg.ApprovalState.Resolved(),
		Truncated:    proposal.Parse(msg.Content).UnclosedWrite,
		MessageCount: len(history),
	})
	return ProposalView{MessageID: msg.ID, ApprovalState: msg.ApprovalState, Proposal: p}, nil
}

func (e *Engine) ProposalApprove(ctx context.Context, conversationID, messageID int64) (proposal.Result, error) {
	res, err := e.deps.Proposals.Approve(ctx, conversationID, messageID)
	switch {
	case err != nil:
		e.deps.Metrics.proposal("failed")
	case !res.AlreadyResolved:
		e.deps.Metrics.proposal("approved")
	}
	return res, err
}

func (e *Engine) ProposalReject(ctx context.Context, conversationID, messageID int64) error {
	if err := e.deps.Proposals.Reject(ctx, conversationID, messageID); err != nil {
		return err
	}
	e.deps.Metrics.proposal("rejected")
	return nil
}

func (e *Engine) versionStore() (*versions.Store, error) {
	if e.deps.Versions == nil {
		return nil, versions.ErrGitUnavailable
	}
	return e.deps.Versions, nil
}

func (e *Engine) VersionList(ctx context.Context, appID int64) ([]versions.Version, error) {
	vs, err := e.versionStore()
	if err != nil {
		return nil, err
	}
	app, err := e.deps.Store.LoadApp(appID)
	if err != nil {
		return nil, err
	}
	return vs.List(ctx, app.Path)
}

func (e *Engine) VersionCheckout(ctx context.Context, appID int64, oid string) error {
	vs, err := e.versionStore()
	if err != nil {
		return err
	}
	app, err := e.deps.Store.LoadApp(appID)
	if err != nil {
		return err
	}
	return vs.Checkout(ctx, app.Path, oid)
}

// RevertResult reports the new version and how many chat messages newer than
// the reverted-to version were removed.
type RevertResult struct {
	Version         versions.Version `json:"version"`
	DeletedMessages int64            `json:"deleted_messages"`
}

// VersionRevert 回滚到指定版本并删除之后的消息
// VersionRevert records a new version whose tree equals oid, then drops the
// chat messages that came after the message which produced oid.
func (e *Engine) VersionRevert(ctx context.Context, appID int64, oid string) (RevertResult, error) {
	vs, err := e.versionStore()
	if err != nil {
		return RevertResult{}, err
	}
	app, err := e.deps.Store.LoadApp(appID)
	if err != nil {
		return RevertResult{}, err
	}
	v, err := vs.Revert(ctx, app.Path, oid)
	if err != nil {
		return RevertResult{}, err
	}
	res := RevertResult{Version: v}

	convs, err := e.deps.Store.ListConversations(appID)
	if err != nil {
		return res, fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range convs {
		msg, err := e.deps.Store.FindMessageByCommit(conv.ID, oid)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		n, err := e.deps.Store.DeleteMessagesAfter(conv.ID, msg.ID)
		if err != nil {
			return res, err
		}
		res.DeletedMessages += n
	}
	e.logger.Info("version reverted", "app_id", appID, "target", oid, "new_version", v.OID, "deleted_messages", res.DeletedMessages)
	return res, nil
}

func (e *Engine) QuotaStatus(mode string) (quota.Status, error) {
	if e.deps.Quota == nil {
		return quota.Status{Mode: mode}, nil
	}
	return e.deps.Quota.Status(mode, e.now())
}

// TokenCountResult is the context usage of a conversation.
type TokenCountResult struct {
	EstimatedTotalTokens int `json:"estimated_total_tokens"`
	// ActualMaxTokens is the total the provider reported for the last stream, 0
	// when unknown.
	ActualMaxTokens int  `json:"actual_max_tokens"`
	ContextWindow   int  `json:"context_window"`
	Threshold       int  `json:"threshold"`
	Precise         bool `json:"precise"`
}

// TokenCount 估算下一次请求的 token 数
// TokenCount estimates the tokens the next request would send, including an
// unsent draft prompt.
func (e *Engine) TokenCount(conversationID int64, draft string) (TokenCountResult, error) {
	conv, err := e.deps.Store.LoadConversation(conversationID)
	if err != nil {
		return TokenCountResult{}, err
	}
	app, err := e.deps.Store.LoadApp(conv.AppID)
	if err != nil {
		return TokenCountResult{}, err
	}
	history, err := e.deps.Store.LoadMessages(conversationID)
	if err != nil {
		return TokenCountResult{}, err
	}
	msgs := e.deps.Assembler.Build(app.Path, conv.Mode, history)
	if draft != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: draft})
	}

	window := e.contextWindow()
	e.usageMu.Lock()
	actual := e.usage[conversationID]
	e.usageMu.Unlock()
	return TokenCountResult{
		EstimatedTotalTokens: e.deps.Tokenizer.Count(msgs),
		ActualMaxTokens:      actual,
		ContextWindow:        window,
		Threshold:            e.deps.Compactor.Threshold(window),
		Precise:              e.deps.Tokenizer.IsPrecise(),
	}, nil
}

// contextWindow is the window of the model currently selected, which may
// change between streams.
func (e *Engine) contextWindow() int {
	if w := contextmgr.ContextWindowFor(e.deps.Provider.CurrentModel()); w > 0 {
		return w
	}
	return e.deps.Compactor.ContextWindow()
}

func (e *Engine) QueueList(conversationID int64) []queue.Item {
	return e.queue.List(conversationID)
}

func (e *Engine) QueueReorder(conversationID int64, from, to int) error {
	return e.queue.Reorder(conversationID, from, to)
}

func (e *Engine) QueueUpdate(conversationID int64, itemID string, patch queue.Patch) (queue.Item, error) {
	return e.queue.Update(conversationID, itemID, patch)
}

func (e *Engine) QueueRemove(conversationID int64, itemID string) error {
	return e.queue.Remove(conversationID, itemID)
}

func (e *Engine) QueueClear(conversationID int64) {
	e.queue.Clear(conversationID)
}
