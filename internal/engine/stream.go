package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/contextmgr"
	"appforge/internal/proposal"
	"appforge/internal/provider"
	"appforge/internal/queue"
	"appforge/internal/security"
	"appforge/internal/session"
	"appforge/internal/tools"
)

const (
	cancelledSuffix = "[Response cancelled by user]"
	continuePrompt  = "Continue exactly where you left off without any preamble. Do not repeat text you already wrote."
)

var errToolUnavailable = errors.New("tool is not available in this mode")

// stream is the state of one admitted run. It also collects what the staging
// tools produce.
type stream struct {
	conv     chat.Conversation
	app      chat.App
	session  *session.Session
	req      StreamRequest
	consumed bool
	window   time.Time
	started  time.Time

	assistant chat.Message
	history   int

	content   string
	reasoning strings.Builder
	staged    []string
	summary   string
	truncated bool
	usage     provider.Usage

	limiter *rate.Limiter
	dirty   bool
}

func (s *stream) Stage(tag string) { s.staged = append(s.staged, tag) }

func (s *stream) SetSummary(summary string) { s.summary = summary }

// text is the assistant message as stored: model text followed by staged tags.
func (s *stream) text() string {
	parts := make([]string, 0, len(s.staged)+2)
	if c := strings.TrimSpace(s.content); c != "" {
		parts = append(parts, s.content)
	}
	parts = append(parts, s.staged...)
	if s.summary != "" {
		parts = append(parts, proposal.ChatSummaryTag(s.summary))
	}
	return strings.Join(parts, "\n\n")
}

func (e *Engine) run(ctx context.Context, st *stream) {
	ctx, span := e.tracer.Start(ctx, "engine.stream")
	span.SetAttributes(
		attribute.Int64("conversation.id", st.conv.ID),
		attribute.String("conversation.mode", string(st.conv.Mode)),
	)
	defer span.End()

	st.limiter = rate.NewLimiter(rate.Every(e.opts.ChunkInterval), 1)
	err := e.prepare(ctx, st)
	if err == nil {
		err = e.loop(ctx, st)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	switch {
	case err == nil:
		e.complete(ctx, st)
	case isContextCancellationErr(ctx, err):
		e.cancelled(st)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.failed(st, err)
	}
}

// prepare applies a pending compaction and inserts the user message and the
// assistant placeholder.
func (e *Engine) prepare(ctx context.Context, st *stream) error {
	if _, err := e.deps.Compactor.ApplyPending(ctx, st.conv.ID); err != nil {
		e.logger.Warn("pending compaction skipped", "conversation_id", st.conv.ID, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var head string
	if e.deps.Versions != nil {
		h, err := e.deps.Versions.Head(ctx, st.app.Path)
		if err != nil {
			e.logger.Debug("no head commit", "app_id", st.app.ID, "error", err)
		}
		head = h
	}

	if _, err := e.deps.Store.AppendMessage(chat.Message{
		ConversationID: st.conv.ID,
		Role:           chat.RoleUser,
		Content:        contextmgr.RenderPrompt(st.req.Prompt, st.req.Attachments, st.req.SelectedComponents),
	}); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	placeholder, err := e.deps.Store.AppendMessage(chat.Message{
		ConversationID:   st.conv.ID,
		Role:             chat.RoleAssistant,
		SourceCommitHash: head,
	})
	if err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	st.assistant = placeholder
	e.publishChunk(st, true)
	return nil
}

func (e *Engine) loop(ctx context.Context, st *stream) error {
	history, err := e.deps.Store.LoadMessages(st.conv.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	st.history = len(history)
	msgs := e.deps.Assembler.Build(st.app.Path, st.conv.Mode, history)

	ws, err := security.NewWorkspace(st.app.Path)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	catalog := tools.NewCatalog(ws, st).WithConsent(e.opts.ConsentOverrides)
	defs := catalog.Definitions(st.conv.Mode)

	continuations := 0
	for step := 0; step < e.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.session.SetState(session.StateStreaming)

		stepStart := len(st.content)
		resp, err := e.deps.Provider.Chat(ctx, provider.ChatRequest{
			Messages:    msgs,
			Tools:       defs,
			Temperature: e.opts.Temperature,
			MaxTokens:   e.opts.MaxTokens,
		}, &provider.StreamCallbacks{
			OnTextChunk: func(delta string) {
				st.content += delta
				e.publishChunk(st, false)
			},
			OnReasoningChunk: func(delta string) {
				st.reasoning.WriteString(delta)
			},
			OnUsage: func(u provider.Usage) {
				if u.TotalTokens > 0 {
					st.usage = u
				}
			},
		})
		if err != nil {
			e.flushChunk(st)
			if isContextCancellationErr(ctx, err) {
				return contextErrOr(ctx, err)
			}
			return fmt.Errorf("provider chat: %w", err)
		}

		stepText := st.content[stepStart:]
		calls := resp.ToolCalls
		if len(calls) == 0 {
			if recovered, rest := recoverToolCalls(stepText, defs); len(recovered) > 0 {
				calls = recovered
				stepText = rest
				st.content = st.content[:stepStart] + rest
				st.dirty = true
			}
		}
		e.flushChunk(st)

		if len(calls) > 0 {
			msgs = append(msgs, chat.Message{Role: chat.RoleAssistant, Content: stepText, ToolCalls: calls})
			for _, call := range calls {
				result, err := e.runTool(ctx, st, catalog, call)
				if err != nil {
					return err
				}
				msgs = append(msgs, chat.Message{
					Role:       chat.RoleTool,
					Name:       call.Function.Name,
					ToolCallID: call.ID,
					Content:    result,
				})
			}
			if strings.TrimSpace(stepText) != "" {
				st.content += "\n\n"
			}
			continue
		}

		if !proposal.Parse(st.content).UnclosedWrite {
			return nil
		}
		if continuations >= e.opts.MaxContinuations {
			st.truncated = true
			e.logger.Warn("output still truncated after continuations", "conversation_id", st.conv.ID, "continuations", continuations)
			return nil
		}
		continuations++
		e.logger.Info("continuing truncated output", "conversation_id", st.conv.ID, "attempt", continuations)
		msgs = append(msgs,
			chat.Message{Role: chat.RoleAssistant, Content: stepText},
			chat.Message{Role: chat.RoleUser, Content: continuePrompt},
		)
	}
	e.logger.Warn("step limit reached", "conversation_id", st.conv.ID, "max_steps", e.opts.MaxSteps)
	return nil
}

// runTool executes one call after consent. A declined or failing tool becomes
// a result the model can read; only cancellation aborts the stream.
func (e *Engine) runTool(ctx context.Context, st *stream, catalog *tools.Registry, call chat.ToolCall) (string, error) {
	name := call.Function.Name
	level, err := catalog.Consent(name)
	if err != nil {
		e.deps.Metrics.toolCall(name, "unknown")
		return tools.FailedResult(name, err), nil
	}
	if st.conv.Mode == chat.ModeAsk && catalog.ModifiesState(name) {
		e.deps.Metrics.toolCall(name, "unavailable")
		return tools.FailedResult(name, errToolUnavailable), nil
	}

	if level == consent.LevelAsk {
		st.session.SetState(session.StateAwaitingConsent)
		e.publishChunk(st, true)
	}
	decision, err := e.gate.Check(ctx, st.conv.ID, name, level, call.Function.Arguments)
	st.session.SetState(session.StateStreaming)
	if err != nil {
		return "", err
	}
	e.deps.Metrics.toolCall(name, string(decision))
	if !decision.Allowed() {
		return tools.DeclinedResult(name), nil
	}

	out, err := catalog.Execute(ctx, name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		if isContextCancellationErr(ctx, err) {
			return "", contextErrOr(ctx, err)
		}
		e.logger.Debug("tool failed", "conversation_id", st.conv.ID, "tool", name, "error", err)
		return tools.FailedResult(name, err), nil
	}
	return out, nil
}

// complete 完成流; 进入 Completed 即为提交点
// complete finishes a stream whose loop returned without error. Moving the
// session to Completed is the commit point: a cancel that won the race turns
// the run into a cancelled one, and once completed a cancel request is
// refused, so approval below runs on a context that is not cancelled.
func (e *Engine) complete(ctx context.Context, st *stream) {
	if ctx.Err() != nil || !st.session.SetState(session.StateCompleted) {
		e.cancelled(st)
		return
	}
	ctx = context.WithoutCancel(ctx)

	content := st.text()
	if err := e.deps.Store.UpdateMessageContent(st.assistant.ID, content, st.reasoning.String()); err != nil {
		e.failed(st, fmt.Errorf("save assistant message: %w", err))
		return
	}

	out := proposal.Parse(content)
	summary := st.summary
	if summary == "" {
		summary = out.Summary
	}
	if summary != "" {
		if err := e.deps.Store.SetConversationSummary(st.conv.ID, summary); err != nil {
			e.logger.Warn("save chat summary", "conversation_id", st.conv.ID, "error", err)
		}
	}

	end := &EndEvent{MessageID: st.assistant.ID, ChatSummary: summary}
	end.Proposal = proposal.Derive(content, proposal.Options{
		Mode:         st.conv.Mode,
		Truncated:    st.truncated,
		MessageCount: st.history,
	})
	if end.Proposal != nil && end.Proposal.Kind == proposal.KindCode {
		if err := e.deps.Store.SetApprovalState(st.assistant.ID, chat.ApprovalPending); err != nil {
			e.failed(st, fmt.Errorf("mark proposal pending: %w", err))
			return
		}
		if e.autoApprove(st.conv.Mode) {
			res, err := e.ProposalApprove(ctx, st.conv.ID, st.assistant.ID)
			if err != nil {
				e.logger.Error("auto-approve failed", "conversation_id", st.conv.ID, "message_id", st.assistant.ID, "error", err)
				end.ApproveError = err.Error()
			} else {
				end.UpdatedFiles = len(res.AppliedFiles) > 0
				end.ExtraFiles = res.ExtraFiles
				end.ExtraFilesError = res.ExtraFilesError
				end.CommitHash = res.CommitHash
			}
		}
	}

	e.recordUsage(st)
	if marked, err := e.deps.Compactor.MarkIfNeeded(st.conv.ID, st.usage.TotalTokens, e.contextWindow()); err != nil {
		e.logger.Warn("compaction check failed", "conversation_id", st.conv.ID, "error", err)
	} else if marked {
		e.deps.Metrics.compactionMarked()
	}

	next, hasNext := e.releaseAndDequeue(st)
	e.bus.Publish(Event{Type: EventEnd, ConversationID: st.conv.ID, End: end})
	e.deps.Metrics.streamFinished("completed", st.started)
	e.logger.Info("stream completed",
		"conversation_id", st.conv.ID,
		"message_id", st.assistant.ID,
		"tokens", st.usage.TotalTokens,
		"duration", time.Since(st.started))

	if hasNext {
		e.drain(st.conv.ID, next)
	}
}

func (e *Engine) autoApprove(mode chat.Mode) bool {
	if mode == chat.ModeAsk {
		return false
	}
	return mode.Autonomous() || e.opts.AutoApprove
}

// releaseAndDequeue frees the conversation and takes the next queued prompt
// in one step with respect to Submit, so a prompt is either taken here or
// started by Submit itself.
func (e *Engine) releaseAndDequeue(st *stream) (queue.Item, bool) {
	mu := e.convLock(st.conv.ID)
	mu.Lock()
	defer mu.Unlock()
	next, ok := e.queue.DequeueFirst(st.conv.ID)
	e.sessions.Release(st.session)
	return next, ok
}

// drain starts the dequeued item. When another stream slipped in first the
// item goes back to the head of the queue, where that stream's completion
// picks it up.
func (e *Engine) drain(conversationID int64, item queue.Item) {
	req := StreamRequest{
		ConversationID:     conversationID,
		Prompt:             item.Prompt,
		Attachments:        item.Attachments,
		SelectedComponents: item.SelectedComponents,
	}
	for {
		err := e.StreamStart(e.baseCtx, req)
		switch {
		case err == nil:
			return
		case errors.Is(err, session.ErrAlreadyStreaming):
			if e.requeueHead(conversationID, item) {
				return
			}
		default:
			e.logger.Warn("queued prompt not started", "conversation_id", conversationID, "item_id", item.ID, "error", err)
			e.bus.Publish(Event{Type: EventError, ConversationID: conversationID, Error: &ErrorEvent{Message: err.Error()}})
			return
		}
	}
}

// requeueHead puts item back at the head while a stream is live. It returns
// false when that stream already finished and the caller should retry.
func (e *Engine) requeueHead(conversationID int64, item queue.Item) bool {
	mu := e.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()
	if !e.sessions.IsStreaming(conversationID) {
		return false
	}
	e.queue.Enqueue(conversationID, item)
	if n := e.queue.Len(conversationID); n > 1 {
		_ = e.queue.Reorder(conversationID, n-1, 0)
	}
	return true
}

func (e *Engine) cancelled(st *stream) {
	st.session.SetState(session.StateCancelled)
	content := st.text()
	if strings.TrimSpace(content) != "" {
		content += "\n\n"
	}
	content += cancelledSuffix
	if st.assistant.ID != 0 {
		if err := e.deps.Store.UpdateMessageContent(st.assistant.ID, content, st.reasoning.String()); err != nil {
			e.logger.Error("save cancelled message", "conversation_id", st.conv.ID, "error", err)
		}
	}
	if n := e.gate.CancelConversation(st.conv.ID); n > 0 {
		e.logger.Info("pending consents declined", "conversation_id", st.conv.ID, "count", n)
	}
	e.refund(st)
	e.recordUsage(st)

	e.sessions.Release(st.session)
	e.bus.Publish(Event{Type: EventEnd, ConversationID: st.conv.ID, End: &EndEvent{
		MessageID:    st.assistant.ID,
		WasCancelled: true,
	}})
	e.deps.Metrics.streamFinished("cancelled", st.started)
	e.logger.Info("stream cancelled", "conversation_id", st.conv.ID, "duration", time.Since(st.started))
}

func (e *Engine) failed(st *stream, cause error) {
	st.session.SetState(session.StateErrored)
	if st.assistant.ID != 0 {
		if err := e.deps.Store.UpdateMessageContent(st.assistant.ID, st.text(), st.reasoning.String()); err != nil {
			e.logger.Error("save partial message", "conversation_id", st.conv.ID, "error", err)
		}
	}
	e.gate.CancelConversation(st.conv.ID)
	e.refund(st)

	e.sessions.Release(st.session)
	e.bus.Publish(Event{Type: EventError, ConversationID: st.conv.ID, Error: &ErrorEvent{
		MessageID: st.assistant.ID,
		Message:   cause.Error(),
	}})
	e.deps.Metrics.streamFinished("errored", st.started)
	e.logger.Error("stream failed", "conversation_id", st.conv.ID, "error", cause)
}

func (e *Engine) refund(st *stream) {
	if !st.consumed || e.deps.Quota == nil {
		return
	}
	if err := e.deps.Quota.Refund(string(st.conv.Mode), st.window); err != nil {
		e.logger.Warn("quota refund failed", "mode", st.conv.Mode, "error", err)
	}
}

func (e *Engine) recordUsage(st *stream) {
	if st.usage.TotalTokens <= 0 {
		return
	}
	e.usageMu.Lock()
	e.usage[st.conv.ID] = st.usage.TotalTokens
	e.usageMu.Unlock()
}

// publishChunk emits the current text. Unforced chunks are rate limited; a
// skipped chunk is sent by the next forced flush.
func (e *Engine) publishChunk(st *stream, force bool) {
	if !force && !st.limiter.Allow() {
		st.dirty = true
		return
	}
	st.dirty = false
	e.bus.Publish(Event{Type: EventChunk, ConversationID: st.conv.ID, Chunk: &ChunkEvent{
		MessageID: st.assistant.ID,
		Content:   st.text(),
		Reasoning: st.reasoning.String(),
	}})
}

func (e *Engine) flushChunk(st *stream) {
	if st.dirty {
		e.publishChunk(st, true)
	}
}

// isContextCancellationErr reports whether err ended the stream because the
// run itself was cancelled. Provider timeouts wrap context.DeadlineExceeded
// too but leave ctx alive; those are errors, not cancellations.
func isContextCancellationErr(ctx context.Context, err error) bool {
	return err != nil && ctx != nil && ctx.Err() != nil
}

func contextErrOr(ctx context.Context, fallback error) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return fallback
}
