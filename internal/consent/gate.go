// Package consent suspends tool calls that need user sign-off and remembers
// per-conversation "always allow" grants.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"appforge/internal/storage"
)

var (
	ErrNotFound        = errors.New("consent request not found")
	ErrInvalidDecision = errors.New("invalid consent decision")
)

// Level 工具声明的默认授权级别
// Level is the static consent default a tool declares.
type Level string

const (
	LevelAlways Level = "always"
	LevelAsk    Level = "ask"
	LevelNever  Level = "never"
)

// Decision 授权请求的结果
// Decision is the outcome of a consent request.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAlwaysAllow Decision = "always-allow"
	DecisionDecline     Decision = "decline"
)

// Allowed reports whether the tool may run.
func (d Decision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAlwaysAllow
}

// ParseDecision accepts the wire names, case-insensitive.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllowOnce, DecisionAlwaysAllow, DecisionDecline:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Request 等待用户确认的工具调用
// Request is presented to the user while a tool call waits.
type Request struct {
	ID             string    `json:"request_id"`
	ConversationID int64     `json:"conversation_id"`
	Tool           string    `json:"tool"`
	Args           string    `json:"args,omitempty"`
	Scope          string    `json:"scope"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists grants and the decision log.
type Store interface {
	GrantConsent(conversationID int64, tool string) error
	HasConsentGrant(conversationID int64, tool string) (bool, error)
	LogConsent(entry storage.ConsentEntry) error
}

type pendingRequest struct {
	req    Request
	result chan Decision
}

// Gate 待处理的授权请求, 每个会话按 FIFO 排列
// Gate holds pending requests. Requests of one conversation form a FIFO and
// only the head is presented through the notify callback.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	fifo    map[int64][]*pendingRequest

	store  Store
	notify func(Request)
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate. notify receives each request when it reaches the
// head of its conversation's line; it must not block.
func NewGate(store Store, notify func(Request), logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pendingRequest),
		fifo:    make(map[int64][]*pendingRequest),
		store:   store,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}
}

// Check 判断工具能否执行, 需要确认时阻塞
// Check decides whether tool may run. For ask-level tools without a grant it
// blocks until Respond, CancelConversation or ctx resolves the request.
func (g *Gate) Check(ctx context.Context, conversationID int64, tool string, level Level, args string) (Decision, error) {
	switch level {
	case LevelAlways:
		return DecisionAlwaysAllow, nil
	case LevelNever:
		g.record(conversationID, "", tool, DecisionDecline, "tool disabled")
		return DecisionDecline, nil
	}

	granted, err := g.store.HasConsentGrant(conversationID, tool)
	if err != nil {
		return DecisionDecline, fmt.Errorf("load consent grant: %w", err)
	}
	if granted {
		return DecisionAlwaysAllow, nil
	}

	p := &pendingRequest{
		req: Request{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Tool:           tool,
			Args:           args,
			Scope:          "conversation",
			CreatedAt:      g.now().UTC(),
		},
		result: make(chan Decision, 1),
	}

	g.mu.Lock()
	g.pending[p.req.ID] = p
	g.fifo[conversationID] = append(g.fifo[conversationID], p)
	isHead := len(g.fifo[conversationID]) == 1
	g.mu.Unlock()

	g.logger.Info("consent requested",
		slog.String("request_id", p.req.ID),
		slog.Int64("conversation_id", conversationID),
		slog.String("tool", tool),
	)
	if isHead {
		g.present(p.req)
	}

	select {
	case d := <-p.result:
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		_, still := g.pending[p.req.ID]
		var next *Request
		if still {
			before := g.headLocked(conversationID)
			g.removeLocked(p)
			next = g.advancedLocked(conversationID, before)
		}
		g.mu.Unlock()
		if !still {
			// Resolved concurrently with cancellation.
			return <-p.result, nil
		}
		if next != nil {
			g.present(*next)
		}
		return DecisionDecline, ctx.Err()
	}
}

// Respond 处理一条待确认请求
// Respond resolves a pending request. always-allow persists a grant and also
// resolves the conversation's other pending requests for the same tool.
func (g *Gate) Respond(requestID string, decision Decision) error {
	if _, err := ParseDecision(string(decision)); err != nil {
		return err
	}

	g.mu.Lock()
	p, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	resolved := []*pendingRequest{p}
	if decision == DecisionAlwaysAllow {
		for _, other := range g.fifo[p.req.ConversationID] {
			if other != p && other.req.Tool == p.req.Tool {
				resolved = append(resolved, other)
			}
		}
	}
	before := g.headLocked(p.req.ConversationID)
	for _, r := range resolved {
		g.removeLocked(r)
	}
	next := g.advancedLocked(p.req.ConversationID, before)
	g.mu.Unlock()

	if decision == DecisionAlwaysAllow {
		if err := g.store.GrantConsent(p.req.ConversationID, p.req.Tool); err != nil {
			g.logger.Error("persist consent grant failed",
				slog.Int64("conversation_id", p.req.ConversationID),
				slog.String("tool", p.req.Tool),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, r := range resolved {
		g.record(r.req.ConversationID, r.req.ID, r.req.Tool, decision, "")
		r.result <- decision
	}
	if next != nil {
		g.present(*next)
	}
	return nil
}

// CancelConversation 拒绝会话的所有待确认请求
// CancelConversation declines every pending request of a conversation.
func (g *Gate) CancelConversation(conversationID int64) int {
	return g.declineWhere(func(p *pendingRequest) bool {
		return p.req.ConversationID == conversationID
	}, "conversation cancelled")
}

// Expire 拒绝超时的请求
// Expire declines requests older than maxAge.
func (g *Gate) Expire(maxAge time.Duration) int {
	cutoff := g.now().UTC().Add(-maxAge)
	return g.declineWhere(func(p *pendingRequest) bool {
		return p.req.CreatedAt.Before(cutoff)
	}, "expired")
}

func (g *Gate) declineWhere(match func(*pendingRequest) bool, reason string) int {
	g.mu.Lock()
	var resolved []*pendingRequest
	for _, p := range g.pending {
		if match(p) {
			resolved = append(resolved, p)
		}
	}
	heads := make(map[int64]*pendingRequest)
	for _, p := range resolved {
		conv := p.req.ConversationID
		if _, ok := heads[conv]; !ok {
			heads[conv] = g.headLocked(conv)
		}
	}
	for _, p := range resolved {
		g.removeLocked(p)
	}
	var presents []Request
	for conv, before := range heads {
		if next := g.advancedLocked(conv, before); next != nil {
			presents = append(presents, *next)
		}
	}
	g.mu.Unlock()

	for _, p := range resolved {
		g.record(p.req.ConversationID, p.req.ID, p.req.Tool, DecisionDecline, reason)
		p.result <- DecisionDecline
	}
	for _, r := range presents {
		g.present(r)
	}
	return len(resolved)
}

// Pending lists the conversation's waiting requests, oldest first.
func (g *Gate) Pending(conversationID int64) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.fifo[conversationID]))
	for _, p := range g.fifo[conversationID] {
		out = append(out, p.req)
	}
	return out
}

func (g *Gate) headLocked(conversationID int64) *pendingRequest {
	line := g.fifo[conversationID]
	if len(line) == 0 {
		return nil
	}
	return line[0]
}

// advancedLocked returns the conversation's head if it differs from before.
func (g *Gate) advancedLocked(conversationID int64, before *pendingRequest) *Request {
	after := g.headLocked(conversationID)
	if after == nil || after == before {
		return nil
	}
	req := after.req
	return &req
}

func (g *Gate) removeLocked(p *pendingRequest) {
	delete(g.pending, p.req.ID)
	conv := p.req.ConversationID
	line := g.fifo[conv]
	for i, item := range line {
		if item == p {
			line = append(line[:i:i], line[i+1:]...)
			break
		}
	}
	if len(line) == 0 {
		delete(g.fifo, conv)
		return
	}
	g.fifo[conv] = line
}

func (g *Gate) present(req Request) {
	if g.notify != nil {
		g.notify(req)
	}
}

func (g *Gate) record(conversationID int64, requestID, tool string, d Decision, reason string) {
	g.logger.Info("consent resolved",
		slog.String("request_id", requestID),
		slog.Int64("conversation_id", conversationID),
		slog.String("tool", tool),
		slog.String("decision", string(d)),
	)
	err := g.store.LogConsent(storage.ConsentEntry{
		ConversationID: conversationID,
		RequestID:      requestID,
		Tool:           tool,
		Decision:       string(d),
		Reason:         reason,
	})
	if err != nil {
		g.logger.Warn("consent log write failed", slog.String("error", err.Error()))
	}
}
