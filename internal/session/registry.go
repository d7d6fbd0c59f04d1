// Package session tracks the single active stream allowed per conversation.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyStreaming is returned by Admit when the conversation already has a live stream.
var ErrAlreadyStreaming = errors.New("conversation already streaming")

// State 流会话的生命周期状态
// State is the lifecycle state of a stream session.
type State int32

const (
	StateAdmitted State = iota
	StateStreaming
	StateAwaitingConsent
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateStreaming:
		return "streaming"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Session 一个已准入的流
// Session is one admitted stream.
type Session struct {
	ConversationID int64
	StartedAt      time.Time

	state  atomic.Int32
	cancel context.CancelFunc
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState 切换状态, 终止状态不可再变
// SetState moves the session to next. Terminal states are sticky: once a
// session completed, was cancelled or errored, further transitions are ignored
// and false is returned.
func (s *Session) SetState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Cancel 标记取消并触发取消函数
// Cancel marks the session cancelled and fires its cancel func. A session
// that already terminated is left alone and false is returned.
func (s *Session) Cancel() bool {
	if !s.SetState(StateCancelled) {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Gauge is the subset of a prometheus gauge the registry reports to.
type Gauge interface {
	Inc()
	Dec()
}

// Registry 每个会话最多一个会话实例
// Registry holds at most one session per conversation. Admission is a single
// LoadOrStore so unrelated conversations never share a lock.
type Registry struct {
	sessions sync.Map // int64 -> *Session
	active   Gauge
	now      func() time.Time
}

// NewRegistry creates an empty registry. active may be nil.
func NewRegistry(active Gauge) *Registry {
	return &Registry{active: active, now: time.Now}
}

// Admit 为会话注册新的流
// Admit registers a new session for conversationID. A second call while a
// session exists returns ErrAlreadyStreaming and changes nothing; the cancel
// func passed in is not invoked in that case.
func (r *Registry) Admit(conversationID int64, cancel context.CancelFunc) (*Session, error) {
	s := &Session{ConversationID: conversationID, StartedAt: r.now(), cancel: cancel}
	if _, loaded := r.sessions.LoadOrStore(conversationID, s); loaded {
		return nil, ErrAlreadyStreaming
	}
	if r.active != nil {
		r.active.Inc()
	}
	return s, nil
}

// Release removes s from the registry if it is still the registered session
// for its conversation. Calling it again, or with a stale session, is a no-op.
func (r *Registry) Release(s *Session) bool {
	if s == nil {
		return false
	}
	if !r.sessions.CompareAndDelete(s.ConversationID, s) {
		return false
	}
	if r.active != nil {
		r.active.Dec()
	}
	return true
}

// Get returns the live session of a conversation.
func (r *Registry) Get(conversationID int64) (*Session, bool) {
	v, ok := r.sessions.Load(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// IsStreaming reports whether the conversation has a live session.
func (r *Registry) IsStreaming(conversationID int64) bool {
	_, ok := r.sessions.Load(conversationID)
	return ok
}

// Cancel cancels the live session of a conversation, if any.
func (r *Registry) Cancel(conversationID int64) bool {
	s, ok := r.Get(conversationID)
	if !ok {
		return false
	}
	return s.Cancel()
}

// Active lists the conversation ids with a live session, ascending.
func (r *Registry) Active() []int64 {
	var ids []int64
	r.sessions.Range(func(key, _ any) bool {
		ids = append(ids, key.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
