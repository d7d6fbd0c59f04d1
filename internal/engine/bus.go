package engine

import (
	"sync"

	"appforge/internal/consent"
	"appforge/internal/proposal"
	"appforge/internal/queue"
)

type EventType string

const (
	EventChunk          EventType = "chunk"
	EventEnd            EventType = "end"
	EventError          EventType = "error"
	EventConsentRequest EventType = "consent_request"
	EventQueueChanged   EventType = "queue_changed"
)

// Event 会话事件
// Event is one notification about a conversation. Exactly one payload field
// is set, matching Type.
type Event struct {
	Type           EventType        `json:"type"`
	ConversationID int64            `json:"conversation_id"`
	Chunk          *ChunkEvent      `json:"chunk,omitempty"`
	End            *EndEvent        `json:"end,omitempty"`
	Error          *ErrorEvent      `json:"error,omitempty"`
	Consent        *consent.Request `json:"consent,omitempty"`
	Queue          *QueueEvent      `json:"queue,omitempty"`
}

// ChunkEvent carries the full assistant text so far, so a dropped
// intermediate chunk loses nothing.
type ChunkEvent struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type EndEvent struct {
	MessageID       int64              `json:"message_id"`
	UpdatedFiles    bool               `json:"updated_files"`
	ExtraFiles      []string           `json:"extra_files,omitempty"`
	ExtraFilesError string             `json:"extra_files_error,omitempty"`
	ChatSummary     string             `json:"chat_summary,omitempty"`
	WasCancelled    bool               `json:"was_cancelled"`
	CommitHash      string             `json:"commit_hash,omitempty"`
	Proposal        *proposal.Proposal `json:"proposal,omitempty"`
	// ApproveError is set when auto-approval failed; the proposal stays pending.
	ApproveError string `json:"approve_error,omitempty"`
}

type ErrorEvent struct {
	MessageID int64  `json:"message_id,omitempty"`
	Message   string `json:"message"`
}

type QueueEvent struct {
	Items []queue.Item `json:"items"`
}

// Bus 事件总线, 发布永不阻塞
// Bus fans events out to subscribers. Publish never blocks: every subscriber
// owns an unbounded buffer drained by its own goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	conversationID int64

	mu     sync.Mutex
	buf    []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns a channel receiving the events of one conversation in
// publish order, or of every conversation when conversationID is 0. The
// channel is closed after the returned cancel func is called.
func (b *Bus) Subscribe(conversationID int64) (<-chan Event, func()) {
	s := &subscriber{
		conversationID: conversationID,
		signal:         make(chan struct{}, 1),
		out:            make(chan Event),
		done:           make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.run()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.conversationID != 0 && s.conversationID != ev.ConversationID {
			continue
		}
		s.push(ev)
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.buf[0]
		s.buf[0] = Event{}
		s.buf = s.buf[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
