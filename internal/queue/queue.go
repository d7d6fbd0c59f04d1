// Package queue buffers prompts submitted while a conversation is streaming.
package queue

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"appforge/internal/chat"
)

var (
	ErrItemNotFound    = errors.New("queued item not found")
	ErrIndexOutOfRange = errors.New("queue index out of range")
)

// Item 排队等待的提示
// Item is a prompt waiting for the current stream to finish.
type Item struct {
	ID                 string                    `json:"id"`
	Prompt             string                    `json:"prompt"`
	Attachments        []chat.Attachment         `json:"attachments,omitempty"`
	SelectedComponents []chat.ComponentSelection `json:"selected_components,omitempty"`
}

// Patch edits an item in place. Nil fields are left unchanged.
type Patch struct {
	Prompt             *string
	Attachments        *[]chat.Attachment
	SelectedComponents *[]chat.ComponentSelection
}

type conversationQueue struct {
	mu    sync.Mutex
	items []Item
}

// Queue 每个会话一个有序队列
// Queue holds one ordered list per conversation, each behind its own lock.
type Queue struct {
	mu     sync.Mutex
	queues map[int64]*conversationQueue

	// OnChange, when set, is called after every mutation with the new length.
	OnChange func(conversationID int64, length int)
}

func New() *Queue {
	return &Queue{queues: make(map[int64]*conversationQueue)}
}

func (q *Queue) conv(conversationID int64) *conversationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.queues[conversationID]
	if !ok {
		cq = &conversationQueue{}
		q.queues[conversationID] = cq
	}
	return cq
}

func (q *Queue) changed(conversationID int64, n int) {
	if q.OnChange != nil {
		q.OnChange(conversationID, n)
	}
}

// Enqueue 追加到队尾
// Enqueue appends item and returns it with an id assigned.
func (q *Queue) Enqueue(conversationID int64, item Item) Item {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	cq := q.conv(conversationID)
	cq.mu.Lock()
	cq.items = append(cq.items, item)
	n := len(cq.items)
	cq.mu.Unlock()
	q.changed(conversationID, n)
	return item
}

// DequeueFirst 取出队首
// DequeueFirst removes and returns the head item.
func (q *Queue) DequeueFirst(conversationID int64) (Item, bool) {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	if len(cq.items) == 0 {
		cq.mu.Unlock()
		return Item{}, false
	}
	head := cq.items[0]
	cq.items = append([]Item(nil), cq.items[1:]...)
	n := len(cq.items)
	cq.mu.Unlock()
	q.changed(conversationID, n)
	return head, true
}

// Reorder 移动队列项
// Reorder moves the item at from to index to, shifting the rest.
func (q *Queue) Reorder(conversationID int64, from, to int) error {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	n := len(cq.items)
	if from < 0 || from >= n || to < 0 || to >= n {
		cq.mu.Unlock()
		return ErrIndexOutOfRange
	}
	if from != to {
		item := cq.items[from]
		rest := append(append([]Item(nil), cq.items[:from]...), cq.items[from+1:]...)
		out := make([]Item, 0, n)
		out = append(out, rest[:to]...)
		out = append(out, item)
		out = append(out, rest[to:]...)
		cq.items = out
	}
	cq.mu.Unlock()
	q.changed(conversationID, n)
	return nil
}

// Update applies patch to the item with itemID without moving it.
func (q *Queue) Update(conversationID int64, itemID string, patch Patch) (Item, error) {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	idx := indexOf(cq.items, itemID)
	if idx < 0 {
		cq.mu.Unlock()
		return Item{}, ErrItemNotFound
	}
	item := &cq.items[idx]
	if patch.Prompt != nil {
		item.Prompt = *patch.Prompt
	}
	if patch.Attachments != nil {
		item.Attachments = append([]chat.Attachment(nil), (*patch.Attachments)...)
	}
	if patch.SelectedComponents != nil {
		item.SelectedComponents = append([]chat.ComponentSelection(nil), (*patch.SelectedComponents)...)
	}
	updated := *item
	n := len(cq.items)
	cq.mu.Unlock()
	q.changed(conversationID, n)
	return updated, nil
}

// Remove deletes the item with itemID.
func (q *Queue) Remove(conversationID int64, itemID string) error {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	idx := indexOf(cq.items, itemID)
	if idx < 0 {
		cq.mu.Unlock()
		return ErrItemNotFound
	}
	cq.items = append(cq.items[:idx:idx], cq.items[idx+1:]...)
	n := len(cq.items)
	cq.mu.Unlock()
	q.changed(conversationID, n)
	return nil
}

// List returns a copy of the conversation's items in order.
func (q *Queue) List(conversationID int64) []Item {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return append([]Item(nil), cq.items...)
}

func (q *Queue) Len(conversationID int64) int {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.items)
}

// Clear drops every item of the conversation.
func (q *Queue) Clear(conversationID int64) {
	cq := q.conv(conversationID)
	cq.mu.Lock()
	cq.items = nil
	cq.mu.Unlock()
	q.changed(conversationID, 0)
}

func indexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
