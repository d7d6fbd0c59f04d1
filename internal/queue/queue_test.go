package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"appforge/internal/chat"
)

func prompts(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Prompt
	}
	return out
}

func TestEnqueueAssignsIDAndKeepsOrder(t *testing.T) {
	q := New()
	a := q.Enqueue(1, Item{Prompt: "a"})
	q.Enqueue(1, Item{ID: "fixed", Prompt: "b"})

	require.NotEmpty(t, a.ID)
	require.Equal(t, []string{"a", "b"}, prompts(q.List(1)))
	require.Equal(t, "fixed", q.List(1)[1].ID)
	require.Equal(t, 0, q.Len(2), "conversations are independent")
}

func TestDequeueFirstTakesHead(t *testing.T) {
	q := New()
	for _, p := range []string{"a", "b", "c"} {
		q.Enqueue(1, Item{Prompt: p})
	}
	head, ok := q.DequeueFirst(1)
	require.True(t, ok)
	require.Equal(t, "a", head.Prompt)
	require.Equal(t, []string{"b", "c"}, prompts(q.List(1)))

	q.Clear(1)
	_, ok = q.DequeueFirst(1)
	require.False(t, ok)
}

func TestReorder(t *testing.T) {
	q := New()
	for _, p := range []string{"a", "b", "c", "d"} {
		q.Enqueue(1, Item{Prompt: p})
	}
	require.NoError(t, q.Reorder(1, 3, 0))
	require.Equal(t, []string{"d", "a", "b", "c"}, prompts(q.List(1)))

	require.NoError(t, q.Reorder(1, 0, 3))
	require.Equal(t, []string{"a", "b", "c", "d"}, prompts(q.List(1)))

	require.NoError(t, q.Reorder(1, 1, 2))
	require.Equal(t, []string{"a", "c", "b", "d"}, prompts(q.List(1)))

	require.ErrorIs(t, q.Reorder(1, 4, 0), ErrIndexOutOfRange)
	require.ErrorIs(t, q.Reorder(1, 0, -1), ErrIndexOutOfRange)
}

func TestUpdateInPlace(t *testing.T) {
	q := New()
	q.Enqueue(1, Item{Prompt: "a"})
	b := q.Enqueue(1, Item{Prompt: "b"})
	q.Enqueue(1, Item{Prompt: "c"})

	p := "b2"
	atts := []chat.Attachment{{Name: "notes.txt", Data: "x"}}
	updated, err := q.Update(1, b.ID, Patch{Prompt: &p, Attachments: &atts})
	require.NoError(t, err)
	require.Equal(t, "b2", updated.Prompt)
	require.Len(t, updated.Attachments, 1)
	require.Equal(t, []string{"a", "b2", "c"}, prompts(q.List(1)))

	_, err = q.Update(1, "missing", Patch{Prompt: &p})
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestRemove(t *testing.T) {
	q := New()
	q.Enqueue(1, Item{Prompt: "a"})
	b := q.Enqueue(1, Item{Prompt: "b"})
	q.Enqueue(1, Item{Prompt: "c"})

	require.NoError(t, q.Remove(1, b.ID))
	require.Equal(t, []string{"a", "c"}, prompts(q.List(1)))
	require.ErrorIs(t, q.Remove(1, b.ID), ErrItemNotFound)
}

// After any mix of edits, the drained item is whatever sits at the head and
// the remainder keeps its relative order.
func TestDrainAfterEditsTakesCurrentHead(t *testing.T) {
	q := New()
	ids := make([]string, 0, 5)
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, q.Enqueue(9, Item{Prompt: p}).ID)
	}
	require.NoError(t, q.Remove(9, ids[0]))
	require.NoError(t, q.Reorder(9, 2, 0))
	x := "c!"
	_, err := q.Update(9, ids[2], Patch{Prompt: &x})
	require.NoError(t, err)

	before := q.List(9)
	head, ok := q.DequeueFirst(9)
	require.True(t, ok)
	require.Equal(t, before[0], head)
	require.Equal(t, prompts(before[1:]), prompts(q.List(9)))
}

func TestOnChangeReportsLength(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var lens []int
	q.OnChange = func(_ int64, n int) {
		mu.Lock()
		lens = append(lens, n)
		mu.Unlock()
	}
	q.Enqueue(1, Item{Prompt: "a"})
	q.Enqueue(1, Item{Prompt: "b"})
	q.DequeueFirst(1)
	require.Equal(t, []int{1, 2, 1}, lens)
}

func TestConcurrentEnqueue(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(1, Item{Prompt: "p"})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, q.Len(1))
}
