package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type countingGauge struct{ n atomic.Int64 }

func (g *countingGauge) Inc() { g.n.Add(1) }
func (g *countingGauge) Dec() { g.n.Add(-1) }

func TestAdmitRejectsSecondStream(t *testing.T) {
	g := &countingGauge{}
	r := NewRegistry(g)

	first, err := r.Admit(1, nil)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	cancelled := false
	second, err := r.Admit(1, func() { cancelled = true })
	if !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second admit err=%v, want ErrAlreadyStreaming", err)
	}
	if second != nil {
		t.Fatal("rejected admit should not return a session")
	}
	if cancelled {
		t.Fatal("rejected admit must not invoke its cancel func")
	}
	if got, _ := r.Get(1); got != first {
		t.Fatal("registered session changed after rejected admit")
	}
	if g.n.Load() != 1 {
		t.Fatalf("gauge=%d, want 1", g.n.Load())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := &countingGauge{}
	r := NewRegistry(g)
	s, _ := r.Admit(7, nil)

	if !r.Release(s) {
		t.Fatal("first release should remove the session")
	}
	if r.Release(s) {
		t.Fatal("second release should be a no-op")
	}
	if g.n.Load() != 0 {
		t.Fatalf("gauge=%d, want 0", g.n.Load())
	}
	if r.IsStreaming(7) {
		t.Fatal("conversation still streaming after release")
	}
}

func TestStaleReleaseKeepsNewSession(t *testing.T) {
	r := NewRegistry(nil)
	old, _ := r.Admit(3, nil)
	r.Release(old)
	fresh, err := r.Admit(3, nil)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if r.Release(old) {
		t.Fatal("stale release removed the new session")
	}
	if got, ok := r.Get(3); !ok || got != fresh {
		t.Fatal("fresh session missing")
	}
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	r := NewRegistry(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Admit(42, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins=%d, want 1", wins.Load())
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	r := NewRegistry(nil)
	fired := 0
	s, _ := r.Admit(5, func() { fired++ })

	if !s.SetState(StateStreaming) || s.State() != StateStreaming {
		t.Fatalf("state=%v, want streaming", s.State())
	}
	if !r.Cancel(5) {
		t.Fatal("cancel should succeed on a live session")
	}
	if s.State() != StateCancelled {
		t.Fatalf("state=%v, want cancelled", s.State())
	}
	if s.SetState(StateCompleted) {
		t.Fatal("terminal state must not change")
	}
	if fired != 1 {
		t.Fatalf("cancel fired %d times, want 1", fired)
	}
	if r.Cancel(99) {
		t.Fatal("cancel of unknown conversation should report false")
	}
}

func TestCancelAfterCompletionIsRefused(t *testing.T) {
	r := NewRegistry(nil)
	fired := 0
	s, _ := r.Admit(6, func() { fired++ })
	if !s.SetState(StateCompleted) {
		t.Fatal("completing a live session should succeed")
	}
	if r.Cancel(6) {
		t.Fatal("cancel of a completed session should report false")
	}
	if fired != 0 {
		t.Fatalf("cancel func fired %d times, want 0", fired)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state=%v, want completed", s.State())
	}
}

func TestActiveListsSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []int64{9, 2, 5} {
		if _, err := r.Admit(id, nil); err != nil {
			t.Fatalf("admit %d: %v", id, err)
		}
	}
	got := r.Active()
	want := []int64{2, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("active=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active=%v, want %v", got, want)
		}
	}
}
