package consent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"appforge/internal/storage"
)

type memStore struct {
	mu     sync.Mutex
	grants map[string]bool
	log    []storage.ConsentEntry
}

func newMemStore() *memStore { return &memStore{grants: map[string]bool{}} }

func grantKey(conv int64, tool string) string { return fmt.Sprintf("%d/%s", conv, tool) }

func (m *memStore) GrantConsent(conv int64, tool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey(conv, tool)] = true
	return nil
}

func (m *memStore) HasConsentGrant(conv int64, tool string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[grantKey(conv, tool)], nil
}

func (m *memStore) LogConsent(e storage.ConsentEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, e)
	return nil
}

type presented struct {
	mu  sync.Mutex
	ch  chan Request
	all []Request
}

func newPresented() *presented { return &presented{ch: make(chan Request, 16)} }

func (p *presented) notify(r Request) {
	p.mu.Lock()
	p.all = append(p.all, r)
	p.mu.Unlock()
	p.ch <- r
}

func (p *presented) next(t *testing.T) Request {
	t.Helper()
	select {
	case r := <-p.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consent request")
		return Request{}
	}
}

func (p *presented) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-p.ch:
		t.Fatalf("unexpected request presented: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestGate(store Store, p *presented) *Gate {
	return NewGate(store, p.notify, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type checkResult struct {
	d   Decision
	err error
}

func checkAsync(g *Gate, ctx context.Context, conv int64, tool string) <-chan checkResult {
	out := make(chan checkResult, 1)
	go func() {
		d, err := g.Check(ctx, conv, tool, LevelAsk, `{}`)
		out <- checkResult{d, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan checkResult) checkResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
		return checkResult{}
	}
}

func TestStaticLevels(t *testing.T) {
	store := newMemStore()
	g := newTestGate(store, newPresented())

	d, err := g.Check(context.Background(), 1, "read_file", LevelAlways, "")
	if err != nil || !d.Allowed() {
		t.Fatalf("always: d=%v err=%v", d, err)
	}
	d, err = g.Check(context.Background(), 1, "execute_sql", LevelNever, "")
	if err != nil || d != DecisionDecline {
		t.Fatalf("never: d=%v err=%v, want decline", d, err)
	}
}

func TestAllowOnceDoesNotPersist(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	res := checkAsync(g, context.Background(), 1, "write_file")
	req := p.next(t)
	if req.Tool != "write_file" || req.ConversationID != 1 {
		t.Fatalf("request=%+v", req)
	}
	if err := g.Respond(req.ID, DecisionAllowOnce); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if r := wait(t, res); r.d != DecisionAllowOnce {
		t.Fatalf("decision=%v, want allow-once", r.d)
	}

	res = checkAsync(g, context.Background(), 1, "write_file")
	req = p.next(t)
	_ = g.Respond(req.ID, DecisionDecline)
	if r := wait(t, res); r.d != DecisionDecline {
		t.Fatalf("decision=%v, want decline", r.d)
	}
}

func TestAlwaysAllowSuppressesFutureRequests(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	res := checkAsync(g, context.Background(), 1, "add_dependency")
	req := p.next(t)
	if err := g.Respond(req.ID, DecisionAlwaysAllow); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	wait(t, res)

	d, err := g.Check(context.Background(), 1, "add_dependency", LevelAsk, "")
	if err != nil || d != DecisionAlwaysAllow {
		t.Fatalf("d=%v err=%v, want always-allow without prompting", d, err)
	}
	p.none(t)

	// A different conversation still asks.
	res = checkAsync(g, context.Background(), 2, "add_dependency")
	req = p.next(t)
	if req.ConversationID != 2 {
		t.Fatalf("conversation=%d, want 2", req.ConversationID)
	}
	_ = g.Respond(req.ID, DecisionDecline)
	wait(t, res)
}

func TestRequestsArePresentedOneAtATime(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	first := checkAsync(g, context.Background(), 1, "write_file")
	r1 := p.next(t)
	second := checkAsync(g, context.Background(), 1, "delete_file")
	for len(g.Pending(1)) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	p.none(t)

	_ = g.Respond(r1.ID, DecisionAllowOnce)
	wait(t, first)
	r2 := p.next(t)
	if r2.Tool != "delete_file" {
		t.Fatalf("next tool=%q, want delete_file", r2.Tool)
	}
	_ = g.Respond(r2.ID, DecisionDecline)
	if r := wait(t, second); r.d != DecisionDecline {
		t.Fatalf("decision=%v", r.d)
	}
}

func TestAlwaysAllowResolvesSameToolSiblings(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	a := checkAsync(g, context.Background(), 1, "write_file")
	ra := p.next(t)
	b := checkAsync(g, context.Background(), 1, "write_file")
	for len(g.Pending(1)) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	_ = g.Respond(ra.ID, DecisionAlwaysAllow)
	if r := wait(t, a); r.d != DecisionAlwaysAllow {
		t.Fatalf("a=%v", r.d)
	}
	if r := wait(t, b); r.d != DecisionAlwaysAllow {
		t.Fatalf("b=%v", r.d)
	}
	p.none(t)
}

func TestCancelConversationDeclinesPending(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	a := checkAsync(g, context.Background(), 1, "write_file")
	p.next(t)
	b := checkAsync(g, context.Background(), 1, "execute_sql")
	for len(g.Pending(1)) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	if n := g.CancelConversation(1); n != 2 {
		t.Fatalf("cancelled=%d, want 2", n)
	}
	if r := wait(t, a); r.d != DecisionDecline {
		t.Fatalf("a=%v", r.d)
	}
	if r := wait(t, b); r.d != DecisionDecline {
		t.Fatalf("b=%v", r.d)
	}
	p.none(t)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.log) != 2 || store.log[0].Reason != "conversation cancelled" {
		t.Fatalf("log=%+v", store.log)
	}
}

func TestContextCancelRemovesRequest(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)

	ctx, cancel := context.WithCancel(context.Background())
	res := checkAsync(g, ctx, 1, "write_file")
	p.next(t)
	next := checkAsync(g, context.Background(), 1, "rename_file")
	for len(g.Pending(1)) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	r := wait(t, res)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", r.err)
	}
	promoted := p.next(t)
	if promoted.Tool != "rename_file" {
		t.Fatalf("promoted=%q, want rename_file", promoted.Tool)
	}
	_ = g.Respond(promoted.ID, DecisionAllowOnce)
	wait(t, next)
}

func TestRespondErrors(t *testing.T) {
	g := newTestGate(newMemStore(), newPresented())
	if err := g.Respond("missing", DecisionDecline); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if err := g.Respond("x", Decision("maybe")); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err=%v, want ErrInvalidDecision", err)
	}
	if _, err := ParseDecision("Always-Allow"); err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
}

func TestExpireDeclinesOldRequests(t *testing.T) {
	store := newMemStore()
	p := newPresented()
	g := newTestGate(store, p)
	start := time.Now()
	g.now = func() time.Time { return start }

	res := checkAsync(g, context.Background(), 1, "write_file")
	p.next(t)

	g.now = func() time.Time { return start.Add(time.Hour) }
	if n := g.Expire(30 * time.Minute); n != 1 {
		t.Fatalf("expired=%d, want 1", n)
	}
	if r := wait(t, res); r.d != DecisionDecline {
		t.Fatalf("decision=%v", r.d)
	}
}
