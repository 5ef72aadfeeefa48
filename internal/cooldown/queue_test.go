package cooldown

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

type commitRecorder struct {
	mu      sync.Mutex
	commits []SendRequest
}

func (c *commitRecorder) commit(_ context.Context, req SendRequest) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, req)
	return &models.Message{ID: "m", RoomID: req.RoomID, Text: req.Text}, nil
}

func (c *commitRecorder) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.commits))
	for i, req := range c.commits {
		out[i] = req.Text
	}
	return out
}

func newTestQueue(t *testing.T, cooldown time.Duration, maxQueue int) (*Queue, *commitRecorder, *bus.Bus) {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)

	rec := &commitRecorder{}
	q := New(rec.commit, b, zerolog.Nop(), cooldown, maxQueue)
	t.Cleanup(q.Stop)
	return q, rec, b
}

func send(text string) SendRequest {
	return SendRequest{RoomID: "ops", SenderID: "aegis", SenderName: "Aegis", Text: text}
}

// collectEvents receives from sub until want events of the given type
// arrived, discarding other types.
func collectEvents(t *testing.T, sub *bus.Subscriber, typ string, want int) []models.Event {
	t.Helper()
	var out []models.Event
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				t.Fatal("subscriber channel closed")
			}
			if evt.Type == typ {
				out = append(out, evt)
			}
		case <-deadline:
			t.Fatalf("saw %d %s events before deadline, want %d", len(out), typ, want)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitIdleCommitsImmediately(t *testing.T) {
	q, rec, _ := newTestQueue(t, time.Hour, 10)

	res, err := q.Submit(context.Background(), "aegis", send("first"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued || res.Dropped || res.MessageID == "" {
		t.Fatalf("expected immediate commit, got %+v", res)
	}
	if got := rec.texts(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("expected one commit, got %v", got)
	}
}

func TestSubmitDuringCooldownParks(t *testing.T) {
	q, rec, b := newTestQueue(t, time.Hour, 10)
	ctx := context.Background()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := q.Submit(ctx, "aegis", send("first")); err != nil {
		t.Fatal(err)
	}
	res, err := q.Submit(ctx, "aegis", send("second"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.RemainingMs <= 0 {
		t.Fatalf("expected queued result with remaining time, got %+v", res)
	}
	if got := rec.texts(); len(got) != 1 {
		t.Fatalf("parked send must not commit, got %v", got)
	}
	if q.QueuedAgents() != 1 {
		t.Fatalf("expected 1 queued agent, got %d", q.QueuedAgents())
	}

	evts := collectEvents(t, sub, models.EventCooldownQueued, 1)
	payload, ok := evts[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %#v", evts[0].Payload)
	}
	if payload["agentId"] != "aegis" || payload["queued"] != 1 {
		t.Fatalf("unexpected cooldown_queued payload: %#v", payload)
	}
	if remaining, _ := payload["remainingMs"].(int64); remaining <= 0 {
		t.Fatalf("expected positive remainingMs, got %#v", payload["remainingMs"])
	}
}

func TestReleaseDrainsInOrder(t *testing.T) {
	q, rec, b := newTestQueue(t, 30*time.Millisecond, 10)
	ctx := context.Background()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := q.Submit(ctx, "aegis", send("a")); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"b", "c", "d"} {
		res, err := q.Submit(ctx, "aegis", send(text))
		if err != nil {
			t.Fatal(err)
		}
		if !res.Queued {
			t.Fatalf("expected %q to park, got %+v", text, res)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.texts()) == 4 })

	want := []string{"a", "b", "c", "d"}
	got := rec.texts()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected FIFO order %v, got %v", want, got)
		}
	}

	// One release event per drained entry.
	evts := collectEvents(t, sub, models.EventCooldownReleased, 3)
	for _, evt := range evts {
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["agentId"] != "aegis" {
			t.Fatalf("unexpected cooldown_released payload: %#v", evt.Payload)
		}
	}
}

func TestReleaseObservesWindowBetweenCommits(t *testing.T) {
	cooldown := 40 * time.Millisecond
	q, rec, _ := newTestQueue(t, cooldown, 10)
	ctx := context.Background()

	start := time.Now()
	if _, err := q.Submit(ctx, "aegis", send("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(ctx, "aegis", send("b")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.texts()) == 2 })
	if elapsed := time.Since(start); elapsed < cooldown {
		t.Fatalf("second commit landed after %v, inside the %v window", elapsed, cooldown)
	}
}

func TestSubmitQueueFullDrops(t *testing.T) {
	q, rec, b := newTestQueue(t, time.Hour, 2)
	ctx := context.Background()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := q.Submit(ctx, "aegis", send("first")); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"p1", "p2"} {
		if res, _ := q.Submit(ctx, "aegis", send(text)); !res.Queued {
			t.Fatalf("expected %q to park", text)
		}
	}

	res, err := q.Submit(ctx, "aegis", send("overflow"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dropped || res.Reason != "queue_full" {
		t.Fatalf("expected queue_full drop, got %+v", res)
	}
	if got := rec.texts(); len(got) != 1 {
		t.Fatalf("drop must not commit, got %v", got)
	}

	// Exactly one drop event, after the two park events.
	evts := collectEvents(t, sub, models.EventCooldownDropped, 1)
	payload, ok := evts[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %#v", evts[0].Payload)
	}
	if payload["agentId"] != "aegis" || payload["reason"] != "queue_full" || payload["maxQueue"] != 2 {
		t.Fatalf("unexpected cooldown_dropped payload: %#v", payload)
	}
	select {
	case evt := <-sub.C:
		if evt.Type == models.EventCooldownDropped {
			t.Fatalf("expected a single drop event, got another: %+v", evt)
		}
	default:
	}
}

func TestAgentsCooldownIndependently(t *testing.T) {
	q, rec, _ := newTestQueue(t, time.Hour, 10)
	ctx := context.Background()

	if _, err := q.Submit(ctx, "aegis", send("from-aegis")); err != nil {
		t.Fatal(err)
	}
	req := send("from-keystone")
	req.SenderID = "keystone"
	res, err := q.Submit(ctx, "keystone", req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued {
		t.Fatalf("second agent must not share the window, got %+v", res)
	}
	if got := rec.texts(); len(got) != 2 {
		t.Fatalf("expected both commits, got %v", got)
	}
}

func TestIdleWindowExpiryForgetsAgent(t *testing.T) {
	q, rec, _ := newTestQueue(t, 20*time.Millisecond, 10)
	ctx := context.Background()

	if _, err := q.Submit(ctx, "aegis", send("a")); err != nil {
		t.Fatal(err)
	}

	// Nothing parked: the window expires and the next send is immediate.
	waitFor(t, time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.agents["aegis"] == nil
	})

	res, err := q.Submit(ctx, "aegis", send("b"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued {
		t.Fatalf("expected immediate commit after expiry, got %+v", res)
	}
	if got := rec.texts(); len(got) != 2 {
		t.Fatalf("expected two commits, got %v", got)
	}
}

func TestStaleTimerFireKeepsFreshWindow(t *testing.T) {
	cooldown := 40 * time.Millisecond
	q, rec, _ := newTestQueue(t, cooldown, 10)
	ctx := context.Background()

	if _, err := q.Submit(ctx, "aegis", send("w1")); err != nil {
		t.Fatal(err)
	}

	// Detach window 1's timer: its fire is now replayed by hand below,
	// as if the callback lost the lock race against a fresh submit.
	q.mu.Lock()
	q.agents["aegis"].timer.Stop()
	q.mu.Unlock()

	time.Sleep(cooldown + 20*time.Millisecond)

	// The lapsed window lets this commit straight through and open
	// window 2 with its own timer.
	res, err := q.Submit(ctx, "aegis", send("w2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued {
		t.Fatalf("expected immediate commit after lapse, got %+v", res)
	}

	// The stale fire must leave window 2's state alone.
	q.release("aegis")

	res, err = q.Submit(ctx, "aegis", send("w3"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued {
		t.Fatalf("expected w3 parked behind window 2, got %+v", res)
	}
	if got := rec.texts(); len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Fatalf("expected exactly w1 and w2 committed, got %v", got)
	}
}

func TestStopDropsEverything(t *testing.T) {
	q, rec, _ := newTestQueue(t, time.Hour, 10)
	ctx := context.Background()

	if _, err := q.Submit(ctx, "aegis", send("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(ctx, "aegis", send("parked")); err != nil {
		t.Fatal(err)
	}

	q.Stop()

	res, err := q.Submit(ctx, "aegis", send("late"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dropped || res.Reason != "shutting_down" {
		t.Fatalf("expected shutdown drop, got %+v", res)
	}
	if got := rec.texts(); len(got) != 1 {
		t.Fatalf("parked send must stay uncommitted after stop, got %v", got)
	}
}
