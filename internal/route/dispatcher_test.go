package route

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/cooldown"
	"github.com/opsfloor-hq/opsfloor/internal/models"
)

type fakeDirectory struct {
	rooms map[string]*models.Room
}

func (d *fakeDirectory) Room(_ context.Context, id string) (*models.Room, error) {
	return d.rooms[id], nil
}

func (d *fakeDirectory) RoomExists(_ context.Context, id string) bool {
	return d.rooms[id] != nil
}

func (d *fakeDirectory) CanAgentPost(agentID string, room *models.Room) bool {
	if room == nil {
		return false
	}
	switch room.Permissions.Agents {
	case models.AgentsNone:
		return false
	case models.AgentsLimited:
		return true
	case models.AgentsRoomOnly:
		return room.ID == models.DedicatedRoomID(agentID)
	}
	return false
}

// fakeLog records appends in order; notices and messages share it.
type fakeLog struct {
	mu      sync.Mutex
	entries []models.Message
}

func (l *fakeLog) Append(_ context.Context, roomID, senderID, senderName, text string, tags []string) (*models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := models.Message{ID: "m", RoomID: roomID, SenderID: senderID, SenderName: senderName, Text: text, Tags: tags}
	l.entries = append(l.entries, msg)
	return &msg, nil
}

func (l *fakeLog) notices(tag string) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Message
	for _, m := range l.entries {
		for _, t := range m.Tags {
			if t == tag {
				out = append(out, m)
			}
		}
	}
	return out
}

// fakeQueue fails the first failures submissions per room, then accepts.
type fakeQueue struct {
	mu       sync.Mutex
	failures map[string]int
	delay    time.Duration
	submits  []cooldown.SendRequest
}

func (q *fakeQueue) Submit(_ context.Context, _ string, req cooldown.SendRequest) (cooldown.Result, error) {
	if q.delay > 0 {
		time.Sleep(q.delay)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures[req.RoomID] > 0 {
		q.failures[req.RoomID]--
		return cooldown.Result{}, errors.New("send failed")
	}
	q.submits = append(q.submits, req)
	return cooldown.Result{MessageID: "m"}, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) Emit(_ context.Context, typ string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, typ)
	return nil
}

func (e *fakeEmitter) has(typ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.events {
		if t == typ {
			return true
		}
	}
	return false
}

func limitedRoom(id string) *models.Room {
	return &models.Room{ID: id, Name: id, Type: models.RoomOps,
		Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsLimited}}
}

func testPolicy() Policy {
	return Policy{
		Timeout:         50 * time.Millisecond,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		PrimaryRoomID:   "ops",
		SecondaryRoomID: "break",
	}
}

func newTestDispatcher(dir *fakeDirectory, log *fakeLog, queue *fakeQueue, emitter *fakeEmitter) *Dispatcher {
	return NewDispatcher(NewResolver(dir), dir, log, queue, emitter, zerolog.Nop(), testPolicy())
}

func TestDispatchOperatorDirectCommit(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]*models.Room{"ops": limitedRoom("ops"), "break": limitedRoom("break")}}
	log := &fakeLog{}
	emitter := &fakeEmitter{}
	d := newTestDispatcher(dir, log, &fakeQueue{}, emitter)

	res := d.Dispatch(context.Background(), Request{
		SenderID: "morpheus", SenderName: "Morpheus", RoomID: "ops", Text: "all hands",
	})
	if !res.OK || res.RoomID != "ops" || res.FallbackUsed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Attempts) != 1 || !res.Attempts[0].OK {
		t.Fatalf("expected one successful attempt, got %+v", res.Attempts)
	}
	if got := log.notices("ACK"); len(got) != 1 {
		t.Fatalf("expected 1 ACK notice, got %d", len(got))
	}
	if got := log.notices("DELIVERED"); len(got) != 1 {
		t.Fatalf("expected 1 DELIVERED notice, got %d", len(got))
	}
	if !emitter.has(models.EventDispatchAck) {
		t.Fatal("expected dispatch ack event")
	}
}

func TestDispatchTimeoutExhaustsRetries(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]*models.Room{"ops": limitedRoom("ops"), "break": limitedRoom("break")}}
	log := &fakeLog{}
	queue := &fakeQueue{delay: 60 * time.Millisecond, failures: map[string]int{}}
	d := newTestDispatcher(dir, log, queue, &fakeEmitter{})

	// Every submit outlives the 50ms attempt timeout, so the whole
	// chain times out: 3 attempts on ops, 3 on break.
	res := d.Dispatch(context.Background(), Request{
		AgentID: "aegis", SenderID: "aegis", SenderName: "Aegis", RoomID: "ops", Text: "hi",
	})
	if res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(res.Attempts) != 6 {
		t.Fatalf("expected 6 attempts, got %d: %+v", len(res.Attempts), res.Attempts)
	}
	for _, a := range res.Attempts {
		if a.Error != ErrDispatchTimeout.Error() {
			t.Fatalf("expected timeout error, got %+v", a)
		}
	}
	if !errors.Is(res.Err, ErrAllRoutesFailed) {
		t.Fatalf("expected ErrAllRoutesFailed, got %v", res.Err)
	}
	if got := log.notices("FAIL"); len(got) != 1 {
		t.Fatalf("expected 1 FAIL notice, got %d", len(got))
	}
}

func TestDispatchFallsBackToAlternateRoom(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]*models.Room{"ops": limitedRoom("ops"), "break": limitedRoom("break")}}
	log := &fakeLog{}
	// ops rejects every attempt outright; break accepts.
	queue := &fakeQueue{failures: map[string]int{"ops": 10}}
	emitter := &fakeEmitter{}
	d := newTestDispatcher(dir, log, queue, emitter)

	res := d.Dispatch(context.Background(), Request{
		AgentID: "aegis", SenderID: "aegis", SenderName: "Aegis", RoomID: "ops", Text: "hi",
	})
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RoomID != "break" || !res.FallbackUsed {
		t.Fatalf("expected fallback to break, got %+v", res)
	}
	if got := log.notices("FALLBACK"); len(got) != 1 {
		t.Fatalf("expected 1 FALLBACK notice, got %d", len(got))
	}
	delivered := log.notices("DELIVERED")
	if len(delivered) != 1 || !strings.Contains(delivered[0].Text, "(fallback)") {
		t.Fatalf("expected fallback delivery notice, got %+v", delivered)
	}
	if !emitter.has(models.EventDispatchAck) {
		t.Fatal("expected dispatch ack event")
	}
}

func TestDispatchNonRetryableFailsFast(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]*models.Room{"ops": limitedRoom("ops"), "break": limitedRoom("break")}}
	log := &fakeLog{}
	// Plain errors are not retryable: one attempt per room.
	queue := &fakeQueue{failures: map[string]int{"ops": 10, "break": 10}}
	d := newTestDispatcher(dir, log, queue, &fakeEmitter{})

	res := d.Dispatch(context.Background(), Request{
		AgentID: "aegis", SenderID: "aegis", SenderName: "Aegis", RoomID: "ops", Text: "hi",
	})
	if res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d: %+v", len(res.Attempts), res.Attempts)
	}
}

func TestDispatchPermissionRejectedRoomSkipped(t *testing.T) {
	announce := &models.Room{ID: "announcements", Name: "Announcements", Type: models.RoomSystem,
		Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsNone}}
	dir := &fakeDirectory{rooms: map[string]*models.Room{
		"announcements": announce, "ops": limitedRoom("ops"),
	}}
	log := &fakeLog{}
	queue := &fakeQueue{}
	d := newTestDispatcher(dir, log, queue, &fakeEmitter{})

	// Agents cannot post to announcements; the dispatch falls through
	// to the primary room.
	res := d.Dispatch(context.Background(), Request{
		AgentID: "aegis", SenderID: "aegis", SenderName: "Aegis", RoomID: "announcements", Text: "hi",
	})
	if !res.OK || res.RoomID != "ops" || !res.FallbackUsed {
		t.Fatalf("expected fallback to ops, got %+v", res)
	}
	if res.Attempts[0].Error != ErrAgentNotAllowed.Error() {
		t.Fatalf("expected permission rejection first, got %+v", res.Attempts)
	}
}

func TestDispatchUnknownRoomSkipped(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]*models.Room{"ops": limitedRoom("ops")}}
	log := &fakeLog{}
	queue := &fakeQueue{}
	d := newTestDispatcher(dir, log, queue, &fakeEmitter{})

	res := d.Dispatch(context.Background(), Request{
		AgentID: "aegis", SenderID: "aegis", SenderName: "Aegis", RoomID: "ghost", Text: "hi",
	})
	if !res.OK || res.RoomID != "ops" {
		t.Fatalf("expected delivery to ops, got %+v", res)
	}
	if res.Attempts[0].Error != ErrRoomNotFound.Error() {
		t.Fatalf("expected room_not_found first, got %+v", res.Attempts)
	}
}

func TestChainDeduplicates(t *testing.T) {
	d := newTestDispatcher(&fakeDirectory{rooms: map[string]*models.Room{}}, &fakeLog{}, &fakeQueue{}, &fakeEmitter{})

	if got := d.chain("ops", "break"); len(got) != 1 || got[0] != "break" {
		t.Fatalf("expected [break], got %v", got)
	}
	if got := d.chain("ops", "agent-aegis"); len(got) != 2 || got[1] != "break" {
		t.Fatalf("expected fallback break, got %v", got)
	}
	if got := d.chain("break", "break"); len(got) != 2 || got[1] != "ops" {
		t.Fatalf("expected fallback ops, got %v", got)
	}
}
