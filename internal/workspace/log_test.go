package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	return st
}

func seedRoom(t *testing.T, dir *Directory, id string) {
	t.Helper()
	err := dir.Upsert(context.Background(), models.Room{
		ID: id, Name: id, Type: models.RoomOps,
		Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsLimited},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	log := NewMessageLog(st, b, zerolog.Nop(), 100)

	msg, err := log.Append(context.Background(), "ops", "aegis", "Aegis", "hello", []string{"GREETING"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.Ts == 0 {
		t.Fatalf("expected assigned id and timestamp, got %+v", msg)
	}

	got, err := log.Read(context.Background(), "ops", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "hello" || got[0].Tags[0] != "GREETING" {
		t.Fatalf("unexpected read result: %+v", got)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	log := NewMessageLog(st, b, zerolog.Nop(), 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, "ops", "aegis", "Aegis", fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := log.Read(ctx, "ops", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(got))
	}
	for i, m := range got {
		if m.Text != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("position %d holds %q", i, m.Text)
		}
	}
}

func TestAppendCapsRoom(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	const max = 5
	log := NewMessageLog(st, b, zerolog.Nop(), max)
	ctx := context.Background()

	for i := 0; i < max+3; i++ {
		if _, err := log.Append(ctx, "ops", "aegis", "Aegis", fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	count, err := st.CountMessages(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if count != max {
		t.Fatalf("expected room capped at %d, got %d", max, count)
	}

	// The oldest messages are the ones evicted.
	got, err := log.Read(ctx, "ops", max)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Text != "msg-3" || got[len(got)-1].Text != "msg-7" {
		t.Fatalf("unexpected survivors: first=%q last=%q", got[0].Text, got[len(got)-1].Text)
	}
}

func TestCapEmitsOneArchiveEvent(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	const max = 5
	log := NewMessageLog(st, b, zerolog.Nop(), max)
	ctx := context.Background()

	// Backlog past the ceiling, written behind the log's back so the
	// next append evicts the whole surplus in one batch.
	for i := 0; i < max+2; i++ {
		err := st.InsertMessage(ctx, models.Message{
			ID: fmt.Sprintf("seed-%02d", i), RoomID: "ops",
			SenderID: "aegis", SenderName: "Aegis",
			Ts: int64(1000 + i), Text: fmt.Sprintf("seed-%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := log.Append(ctx, "ops", "aegis", "Aegis", "tip", nil); err != nil {
		t.Fatal(err)
	}

	// Expected on the stream: hello, the archive notice, the message.
	var archives []models.Event
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub.C:
			if evt.Type == models.EventSystem {
				archives = append(archives, evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if len(archives) != 1 {
		t.Fatalf("expected exactly one archive event, got %d", len(archives))
	}
	payload, ok := archives[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %#v", archives[0].Payload)
	}
	if payload["roomId"] != "ops" || payload["text"] != "Archived 3 old messages in ops" {
		t.Fatalf("unexpected archive payload: %#v", payload)
	}

	count, err := st.CountMessages(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if count != max {
		t.Fatalf("expected room capped at %d, got %d", max, count)
	}
}

func TestCapIsPerRoom(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	const max = 3
	log := NewMessageLog(st, b, zerolog.Nop(), max)
	ctx := context.Background()

	for i := 0; i < max+2; i++ {
		if _, err := log.Append(ctx, "ops", "aegis", "Aegis", "x", nil); err != nil {
			t.Fatal(err)
		}
		if _, err := log.Append(ctx, "break", "aegis", "Aegis", "y", nil); err != nil {
			t.Fatal(err)
		}
	}

	for _, room := range []string{"ops", "break"} {
		count, err := st.CountMessages(ctx, room)
		if err != nil {
			t.Fatal(err)
		}
		if count != max {
			t.Fatalf("room %s: expected %d, got %d", room, max, count)
		}
	}
}

func TestReadLimitReturnsNewest(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	log := NewMessageLog(st, b, zerolog.Nop(), 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, "ops", "aegis", "Aegis", fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := log.Read(ctx, "ops", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Text != "msg-7" || got[2].Text != "msg-9" {
		t.Fatalf("expected newest three in order, got %+v", got)
	}
}

func TestDirectoryRoomLifecycle(t *testing.T) {
	st := newTestStore(t)
	dir := NewDirectory(st)
	ctx := context.Background()

	seedRoom(t, dir, "ops")
	if !dir.RoomExists(ctx, "ops") {
		t.Fatal("expected ops to exist")
	}
	if dir.RoomExists(ctx, "ghost") {
		t.Fatal("ghost must not exist")
	}

	room, err := dir.Room(ctx, "ops")
	if err != nil || room == nil {
		t.Fatalf("lookup failed: %v %v", room, err)
	}
	if room.Permissions.Agents != models.AgentsLimited {
		t.Fatalf("expected limited permissions, got %q", room.Permissions.Agents)
	}

	if err := dir.Remove(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	if dir.RoomExists(ctx, "ops") {
		t.Fatal("expected ops removed")
	}
}

func TestCanAgentPost(t *testing.T) {
	dir := NewDirectory(newTestStore(t))

	room := func(id string, mode models.PermissionMode) *models.Room {
		return &models.Room{ID: id, Permissions: models.Permissions{Agents: mode}}
	}

	if dir.CanAgentPost("aegis", room("announcements", models.AgentsNone)) {
		t.Fatal("none must reject agents")
	}
	if !dir.CanAgentPost("aegis", room("ops", models.AgentsLimited)) {
		t.Fatal("limited must allow agents")
	}
	if !dir.CanAgentPost("aegis", room("agent-aegis", models.AgentsRoomOnly)) {
		t.Fatal("roomOnly must allow the owner")
	}
	if dir.CanAgentPost("keystone", room("agent-aegis", models.AgentsRoomOnly)) {
		t.Fatal("roomOnly must reject other agents")
	}
	if dir.CanAgentPost("aegis", room("x", models.PermissionMode("weird"))) {
		t.Fatal("unknown modes must fail closed")
	}
	if dir.CanAgentPost("aegis", nil) {
		t.Fatal("nil room must fail closed")
	}
}

func TestPresenceUpdateDefaults(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(st, zerolog.Nop())
	t.Cleanup(b.Close)
	p := NewPresence(st, b)
	ctx := context.Background()

	if err := p.Update(ctx, models.Agent{ID: "aegis", Name: "Aegis"}); err != nil {
		t.Fatal(err)
	}

	agents, err := p.Agents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	a := agents[0]
	if a.Role != "Agent" || a.Status != "idle" || a.LastSeen == 0 {
		t.Fatalf("expected defaults applied, got %+v", a)
	}
}
