package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/metrics"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

// MessageLog is the append-only, per-room ordered message store with
// bounded retention. Append assumes pre-validated input; length checks
// belong to the ingress.
type MessageLog struct {
	store      store.Store
	bus        *bus.Bus
	logger     zerolog.Logger
	maxPerRoom int

	// mu makes append+cap one critical section: commits are
	// single-writer and strictly ordered per room.
	mu sync.Mutex
}

// NewMessageLog creates a MessageLog retaining at most maxPerRoom
// messages per room.
func NewMessageLog(st store.Store, b *bus.Bus, logger zerolog.Logger, maxPerRoom int) *MessageLog {
	return &MessageLog{
		store:      st,
		bus:        b,
		logger:     logger,
		maxPerRoom: maxPerRoom,
	}
}

// Append commits one message: assigns id and commit timestamp, stores
// it, enforces the retention ceiling and emits the message event.
func (l *MessageLog) Append(ctx context.Context, roomID, senderID, senderName, text string, tags []string) (*models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tags == nil {
		tags = []string{}
	}
	msg := models.Message{
		ID:         ulid.Make().String(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Ts:         time.Now().UnixMilli(),
		Text:       text,
		Tags:       tags,
	}

	if err := l.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesCommitted.WithLabelValues(roomID).Inc()

	l.capRoom(ctx, roomID)

	if err := l.bus.Emit(ctx, models.EventMessage, msg); err != nil {
		// The commit stands; only the audit entry is lost.
		l.logger.Error().Err(err).Str("room", roomID).Msg("message event emission failed")
	}

	return &msg, nil
}

// capRoom evicts the oldest surplus messages in one batch when the room
// exceeds its ceiling, and announces the eviction once.
func (l *MessageLog) capRoom(ctx context.Context, roomID string) {
	count, err := l.store.CountMessages(ctx, roomID)
	if err != nil {
		l.logger.Error().Err(err).Str("room", roomID).Msg("room count failed, skipping cap")
		return
	}
	if count <= l.maxPerRoom {
		return
	}

	surplus := count - l.maxPerRoom
	if err := l.store.DeleteOldestMessages(ctx, roomID, surplus); err != nil {
		l.logger.Error().Err(err).Str("room", roomID).Msg("room cap eviction failed")
		return
	}
	metrics.MessagesArchived.Add(float64(surplus))

	if err := l.bus.Emit(ctx, models.EventSystem, map[string]any{
		"roomId": roomID,
		"text":   fmt.Sprintf("Archived %d old messages in %s", surplus, roomID),
	}); err != nil {
		l.logger.Error().Err(err).Str("room", roomID).Msg("archive event emission failed")
	}
}

// Read returns the most recent limit messages of a room in chronological
// order. Each call is a fresh query.
func (l *MessageLog) Read(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	return l.store.ListRecentMessages(ctx, roomID, limit)
}
