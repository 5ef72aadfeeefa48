package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// Store defines the interface for durable storage of rooms, agents,
// messages and events. Both PostgresStore and SQLiteStore implement it.
// Messages and events are append-only; messages are additionally subject
// to oldest-first eviction driven by the caller.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Room operations
	UpsertRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	DeleteRoom(ctx context.Context, id string) error

	// Agent operations. RegisterAgent preserves live status fields on
	// conflict; UpsertAgent replaces them.
	RegisterAgent(ctx context.Context, agent models.Agent) error
	UpsertAgent(ctx context.Context, agent models.Agent) error
	ListAgents(ctx context.Context) ([]models.Agent, error)

	// Message operations
	InsertMessage(ctx context.Context, msg models.Message) error
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, roomID string) (int, error)
	DeleteOldestMessages(ctx context.Context, roomID string, n int) error

	// Event operations
	InsertEvent(ctx context.Context, evt models.Event) error
}

// IsTransient reports whether err is a lock-contention class of storage
// error. These are safe to retry: SQLITE_BUSY/SQLITE_LOCKED on SQLite,
// lock_not_available / serialization_failure / deadlock_detected on
// Postgres.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "55P03", "40001", "40P01":
			return true
		}
	}
	return false
}
