package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/opsfloor.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/opsfloor.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// WAL for throughput, busy_timeout to ride out short lock contention
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		current_task TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		permissions_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		ts INTEGER NOT NULL,
		text TEXT NOT NULL,
		tags_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertRoom creates or updates a room by id.
func (s *SQLiteStore) UpsertRoom(ctx context.Context, room models.Room) error {
	perms, err := json.Marshal(room.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, type, permissions_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			permissions_json = excluded.permissions_json
	`, room.ID, room.Name, string(room.Type), string(perms))
	return err
}

// GetRoom retrieves a room by id. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{}
	var permsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, permissions_json
		FROM rooms WHERE id = ?
	`, id).Scan(&room.ID, &room.Name, &room.Type, &permsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &room.Permissions); err != nil {
		return nil, err
	}
	return room, nil
}

// ListRooms retrieves all rooms.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, permissions_json FROM rooms ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		var permsJSON string
		if err := rows.Scan(&room.ID, &room.Name, &room.Type, &permsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(permsJSON), &room.Permissions); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room by id.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	return err
}

// RegisterAgent creates an agent, preserving live status fields when the
// agent already exists.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, last_seen, current_task)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role
	`, agent.ID, agent.Name, agent.Role, agent.Status, agent.LastSeen, agent.CurrentTask)
	return err
}

// UpsertAgent creates or fully updates an agent presence record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, last_seen, current_task)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			status = excluded.status,
			last_seen = excluded.last_seen,
			current_task = excluded.current_task
	`, agent.ID, agent.Name, agent.Role, agent.Status, agent.LastSeen, agent.CurrentTask)
	return err
}

// ListAgents retrieves all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, status, last_seen, current_task
		FROM agents ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.LastSeen, &a.CurrentTask); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// InsertMessage appends a message row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg models.Message) error {
	tags := msg.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, sender_name, ts, text, tags_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Ts, msg.Text, string(tagsJSON))
	return err
}

// ListRecentMessages returns the most recent limit messages of a room in
// chronological order. Each call is a fresh query; there is no cursor.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, ts, text, tags_json FROM (
			SELECT id, room_id, sender_id, sender_name, ts, text, tags_json
			FROM messages WHERE room_id = ?
			ORDER BY ts DESC, id DESC LIMIT ?
		) ORDER BY ts ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessages returns the number of stored messages in a room.
func (s *SQLiteStore) CountMessages(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE room_id = ?
	`, roomID).Scan(&count)
	return count, err
}

// DeleteOldestMessages evicts the n oldest messages of a room in one batch.
func (s *SQLiteStore) DeleteOldestMessages(ctx context.Context, roomID string, n int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE room_id = ?
			ORDER BY ts ASC, id ASC LIMIT ?
		)
	`, roomID, n)
	return err
}

// InsertEvent appends an event row. The autoincrement seq records commit
// order and breaks wall-clock ties.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, ts, payload_json)
		VALUES (?, ?, ?, ?)
	`, evt.ID, evt.Type, evt.Ts, string(payload))
	return err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var tagsJSON string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Ts, &m.Text, &tagsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
