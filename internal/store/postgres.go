package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen BIGINT NOT NULL,
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
		ts BIGINT NOT NULL,
		text TEXT NOT NULL,
		tags_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		ts BIGINT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertRoom creates or updates a room by id.
func (s *PostgresStore) UpsertRoom(ctx context.Context, room models.Room) error {
	perms, err := json.Marshal(room.Permissions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, type, permissions_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			permissions_json = excluded.permissions_json
	`, room.ID, room.Name, string(room.Type), string(perms))
	return err
}

// GetRoom retrieves a room by id. Returns (nil, nil) when not found.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{}
	var permsJSON string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, type, permissions_json
		FROM rooms WHERE id = $1
	`, id).Scan(&room.ID, &room.Name, &room.Type, &permsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	return err
}

// RegisterAgent creates an agent, preserving live status fields when the
// agent already exists.
func (s *PostgresStore) RegisterAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, status, last_seen, current_task)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role
	`, agent.ID, agent.Name, agent.Role, agent.Status, agent.LastSeen, agent.CurrentTask)
	return err
}

// UpsertAgent creates or fully updates an agent presence record.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, status, last_seen, current_task)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			status = excluded.status,
			last_seen = excluded.last_seen,
			current_task = excluded.current_task
	`, agent.ID, agent.Name, agent.Role, agent.Status, agent.LastSeen, agent.CurrentTask)
	return err
}

// ListAgents retrieves all agents ordered by name.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) InsertMessage(ctx context.Context, msg models.Message) error {
	tags := msg.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, sender_name, ts, text, tags_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Ts, msg.Text, string(tagsJSON))
	return err
}

// ListRecentMessages returns the most recent limit messages of a room in
// chronological order.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, sender_name, ts, text, tags_json FROM (
			SELECT id, room_id, sender_id, sender_name, ts, text, tags_json
			FROM messages WHERE room_id = $1
			ORDER BY ts DESC, id DESC LIMIT $2
		) recent ORDER BY ts ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessages returns the number of stored messages in a room.
func (s *PostgresStore) CountMessages(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE room_id = $1
	`, roomID).Scan(&count)
	return count, err
}

// DeleteOldestMessages evicts the n oldest messages of a room in one batch.
func (s *PostgresStore) DeleteOldestMessages(ctx context.Context, roomID string, n int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE room_id = $1
			ORDER BY ts ASC, id ASC LIMIT $2
		)
	`, roomID, n)
	return err
}

// InsertEvent appends an event row.
func (s *PostgresStore) InsertEvent(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, type, ts, payload_json)
		VALUES ($1, $2, $3, $4)
	`, evt.ID, evt.Type, evt.Ts, string(payload))
	return err
}
