// Package bootstrap seeds the workspace at startup: the fixed default
// rooms, and an optional agent roster from configuration. The core
// never parses configuration itself; it only consumes the resulting
// upserts.
package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/config"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
	"github.com/opsfloor-hq/opsfloor/internal/workspace"
)

// DefaultRooms is the fixed room set every deployment starts with.
func DefaultRooms() []models.Room {
	return []models.Room{
		{
			ID:          "ops",
			Name:        "Ops Floor",
			Type:        models.RoomOps,
			Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsLimited},
		},
		{
			ID:          "break",
			Name:        "Break Room",
			Type:        models.RoomBreak,
			Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsLimited},
		},
		{
			ID:          "announcements",
			Name:        "Announcements",
			Type:        models.RoomSystem,
			Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsNone},
		},
	}
}

// Rooms upserts the default room set. Idempotent across restarts.
func Rooms(ctx context.Context, dir *workspace.Directory) error {
	for _, room := range DefaultRooms() {
		if err := dir.Upsert(ctx, room); err != nil {
			return err
		}
	}
	return nil
}

// RosterEntry is one agent in the bootstrap roster.
type RosterEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	CurrentTask string `json:"currentTask"`
}

// Agents loads the optional roster (inline JSON or a file path),
// registers each agent, ensures its dedicated room exists, and prunes
// dedicated rooms whose agent left the roster. Bootstrap problems are
// logged, never fatal.
func Agents(ctx context.Context, cfg *config.Config, st store.Store, dir *workspace.Directory, logger zerolog.Logger) {
	raw := cfg.AgentsJSON
	if raw == "" && cfg.AgentsFile != "" {
		data, err := os.ReadFile(cfg.AgentsFile)
		if err != nil {
			logger.Warn().Err(err).Str("file", cfg.AgentsFile).Msg("agent roster file unreadable")
			return
		}
		raw = string(data)
	}
	if raw == "" {
		return
	}

	var roster []RosterEntry
	if err := json.Unmarshal([]byte(raw), &roster); err != nil {
		logger.Warn().Err(err).Msg("agent roster is not valid JSON")
		return
	}

	now := time.Now().UnixMilli()
	for _, entry := range roster {
		if entry.ID == "" || entry.Name == "" {
			continue
		}
		role := entry.Role
		if role == "" {
			role = "Agent"
		}

		err := st.RegisterAgent(ctx, models.Agent{
			ID:          entry.ID,
			Name:        entry.Name,
			Role:        role,
			Status:      "idle",
			LastSeen:    now,
			CurrentTask: entry.CurrentTask,
		})
		if err != nil {
			logger.Warn().Err(err).Str("agent", entry.ID).Msg("agent registration failed")
			continue
		}

		err = dir.Upsert(ctx, models.Room{
			ID:          models.DedicatedRoomID(entry.ID),
			Name:        "#agent-" + entry.Name,
			Type:        models.RoomAgent,
			Permissions: models.Permissions{Operator: "admin", Agents: models.AgentsRoomOnly},
		})
		if err != nil {
			logger.Warn().Err(err).Str("agent", entry.ID).Msg("dedicated room upsert failed")
		}
	}

	pruneOrphanRooms(ctx, st, dir, logger)
}

// pruneOrphanRooms drops dedicated agent rooms with no matching agent.
func pruneOrphanRooms(ctx context.Context, st store.Store, dir *workspace.Directory, logger zerolog.Logger) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("agent list failed, skipping room prune")
		return
	}
	keep := make(map[string]bool, len(agents))
	for _, a := range agents {
		keep[models.DedicatedRoomID(a.ID)] = true
	}

	rooms, err := dir.Rooms(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("room list failed, skipping room prune")
		return
	}
	for _, room := range rooms {
		if !strings.HasPrefix(room.ID, "agent-") || keep[room.ID] {
			continue
		}
		if err := dir.Remove(ctx, room.ID); err != nil {
			logger.Warn().Err(err).Str("room", room.ID).Msg("orphan room prune failed")
		}
	}
}
