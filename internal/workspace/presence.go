package workspace

import (
	"context"
	"time"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

// Presence tracks agent status records.
type Presence struct {
	store store.Store
	bus   *bus.Bus
}

// NewPresence creates a Presence registry.
func NewPresence(st store.Store, b *bus.Bus) *Presence {
	return &Presence{store: st, bus: b}
}

// Update upserts an agent's presence and emits a status_update event.
func (p *Presence) Update(ctx context.Context, agent models.Agent) error {
	agent.LastSeen = time.Now().UnixMilli()
	if agent.Role == "" {
		agent.Role = "Agent"
	}
	if agent.Status == "" {
		agent.Status = "idle"
	}

	if err := p.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}

	return p.bus.Emit(ctx, models.EventStatusUpdate, map[string]any{
		"agentId":     agent.ID,
		"status":      agent.Status,
		"currentTask": agent.CurrentTask,
		"lastSeen":    agent.LastSeen,
	})
}

// Agents lists every known agent ordered by name.
func (p *Presence) Agents(ctx context.Context) ([]models.Agent, error) {
	return p.store.ListAgents(ctx)
}
