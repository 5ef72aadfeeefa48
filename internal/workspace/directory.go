// Package workspace owns the room directory, the per-room message log
// and agent presence. All mutation funnels through here so that room
// commits stay single-writer.
package workspace

import (
	"context"

	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

// Directory is the registry of rooms and their posting policies.
type Directory struct {
	store store.Store
}

// NewDirectory creates a Directory backed by the given store.
func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st}
}

// Room retrieves a room by id. Returns (nil, nil) when unknown.
func (d *Directory) Room(ctx context.Context, id string) (*models.Room, error) {
	return d.store.GetRoom(ctx, id)
}

// Rooms lists every registered room.
func (d *Directory) Rooms(ctx context.Context) ([]models.Room, error) {
	return d.store.ListRooms(ctx)
}

// Upsert creates or updates a room by id. Idempotent.
func (d *Directory) Upsert(ctx context.Context, room models.Room) error {
	return d.store.UpsertRoom(ctx, room)
}

// Remove deletes a room by id.
func (d *Directory) Remove(ctx context.Context, id string) error {
	return d.store.DeleteRoom(ctx, id)
}

// RoomExists reports whether id names a registered room. Lookup errors
// count as absent.
func (d *Directory) RoomExists(ctx context.Context, id string) bool {
	room, err := d.store.GetRoom(ctx, id)
	return err == nil && room != nil
}

// CanAgentPost evaluates the room's agent policy for one sender.
// Unrecognized modes fail closed.
func (d *Directory) CanAgentPost(agentID string, room *models.Room) bool {
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
	default:
		return false
	}
}
