package handlers

import (
	"net/http"

	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// RoomState is one room plus its recent message tail.
type RoomState struct {
	models.Room
	Messages []models.Message `json:"messages"`
}

// StateResponse is the full workspace snapshot.
type StateResponse struct {
	Agents     []models.Agent `json:"agents"`
	Rooms      []RoomState    `json:"rooms"`
	CooldownMs int64          `json:"cooldownMs"`
}

// State returns a point-in-time snapshot of agents, rooms and the
// recent message tail of every room.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 500)

	agents, err := h.Presence.Agents(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load agents")
		return
	}

	rooms, err := h.Directory.Rooms(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load rooms")
		return
	}

	resp := StateResponse{
		Agents:     agents,
		Rooms:      make([]RoomState, 0, len(rooms)),
		CooldownMs: h.Config.Cooldown.Milliseconds(),
	}
	for _, room := range rooms {
		msgs, err := h.Log.Read(ctx, room.ID, limit)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		resp.Rooms = append(resp.Rooms, RoomState{Room: room, Messages: msgs})
	}

	h.JSON(w, http.StatusOK, resp)
}
