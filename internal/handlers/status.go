package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// SubmitStatusRequest represents the agent presence update body.
type SubmitStatusRequest struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	CurrentTask string `json:"currentTask"`
}

// SubmitStatus upserts agent presence and emits a status_update event.
func (h *Handler) SubmitStatus(w http.ResponseWriter, r *http.Request) {
	var req SubmitStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Name == "" {
		h.Error(w, http.StatusBadRequest, "agentId and name required")
		return
	}

	err := h.Presence.Update(r.Context(), models.Agent{
		ID:          req.AgentID,
		Name:        req.Name,
		Role:        req.Role,
		Status:      req.Status,
		CurrentTask: req.CurrentTask,
	})
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update presence")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"ok": true})
}
