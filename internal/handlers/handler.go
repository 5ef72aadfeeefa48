package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/config"
	"github.com/opsfloor-hq/opsfloor/internal/cooldown"
	"github.com/opsfloor-hq/opsfloor/internal/route"
	"github.com/opsfloor-hq/opsfloor/internal/store"
	"github.com/opsfloor-hq/opsfloor/internal/workspace"
)

// Deps bundles the shared dependencies of all HTTP handlers.
type Deps struct {
	Store      store.Store
	Redis      *redis.Client // optional, health checks only
	Bus        *bus.Bus
	Directory  *workspace.Directory
	Log        *workspace.MessageLog
	Presence   *workspace.Presence
	Dispatcher *route.Dispatcher
	Cooldown   *cooldown.Queue
	Config     *config.Config
	Logger     zerolog.Logger
}

// Handler serves the workspace HTTP API.
type Handler struct {
	Deps
	startedAt time.Time
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps, startedAt: time.Now()}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]any{"ok": false, "error": message})
}

// parseBoundedInt parses value as an int clamped to [min, max], falling
// back when absent or malformed.
func parseBoundedInt(value string, fallback, min, max int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
