package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/opsfloor-hq/opsfloor/internal/route"
)

// SubmitMessageRequest represents the message submission body. The tags
// field is flexible: an array of string labels, or an object carrying a
// routeTo hint.
type SubmitMessageRequest struct {
	AgentID    string          `json:"agentId"`
	SenderName string          `json:"senderName"`
	RoomID     string          `json:"roomId"`
	Text       string          `json:"text"`
	Tags       json.RawMessage `json:"tags"`
}

// AckRoute reports requested vs. resolved routing.
type AckRoute struct {
	RequestedRoomID string `json:"requestedRoomId"`
	RoutedRoomID    string `json:"routedRoomId"`
}

// AckPolicy echoes the delivery policy in force.
type AckPolicy struct {
	TimeoutMs  int64 `json:"timeoutMs"`
	MaxRetries int   `json:"maxRetries"`
}

// Ack acknowledges acceptance. It is returned even when the later
// dispatch fails, so callers can tell acceptance from delivery.
type Ack struct {
	Accepted bool      `json:"accepted"`
	Route    AckRoute  `json:"route"`
	Policy   AckPolicy `json:"policy"`
}

// SubmitMessageResponse represents a successful dispatch.
type SubmitMessageResponse struct {
	OK           bool            `json:"ok"`
	Ack          Ack             `json:"ack"`
	RoutedRoomID string          `json:"routedRoomId"`
	FallbackUsed bool            `json:"fallbackUsed"`
	Attempts     []route.Attempt `json:"attempts"`
	Queued       bool            `json:"queued"`
	Dropped      bool            `json:"dropped,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	RemainingMs  int64           `json:"remainingMs,omitempty"`
	MessageID    string          `json:"id,omitempty"`
}

// parseTags splits the flexible tags field into labels and a route hint.
func parseTags(raw json.RawMessage) (labels []string, routeTo string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, ""
	}
	var obj struct {
		RouteTo string `json:"routeTo"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return nil, obj.RouteTo
	}
	return nil, ""
}

// SubmitMessage handles message ingress: validation, routing and
// reliable dispatch.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req SubmitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RoomID == "" || req.Text == "" {
		h.Error(w, http.StatusBadRequest, "roomId and text required")
		return
	}
	if utf8.RuneCountInString(req.Text) > h.Config.MaxMessageChars {
		h.Error(w, http.StatusRequestEntityTooLarge, "message too long")
		return
	}

	room, err := h.Directory.Room(r.Context(), req.RoomID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if room == nil {
		h.Error(w, http.StatusNotFound, "room not found")
		return
	}

	senderID := req.AgentID
	senderName := req.SenderName
	if senderID == "" {
		senderID = "morpheus"
		if senderName == "" {
			senderName = "Morpheus"
		}
	} else if senderName == "" {
		senderName = req.AgentID
	}

	labels, routeTo := parseTags(req.Tags)
	dispatchReq := route.Request{
		AgentID:    req.AgentID,
		SenderID:   senderID,
		SenderName: senderName,
		RoomID:     req.RoomID,
		Text:       req.Text,
		Tags:       labels,
		RouteTo:    routeTo,
	}

	target := h.Dispatcher.Target(r.Context(), dispatchReq)
	ack := Ack{
		Accepted: true,
		Route:    AckRoute{RequestedRoomID: req.RoomID, RoutedRoomID: target},
		Policy: AckPolicy{
			TimeoutMs:  h.Config.RouterTimeout.Milliseconds(),
			MaxRetries: h.Config.RouterMaxRetries,
		},
	}

	// Permission is rejected up front only when resolution kept the
	// message in the requested room; a redirected message is checked
	// per candidate by the dispatcher.
	if req.AgentID != "" && target == req.RoomID && !h.Directory.CanAgentPost(req.AgentID, room) {
		h.JSON(w, http.StatusForbidden, map[string]any{
			"ok":    false,
			"error": "agent not allowed in room",
			"ack":   ack,
		})
		return
	}

	res := h.Dispatcher.Dispatch(r.Context(), dispatchReq)
	if !res.OK {
		h.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":       false,
			"error":    route.ErrAllRoutesFailed.Error(),
			"ack":      ack,
			"attempts": res.Attempts,
		})
		return
	}

	h.JSON(w, http.StatusOK, SubmitMessageResponse{
		OK:           true,
		Ack:          ack,
		RoutedRoomID: res.RoomID,
		FallbackUsed: res.FallbackUsed,
		Attempts:     res.Attempts,
		Queued:       res.Send.Queued,
		Dropped:      res.Send.Dropped,
		Reason:       res.Send.Reason,
		RemainingMs:  res.Send.RemainingMs,
		MessageID:    res.Send.MessageID,
	})
}
