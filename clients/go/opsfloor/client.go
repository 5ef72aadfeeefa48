// Package opsfloor provides a client for the OpsFloor workspace API.
package opsfloor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpsRoom is the ID of the default operations room.
const OpsRoom = "ops"

// Client is an OpsFloor API client.
type Client struct {
	BaseURL    string
	AgentID    string
	AgentName  string
	HTTPClient *http.Client
}

// NewClient creates a new OpsFloor client. An empty agentID posts as
// the operator.
func NewClient(baseURL, agentID, agentName string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8790"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AgentID:    agentID,
		AgentName:  agentName,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request.
func (c *Client) doRequest(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("opsfloor error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// StatusRequest is the request body for a presence update.
type StatusRequest struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"currentTask,omitempty"`
}

// UpdateStatus reports the agent's status and current task.
func (c *Client) UpdateStatus(status, currentTask string) error {
	req := StatusRequest{
		AgentID:     c.AgentID,
		Name:        c.AgentName,
		Status:      status,
		CurrentTask: currentTask,
	}
	body, _ := json.Marshal(req)
	_, err := c.doRequest("POST", "/workspace/status", body)
	return err
}

// SendRequest is the request body for posting a message.
type SendRequest struct {
	AgentID    string `json:"agentId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	RoomID     string `json:"roomId"`
	Text       string `json:"text"`
	Tags       any    `json:"tags,omitempty"`
}

// Attempt describes one delivery attempt.
type Attempt struct {
	RoomID       string `json:"roomId"`
	OK           bool   `json:"ok"`
	Attempt      int    `json:"attempt"`
	Queued       bool   `json:"queued,omitempty"`
	FallbackUsed bool   `json:"fallbackUsed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SendResponse is the response from posting a message.
type SendResponse struct {
	OK           bool      `json:"ok"`
	RoutedRoomID string    `json:"routedRoomId"`
	FallbackUsed bool      `json:"fallbackUsed"`
	Attempts     []Attempt `json:"attempts"`
	Queued       bool      `json:"queued"`
	Dropped      bool      `json:"dropped"`
	Reason       string    `json:"reason,omitempty"`
	RemainingMs  int64     `json:"remainingMs,omitempty"`
	MessageID    string    `json:"id,omitempty"`
}

// Send posts a message to a room. tags may be a []string of labels or
// a map with a "routeTo" hint; nil sends no tags.
func (c *Client) Send(roomID, text string, tags any) (*SendResponse, error) {
	req := SendRequest{
		AgentID:    c.AgentID,
		SenderName: c.AgentName,
		RoomID:     roomID,
		Text:       text,
		Tags:       tags,
	}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest("POST", "/workspace/message", body)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message represents a committed message.
type Message struct {
	ID         string   `json:"id"`
	RoomID     string   `json:"roomId"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName"`
	Ts         int64    `json:"ts"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
}

// Agent represents an agent presence record.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"lastSeen"`
	CurrentTask string `json:"currentTask,omitempty"`
}

// Room represents one room with its recent message tail.
type Room struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// StateResponse is the full workspace snapshot.
type StateResponse struct {
	Agents     []Agent `json:"agents"`
	Rooms      []Room  `json:"rooms"`
	CooldownMs int64   `json:"cooldownMs"`
}

// State fetches a workspace snapshot with up to limit messages per room.
func (c *Client) State(limit int) (*StateResponse, error) {
	path := "/workspace/state"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp StateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	Subscribers  int    `json:"subscribers"`
	QueuedAgents int    `json:"queuedAgents"`
}

// Health checks the server's health.
func (c *Client) Health() (*HealthResponse, error) {
	respBody, err := c.doRequest("GET", "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Event is one entry on the workspace event stream.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Tail subscribes to the server-sent event stream and invokes fn for
// every event until ctx is canceled or the stream ends.
func (c *Client) Tail(ctx context.Context, fn func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/workspace/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming call; the client-wide timeout would cut it short.
	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opsfloor error %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		fn(evt)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
