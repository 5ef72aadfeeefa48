// Package cooldown enforces one committed message per agent per rolling
// window. Excess sends are parked in a bounded FIFO backlog and released
// one at a time by a timer chain; each fire processes exactly one entry
// and conditionally re-arms, so the drain is a scheduled loop rather
// than recursion.
package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/metrics"
	"github.com/opsfloor-hq/opsfloor/internal/models"
)

// SendRequest is one agent send, either committed immediately or parked
// for delayed release.
type SendRequest struct {
	RoomID     string
	SenderID   string
	SenderName string
	Text       string
	Tags       []string
}

// CommitFunc commits a send to the message log. Released entries go
// through the same commit path as fresh ones.
type CommitFunc func(ctx context.Context, req SendRequest) (*models.Message, error)

// Result reports how the queue handled a submission.
type Result struct {
	Queued      bool   `json:"queued"`
	Dropped     bool   `json:"dropped,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RemainingMs int64  `json:"remainingMs,omitempty"`
	MessageID   string `json:"id,omitempty"`
}

// agentState exists only while an agent is cooling or has work parked.
// An absent entry is indistinguishable from a never-seen agent.
type agentState struct {
	nextAllowedAt time.Time
	pending       []SendRequest
	timer         *time.Timer
}

// Queue is the per-agent rate limiter.
type Queue struct {
	commit   CommitFunc
	bus      *bus.Bus
	logger   zerolog.Logger
	cooldown time.Duration
	maxQueue int

	mu      sync.Mutex
	agents  map[string]*agentState
	stopped bool
}

// New creates a Queue. commit is invoked for immediate sends and for
// every timer release.
func New(commit CommitFunc, b *bus.Bus, logger zerolog.Logger, cooldown time.Duration, maxQueue int) *Queue {
	return &Queue{
		commit:   commit,
		bus:      b,
		logger:   logger,
		cooldown: cooldown,
		maxQueue: maxQueue,
		agents:   make(map[string]*agentState),
	}
}

// Submit either commits the send now, opening a new cooldown window, or
// parks it behind the agent's current window. A full backlog drops the
// send permanently.
func (q *Queue) Submit(ctx context.Context, agentID string, req SendRequest) (Result, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Result{Dropped: true, Reason: "shutting_down"}, nil
	}

	now := time.Now()
	st := q.agents[agentID]

	if st != nil && now.Before(st.nextAllowedAt) {
		// Cooling: park or drop.
		if len(st.pending) >= q.maxQueue {
			q.mu.Unlock()
			metrics.CooldownDropped.Inc()
			q.emit(ctx, models.EventCooldownDropped, map[string]any{
				"agentId":  agentID,
				"reason":   "queue_full",
				"maxQueue": q.maxQueue,
			})
			return Result{Dropped: true, Reason: "queue_full"}, nil
		}
		st.pending = append(st.pending, req)
		remaining := st.nextAllowedAt.Sub(now).Milliseconds()
		depth := len(st.pending)
		q.mu.Unlock()

		metrics.CooldownQueued.Inc()
		q.emit(ctx, models.EventCooldownQueued, map[string]any{
			"agentId":     agentID,
			"remainingMs": remaining,
			"queued":      depth,
		})
		return Result{Queued: true, RemainingMs: remaining}, nil
	}

	// Idle: open a window, arm the release timer, commit outside the lock.
	if st == nil {
		st = &agentState{}
		q.agents[agentID] = st
	}
	st.nextAllowedAt = now.Add(q.cooldown)
	st.timer = time.AfterFunc(q.cooldown, func() { q.release(agentID) })
	q.mu.Unlock()

	msg, err := q.commit(ctx, req)
	if err != nil {
		// The window stays open; a retried submit parks behind it.
		return Result{}, err
	}
	return Result{MessageID: msg.ID}, nil
}

// release runs on timer fire: dequeue exactly one entry, commit it, and
// re-arm. With nothing parked the agent falls back to idle and its state
// is forgotten.
func (q *Queue) release(agentID string) {
	q.mu.Lock()
	st := q.agents[agentID]
	if q.stopped || st == nil {
		q.mu.Unlock()
		return
	}

	// A submit may have reopened the window between this timer firing
	// and the callback taking the lock; that window owns its own timer
	// and this fire is stale. Releases act only on a lapsed window.
	if time.Now().Before(st.nextAllowedAt) {
		q.mu.Unlock()
		return
	}

	if len(st.pending) == 0 {
		delete(q.agents, agentID)
		q.mu.Unlock()
		return
	}

	next := st.pending[0]
	st.pending = st.pending[1:]
	st.nextAllowedAt = time.Now().Add(q.cooldown)
	st.timer = time.AfterFunc(q.cooldown, func() { q.release(agentID) })
	q.mu.Unlock()

	ctx := context.Background()
	metrics.CooldownReleased.Inc()
	q.emit(ctx, models.EventCooldownReleased, map[string]any{"agentId": agentID})

	if _, err := q.commit(ctx, next); err != nil {
		// The window is consumed either way; retrying here would break
		// the one-commit-per-window invariant.
		q.logger.Error().Err(err).Str("agent", agentID).Str("room", next.RoomID).
			Msg("cooldown release commit failed")
	}
}

// QueuedAgents returns the number of agents with parked sends.
func (q *Queue) QueuedAgents() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.agents {
		if len(st.pending) > 0 {
			n++
		}
	}
	return n
}

// Stop cancels every pending timer and discards all state. Parked sends
// are abandoned.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	for id, st := range q.agents {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(q.agents, id)
	}
}

func (q *Queue) emit(ctx context.Context, typ string, payload any) {
	if err := q.bus.Emit(ctx, typ, payload); err != nil {
		q.logger.Error().Err(err).Str("type", typ).Msg("cooldown event emission failed")
	}
}
