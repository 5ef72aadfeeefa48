package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/cooldown"
	"github.com/opsfloor-hq/opsfloor/internal/metrics"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

// Directory is the room/permission view the dispatcher needs.
type Directory interface {
	Room(ctx context.Context, id string) (*models.Room, error)
	CanAgentPost(agentID string, room *models.Room) bool
}

// Log is the direct commit path used for operator sends and audit
// notices.
type Log interface {
	Append(ctx context.Context, roomID, senderID, senderName, text string, tags []string) (*models.Message, error)
}

// Submitter is the cooldown-gated commit path used for agent sends.
type Submitter interface {
	Submit(ctx context.Context, agentID string, req cooldown.SendRequest) (cooldown.Result, error)
}

// Emitter raises structured audit events.
type Emitter interface {
	Emit(ctx context.Context, typ string, payload any) error
}

// Policy holds the dispatcher's timeout, retry and fallback settings.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration // scaled linearly by attempt number

	// The two default rooms; every dispatch falls back to whichever one
	// the request did not start from.
	PrimaryRoomID   string
	SecondaryRoomID string
}

// Attempt records one delivery try, success or failure.
type Attempt struct {
	RoomID       string `json:"roomId"`
	OK           bool   `json:"ok"`
	Attempt      int    `json:"attempt,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
	FallbackUsed bool   `json:"fallbackUsed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Request is one inbound message to deliver.
type Request struct {
	AgentID    string // empty for the operator
	SenderID   string
	SenderName string
	RoomID     string // requested room; audit notices land here
	Text       string
	Tags       []string
	RouteTo    string
}

// Result is the outcome of a full dispatch.
type Result struct {
	OK           bool
	RoomID       string
	FallbackUsed bool
	Attempts     []Attempt
	Send         cooldown.Result
	Err          error
}

// Dispatcher orchestrates permission checks, timeout-bounded delivery
// attempts, retries and ordered fallback, narrating the outcome into
// the originating room as it goes.
type Dispatcher struct {
	resolver  *Resolver
	directory Directory
	log       Log
	queue     Submitter
	events    Emitter
	logger    zerolog.Logger
	policy    Policy
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(resolver *Resolver, dir Directory, log Log, queue Submitter, events Emitter, logger zerolog.Logger, policy Policy) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		directory: dir,
		log:       log,
		queue:     queue,
		events:    events,
		logger:    logger,
		policy:    policy,
	}
}

// Target resolves the room a request would be routed to, without any
// side effects.
func (d *Dispatcher) Target(ctx context.Context, req Request) string {
	return d.resolver.Resolve(ctx, Query{RoomID: req.RoomID, Text: req.Text, RouteTo: req.RouteTo})
}

// Dispatch resolves, validates and commits one message. The ACK notice
// is posted into the requested room before any delivery work, so
// observers always see an acceptance distinct from a delivery
// confirmation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	target := d.Target(ctx, req)

	d.safeNotice(ctx, req.RoomID, fmt.Sprintf(
		"ACK: accepted message from %s; route=%s; timeout=%dms retries=%d",
		req.SenderName, target, d.policy.Timeout.Milliseconds(), d.policy.MaxRetries), "ACK")

	var attempts []Attempt
	for _, tryRoomID := range d.chain(req.RoomID, target) {
		room, err := d.directory.Room(ctx, tryRoomID)
		if err != nil || room == nil {
			attempts = append(attempts, Attempt{RoomID: tryRoomID, Error: ErrRoomNotFound.Error()})
			metrics.DispatchAttempts.WithLabelValues("rejected").Inc()
			continue
		}

		if req.AgentID != "" && !d.directory.CanAgentPost(req.AgentID, room) {
			attempts = append(attempts, Attempt{RoomID: tryRoomID, Error: ErrAgentNotAllowed.Error()})
			metrics.DispatchAttempts.WithLabelValues("rejected").Inc()
			continue
		}

		for n := 1; n <= d.policy.MaxRetries+1; n++ {
			send, err := d.attempt(ctx, tryRoomID, req)
			if err == nil {
				fallbackUsed := tryRoomID != target
				attempts = append(attempts, Attempt{
					RoomID: tryRoomID, OK: true, Attempt: n,
					Queued: send.Queued, FallbackUsed: fallbackUsed,
				})
				metrics.DispatchAttempts.WithLabelValues("ok").Inc()
				if fallbackUsed {
					metrics.DispatchFallbacks.Inc()
					d.safeNotice(ctx, req.RoomID,
						"FALLBACK: delivered to "+tryRoomID+" after primary route failure", "FALLBACK")
				}
				d.deliveredNotice(ctx, req.RoomID, tryRoomID, fallbackUsed)
				d.emit(ctx, models.EventDispatchAck, map[string]any{
					"senderId":        req.SenderID,
					"requestedRoomId": req.RoomID,
					"routedRoomId":    tryRoomID,
					"fallbackUsed":    fallbackUsed,
					"attempts":        attempts,
				})
				return Result{OK: true, RoomID: tryRoomID, FallbackUsed: fallbackUsed, Attempts: attempts, Send: send}
			}

			attempts = append(attempts, Attempt{RoomID: tryRoomID, Attempt: n, Error: err.Error()})
			retrying := n <= d.policy.MaxRetries && isRetryable(err)
			d.countFailure(err)

			suffix := ""
			if retrying {
				suffix = ", retrying"
			}
			d.safeNotice(ctx, req.RoomID, fmt.Sprintf(
				"TIMEOUT/RETRY: route %s attempt %d failed (%s)%s", tryRoomID, n, err, suffix), "RETRY")

			if !retrying {
				break
			}
			d.backoff(ctx, n)
		}
	}

	metrics.DispatchFailures.Inc()
	d.safeNotice(ctx, req.RoomID, "FAIL: message dispatch failed after retries; fallback exhausted", "FAIL")
	d.emit(ctx, models.EventDispatchFailed, map[string]any{
		"senderId":     req.SenderID,
		"roomId":       req.RoomID,
		"routedRoomId": target,
		"attempts":     attempts,
	})
	return Result{Attempts: attempts, Err: ErrAllRoutesFailed}
}

// chain builds the ordered, de-duplicated candidate list: the resolved
// target plus the fixed alternate of the requested room. Every dispatch
// gets at least one fallback distinct from its primary target.
func (d *Dispatcher) chain(baseRoomID, target string) []string {
	fallback := d.policy.SecondaryRoomID
	if baseRoomID != d.policy.PrimaryRoomID {
		fallback = d.policy.PrimaryRoomID
	}
	if fallback == target || fallback == "" {
		return []string{target}
	}
	return []string{target, fallback}
}

// attempt races one send against the per-attempt timeout. On timeout the
// send itself is abandoned, not cancelled: a queued agent message still
// matures and commits later.
func (d *Dispatcher) attempt(ctx context.Context, roomID string, req Request) (cooldown.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	type outcome struct {
		send cooldown.Result
		err  error
	}
	done := make(chan outcome, 1)

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if req.AgentID != "" {
			send, err := d.queue.Submit(sendCtx, req.AgentID, cooldown.SendRequest{
				RoomID:     roomID,
				SenderID:   req.SenderID,
				SenderName: req.SenderName,
				Text:       req.Text,
				Tags:       req.Tags,
			})
			done <- outcome{send: send, err: err}
			return
		}
		msg, err := d.log.Append(sendCtx, roomID, req.SenderID, req.SenderName, req.Text, req.Tags)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{send: cooldown.Result{MessageID: msg.ID}}
	}()

	select {
	case out := <-done:
		return out.send, out.err
	case <-attemptCtx.Done():
		return cooldown.Result{}, ErrDispatchTimeout
	}
}

func (d *Dispatcher) backoff(ctx context.Context, attempt int) {
	t := time.NewTimer(d.policy.RetryDelay * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrDispatchTimeout) || store.IsTransient(err)
}

func (d *Dispatcher) countFailure(err error) {
	switch {
	case errors.Is(err, ErrDispatchTimeout):
		metrics.DispatchAttempts.WithLabelValues("timeout").Inc()
	case store.IsTransient(err):
		metrics.DispatchAttempts.WithLabelValues("transient").Inc()
	default:
		metrics.DispatchAttempts.WithLabelValues("failed").Inc()
	}
}

func (d *Dispatcher) deliveredNotice(ctx context.Context, baseRoomID, roomID string, fallbackUsed bool) {
	text := "DELIVERED: routed to " + roomID
	if fallbackUsed {
		text += " (fallback)"
	}
	d.safeNotice(ctx, baseRoomID, text, "DELIVERED")
}

// safeNotice posts a human-readable audit line into a room. Notice
// failures never abort dispatch; they degrade to a telemetry event.
func (d *Dispatcher) safeNotice(ctx context.Context, roomID, text string, extraTags ...string) {
	tags := append([]string{"SYSTEM", "ROUTER"}, extraTags...)
	if _, err := d.log.Append(ctx, roomID, "system", "OpsRouter", text, tags); err != nil {
		d.logger.Warn().Err(err).Str("room", roomID).Msg("router notice write failed")
		d.emit(ctx, models.EventNoticeFailed, map[string]any{
			"roomId": roomID,
			"text":   text,
			"tags":   extraTags,
		})
	}
}

func (d *Dispatcher) emit(ctx context.Context, typ string, payload any) {
	if err := d.events.Emit(ctx, typ, payload); err != nil {
		d.logger.Error().Err(err).Str("type", typ).Msg("dispatch event emission failed")
	}
}
