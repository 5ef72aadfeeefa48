// Package bus is the persisted, ordered event stream of the workspace.
// Every emission is appended to the store first and then broadcast to
// live subscribers, under one lock, so persisted order and broadcast
// order are the same by construction.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/metrics"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/store"
)

// subscriberBuffer bounds how far a slow observer may lag before it is
// dropped from the subscriber set.
const subscriberBuffer = 64

// Subscriber is a handle on the live event stream. Receive from C until
// it is closed, then discard the handle.
type Subscriber struct {
	ID string
	C  <-chan models.Event
	ch chan models.Event
}

// Bus persists events and fans them out to subscribers.
type Bus struct {
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

// New creates a Bus backed by the given store.
func New(st store.Store, logger zerolog.Logger) *Bus {
	return &Bus{
		store:  st,
		logger: logger,
		subs:   make(map[string]*Subscriber),
	}
}

// Emit appends an event to the store and pushes it to every live
// subscriber. A subscriber that cannot receive is dropped; it never
// blocks persistence or its peers. The returned error reports a
// persistence failure only.
func (b *Bus) Emit(ctx context.Context, typ string, payload any) error {
	evt := models.Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Ts:      time.Now().UnixMilli(),
		Payload: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	if err := b.store.InsertEvent(ctx, evt); err != nil {
		return err
	}
	metrics.EventsEmitted.WithLabelValues(typ).Inc()

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Lagging or gone. Cut it loose so the rest keep receiving.
			delete(b.subs, id)
			close(sub.ch)
			metrics.Subscribers.Dec()
			b.logger.Warn().Str("subscriber", id).Msg("dropped slow event subscriber")
		}
	}
	return nil
}

// Subscribe registers a new observer. The greeting event is already
// waiting on the channel when Subscribe returns.
func (b *Bus) Subscribe() *Subscriber {
	ch := make(chan models.Event, subscriberBuffer)
	sub := &Subscriber{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}

	now := time.Now().UnixMilli()
	ch <- models.Event{
		ID:      uuid.NewString(),
		Type:    models.EventHello,
		Ts:      now,
		Payload: map[string]int64{"ts": now},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes an observer. It is idempotent and safe to call
// after the bus dropped the subscriber itself.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
	metrics.Subscribers.Dec()
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close tears down every subscriber channel. Further emissions are
// silently discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
		metrics.Subscribers.Dec()
	}
}
