package models

// Event types carried by the bus. Total order is commit order, not
// wall-clock order.
const (
	EventMessage          = "message"
	EventStatusUpdate     = "status_update"
	EventCooldownQueued   = "cooldown_queued"
	EventCooldownReleased = "cooldown_released"
	EventCooldownDropped  = "cooldown_dropped"
	EventSystem           = "system_event"
	EventDispatchAck      = "message_dispatch_ack"
	EventDispatchFailed   = "message_dispatch_failed"
	EventNoticeFailed     = "router_notice_failed"

	// EventHello greets a fresh subscriber. It is never persisted.
	EventHello = "hello"
)

// Event is one entry in the append-only audit stream.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Ts      int64  `json:"ts"` // Unix ms
	Payload any    `json:"payload"`
}
