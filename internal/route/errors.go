package route

import "errors"

// Failure taxonomy surfaced to dispatch callers. Room and permission
// failures are final for a candidate but not for the chain; timeouts and
// storage contention are retryable within a candidate.
var (
	ErrRoomNotFound    = errors.New("room_not_found")
	ErrAgentNotAllowed = errors.New("agent_not_allowed")
	ErrDispatchTimeout = errors.New("dispatch_timeout")
	ErrAllRoutesFailed = errors.New("dispatch_failed_all_routes")
)
