// Package route decides where a message lands: a pure resolver picks
// the target room, and the dispatcher delivers to it with retries,
// timeout racing and an ordered fallback chain.
package route

import (
	"context"
	"regexp"
	"strings"
)

// RoomLookup reports whether a room id is registered.
type RoomLookup interface {
	RoomExists(ctx context.Context, id string) bool
}

// aliases maps short agent handles to their dedicated rooms.
var aliases = map[string]string{
	"aegis":       "agent-aegis",
	"keystone":    "agent-keystone",
	"vector":      "agent-vector",
	"mint":        "agent-mint",
	"switchboard": "agent-switchboard",
	"caliper":     "agent-caliper",
}

var (
	roomMentionRe = regexp.MustCompile(`(?i)#(agent-[a-zA-Z0-9_-]+)`)
	userMentionRe = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)
)

// tokenToRoom normalizes a route token to a room id: already-prefixed
// tokens pass through, known handles go through the alias table, and
// anything else is assumed to name an agent.
func tokenToRoom(token string) string {
	t := strings.ToLower(strings.TrimSpace(token))
	if t == "" {
		return ""
	}
	if strings.HasPrefix(t, "agent-") || strings.HasPrefix(t, "#agent-") {
		return strings.TrimPrefix(t, "#")
	}
	if room, ok := aliases[t]; ok {
		return room
	}
	return "agent-" + t
}

// Query carries the inputs of one resolution.
type Query struct {
	RoomID  string // the requested room, used as the final fallback
	Text    string
	RouteTo string // explicit route tag, highest priority
}

// strategy maps a query to a candidate room id, or "" when it has none.
// Strategies are pure; existence checks happen in Resolve.
type strategy func(Query) string

func fromRouteTag(q Query) string {
	if strings.TrimSpace(q.RouteTo) == "" {
		return ""
	}
	return tokenToRoom(q.RouteTo)
}

func fromRoomMention(q Query) string {
	m := roomMentionRe.FindStringSubmatch(q.Text)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

func fromUserMention(q Query) string {
	m := userMentionRe.FindStringSubmatch(q.Text)
	if m == nil {
		return ""
	}
	return tokenToRoom(m[1])
}

// strategies in fixed priority order: tag beats mention beats default.
var strategies = []strategy{fromRouteTag, fromRoomMention, fromUserMention}

// Resolver determines the single target room id for a message. It is
// deterministic and has no side effects.
type Resolver struct {
	rooms RoomLookup
}

// NewResolver creates a Resolver over the given room registry.
func NewResolver(rooms RoomLookup) *Resolver {
	return &Resolver{rooms: rooms}
}

// Resolve evaluates the strategies in priority order and returns the
// first candidate naming an existing room, else the requested room.
func (r *Resolver) Resolve(ctx context.Context, q Query) string {
	for _, s := range strategies {
		if candidate := s(q); candidate != "" && r.rooms.RoomExists(ctx, candidate) {
			return candidate
		}
	}
	return q.RoomID
}
