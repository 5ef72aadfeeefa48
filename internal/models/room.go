package models

// PermissionMode controls how agents may post into a room.
type PermissionMode string

const (
	// AgentsNone forbids all agent posts.
	AgentsNone PermissionMode = "none"
	// AgentsLimited allows agent posts subject to cooldown.
	AgentsLimited PermissionMode = "limited"
	// AgentsRoomOnly restricts an agent to its own dedicated room.
	AgentsRoomOnly PermissionMode = "roomOnly"
)

// RoomType categorizes a room on the floor.
type RoomType string

const (
	RoomOps    RoomType = "ops"
	RoomBreak  RoomType = "break"
	RoomAgent  RoomType = "agent"
	RoomSystem RoomType = "system"
)

// Permissions describes who may post into a room. The operator is
// always unrestricted; the agents mode is evaluated per sender.
type Permissions struct {
	Operator string         `json:"operator"`
	Agents   PermissionMode `json:"agents"`
}

// Room is a named channel with a posting policy for agents.
type Room struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        RoomType    `json:"type"`
	Permissions Permissions `json:"permissions"`
}

// DedicatedRoomID returns the id of the room an agent owns by convention.
func DedicatedRoomID(agentID string) string {
	return "agent-" + agentID
}
