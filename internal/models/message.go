package models

// Message is one committed entry in a room's log.
type Message struct {
	ID         string   `json:"id"` // ULID
	RoomID     string   `json:"roomId"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName"`
	Ts         int64    `json:"ts"` // Unix ms, assigned at commit
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
}
