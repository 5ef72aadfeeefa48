package models

// Agent is an automated participant with presence status.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"lastSeen"` // Unix ms
	CurrentTask string `json:"currentTask"`
}
