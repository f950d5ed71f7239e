package models

import "time"

// Identity is the verified principal carried by a user credential.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Session is one authenticated connection of a user. A user may hold several.
type Session struct {
	UserID         string    `json:"userId"`
	ConnectionID   string    `json:"connectionId"`
	Email          string    `json:"email,omitempty"`
	NodeID         string    `json:"nodeId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	DeviceInfo     string    `json:"deviceInfo,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
}

type PresenceStatus struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Contact is one entry of a user's related set. The JSON layout matches the
// friend lists written by the account service.
type Contact struct {
	ID     string `json:"_id"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"userId,omitempty"`
}
