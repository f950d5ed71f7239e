package models

import "time"

// ServiceRegistration is a backend service allowed to use the internal channel.
// The shared key is only ever held as a bcrypt hash.
type ServiceRegistration struct {
	Name        string                 `json:"name"`
	KeyHash     string                 `json:"keyHash"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enabled     bool                   `json:"enabled"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// ServiceInfo is the view of a registration that may be shown to other services.
type ServiceInfo struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enabled     bool                   `json:"enabled"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (r *ServiceRegistration) Info() ServiceInfo {
	return ServiceInfo{
		Name:        r.Name,
		Type:        r.Type,
		Description: r.Description,
		Enabled:     r.Enabled,
		Metadata:    r.Metadata,
	}
}

type ServiceSession struct {
	ServiceName    string                 `json:"serviceName"`
	ConnectionID   string                 `json:"connectionId"`
	Type           string                 `json:"type"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	NodeID         string                 `json:"nodeId,omitempty"`
	ConnectedAt    time.Time              `json:"connectedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
}
