package models

// DatabaseInstance is a provisioned data-service container. The type
// selects the image and the fixed internal port published on HostPort.
type DatabaseInstance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // postgres, mysql, redis
	HostPort int    `json:"host_port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`

	ContainerID string `json:"container_id,omitempty"`
	IsRunning   bool   `json:"is_running"`
	CreatedAt   int64  `json:"created_at"`
}
