package client

import "time"

// UpdateRequest is the body of POST /config.
type UpdateRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// UpdateResponse is returned by a successful POST /config.
type UpdateResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ProcessStatus is one entry of GET /status.
type ProcessStatus struct {
	Name           string    `json:"name"`
	PID            int       `json:"pid"`
	Alive          bool      `json:"alive"`
	Critical       bool      `json:"critical"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Failures       int       `json:"restart_failures"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	PendingRestart bool      `json:"pending_restart"`
}

type statusResponse struct {
	Processes []ProcessStatus `json:"processes"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}
