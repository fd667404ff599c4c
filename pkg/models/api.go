package models

// TerminalRequest is the request body for running a command in the caller's sandbox
type TerminalRequest struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Background       bool   `json:"background,omitempty"`
	Template         string `json:"template,omitempty"`
	Model            string `json:"model,omitempty"`
}

// LimitResponse describes the caller's effective limit for a model
type LimitResponse struct {
	Model         string   `json:"model"`
	Bucket        string   `json:"bucket"`
	Plan          PlanType `json:"plan"`
	Limit         int      `json:"limit"`
	WindowMinutes int      `json:"window_minutes"`
	Enabled       bool     `json:"enabled"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	// RetryAfterMs is set on quota errors.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}
