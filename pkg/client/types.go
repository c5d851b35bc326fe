package client

import "time"

// ProcessStatus is the status of one external process.
type ProcessStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Killed    bool      `json:"killed,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

// InputStatus describes the live feed.
type InputStatus struct {
	State      string          `json:"state"`
	Since      time.Time       `json:"since"`
	Bound      bool            `json:"bound"`
	Restarting bool            `json:"restarting"`
	Restarts   int             `json:"restarts"`
	Processes  []ProcessStatus `json:"processes,omitempty"`
}

// OutputStatus describes the sink.
type OutputStatus struct {
	Online     bool           `json:"online"`
	Producer   string         `json:"producer,omitempty"`
	Restarting bool           `json:"restarting"`
	Restarts   int            `json:"restarts"`
	Process    *ProcessStatus `json:"process,omitempty"`
}

// FallbackStatus describes the fallback source. Duration is in nanoseconds.
type FallbackStatus struct {
	Mode       string         `json:"mode"`
	Ready      bool           `json:"ready"`
	Active     bool           `json:"active"`
	Restarting bool           `json:"restarting,omitempty"`
	Restarts   int            `json:"restarts,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Deliveries int            `json:"deliveries,omitempty"`
	Process    *ProcessStatus `json:"process,omitempty"`
}

// Status is the relay snapshot returned by GET {base}/status.
type Status struct {
	RunID      string         `json:"run_id"`
	Running    bool           `json:"running"`
	StartedAt  time.Time      `json:"started_at"`
	Restarting bool           `json:"restarting"`
	Restarts   int            `json:"restarts"`
	Producer   string         `json:"producer,omitempty"`
	Input      InputStatus    `json:"input"`
	Output     OutputStatus   `json:"output"`
	Fallback   FallbackStatus `json:"fallback"`
}

// ProcessSample is one CPU/memory sample from GET {base}/processes.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LoginRequest is the body of POST {base}/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is a bearer token returned by the login endpoint.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
