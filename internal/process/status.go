package process

import "time"

// Status is a point-in-time view of a supervised process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Killed    bool      `json:"killed"`
	LogPath   string    `json:"log_path,omitempty"`
}

// ExitStatus is delivered once when a process terminates.
// Code is -1 when the process was terminated by a signal.
// Requested reports that Kill was called before the exit was observed.
type ExitStatus struct {
	Name      string
	PID       int
	Code      int
	Err       error
	Requested bool
}
