// Package fallback supplies filler content to the sink while the live feed is
// unhealthy. Two sources exist: a continuously looping playback process and an
// in-memory buffer replayed on a self-correcting timer.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loykin/onair/internal/process"
	"github.com/loykin/onair/internal/stream"
)

const (
	ModeProcess = "process"
	ModeBuffer  = "buffer"

	DefaultCommand         = "ffmpeg -re -stream_loop -1 -i {file} -ar 44100 -c copy -f mpegts -"
	DefaultProcessName     = "ffmpegfallback"
	DefaultRestartCooldown = 2 * time.Second

	defaultReadSize = 32 * 1024
)

// ErrUnreadable is returned by Init when the clip cannot be read.
var ErrUnreadable = errors.New("fallback clip unreadable")

// Source is a producer that can be switched on and off.
type Source interface {
	stream.Producer
	// Init prepares the content and, for the process source, spawns the
	// playback process. Failure is fatal to the relay.
	Init(ctx context.Context) error
	// Play enables delivery and binds the source to its sink. Idempotent.
	Play()
	// Pause disables delivery and unbinds. Idempotent.
	Pause()
	// Stop releases everything Init acquired. Idempotent.
	Stop()
	PipeTo(sink stream.Sink)
	// OnExit registers fn for exits of the playback process, if any.
	OnExit(fn func(stream.ExitEvent))
	Active() bool
	Status() Status
}

// Status is a snapshot for the admin API.
type Status struct {
	Mode       string          `json:"mode"`
	Ready      bool            `json:"ready"`
	Active     bool            `json:"active"`
	Restarting bool            `json:"restarting,omitempty"`
	Restarts   int             `json:"restarts,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Deliveries int             `json:"deliveries,omitempty"`
	Process    *process.Status `json:"process,omitempty"`
}

// checkReadable verifies that path is a non-empty regular file we can open.
func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no path configured", ErrUnreadable)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}
	if _, err := f.Read(make([]byte, 1)); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s is empty", ErrUnreadable, path)
		}
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return nil
}
