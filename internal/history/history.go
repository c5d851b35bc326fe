// Package history exports relay events (state transitions, process exits,
// restarts) to external analytics systems. Export is best effort: a failing
// destination never affects the relay.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of relay event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventStateChange EventType = "state_change"
	EventExit        EventType = "exit"
	EventRestart     EventType = "restart"
	EventFatal       EventType = "fatal"
)

// Event is one relay event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Component  string    `json:"component,omitempty"`
	Process    string    `json:"process,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Code       int       `json:"code"`
	Requested  bool      `json:"requested"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultQueue = 256

// Recorder fans events out to its sinks from a single background goroutine,
// preserving event order. Record never blocks: when the queue is full the
// event is dropped.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRecorder starts a recorder. A nil or empty sinks list yields a recorder
// that discards everything.
func NewRecorder(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Recorder{
		sinks:   sinks,
		timeout: timeout,
		log:     log.With("component", "history"),
		queue:   make(chan Event, defaultQueue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e for every sink.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Debug("history queue full, dropping event", "type", e.Type)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Debug("history export failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that hold resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
