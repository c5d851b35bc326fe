// Package stream holds the contracts shared by the relay components: the
// producer/sink pipe attachment and the exit events they report.
package stream

import (
	"fmt"
	"strings"
)

// Endpoint is a remote URL or a local file path. It is fixed when a
// component is constructed.
type Endpoint string

func (e Endpoint) String() string { return string(e) }

// Remote reports whether the endpoint looks like a URL rather than a path.
func (e Endpoint) Remote() bool { return strings.Contains(string(e), "://") }

// Producer is anything that can be bound as the single writer of a Sink.
type Producer interface {
	Name() string
}

// Sink accepts bytes from exactly one bound producer at a time.
type Sink interface {
	// Attach makes p the only bound producer, replacing any other.
	Attach(p Producer)
	// Detach unbinds p. It is a no-op when p is not bound.
	Detach(p Producer)
	// Write forwards chunk when p is bound. Chunks from unbound producers and
	// writes racing a torn-down process input are dropped, not raised.
	Write(p Producer, chunk []byte) error
	// OnRestart registers fn to run after the sink has been respawned so the
	// active producer can bind to the fresh input.
	OnRestart(fn func())
}

// Component names used in logs, metrics and exit events.
const (
	ComponentInput    = "input"
	ComponentOutput   = "output"
	ComponentFallback = "fallback"
	ComponentRelay    = "relay"
)

// ExitEvent reports the termination of a supervised process.
// Requested is true when the component itself killed the process (stop,
// health restart); only unrequested exits are failures.
type ExitEvent struct {
	Component string
	Process   string
	Code      int
	Err       error
	Requested bool
}

func (e ExitEvent) String() string {
	kind := "unexpected"
	if e.Requested {
		kind = "requested"
	}
	return fmt.Sprintf("%s/%s exited with code %d (%s)", e.Component, e.Process, e.Code, kind)
}
