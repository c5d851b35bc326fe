// Package relay wires the feed monitor, the fallback source and the output
// sink together: it switches the sink's producer on every feed state change
// and restarts the whole service after an unexpected process exit.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/fallback"
	"github.com/loykin/onair/internal/history"
	"github.com/loykin/onair/internal/input"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/output"
	"github.com/loykin/onair/internal/stream"
)

const DefaultRestartCooldown = 3 * time.Second

var (
	ErrNotRunning       = errors.New("relay not running")
	ErrUnknownComponent = errors.New("unknown component")
	ErrNotRestartable   = errors.New("component cannot be restarted on its own")
)

// Monitor is the live feed side as seen by the orchestrator.
type Monitor interface {
	stream.Producer
	Start(ctx context.Context) error
	Stop()
	Restart(onComplete func())
	PipeTo(sink stream.Sink)
	Bind()
	Unbind()
	State() input.State
	OnStateChange(fn func(cur, prev input.State))
	OnExit(fn func(stream.ExitEvent))
	Status() input.Status
	PIDs() map[string]int32
}

// Sink is the output side as seen by the orchestrator.
type Sink interface {
	stream.Sink
	Start(ctx context.Context) error
	Stop()
	Restart() error
	OnExit(fn func(stream.ExitEvent))
	OnFailure(fn func(error))
	Status() output.Status
	PIDs() map[string]int32
}

type restarter interface {
	Restart(onComplete func())
}

type pidReporter interface {
	PIDs() map[string]int32
}

// Options tunes the orchestrator. Zero values select the defaults.
type Options struct {
	RestartCooldown time.Duration
	// DisableServiceRestart recovers a crashed component on its own instead
	// of restarting all three.
	DisableServiceRestart bool
	Clock                 clock.Clock
	Logger                *slog.Logger
	Recorder              *history.Recorder
}

// Status is a snapshot for the admin API.
type Status struct {
	RunID      string          `json:"run_id"`
	Running    bool            `json:"running"`
	StartedAt  time.Time       `json:"started_at"`
	Restarting bool            `json:"restarting"`
	Restarts   int             `json:"restarts"`
	Producer   string          `json:"producer,omitempty"`
	Input      input.Status    `json:"input"`
	Output     output.Status   `json:"output"`
	Fallback   fallback.Status `json:"fallback"`
}

// Orchestrator owns the three components and all wiring between them.
type Orchestrator struct {
	monitor  Monitor
	sink     Sink
	fallback fallback.Source
	opts     Options
	clk      clock.Clock
	base     *slog.Logger
	rec      *history.Recorder
	fatal    chan error

	// actMu serialises producer switching.
	actMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	log          *slog.Logger
	runID        string
	running      bool
	startedAt    time.Time
	restarting   bool
	restartTimer clock.Timer
	restarts     int
}

// Assemble wires already constructed components. Observers are registered
// here, once.
func Assemble(m Monitor, s Sink, f fallback.Source, opts Options) *Orchestrator {
	if opts.RestartCooldown <= 0 {
		opts.RestartCooldown = DefaultRestartCooldown
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	base := logger.WithComponent(opts.Logger, stream.ComponentRelay)
	o := &Orchestrator{
		monitor:  m,
		sink:     s,
		fallback: f,
		opts:     opts,
		clk:      opts.Clock,
		base:     base,
		log:      base,
		rec:      opts.Recorder,
		fatal:    make(chan error, 1),
	}
	m.OnStateChange(o.onState)
	m.OnExit(o.onExit)
	s.OnExit(o.onExit)
	s.OnFailure(o.fail)
	f.OnExit(o.onExit)
	return o
}

func (o *Orchestrator) newRunLocked() {
	o.runID = uuid.NewString()
	o.log = o.base.With("run_id", o.runID)
}

func (o *Orchestrator) logger() *slog.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.log
}

// Start initialises the three components concurrently, then pipes both
// producers into the sink and lets the fallback play. Any initialisation
// failure stops everything and is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running || o.restarting {
		o.mu.Unlock()
		return nil
	}
	o.ctx = ctx
	o.newRunLocked()
	o.mu.Unlock()
	return o.startRun(ctx)
}

func (o *Orchestrator) startRun(ctx context.Context) error {
	log := o.logger()
	if err := o.startComponents(ctx); err != nil {
		o.stopComponents()
		log.Error("relay startup failed", "error", err)
		o.record(history.Event{Type: history.EventFatal, Component: stream.ComponentRelay, Message: err.Error()})
		return err
	}
	o.fallback.PipeTo(o.sink)
	o.monitor.PipeTo(o.sink)

	o.mu.Lock()
	o.running = true
	o.startedAt = o.clk.Now()
	o.mu.Unlock()

	// usually Offline, so this starts the fallback
	o.switchProducer()
	log.Info("relay started")
	o.record(history.Event{Type: history.EventStart, Component: stream.ComponentRelay})
	return nil
}

func (o *Orchestrator) startComponents(ctx context.Context) error {
	// components keep ctx for their own restarts, so it must outlive Wait
	var g errgroup.Group
	g.Go(func() error { return o.sink.Start(ctx) })
	g.Go(func() error { return o.monitor.Start(ctx) })
	g.Go(func() error { return o.fallback.Init(ctx) })
	return g.Wait()
}

// stopComponents stops the sink first so that a producer blocked on its
// input is released.
func (o *Orchestrator) stopComponents() {
	o.sink.Stop()
	o.monitor.Stop()
	o.fallback.Stop()
}

// switchProducer applies the state-to-action table to the feed's current
// state, read under actMu so a stale notification never wins.
func (o *Orchestrator) switchProducer() {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	switch state := o.monitor.State(); state {
	case input.Offline:
		o.monitor.Unbind()
		o.fallback.Play()
	case input.ConnectionPending:
		o.fallback.Play()
	case input.Online:
		o.fallback.Pause()
		o.monitor.Bind()
	default:
		panic(fmt.Sprintf("relay: unknown feed state %v", state))
	}
}

func (o *Orchestrator) onState(cur, prev input.State) {
	o.record(history.Event{
		Type:      history.EventStateChange,
		Component: stream.ComponentInput,
		From:      prev.String(),
		To:        cur.String(),
	})
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	o.switchProducer()
}

func (o *Orchestrator) onExit(ev stream.ExitEvent) {
	e := history.Event{
		Type:      history.EventExit,
		Component: ev.Component,
		Process:   ev.Process,
		Code:      ev.Code,
		Requested: ev.Requested,
	}
	if ev.Err != nil {
		e.Message = ev.Err.Error()
	}
	o.record(e)
	if ev.Requested {
		return
	}
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	if o.opts.DisableServiceRestart {
		o.recoverComponent(ev)
		return
	}
	o.scheduleRestart(ev.String())
}

// recoverComponent restarts only the component that lost a process. The
// sink heals itself.
func (o *Orchestrator) recoverComponent(ev stream.ExitEvent) {
	switch ev.Component {
	case stream.ComponentInput:
		o.monitor.Restart(nil)
	case stream.ComponentFallback:
		if r, ok := o.fallback.(restarter); ok {
			r.Restart(nil)
		}
	}
}

// scheduleRestart stops every component now and starts them again after the
// cool-down. A restart already pending makes this a no-op.
func (o *Orchestrator) scheduleRestart(reason string) {
	o.mu.Lock()
	if !o.running || o.restarting {
		log := o.log
		o.mu.Unlock()
		log.Debug("relay restart already pending or relay stopped", "reason", reason)
		return
	}
	o.restarting = true
	o.running = false
	log := o.log
	o.mu.Unlock()

	log.Warn("restarting relay", "reason", reason, "in", o.opts.RestartCooldown)
	metrics.IncServiceRestart()
	o.record(history.Event{Type: history.EventRestart, Component: stream.ComponentRelay, Message: reason})
	o.stopComponents()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.restarting {
		return
	}
	o.restartTimer = o.clk.AfterFunc(o.opts.RestartCooldown, o.completeRestart)
}

func (o *Orchestrator) completeRestart() {
	o.mu.Lock()
	if !o.restarting {
		o.mu.Unlock()
		return
	}
	o.restarting = false
	o.restartTimer = nil
	o.restarts++
	ctx := o.ctx
	o.newRunLocked()
	o.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if err := o.startRun(ctx); err != nil {
		o.fail(fmt.Errorf("relay restart: %w", err))
	}
}

// fail reports a fatal error to Run.
func (o *Orchestrator) fail(err error) {
	o.logger().Error("relay failed", "error", err)
	o.record(history.Event{Type: history.EventFatal, Component: stream.ComponentRelay, Message: err.Error()})
	select {
	case o.fatal <- err:
	default:
	}
}

// Run starts the relay and blocks until ctx is done or a fatal error occurs.
// Everything is stopped before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Stop()
	select {
	case <-ctx.Done():
		return nil
	case err := <-o.fatal:
		return err
	}
}

// Stop stops every component and cancels a pending restart. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	active := o.running || o.restarting
	o.running = false
	o.restarting = false
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
	log := o.log
	o.mu.Unlock()

	o.stopComponents()
	if active {
		log.Info("relay stopped")
		o.record(history.Event{Type: history.EventStop, Component: stream.ComponentRelay})
	}
}

// Restart performs a whole-service restart.
func (o *Orchestrator) Restart() error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	o.scheduleRestart("requested")
	return nil
}

// RestartComponent restarts one component with its own cool-down.
func (o *Orchestrator) RestartComponent(name string) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	switch name {
	case stream.ComponentInput:
		o.monitor.Restart(nil)
	case stream.ComponentOutput:
		if err := o.sink.Restart(); err != nil {
			return err
		}
	case stream.ComponentFallback:
		r, ok := o.fallback.(restarter)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRestartable, name)
		}
		r.Restart(nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	o.logger().Info("component restart requested", "target", name)
	o.record(history.Event{Type: history.EventRestart, Component: name, Message: "requested"})
	return nil
}

// PIDs returns every running external process by name.
func (o *Orchestrator) PIDs() map[string]int32 {
	out := map[string]int32{}
	for k, v := range o.monitor.PIDs() {
		out[k] = v
	}
	for k, v := range o.sink.PIDs() {
		out[k] = v
	}
	if p, ok := o.fallback.(pidReporter); ok {
		for k, v := range p.PIDs() {
			out[k] = v
		}
	}
	return out
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		RunID:      o.runID,
		Running:    o.running,
		StartedAt:  o.startedAt,
		Restarting: o.restarting,
		Restarts:   o.restarts,
	}
	o.mu.Unlock()
	st.Input = o.monitor.Status()
	st.Output = o.sink.Status()
	st.Fallback = o.fallback.Status()
	st.Producer = st.Output.Producer
	return st
}

func (o *Orchestrator) record(e history.Event) {
	if o.rec == nil {
		return
	}
	o.mu.Lock()
	e.RunID = o.runID
	o.mu.Unlock()
	o.rec.Record(e)
}

// Close stops the relay and flushes the event recorder.
func (o *Orchestrator) Close() error {
	o.Stop()
	return o.rec.Close()
}
