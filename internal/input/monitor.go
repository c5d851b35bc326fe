// Package input supervises the processes that pull the live feed and
// normalise it, and classifies the feed's health from the chunks they emit.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/process"
	"github.com/loykin/onair/internal/stream"
)

const (
	DefaultPullCommand      = "rtmpdump -m 0 -v -r {url}"
	DefaultNormalizeCommand = "ffmpeg -f live_flv -i - -c copy -f mpegts -"
	DefaultPullName         = "rtmpdump"
	DefaultNormalizeName    = "ffmpegin"

	DefaultConnectionTimeout         = 5 * time.Second
	DefaultConnectionPendingDuration = 3 * time.Second
	DefaultRestartCooldown           = 2 * time.Second

	defaultReadSize = 32 * 1024
)

// Config describes the feed and its health thresholds.
type Config struct {
	Endpoint         stream.Endpoint
	PullCommand      string
	NormalizeCommand string
	PullName         string
	NormalizeName    string

	// ConnectionTimeout is the longest silence tolerated before the feed is
	// declared lost and the chain restarted.
	ConnectionTimeout time.Duration
	// ConnectionPendingDuration is how long a fresh feed must keep flowing
	// before it is trusted.
	ConnectionPendingDuration time.Duration
	RestartCooldown           time.Duration
	ReadSize                  int

	Env []string
	Log logger.FileConfig
}

func (c Config) withDefaults() Config {
	if c.PullCommand == "" {
		c.PullCommand = DefaultPullCommand
	}
	if c.NormalizeCommand == "" {
		c.NormalizeCommand = DefaultNormalizeCommand
	}
	if c.PullName == "" {
		c.PullName = DefaultPullName
	}
	if c.NormalizeName == "" {
		c.NormalizeName = DefaultNormalizeName
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ConnectionPendingDuration < 0 {
		c.ConnectionPendingDuration = 0
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	if c.ReadSize <= 0 {
		c.ReadSize = defaultReadSize
	}
	return c
}

// Status is a snapshot for the admin API.
type Status struct {
	State      State            `json:"state"`
	Since      time.Time        `json:"since"`
	Bound      bool             `json:"bound"`
	Restarting bool             `json:"restarting"`
	Restarts   int              `json:"restarts"`
	Processes  []process.Status `json:"processes,omitempty"`
}

// Monitor runs the feed-pull → feed-normalize chain and tracks feed health.
//
// Chunk handling and state notifications are serialised by evMu; observers
// run on that path and may call Bind/Unbind but not Stop or Restart.
type Monitor struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	onState []func(cur, prev State)
	onExit  []func(stream.ExitEvent)

	evMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	running      bool
	runGen       uint64
	state        State
	stateSince   time.Time
	pendingSince time.Time
	puller       *process.Handle
	normalizer   *process.Handle
	healthTimer  clock.Timer
	restarting   bool
	restartTimer clock.Timer
	restarts     int
	sink         stream.Sink
	bound        bool
}

// New creates a monitor in the Offline state.
func New(cfg Config, clk clock.Clock, log *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		cfg:        cfg.withDefaults(),
		clk:        clk,
		log:        logger.WithComponent(log, stream.ComponentInput),
		stateSince: clk.Now(),
	}
}

// Name identifies the monitor as a sink producer.
func (m *Monitor) Name() string { return stream.ComponentInput }

// OnStateChange registers fn for every state transition. Register before Start.
func (m *Monitor) OnStateChange(fn func(cur, prev State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnExit registers fn for every process exit of the chain. Register before Start.
func (m *Monitor) OnExit(fn func(stream.ExitEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = append(m.onExit, fn)
}

// State returns the current feed health.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start spawns the chain and begins reading the normalised stream. Feed
// absence is not an error; only a failure to spawn is.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.ctx = ctx
	m.runGen++
	gen := m.runGen

	var extra []process.Option
	if m.cfg.Env != nil {
		extra = append(extra, process.WithEnv(m.cfg.Env))
	}
	onExit := process.WithExitHandler(func(st process.ExitStatus) { m.handleExit(gen, st) })

	puller, err := process.Start(process.Spec{
		Name:    m.cfg.PullName,
		Command: m.cfg.PullCommand,
		Vars:    map[string]string{"url": m.cfg.Endpoint.String()},
		Log:     m.cfg.Log,
	}, append([]process.Option{process.WithStdoutPipe(), onExit}, extra...)...)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	normalizer, err := process.Start(process.Spec{
		Name:    m.cfg.NormalizeName,
		Command: m.cfg.NormalizeCommand,
		Vars:    map[string]string{"url": m.cfg.Endpoint.String()},
		Log:     m.cfg.Log,
	}, append([]process.Option{process.WithStdin(puller.Stdout()), process.WithStdoutPipe(), onExit}, extra...)...)
	if err != nil {
		puller.Kill()
		return fmt.Errorf("input: %w", err)
	}

	m.puller, m.normalizer = puller, normalizer
	m.running = true
	metrics.SetComponentUp(stream.ComponentInput, true)
	m.log.Info("feed chain started", "endpoint", m.cfg.Endpoint,
		"pull_pid", puller.PID(), "normalize_pid", normalizer.PID())
	go m.readLoop(gen, normalizer.Stdout())
	return nil
}

func (m *Monitor) readLoop(gen uint64, r io.Reader) {
	buf := make([]byte, m.cfg.ReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.onChunk(gen, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.log.Debug("feed read ended", "error", err)
			}
			return
		}
	}
}

// onChunk is the health transition function, run for every chunk in order.
func (m *Monitor) onChunk(gen uint64, chunk []byte) {
	m.evMu.Lock()
	defer m.evMu.Unlock()

	m.mu.Lock()
	if gen != m.runGen || !m.running {
		m.mu.Unlock()
		return
	}
	m.rearmHealthLocked(gen)
	now := m.clk.Now()
	prev := m.state
	next := prev
	switch prev {
	case Offline:
		next = ConnectionPending
		m.pendingSince = now
	case ConnectionPending:
		if now.Sub(m.pendingSince) >= m.cfg.ConnectionPendingDuration {
			next = Online
		}
	case Online:
	default:
		m.mu.Unlock()
		panic(fmt.Sprintf("input: unknown connection state %d", int(prev)))
	}
	if next != prev {
		m.state = next
		m.stateSince = now
	}
	fns := m.onState
	sink := m.sink
	m.mu.Unlock()

	if next != prev {
		m.notify(fns, next, prev)
	}
	if next == Online && sink != nil {
		if err := sink.Write(m, chunk); err != nil {
			m.log.Warn("forwarding chunk failed", "error", err)
		}
	}
}

func (m *Monitor) notify(fns []func(cur, prev State), cur, prev State) {
	m.log.Info("feed state changed", "from", prev, "to", cur)
	metrics.RecordInputTransition(prev.String(), cur.String())
	for _, fn := range fns {
		fn(cur, prev)
	}
}

func (m *Monitor) rearmHealthLocked(gen uint64) {
	if m.healthTimer != nil {
		m.healthTimer.Stop()
	}
	m.healthTimer = m.clk.AfterFunc(m.cfg.ConnectionTimeout, func() { m.onTimeout(gen) })
}

func (m *Monitor) onTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.runGen || !m.running || m.state == Offline {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()
	m.log.Warn("no feed data within timeout, restarting", "timeout", m.cfg.ConnectionTimeout, "state", state)
	m.Restart(nil)
}

// Restart stops the chain, waits the cool-down and starts it again, then
// calls onComplete. A restart already in flight makes this a no-op.
func (m *Monitor) Restart(onComplete func()) {
	m.mu.Lock()
	if m.restarting {
		m.mu.Unlock()
		m.log.Info("restart already in progress, ignoring")
		return
	}
	m.restarting = true
	m.mu.Unlock()

	m.stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.restarting {
		return
	}
	m.restartTimer = m.clk.AfterFunc(m.cfg.RestartCooldown, func() { m.completeRestart(onComplete) })
	m.log.Info("feed restart scheduled", "in", m.cfg.RestartCooldown)
}

func (m *Monitor) completeRestart(onComplete func()) {
	m.mu.Lock()
	if !m.restarting {
		m.mu.Unlock()
		return
	}
	m.restarting = false
	m.restartTimer = nil
	ctx := m.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if err := m.Start(ctx); err != nil {
		m.log.Error("feed respawn failed", "error", err)
		m.emitExit(stream.ExitEvent{Component: stream.ComponentInput, Process: m.cfg.PullName, Code: -1, Err: err})
		return
	}
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
	metrics.IncRestart(stream.ComponentInput)
	if onComplete != nil {
		onComplete()
	}
}

// Stop moves to Offline, detaches from the sink, kills the chain and clears
// every timer. It is idempotent and cancels a pending restart.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.restarting = false
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	m.mu.Unlock()
	m.stop()
}

func (m *Monitor) stop() {
	m.mu.Lock()
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
	puller, normalizer := m.puller, m.normalizer
	m.puller, m.normalizer = nil, nil
	wasRunning := m.running
	m.running = false
	m.runGen++
	prev := m.state
	m.state = Offline
	if prev != Offline {
		m.stateSince = m.clk.Now()
	}
	sink := m.sink
	fns := m.onState
	m.mu.Unlock()

	if sink != nil {
		sink.Detach(m)
	}
	if normalizer != nil {
		normalizer.Kill()
	}
	if puller != nil {
		puller.Kill()
	}
	if wasRunning {
		metrics.SetComponentUp(stream.ComponentInput, false)
		m.log.Info("feed chain stopped")
	}
	if prev != Offline {
		m.evMu.Lock()
		m.notify(fns, Offline, prev)
		m.evMu.Unlock()
	}
}

// PipeTo records the sink this monitor feeds and re-binds to it whenever the
// sink restarts while the feed is Online and bound.
func (m *Monitor) PipeTo(sink stream.Sink) {
	m.mu.Lock()
	if m.sink == sink {
		m.mu.Unlock()
		return
	}
	m.sink = sink
	m.mu.Unlock()
	sink.OnRestart(func() {
		m.mu.Lock()
		rebind := m.sink == sink && m.bound && m.state == Online
		m.mu.Unlock()
		if rebind {
			m.log.Info("sink restarted, re-binding feed")
			sink.Attach(m)
		}
	})
}

// Bind makes the monitor the sink's producer.
func (m *Monitor) Bind() {
	m.mu.Lock()
	m.bound = true
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Attach(m)
	}
}

// Unbind tears down the monitor's binding; a no-op when not bound.
func (m *Monitor) Unbind() {
	m.mu.Lock()
	m.bound = false
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Detach(m)
	}
}

func (m *Monitor) handleExit(gen uint64, st process.ExitStatus) {
	m.mu.Lock()
	current := gen == m.runGen && m.running
	m.mu.Unlock()
	m.emitExit(stream.ExitEvent{
		Component: stream.ComponentInput,
		Process:   st.Name,
		Code:      st.Code,
		Err:       st.Err,
		Requested: st.Requested || !current,
	})
}

func (m *Monitor) emitExit(ev stream.ExitEvent) {
	metrics.IncProcessExit(ev.Component, ev.Process, ev.Requested)
	if ev.Requested {
		m.log.Debug("feed process exited", "process", ev.Process, "code", ev.Code)
	} else {
		m.log.Error("feed process exited unexpectedly", "process", ev.Process, "code", ev.Code, "error", ev.Err)
	}
	m.mu.Lock()
	fns := m.onExit
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// PIDs returns the running processes of the chain by name.
func (m *Monitor) PIDs() map[string]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int32{}
	for _, h := range []*process.Handle{m.puller, m.normalizer} {
		if h != nil {
			out[h.Name()] = int32(h.PID())
		}
	}
	return out
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		Since:      m.stateSince,
		Bound:      m.bound,
		Restarting: m.restarting,
		Restarts:   m.restarts,
	}
	for _, h := range []*process.Handle{m.puller, m.normalizer} {
		if h != nil {
			st.Processes = append(st.Processes, h.Status())
		}
	}
	return st
}
