// Package output supervises the sink-mux process that pushes the relayed
// byte stream to the remote destination.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/process"
	"github.com/loykin/onair/internal/stream"
)

const (
	DefaultCommand         = "ffmpeg -fflags +genpts -loglevel panic -re -f mpegts -i - -c copy -acodec libmp3lame -ar 44100 -f flv {url}"
	DefaultProcessName     = "ffmpegout"
	DefaultRestartCooldown = 10 * time.Second

	// maxPiece bounds a single write so that a re-bind takes effect quickly.
	maxPiece = 32 * 1024
	// detachGrace is how long a detached producer's in-flight piece may keep
	// blocking on a process that has stopped reading.
	detachGrace = time.Second
)

// ErrNotStarted is returned by Restart on a sink that was never started.
var ErrNotStarted = errors.New("output sink not started")

// ExitError reports that the sink process died and the sink gave up on it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("output process exited with code %d", e.Code)
}

// BackoffConfig tunes the self-restart policy. The zero value keeps a constant
// cool-down and retries forever.
type BackoffConfig struct {
	MaxRetries  int           // 0 = unlimited
	Multiplier  float64       // <= 1 = constant interval
	MaxInterval time.Duration // cap for exponential growth
}

// Config describes the sink.
type Config struct {
	Endpoint        stream.Endpoint
	Command         string
	ProcessName     string
	RestartCooldown time.Duration
	// ExitOnFailure reports an unexpected process exit through OnFailure
	// instead of restarting.
	ExitOnFailure bool
	Backoff       BackoffConfig
	Env           []string
	Log           logger.FileConfig
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.ProcessName == "" {
		c.ProcessName = DefaultProcessName
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	return c
}

// Status is a snapshot for the admin API.
type Status struct {
	Online     bool            `json:"online"`
	Producer   string          `json:"producer,omitempty"`
	Restarting bool            `json:"restarting"`
	Restarts   int             `json:"restarts"`
	Process    *process.Status `json:"process,omitempty"`
}

// Sink owns the sink-mux process and the single producer binding.
type Sink struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	onRestart []func()
	onExit    []func(stream.ExitEvent)
	onFailure []func(error)

	// writeMu serialises pieces written to the process input. Binding
	// changes never wait for it: Detach bounds the in-flight piece with a
	// write deadline instead.
	writeMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	handle       *process.Handle
	procGen      uint64
	online       bool
	bound        stream.Producer
	writing      stream.Producer // producer of the piece in flight
	restarting   bool
	restartTimer clock.Timer
	restarts     int
	startedAt    time.Time
	policy       backoff.BackOff
}

// New creates a sink. A nil clock means the real clock and a nil logger the
// default one.
func New(cfg Config, clk clock.Clock, log *slog.Logger) *Sink {
	if clk == nil {
		clk = clock.Real()
	}
	cfg = cfg.withDefaults()
	return &Sink{
		cfg:    cfg,
		clk:    clk,
		log:    logger.WithComponent(log, stream.ComponentOutput),
		policy: newPolicy(cfg),
	}
}

func newPolicy(cfg Config) backoff.BackOff {
	var b backoff.BackOff
	if cfg.Backoff.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = cfg.RestartCooldown
		eb.Multiplier = cfg.Backoff.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if cfg.Backoff.MaxInterval > 0 {
			eb.MaxInterval = cfg.Backoff.MaxInterval
		}
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(cfg.RestartCooldown)
	}
	if cfg.Backoff.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.Backoff.MaxRetries))
	}
	return b
}

// OnRestart registers fn to run after every successful respawn.
// Observers must be registered before Start.
func (s *Sink) OnRestart(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRestart = append(s.onRestart, fn)
}

// OnExit registers fn for every process exit, requested or not.
func (s *Sink) OnExit(fn func(stream.ExitEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// OnFailure registers fn for terminal failures: retries exhausted, or an
// unexpected exit with ExitOnFailure set.
func (s *Sink) OnFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// Start spawns the sink-mux process. Calling Start on a running sink is a no-op.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	s.ctx = ctx
	return s.spawnLocked()
}

func (s *Sink) spawnLocked() error {
	s.procGen++
	gen := s.procGen
	spec := process.Spec{
		Name:    s.cfg.ProcessName,
		Command: s.cfg.Command,
		Vars:    map[string]string{"url": s.cfg.Endpoint.String()},
		Log:     s.cfg.Log,
	}
	opts := []process.Option{
		process.WithStdinPipe(),
		process.WithExitHandler(func(st process.ExitStatus) { s.handleExit(gen, st) }),
	}
	if s.cfg.Env != nil {
		opts = append(opts, process.WithEnv(s.cfg.Env))
	}
	h, err := process.Start(spec, opts...)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	s.handle = h
	s.online = true
	s.startedAt = s.clk.Now()
	metrics.SetComponentUp(stream.ComponentOutput, true)
	s.log.Info("sink process started", "process", spec.Name, "pid", h.PID(), "endpoint", s.cfg.Endpoint)
	return nil
}

// Attach makes p the only producer. A different producer that is still bound
// is replaced.
func (s *Sink) Attach(p stream.Producer) {
	if p == nil {
		return
	}
	s.mu.Lock()
	prev := s.bound
	s.bound = p
	s.mu.Unlock()

	if prev == p {
		return
	}
	if prev != nil {
		s.log.Warn("producer replaced without detach", "previous", prev.Name(), "producer", p.Name())
		metrics.SetActiveProducer(prev.Name(), false)
	}
	metrics.SetActiveProducer(p.Name(), true)
	s.log.Debug("producer attached", "producer", p.Name())
}

// Detach unbinds p; it is a no-op when p is not the bound producer.
func (s *Sink) Detach(p stream.Producer) {
	if p == nil {
		return
	}
	s.mu.Lock()
	was := s.bound == p
	if was {
		s.bound = nil
	}
	if h := s.handle; h != nil && s.writing == p {
		_ = h.SetWriteDeadline(time.Now().Add(detachGrace))
	}
	s.mu.Unlock()
	if was {
		metrics.SetActiveProducer(p.Name(), false)
		s.log.Debug("producer detached", "producer", p.Name())
	}
}

// Bound returns the name of the bound producer, or "".
func (s *Sink) Bound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return ""
	}
	return s.bound.Name()
}

// Write forwards chunk to the process input if p is bound. Unbound producers
// and writes racing a torn-down input are dropped silently.
func (s *Sink) Write(p stream.Producer, chunk []byte) error {
	for len(chunk) > 0 {
		n := len(chunk)
		if n > maxPiece {
			n = maxPiece
		}
		s.writeMu.Lock()
		s.mu.Lock()
		h := s.handle
		ok := s.bound == p && h != nil
		if ok {
			// a Detach after this point sets the deadline again
			_ = h.SetWriteDeadline(time.Time{})
			s.writing = p
		}
		s.mu.Unlock()
		if !ok {
			s.writeMu.Unlock()
			metrics.IncDroppedChunks(p.Name())
			return nil
		}
		_, err := h.Write(chunk[:n])
		s.mu.Lock()
		s.writing = nil
		s.mu.Unlock()
		s.writeMu.Unlock()
		if err != nil {
			if errors.Is(err, process.ErrClosed) {
				s.log.Debug("write to closed sink input ignored", "producer", p.Name())
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.log.Warn("sink input stalled, dropped detached producer's data", "producer", p.Name())
				metrics.IncDroppedChunks(p.Name())
				return nil
			}
			return fmt.Errorf("output write: %w", err)
		}
		metrics.AddForwardedBytes(p.Name(), n)
		chunk = chunk[n:]
	}
	return nil
}

// Stop kills the process, drops the binding and cancels a pending restart.
// It is idempotent.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.restarting = false
	h := s.teardownLocked()
	s.mu.Unlock()
	if h != nil {
		h.Kill()
		s.log.Info("sink stopped")
	}
}

func (s *Sink) teardownLocked() *process.Handle {
	h := s.handle
	s.handle = nil
	s.online = false
	if s.bound != nil {
		metrics.SetActiveProducer(s.bound.Name(), false)
	}
	s.bound = nil
	metrics.SetComponentUp(stream.ComponentOutput, false)
	return h
}

// Restart stops the sink and respawns it after the cool-down, then emits the
// restart notification. A restart already in flight makes this a no-op.
func (s *Sink) Restart() error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()
	s.scheduleRestart("requested")
	return nil
}

func (s *Sink) scheduleRestart(reason string) {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		s.log.Debug("restart already pending", "reason", reason)
		return
	}
	delay := s.policy.NextBackOff()
	if delay == backoff.Stop {
		h := s.teardownLocked()
		fns := append([]func(error){}, s.onFailure...)
		s.mu.Unlock()
		if h != nil {
			h.Kill()
		}
		err := errors.New("output: restart attempts exhausted")
		s.log.Error("giving up on sink", "error", err)
		for _, fn := range fns {
			fn(err)
		}
		return
	}
	s.restarting = true
	h := s.teardownLocked()
	s.restartTimer = s.clk.AfterFunc(delay, s.completeRestart)
	s.mu.Unlock()

	if h != nil {
		h.Kill()
	}
	s.log.Warn("sink restart scheduled", "reason", reason, "in", delay)
}

func (s *Sink) completeRestart() {
	s.mu.Lock()
	if !s.restarting {
		s.mu.Unlock()
		return
	}
	s.restarting = false
	s.restartTimer = nil
	if s.ctx != nil && s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if err := s.spawnLocked(); err != nil {
		s.mu.Unlock()
		s.log.Error("sink respawn failed", "error", err)
		s.scheduleRestart("respawn failed")
		return
	}
	s.restarts++
	fns := append([]func(){}, s.onRestart...)
	s.mu.Unlock()

	metrics.IncRestart(stream.ComponentOutput)
	s.log.Info("sink restarted, notifying producers")
	for _, fn := range fns {
		fn()
	}
}

func (s *Sink) handleExit(gen uint64, st process.ExitStatus) {
	ev := stream.ExitEvent{
		Component: stream.ComponentOutput,
		Process:   st.Name,
		Code:      st.Code,
		Err:       st.Err,
		Requested: st.Requested,
	}

	s.mu.Lock()
	current := gen == s.procGen && s.handle != nil
	if !current {
		ev.Requested = true
	}
	exitFns := append([]func(stream.ExitEvent){}, s.onExit...)
	var failFns []func(error)
	var h *process.Handle
	if current && !ev.Requested {
		if s.clk.Now().Sub(s.startedAt) >= s.cfg.RestartCooldown {
			s.policy.Reset()
		}
		if s.cfg.ExitOnFailure {
			h = s.teardownLocked()
			failFns = append(failFns, s.onFailure...)
		}
	}
	s.mu.Unlock()

	metrics.IncProcessExit(stream.ComponentOutput, st.Name, ev.Requested)
	for _, fn := range exitFns {
		fn(ev)
	}
	if ev.Requested {
		s.log.Debug("sink process exited", "code", st.Code)
		return
	}
	s.log.Error("sink process exited unexpectedly", "code", st.Code, "error", st.Err)
	if s.cfg.ExitOnFailure {
		if h != nil {
			h.Kill()
		}
		for _, fn := range failFns {
			fn(&ExitError{Code: st.Code})
		}
		return
	}
	s.mu.Lock()
	stopped := gen != s.procGen || s.handle == nil
	s.mu.Unlock()
	if stopped {
		// an exit observer stopped the sink
		return
	}
	s.scheduleRestart("process exited")
}

// PIDs returns the sink process by name when running.
func (s *Sink) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return map[string]int32{}
	}
	return map[string]int32{s.handle.Name(): int32(s.handle.PID())}
}

// Status returns a snapshot of the sink.
func (s *Sink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Online: s.online, Restarting: s.restarting, Restarts: s.restarts}
	if s.bound != nil {
		st.Producer = s.bound.Name()
	}
	if s.handle != nil {
		ps := s.handle.Status()
		st.Process = &ps
	}
	return st
}
