package fallback

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

// ProcessConfig describes the looping playback process.
type ProcessConfig struct {
	File            string
	Command         string
	ProcessName     string
	RestartCooldown time.Duration
	ReadSize        int
	Env             []string
	Log             logger.FileConfig
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.ProcessName == "" {
		c.ProcessName = DefaultProcessName
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	if c.ReadSize <= 0 {
		c.ReadSize = defaultReadSize
	}
	return c
}

// ProcessSource keeps one looping playback process running. While paused its
// output is not read, so the process is held by pipe backpressure and can be
// re-attached without respawn latency.
type ProcessSource struct {
	cfg ProcessConfig
	clk clock.Clock
	log *slog.Logger

	onExit []func(stream.ExitEvent)

	mu           sync.Mutex
	cond         *sync.Cond
	ctx          context.Context
	handle       *process.Handle
	gen          uint64
	playing      bool
	sink         stream.Sink
	restarting   bool
	restartTimer clock.Timer
	restarts     int
}

var _ Source = (*ProcessSource)(nil)

// NewProcessSource creates a process-backed source.
func NewProcessSource(cfg ProcessConfig, clk clock.Clock, log *slog.Logger) *ProcessSource {
	if clk == nil {
		clk = clock.Real()
	}
	s := &ProcessSource{
		cfg: cfg.withDefaults(),
		clk: clk,
		log: logger.WithComponent(log, stream.ComponentFallback),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *ProcessSource) Name() string { return stream.ComponentFallback }

// OnExit registers fn for exits of the playback process. Register before Init.
func (s *ProcessSource) OnExit(fn func(stream.ExitEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// Init checks the clip and spawns the playback process.
func (s *ProcessSource) Init(ctx context.Context) error {
	if err := checkReadable(s.cfg.File); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	s.ctx = ctx
	return s.spawnLocked()
}

func (s *ProcessSource) spawnLocked() error {
	s.gen++
	gen := s.gen
	opts := []process.Option{
		process.WithStdoutPipe(),
		process.WithExitHandler(func(st process.ExitStatus) { s.handleExit(gen, st) }),
	}
	if s.cfg.Env != nil {
		opts = append(opts, process.WithEnv(s.cfg.Env))
	}
	h, err := process.Start(process.Spec{
		Name:    s.cfg.ProcessName,
		Command: s.cfg.Command,
		Vars:    map[string]string{"file": s.cfg.File},
		Log:     s.cfg.Log,
	}, opts...)
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	s.handle = h
	metrics.SetComponentUp(stream.ComponentFallback, true)
	s.log.Info("fallback process started", "pid", h.PID(), "file", s.cfg.File)
	go s.readLoop(gen, h.Stdout())
	return nil
}

// waitPlaying blocks while paused. It returns false once the run is over.
func (s *ProcessSource) waitPlaying(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for gen == s.gen && !s.playing {
		s.cond.Wait()
	}
	return gen == s.gen
}

func (s *ProcessSource) readLoop(gen uint64, r io.Reader) {
	buf := make([]byte, s.cfg.ReadSize)
	for {
		if !s.waitPlaying(gen) {
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			forward := gen == s.gen && s.playing
			sink := s.sink
			s.mu.Unlock()
			if forward && sink != nil {
				if werr := sink.Write(s, buf[:n]); werr != nil {
					s.log.Warn("forwarding fallback chunk failed", "error", werr)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("fallback read ended", "error", err)
			}
			return
		}
	}
}

// Play resumes reading and binds the source to the sink.
func (s *ProcessSource) Play() {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = true
	s.cond.Broadcast()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Attach(s)
	}
	s.log.Info("fallback playing")
}

// Pause unbinds and stops reading; the process keeps running.
func (s *ProcessSource) Pause() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Detach(s)
	}
	s.log.Info("fallback paused")
}

// Active reports whether the source is playing.
func (s *ProcessSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Stop pauses, kills the process and cancels a pending restart. Idempotent.
func (s *ProcessSource) Stop() {
	s.mu.Lock()
	s.restarting = false
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()
	s.Pause()
	s.teardown()
}

func (s *ProcessSource) teardown() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.gen++
	s.cond.Broadcast()
	s.mu.Unlock()
	if h != nil {
		h.Kill()
		metrics.SetComponentUp(stream.ComponentFallback, false)
		s.log.Info("fallback process stopped")
	}
}

// Restart respawns the playback process after the cool-down, keeping the
// play/pause state, then calls onComplete. Idempotent while in flight.
func (s *ProcessSource) Restart(onComplete func()) {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		s.log.Info("restart already in progress, ignoring")
		return
	}
	s.restarting = true
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.restarting {
		return
	}
	s.restartTimer = s.clk.AfterFunc(s.cfg.RestartCooldown, func() { s.completeRestart(onComplete) })
}

func (s *ProcessSource) completeRestart(onComplete func()) {
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
	err := s.spawnLocked()
	if err == nil {
		s.restarts++
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error("fallback respawn failed", "error", err)
		s.emitExit(stream.ExitEvent{Component: stream.ComponentFallback, Process: s.cfg.ProcessName, Code: -1, Err: err})
		return
	}
	metrics.IncRestart(stream.ComponentFallback)
	if onComplete != nil {
		onComplete()
	}
}

// PipeTo records the sink and re-binds after a sink restart while playing.
func (s *ProcessSource) PipeTo(sink stream.Sink) {
	s.mu.Lock()
	if s.sink == sink {
		s.mu.Unlock()
		return
	}
	s.sink = sink
	s.mu.Unlock()
	sink.OnRestart(func() {
		s.mu.Lock()
		rebind := s.sink == sink && s.playing
		s.mu.Unlock()
		if rebind {
			s.log.Info("sink restarted, re-binding fallback")
			sink.Attach(s)
		}
	})
}

func (s *ProcessSource) handleExit(gen uint64, st process.ExitStatus) {
	s.mu.Lock()
	current := gen == s.gen && s.handle != nil
	s.mu.Unlock()
	s.emitExit(stream.ExitEvent{
		Component: stream.ComponentFallback,
		Process:   st.Name,
		Code:      st.Code,
		Err:       st.Err,
		Requested: st.Requested || !current,
	})
}

func (s *ProcessSource) emitExit(ev stream.ExitEvent) {
	metrics.IncProcessExit(ev.Component, ev.Process, ev.Requested)
	if ev.Requested {
		s.log.Debug("fallback process exited", "code", ev.Code)
	} else {
		s.log.Error("fallback process exited unexpectedly", "code", ev.Code, "error", ev.Err)
	}
	s.mu.Lock()
	fns := s.onExit
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// PIDs returns the playback process by name when running.
func (s *ProcessSource) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return map[string]int32{}
	}
	return map[string]int32{s.handle.Name(): int32(s.handle.PID())}
}

func (s *ProcessSource) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Mode:       ModeProcess,
		Ready:      s.handle != nil,
		Active:     s.playing,
		Restarting: s.restarting,
		Restarts:   s.restarts,
	}
	if s.handle != nil {
		ps := s.handle.Status()
		st.Process = &ps
	}
	return st
}
