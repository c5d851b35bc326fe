package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/config"
	"github.com/loykin/onair/internal/fallback"
	"github.com/loykin/onair/internal/history"
	"github.com/loykin/onair/internal/input"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/output"
	"github.com/loykin/onair/internal/stream"
)

type lifecycle struct {
	mu       sync.Mutex
	starts   int
	stops    int
	restarts int
	startErr error
}

func (l *lifecycle) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	return l.startErr
}

func (l *lifecycle) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}

func (l *lifecycle) restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restarts++
}

func (l *lifecycle) counts() (starts, stops, restarts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops, l.restarts
}

type fakeMonitor struct {
	lifecycle
	state   input.State
	bound   bool
	sink    stream.Sink
	onState []func(cur, prev input.State)
	onExit  []func(stream.ExitEvent)
	// readHook runs once, right after the next State read.
	readHook func()
}

func (m *fakeMonitor) Name() string                     { return stream.ComponentInput }
func (m *fakeMonitor) Start(context.Context) error      { return m.start() }
func (m *fakeMonitor) Restart(func())                   { m.restart() }
func (m *fakeMonitor) OnExit(fn func(stream.ExitEvent)) { m.onExit = append(m.onExit, fn) }
func (m *fakeMonitor) PIDs() map[string]int32           { return map[string]int32{"rtmpdump": 10, "ffmpegin": 11} }

func (m *fakeMonitor) Stop() {
	m.stop()
	m.mu.Lock()
	prev := m.state
	m.state = input.Offline
	m.mu.Unlock()
	if prev != input.Offline {
		m.emit(input.Offline, prev)
	}
}

func (m *fakeMonitor) PipeTo(sink stream.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *fakeMonitor) Bind() {
	m.mu.Lock()
	m.bound = true
	sink := m.sink
	m.mu.Unlock()
	sink.Attach(m)
}

func (m *fakeMonitor) Unbind() {
	m.mu.Lock()
	m.bound = false
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Detach(m)
	}
}

func (m *fakeMonitor) State() input.State {
	m.mu.Lock()
	st, hook := m.state, m.readHook
	m.readHook = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return st
}

func (m *fakeMonitor) OnStateChange(fn func(cur, prev input.State)) {
	m.onState = append(m.onState, fn)
}

func (m *fakeMonitor) Status() input.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return input.Status{State: m.state, Bound: m.bound}
}

// transition moves the fake feed to cur and notifies observers.
func (m *fakeMonitor) transition(cur input.State) {
	m.mu.Lock()
	prev := m.state
	m.state = cur
	m.mu.Unlock()
	m.emit(cur, prev)
}

func (m *fakeMonitor) emit(cur, prev input.State) {
	for _, fn := range m.onState {
		fn(cur, prev)
	}
}

func (m *fakeMonitor) exit(requested bool) {
	for _, fn := range m.onExit {
		fn(stream.ExitEvent{Component: stream.ComponentInput, Process: "rtmpdump", Code: 1, Requested: requested})
	}
}

type fakeSink struct {
	lifecycle
	bound     stream.Producer
	onExit    []func(stream.ExitEvent)
	onFailure []func(error)
}

func (s *fakeSink) Attach(p stream.Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = p
}

func (s *fakeSink) Detach(p stream.Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == p {
		s.bound = nil
	}
}

func (s *fakeSink) Write(stream.Producer, []byte) error { return nil }
func (s *fakeSink) OnRestart(func())                    {}
func (s *fakeSink) Start(context.Context) error         { return s.start() }
func (s *fakeSink) Stop()                               { s.stop() }
func (s *fakeSink) Restart() error                      { s.restart(); return nil }
func (s *fakeSink) OnExit(fn func(stream.ExitEvent))    { s.onExit = append(s.onExit, fn) }
func (s *fakeSink) OnFailure(fn func(error))            { s.onFailure = append(s.onFailure, fn) }
func (s *fakeSink) PIDs() map[string]int32              { return map[string]int32{"ffmpegout": 20} }

func (s *fakeSink) producer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return ""
	}
	return s.bound.Name()
}

func (s *fakeSink) Status() output.Status {
	return output.Status{Online: true, Producer: s.producer()}
}

func (s *fakeSink) exit() {
	for _, fn := range s.onExit {
		fn(stream.ExitEvent{Component: stream.ComponentOutput, Process: "ffmpegout", Code: 1})
	}
}

func (s *fakeSink) fail(err error) {
	for _, fn := range s.onFailure {
		fn(err)
	}
}

type fakeSource struct {
	lifecycle
	playing bool
	sink    stream.Sink
	onExit  []func(stream.ExitEvent)
}

func (f *fakeSource) Name() string                     { return stream.ComponentFallback }
func (f *fakeSource) Init(context.Context) error       { return f.start() }
func (f *fakeSource) OnExit(fn func(stream.ExitEvent)) { f.onExit = append(f.onExit, fn) }
func (f *fakeSource) Restart(func())                   { f.restart() }
func (f *fakeSource) PIDs() map[string]int32           { return map[string]int32{"ffmpegfallback": 30} }

func (f *fakeSource) Play() {
	f.mu.Lock()
	f.playing = true
	sink := f.sink
	f.mu.Unlock()
	sink.Attach(f)
}

func (f *fakeSource) Pause() {
	f.mu.Lock()
	f.playing = false
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink.Detach(f)
	}
}

func (f *fakeSource) Stop() {
	f.stop()
	f.Pause()
}

func (f *fakeSource) PipeTo(sink stream.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *fakeSource) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeSource) Status() fallback.Status {
	return fallback.Status{Mode: fallback.ModeProcess, Ready: true, Active: f.Active()}
}

func (f *fakeSource) exit() {
	for _, fn := range f.onExit {
		fn(stream.ExitEvent{Component: stream.ComponentFallback, Process: "ffmpegfallback", Code: 1})
	}
}

type rig struct {
	o   *Orchestrator
	m   *fakeMonitor
	s   *fakeSink
	f   *fakeSource
	clk *clock.Manual
}

func newRig(opts Options) *rig {
	r := &rig{m: &fakeMonitor{}, s: &fakeSink{}, f: &fakeSource{}, clk: clock.NewManual(time.Unix(0, 0))}
	opts.Clock = r.clk
	opts.Logger = logger.Discard()
	r.o = Assemble(r.m, r.s, r.f, opts)
	return r
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestStartPlaysFallback(t *testing.T) {
	r := newRig(Options{})
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	assert.True(t, r.f.Active())
	assert.Equal(t, stream.ComponentFallback, r.s.producer())
	st := r.o.Status()
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, stream.ComponentFallback, st.Producer)

	// a second Start is a no-op
	require.NoError(t, r.o.Start(context.Background()))
	starts, _, _ := r.s.counts()
	assert.Equal(t, 1, starts)
}

func TestStateChangesSwitchProducer(t *testing.T) {
	r := newRig(Options{})
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	r.m.transition(input.ConnectionPending)
	assert.True(t, r.f.Active(), "fallback keeps playing while the feed is pending")
	assert.Equal(t, stream.ComponentFallback, r.s.producer())

	r.m.transition(input.Online)
	assert.False(t, r.f.Active())
	assert.Equal(t, stream.ComponentInput, r.s.producer())
	assert.True(t, r.o.Status().Input.Bound)

	r.m.transition(input.Offline)
	assert.True(t, r.f.Active())
	assert.False(t, r.o.Status().Input.Bound)
	assert.Equal(t, stream.ComponentFallback, r.s.producer())
}

func TestStartupSwitchDoesNotOverrideNewerState(t *testing.T) {
	r := newRig(Options{})
	r.m.state = input.ConnectionPending
	// the feed turns Online just after the startup switch has read its state
	r.m.readHook = func() { go r.m.transition(input.Online) }
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	require.Eventually(t, func() bool { return r.s.producer() == stream.ComponentInput }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, r.f.Active())
	assert.True(t, r.o.Status().Input.Bound)
}

func TestStartFailureStopsEverything(t *testing.T) {
	r := newRig(Options{})
	r.f.startErr = fallback.ErrUnreadable
	err := r.o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fallback.ErrUnreadable))

	for _, l := range []*lifecycle{&r.m.lifecycle, &r.s.lifecycle, &r.f.lifecycle} {
		_, stops, _ := l.counts()
		assert.Equal(t, 1, stops)
	}
	assert.False(t, r.o.Status().Running)
	assert.Empty(t, r.s.producer())
}

func TestUnexpectedExitRestartsServiceOnce(t *testing.T) {
	r := newRig(Options{RestartCooldown: 3 * time.Second})
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)
	first := r.o.Status().RunID

	r.m.exit(false)
	r.s.exit()
	r.f.exit()
	st := r.o.Status()
	assert.True(t, st.Restarting)
	assert.False(t, st.Running)
	_, stops, _ := r.s.counts()
	assert.Equal(t, 1, stops, "components are stopped once")
	assert.Equal(t, 1, r.clk.Pending())

	r.clk.Add(3*time.Second - time.Millisecond)
	starts, _, _ := r.s.counts()
	assert.Equal(t, 1, starts)

	r.clk.Add(time.Millisecond)
	for _, l := range []*lifecycle{&r.m.lifecycle, &r.s.lifecycle, &r.f.lifecycle} {
		starts, _, _ := l.counts()
		assert.Equal(t, 2, starts)
	}
	st = r.o.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Restarting)
	assert.Equal(t, 1, st.Restarts)
	assert.NotEqual(t, first, st.RunID)
	assert.True(t, r.f.Active())
}

func TestRequestedExitIsIgnored(t *testing.T) {
	r := newRig(Options{})
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	r.m.exit(true)
	assert.False(t, r.o.Status().Restarting)
	assert.Equal(t, 0, r.clk.Pending())
}

func TestExitAfterStopIsIgnored(t *testing.T) {
	r := newRig(Options{})
	require.NoError(t, r.o.Start(context.Background()))
	r.o.Stop()
	r.m.exit(false)
	assert.False(t, r.o.Status().Restarting)
	assert.Equal(t, 0, r.clk.Pending())
}

func TestStopCancelsPendingRestart(t *testing.T) {
	r := newRig(Options{})
	require.NoError(t, r.o.Start(context.Background()))
	require.NoError(t, r.o.Restart())
	require.True(t, r.o.Status().Restarting)

	r.o.Stop()
	r.o.Stop()
	assert.Equal(t, 0, r.clk.Pending())
	r.clk.Add(time.Minute)
	starts, _, _ := r.m.counts()
	assert.Equal(t, 1, starts)
	assert.False(t, r.o.Status().Restarting)
	assert.ErrorIs(t, r.o.Restart(), ErrNotRunning)
}

func TestComponentRecoveryWithoutServiceRestart(t *testing.T) {
	r := newRig(Options{DisableServiceRestart: true})
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	r.m.exit(false)
	r.f.exit()
	r.s.exit()
	assert.False(t, r.o.Status().Restarting)
	_, _, monitorRestarts := r.m.counts()
	_, _, sourceRestarts := r.f.counts()
	_, sinkStops, sinkRestarts := r.s.counts()
	assert.Equal(t, 1, monitorRestarts)
	assert.Equal(t, 1, sourceRestarts)
	assert.Zero(t, sinkRestarts, "the sink heals itself")
	assert.Zero(t, sinkStops)
}

func TestSinkFailureEndsRun(t *testing.T) {
	r := newRig(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.o.Run(ctx) }()
	require.Eventually(t, func() bool { return r.o.Status().Running }, 5*time.Second, 5*time.Millisecond)

	want := &output.ExitError{Code: 1}
	r.s.fail(want)
	select {
	case err := <-done:
		var exitErr *output.ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 1, exitErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a fatal sink failure")
	}
	assert.False(t, r.o.Status().Running)
}

func TestRunReturnsOnCancel(t *testing.T) {
	r := newRig(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.o.Run(ctx) }()
	require.Eventually(t, func() bool { return r.o.Status().Running }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, stops, _ := r.f.counts()
	assert.Equal(t, 1, stops)
}

func TestRestartComponent(t *testing.T) {
	r := newRig(Options{})
	assert.ErrorIs(t, r.o.RestartComponent(stream.ComponentInput), ErrNotRunning)
	require.NoError(t, r.o.Start(context.Background()))
	t.Cleanup(r.o.Stop)

	require.NoError(t, r.o.RestartComponent(stream.ComponentInput))
	require.NoError(t, r.o.RestartComponent(stream.ComponentOutput))
	require.NoError(t, r.o.RestartComponent(stream.ComponentFallback))
	for _, l := range []*lifecycle{&r.m.lifecycle, &r.s.lifecycle, &r.f.lifecycle} {
		_, _, restarts := l.counts()
		assert.Equal(t, 1, restarts)
	}
	assert.ErrorIs(t, r.o.RestartComponent("mixer"), ErrUnknownComponent)
}

func TestBufferFallbackIsNotRestartable(t *testing.T) {
	clip := filepath.Join(t.TempDir(), "clip.ts")
	require.NoError(t, os.WriteFile(clip, []byte("clip"), 0o600))
	clk := clock.NewManual(time.Unix(0, 0))
	src := fallback.NewBufferSource(fallback.BufferConfig{File: clip, Duration: time.Second}, clk, logger.Discard())
	o := Assemble(&fakeMonitor{}, &fakeSink{}, src, Options{Clock: clk, Logger: logger.Discard()})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)

	assert.ErrorIs(t, o.RestartComponent(stream.ComponentFallback), ErrNotRestartable)
	assert.True(t, src.Active())
	assert.Equal(t, fallback.ModeBuffer, o.Status().Fallback.Mode)
}

func TestPIDsMergesComponents(t *testing.T) {
	r := newRig(Options{})
	assert.Equal(t, map[string]int32{
		"rtmpdump":       10,
		"ffmpegin":       11,
		"ffmpegout":      20,
		"ffmpegfallback": 30,
	}, r.o.PIDs())
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	mem := &memSink{}
	rec := history.NewRecorder(logger.Discard(), time.Second, mem)
	r := newRig(Options{Recorder: rec})
	require.NoError(t, r.o.Start(context.Background()))
	runID := r.o.Status().RunID
	r.m.transition(input.ConnectionPending)
	r.m.exit(true)
	require.NoError(t, r.o.Close())

	var types []history.EventType
	for _, e := range mem.events {
		types = append(types, e.Type)
		assert.Equal(t, runID, e.RunID)
	}
	assert.Equal(t, []history.EventType{
		history.EventStart,
		history.EventStateChange,
		history.EventExit,
		history.EventStateChange,
		history.EventStop,
	}, types)
	assert.Equal(t, "connection_pending", mem.events[1].To)
}

func TestNewFromConfig(t *testing.T) {
	clip := filepath.Join(t.TempDir(), "fallback.ts")
	require.NoError(t, os.WriteFile(clip, []byte("clip"), 0o600))

	cfg := config.Default()
	cfg.Input.URL = "rtmp://origin/live/in"
	cfg.Output.URL = "rtmp://edge/live/out"
	cfg.Fallback.Path = clip
	o, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	st := o.Status()
	assert.False(t, st.Running)
	assert.Equal(t, fallback.ModeProcess, st.Fallback.Mode)
	assert.Equal(t, input.Offline, st.Input.State)

	cfg.Fallback.Mode = fallback.ModeBuffer
	cfg.Fallback.Duration = 2 * time.Second
	o, err = New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	assert.Equal(t, fallback.ModeBuffer, o.Status().Fallback.Mode)

	bad := config.Default()
	_, err = New(bad, logger.Discard())
	assert.Error(t, err, "missing endpoints")

	cfg.History.Sinks = []string{"gopher://nowhere"}
	_, err = New(cfg, logger.Discard())
	assert.ErrorContains(t, err, "unsupported DSN scheme")
}
