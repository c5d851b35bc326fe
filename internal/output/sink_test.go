package output

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/stream"
)

type producer string

func (p *producer) Name() string { return string(*p) }

func newProducer(name string) *producer {
	p := producer(name)
	return &p
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh and cat")
	}
}

// fileSink builds a sink whose process appends its input to a file.
func fileSink(t *testing.T, clk clock.Clock) (*Sink, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.ts")
	s := New(Config{
		Endpoint: stream.Endpoint(out),
		Command:  "sh -c 'cat >> {url}'",
	}, clk, logger.Discard())
	t.Cleanup(s.Stop)
	return s, out
}

func readEventually(t *testing.T, path string, n int) []byte {
	t.Helper()
	var b []byte
	require.Eventually(t, func() bool {
		b, _ = os.ReadFile(path)
		return len(b) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return b
}

func TestWriteOnlyFromBoundProducer(t *testing.T) {
	requireUnix(t)
	s, out := fileSink(t, clock.Real())
	require.NoError(t, s.Start(context.Background()))

	a, b := newProducer("input"), newProducer("fallback")
	require.NoError(t, s.Write(a, []byte("dropped-before-attach")))

	s.Attach(a)
	require.NoError(t, s.Write(a, []byte("aaa")))
	s.Attach(b) // replaces a
	require.NoError(t, s.Write(a, []byte("xxx")))
	require.NoError(t, s.Write(b, []byte("bbb")))
	s.Detach(a) // not bound: no-op
	assert.Equal(t, "fallback", s.Bound())
	s.Detach(b)
	require.NoError(t, s.Write(b, []byte("yyy")))
	assert.Equal(t, "", s.Bound())

	assert.Equal(t, "aaabbb", string(readEventually(t, out, 6)))
}

func TestSingleWriterUnderConcurrentAttach(t *testing.T) {
	requireUnix(t)
	s, out := fileSink(t, clock.Real())
	require.NoError(t, s.Start(context.Background()))

	const block = 1024
	a, b := newProducer("input"), newProducer("fallback")
	chunkA := bytes.Repeat([]byte{'a'}, block)
	chunkB := bytes.Repeat([]byte{'b'}, block)

	var written atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	writer := func(p *producer, chunk []byte) {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s.Bound() == p.Name() {
				_ = s.Write(p, chunk)
				written.Add(1)
			}
		}
	}
	wg.Add(2)
	go writer(a, chunkA)
	go writer(b, chunkB)
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			s.Attach(a)
		} else {
			s.Attach(b)
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	s.Detach(a)
	s.Detach(b)

	// Give cat a moment to drain what was written.
	time.Sleep(200 * time.Millisecond)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Zero(t, len(data)%block, "partial chunk in output")
	for i := 0; i < len(data); i += block {
		blk := data[i : i+block]
		assert.True(t, bytes.Equal(blk, chunkA) || bytes.Equal(blk, chunkB), "interleaved writers in block %d", i/block)
	}
}

func TestRestartNotifiesAfterCooldown(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s, _ := fileSink(t, clk)
	var notified atomic.Int32
	s.OnRestart(func() { notified.Add(1) })
	require.NoError(t, s.Start(context.Background()))

	p := newProducer("input")
	s.Attach(p)
	pid := s.Status().Process.PID

	require.NoError(t, s.Restart())
	require.NoError(t, s.Restart()) // in flight: no-op
	st := s.Status()
	assert.True(t, st.Restarting)
	assert.False(t, st.Online)
	assert.Equal(t, "", st.Producer, "binding is torn down with the process")

	clk.Add(DefaultRestartCooldown - time.Second)
	assert.Equal(t, int32(0), notified.Load())
	clk.Add(time.Second)
	assert.Equal(t, int32(1), notified.Load())

	st = s.Status()
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Restarts)
	require.NotNil(t, st.Process)
	assert.NotEqual(t, pid, st.Process.PID)
}

func TestUnexpectedExitSelfRestarts(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{Endpoint: "unused", Command: "sh -c 'read line; exit 1'"}, clk, logger.Discard())
	t.Cleanup(s.Stop)

	var exits []stream.ExitEvent
	var mu sync.Mutex
	s.OnExit(func(ev stream.ExitEvent) {
		mu.Lock()
		exits = append(exits, ev)
		mu.Unlock()
	})
	rebound := make(chan struct{}, 1)
	p := newProducer("fallback")
	s.OnRestart(func() {
		s.Attach(p)
		rebound <- struct{}{}
	})
	require.NoError(t, s.Start(context.Background()))
	s.Attach(p)
	require.NoError(t, s.Write(p, []byte("kill me\n")))

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Len(t, exits, 1)
	assert.False(t, exits[0].Requested)
	assert.Equal(t, 1, exits[0].Code)
	assert.Equal(t, stream.ComponentOutput, exits[0].Component)
	mu.Unlock()

	clk.Add(DefaultRestartCooldown)
	select {
	case <-rebound:
	case <-time.After(time.Second):
		t.Fatal("producer was not re-bound after restart")
	}
	assert.Equal(t, "fallback", s.Bound())
}

func TestExitOnFailureReportsCode(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{Endpoint: "unused", Command: "sh -c 'exit 7'", ExitOnFailure: true}, clk, logger.Discard())
	t.Cleanup(s.Stop)
	failed := make(chan error, 1)
	s.OnFailure(func(err error) { failed <- err })
	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-failed:
		var ee *ExitError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 7, ee.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.Equal(t, 0, clk.Pending(), "no restart is scheduled")
	assert.False(t, s.Status().Online)
}

func TestRetriesExhaustedReportFailure(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{
		Endpoint: "unused",
		Command:  "sh -c 'exit 2'",
		Backoff:  BackoffConfig{MaxRetries: 1},
	}, clk, logger.Discard())
	t.Cleanup(s.Stop)
	failed := make(chan error, 1)
	s.OnFailure(func(err error) { failed <- err })
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	clk.Add(DefaultRestartCooldown)
	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "exhausted")
	case <-time.After(5 * time.Second):
		t.Fatal("no failure after retries exhausted")
	}
}

func TestStopIsIdempotentAndCancelsRestart(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s, _ := fileSink(t, clk)
	var notified atomic.Int32
	s.OnRestart(func() { notified.Add(1) })
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Restart())

	s.Stop()
	s.Stop()
	assert.Equal(t, 0, clk.Pending())
	clk.Add(time.Minute)
	assert.Equal(t, int32(0), notified.Load())
	assert.False(t, s.Status().Online)

	p := newProducer("input")
	s.Attach(p)
	assert.NoError(t, s.Write(p, []byte("late")), "write after stop is ignored")
}

func TestStartFailureIsReturned(t *testing.T) {
	s := New(Config{Endpoint: "unused", Command: "/nonexistent/onair-sink"}, nil, logger.Discard())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.Status().Online)
	assert.ErrorIs(t, New(Config{}, nil, nil).Restart(), ErrNotStarted)
}

func TestExponentialPolicy(t *testing.T) {
	cfg := Config{RestartCooldown: time.Second, Backoff: BackoffConfig{Multiplier: 2, MaxInterval: 3 * time.Second}}.withDefaults()
	b := newPolicy(cfg)
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())

	c := newPolicy(Config{}.withDefaults())
	for i := 0; i < 5; i++ {
		assert.Equal(t, DefaultRestartCooldown, c.NextBackOff())
	}
}

func TestStopFromExitObserverSkipsSelfRestart(t *testing.T) {
	requireUnix(t)
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(Config{Endpoint: "unused", Command: "sh -c 'exit 5'"}, clk, logger.Discard())
	t.Cleanup(s.Stop)
	handled := make(chan struct{})
	s.OnExit(func(ev stream.ExitEvent) {
		if !ev.Requested {
			s.Stop()
			close(handled)
		}
	})
	require.NoError(t, s.Start(context.Background()))
	require.NotEmpty(t, s.PIDs())

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("exit not observed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, clk.Pending(), "a stopped sink does not schedule its own restart")
	assert.False(t, s.Status().Restarting)
	assert.Empty(t, s.PIDs())
}

func TestDetachReleasesWriteToStalledProcess(t *testing.T) {
	requireUnix(t)
	// sleep never reads its input, so the pipe fills up and writes block
	s := New(Config{Endpoint: "unused", Command: "sleep 30"}, clock.Real(), logger.Discard())
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(context.Background()))
	p := newProducer("input")
	s.Attach(p)

	done := make(chan error, 1)
	go func() { done <- s.Write(p, bytes.Repeat([]byte{'x'}, 1<<20)) }()
	select {
	case err := <-done:
		t.Fatalf("write returned before the pipe filled up: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	detached := make(chan struct{})
	go func() {
		s.Detach(p)
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("Detach waited for the stalled write")
	}
	assert.Equal(t, "", s.Bound())

	select {
	case err := <-done:
		assert.NoError(t, err, "a write cut off by Detach is dropped, not raised")
	case <-time.After(5 * time.Second):
		t.Fatal("stalled write was never released")
	}
	assert.True(t, s.Status().Online, "the process itself is left running")
}
