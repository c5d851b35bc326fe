package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/onair/internal/clock"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/stream"
)

// DurationProber determines the playback duration of a clip.
type DurationProber interface {
	Duration(ctx context.Context, file string) (time.Duration, error)
}

// BufferConfig describes the replayed clip.
type BufferConfig struct {
	File string
	// Duration of one playback of the clip; 0 means ask Prober.
	Duration time.Duration
	Prober   DurationProber
}

// BufferSource holds the clip in memory and redelivers it once per clip
// duration. Each delay is computed as duration − (now − lastDelivery), where
// lastDelivery is the scheduled instant of the previous delivery, so the
// overhead of a delivery never accumulates.
type BufferSource struct {
	cfg BufferConfig
	clk clock.Clock
	log *slog.Logger

	mu         sync.Mutex
	buf        []byte
	duration   time.Duration
	playing    bool
	gen        uint64
	timer      clock.Timer
	last       time.Time // scheduled instant of the last delivery
	next       time.Time // scheduled instant of the next delivery
	deliveries int
	sink       stream.Sink
}

var _ Source = (*BufferSource)(nil)

// NewBufferSource creates a buffer-replay source.
func NewBufferSource(cfg BufferConfig, clk clock.Clock, log *slog.Logger) *BufferSource {
	if clk == nil {
		clk = clock.Real()
	}
	return &BufferSource{
		cfg: cfg,
		clk: clk,
		log: logger.WithComponent(log, stream.ComponentFallback),
	}
}

func (b *BufferSource) Name() string { return stream.ComponentFallback }

// OnExit is a no-op: the buffer source runs no process.
func (b *BufferSource) OnExit(func(stream.ExitEvent)) {}

// Init reads the clip and determines its duration.
func (b *BufferSource) Init(ctx context.Context) error {
	if err := checkReadable(b.cfg.File); err != nil {
		return err
	}
	data, err := os.ReadFile(b.cfg.File)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	d := b.cfg.Duration
	if d <= 0 {
		if b.cfg.Prober == nil {
			return fmt.Errorf("fallback: no duration configured and no prober available")
		}
		d, err = b.cfg.Prober.Duration(ctx, b.cfg.File)
		if err != nil {
			return fmt.Errorf("fallback: read clip duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("fallback: clip duration %v is not positive", d)
		}
	}
	b.mu.Lock()
	b.buf = data
	b.duration = d
	b.mu.Unlock()
	b.log.Info("fallback clip loaded", "file", b.cfg.File, "bytes", len(data), "duration", d)
	return nil
}

// Play binds to the sink and arms the first delivery for now. Deliveries
// run on timer goroutines, so Play never waits for the sink. Idempotent.
func (b *BufferSource) Play() {
	b.mu.Lock()
	if b.playing || b.buf == nil {
		b.mu.Unlock()
		return
	}
	b.playing = true
	b.gen++
	gen := b.gen
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink.Attach(b)
	}
	b.mu.Lock()
	if gen == b.gen && b.playing {
		b.next = b.clk.Now()
		b.timer = b.clk.AfterFunc(0, func() { b.deliver(gen) })
	}
	b.mu.Unlock()
	b.log.Info("fallback playing")
}

func (b *BufferSource) deliver(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || !b.playing {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	now := b.clk.Now()
	sched := b.next
	if lag := now.Sub(sched); lag > b.duration {
		// more than one clip behind: resynchronise instead of bursting
		sched = now
	} else if lag > 0 {
		metrics.ObserveFallbackLag(lag.Seconds())
	}
	b.last = sched
	b.next = sched.Add(b.duration)
	b.deliveries++
	buf, sink := b.buf, b.sink
	b.mu.Unlock()

	metrics.IncFallbackDelivery(ModeBuffer)
	if sink != nil {
		if err := sink.Write(b, buf); err != nil {
			b.log.Warn("fallback delivery failed", "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || !b.playing {
		return
	}
	delay := b.duration - b.clk.Now().Sub(b.last)
	if delay < 0 {
		delay = 0
	}
	b.timer = b.clk.AfterFunc(delay, func() { b.deliver(gen) })
}

// Pause unbinds and cancels the redelivery timer. Idempotent.
func (b *BufferSource) Pause() {
	b.mu.Lock()
	if !b.playing {
		b.mu.Unlock()
		return
	}
	b.playing = false
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink.Detach(b)
	}
	b.log.Info("fallback paused")
}

// Stop pauses and releases the buffer. Idempotent.
func (b *BufferSource) Stop() {
	b.Pause()
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
}

func (b *BufferSource) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// PipeTo records the sink and re-binds after a sink restart while playing.
func (b *BufferSource) PipeTo(sink stream.Sink) {
	b.mu.Lock()
	if b.sink == sink {
		b.mu.Unlock()
		return
	}
	b.sink = sink
	b.mu.Unlock()
	sink.OnRestart(func() {
		b.mu.Lock()
		rebind := b.sink == sink && b.playing
		b.mu.Unlock()
		if rebind {
			b.log.Info("sink restarted, re-binding fallback")
			sink.Attach(b)
		}
	})
}

func (b *BufferSource) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Mode:       ModeBuffer,
		Ready:      b.buf != nil,
		Active:     b.playing,
		Duration:   b.duration,
		Deliveries: b.deliveries,
	}
}
