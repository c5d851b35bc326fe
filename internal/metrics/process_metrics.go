package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single supervised process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process sampling.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessSampler periodically samples the relay's external processes
// (ffmpeg, rtmpdump) with gopsutil and exports them as gauges.
type ProcessSampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ProcessMetrics
	procs  map[int32]*process.Process // cached so CPUPercent has a baseline

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessSampler creates a sampler; it does nothing unless cfg.Enabled.
func NewProcessSampler(cfg ProcessMetricsConfig) *ProcessSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"process"})
	}
	return &ProcessSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		latest:     make(map[string]ProcessMetrics),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised processes."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of supervised processes."),
		numThreads: gauge("num_threads", "Number of threads of supervised processes."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of supervised processes (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the processes returned by pids (name -> pid) every interval
// until ctx is done or Stop is called.
func (s *ProcessSampler) Start(ctx context.Context, pids func() map[string]int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine.
func (s *ProcessSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect samples the given processes once.
func (s *ProcessSampler) Collect(pids map[string]int32) {
	now := time.Now()
	results := make(map[string]ProcessMetrics, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := s.sample(name, pid, now)
		if err != nil {
			slog.Debug("failed to sample process", "process", name, "pid", pid, "error", err)
			continue
		}
		results[name] = m
	}

	s.mu.Lock()
	for name := range s.latest {
		if _, ok := results[name]; !ok {
			s.cpuPercent.DeleteLabelValues(name)
			s.memoryMB.DeleteLabelValues(name)
			s.numThreads.DeleteLabelValues(name)
			s.numFDs.DeleteLabelValues(name)
		}
	}
	live := make(map[int32]*process.Process, len(results))
	for _, m := range results {
		if p, ok := s.procs[m.PID]; ok {
			live[m.PID] = p
		}
	}
	s.procs = live
	s.latest = results
	s.mu.Unlock()

	for name, m := range results {
		s.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		s.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
		s.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			s.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}
}

// Latest returns the most recent sample per process name.
func (s *ProcessSampler) Latest() map[string]ProcessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ProcessMetrics, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

func (s *ProcessSampler) sample(name string, pid int32, ts time.Time) (ProcessMetrics, error) {
	s.mu.Lock()
	proc, ok := s.procs[pid]
	if !ok {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		s.procs[pid] = p
	}
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	m := ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}
