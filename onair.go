// Package onair is the embeddable facade of the failover relay: load a
// configuration, build a Relay from it and run it.
package onair

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/onair/internal/auth"
	cfg "github.com/loykin/onair/internal/config"
	"github.com/loykin/onair/internal/history"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/output"
	"github.com/loykin/onair/internal/probe"
	"github.com/loykin/onair/internal/relay"
	iapi "github.com/loykin/onair/internal/server"
	itls "github.com/loykin/onair/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ServerConfig = cfg.ServerConfig

type Status = relay.Status

type HistoryEvent = history.Event

type HistorySink = history.Sink

type ProcessMetricsConfig = metrics.ProcessMetricsConfig

type ProcessSampler = metrics.ProcessSampler

type MediaInfo = probe.Info

// ExitError carries the sink exit code when output.exit_on_failure is set.
type ExitError = output.ExitError

// Relay is a thin facade over internal/relay.Orchestrator.
type Relay struct{ inner *relay.Orchestrator }

// New builds a relay from c. Run or Start it, then Close it.
func New(c *Config, log *slog.Logger) (*Relay, error) {
	o, err := relay.New(c, log)
	if err != nil {
		return nil, err
	}
	return &Relay{inner: o}, nil
}

func (r *Relay) Start(ctx context.Context) error    { return r.inner.Start(ctx) }
func (r *Relay) Run(ctx context.Context) error      { return r.inner.Run(ctx) }
func (r *Relay) Stop()                              { r.inner.Stop() }
func (r *Relay) Restart() error                     { return r.inner.Restart() }
func (r *Relay) RestartComponent(name string) error { return r.inner.RestartComponent(name) }
func (r *Relay) Status() Status                     { return r.inner.Status() }
func (r *Relay) PIDs() map[string]int32             { return r.inner.PIDs() }
func (r *Relay) Close() error                       { return r.inner.Close() }

// LoadConfig reads a TOML file (optional) and ONAIR_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return cfg.Default() }

// Probe reports container metadata of a media file.
func Probe(ctx context.Context, command, file string) (MediaInfo, error) {
	return probe.Prober{Command: command}.Probe(ctx, file)
}

func newRouter(c ServerConfig, r *Relay, sampler *ProcessSampler) (*iapi.Router, error) {
	router := iapi.NewRouter(r.inner, sampler, c.BasePath)
	if c.Auth.Enabled {
		svc, err := auth.NewService(c.Auth)
		if err != nil {
			return nil, err
		}
		router.WithAuth(svc)
	}
	return router, nil
}

// NewHandler returns the admin API as an http.Handler to mount in an
// existing gin, echo or net/http server. Routes live under c.BasePath.
func NewHandler(c ServerConfig, r *Relay, sampler *ProcessSampler) (http.Handler, error) {
	router, err := newRouter(c, r, sampler)
	if err != nil {
		return nil, err
	}
	return router.Handler(), nil
}

// NewHTTPServer starts the admin API for r. sampler may be nil.
func NewHTTPServer(c ServerConfig, r *Relay, sampler *ProcessSampler) (*http.Server, error) {
	router, err := newRouter(c, r, sampler)
	if err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if c.TLS.Enabled {
		if tlsCfg, err = itls.SetupTLS(c.TLS); err != nil {
			return nil, err
		}
	}
	return iapi.NewServer(c.Listen, router, tlsCfg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewProcessSampler creates the CPU/memory sampler of the external processes.
func NewProcessSampler(c ProcessMetricsConfig) *ProcessSampler { return metrics.NewProcessSampler(c) }

// ServeMetrics listens on addr and serves /metrics from the default registry
// in the background. The listen error, if any, is returned synchronously.
func ServeMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}
