package relay

import (
	"fmt"
	"log/slog"

	"github.com/loykin/onair/internal/config"
	"github.com/loykin/onair/internal/fallback"
	"github.com/loykin/onair/internal/history"
	"github.com/loykin/onair/internal/history/factory"
	"github.com/loykin/onair/internal/input"
	"github.com/loykin/onair/internal/output"
	"github.com/loykin/onair/internal/probe"
	"github.com/loykin/onair/internal/stream"
)

// New builds an orchestrator and its components from cfg. The caller owns
// the result and must Close it.
func New(cfg *config.Config, log *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env, err := cfg.ProcessEnv()
	if err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(cfg.History.Sinks, factory.Options{Secret: cfg.History.Secret})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	rec := history.NewRecorder(log, cfg.History.Timeout, sinks...)
	procLog := cfg.ProcessLog()

	sink := output.New(output.Config{
		Endpoint:        stream.Endpoint(cfg.Output.URL),
		Command:         cfg.Commands.SinkMux,
		RestartCooldown: cfg.Output.RestartCooldown,
		ExitOnFailure:   cfg.Output.ExitOnFailure,
		Backoff: output.BackoffConfig{
			MaxRetries:  cfg.Output.Backoff.MaxRetries,
			Multiplier:  cfg.Output.Backoff.Multiplier,
			MaxInterval: cfg.Output.Backoff.MaxInterval,
		},
		Env: env,
		Log: procLog,
	}, nil, log)

	monitor := input.New(input.Config{
		Endpoint:                  stream.Endpoint(cfg.Input.URL),
		PullCommand:               cfg.Commands.FeedPull,
		NormalizeCommand:          cfg.Commands.FeedNormalize,
		ConnectionTimeout:         cfg.Input.ConnectionTimeout,
		ConnectionPendingDuration: cfg.Input.ConnectionPendingDuration,
		RestartCooldown:           cfg.Input.RestartCooldown,
		Env:                       env,
		Log:                       procLog,
	}, nil, log)

	var src fallback.Source
	switch cfg.Fallback.Mode {
	case fallback.ModeBuffer:
		src = fallback.NewBufferSource(fallback.BufferConfig{
			File:     cfg.Fallback.Path,
			Duration: cfg.Fallback.Duration,
			Prober:   probe.Prober{Command: cfg.Commands.Probe},
		}, nil, log)
	default:
		src = fallback.NewProcessSource(fallback.ProcessConfig{
			File:            cfg.Fallback.Path,
			Command:         cfg.Commands.FallbackLoop,
			RestartCooldown: cfg.Fallback.RestartCooldown,
			Env:             env,
			Log:             procLog,
		}, nil, log)
	}

	return Assemble(monitor, sink, src, Options{
		RestartCooldown:       cfg.Service.RestartCooldown,
		DisableServiceRestart: !cfg.Service.RestartOnExit,
		Logger:                log,
		Recorder:              rec,
	}), nil
}
