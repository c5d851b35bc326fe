package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/onair"
	"github.com/loykin/onair/internal/fallback"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/pidfile"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errUsage is returned after the usage text has been printed.
var errUsage = errors.New("usage")

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err, os.Stderr))
	}
}

// exitCode maps a command error to the process exit status. A sink exit code
// is propagated as is.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exitErr *onair.ExitError
	if errors.As(err, &exitErr) {
		_, _ = fmt.Fprintln(stderr, err)
		if exitErr.Code > 0 {
			return exitErr.Code
		}
		return 1
	}
	if !errors.Is(err, errUsage) {
		_, _ = fmt.Fprintln(stderr, err)
	}
	return 1
}

func buildRoot() *cobra.Command {
	relayFlags := &RelayFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(relayFlags)
	root.AddCommand(
		createStatusCommand(relayFlags, apiFlags),
		createRestartCommand(relayFlags, apiFlags),
		createProbeCommand(relayFlags),
		createHashPasswordCommand(),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *RelayFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "onair <inputURL> <fallbackFile> <outputURL>",
		Short: "Failover live stream relay",
		Long: `onair pulls a live feed and pushes it to an output. While the feed is
missing or unstable, a fallback clip is streamed instead.

Examples:
  onair rtmp://origin/live/in /srv/filler.ts rtmp://edge/live/out
  onair -l -t 2000 rtmp://origin/live/in filler.ts rtmp://edge/live/out
  onair --config /etc/onair/onair.toml rtmp://in filler.ts rtmp://out
  onair status --api-url http://127.0.0.1:8480/api
  onair restart input --api-user ops`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, flags, args)
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f := root.Flags()
	f.BoolVarP(&flags.LogProcesses, "log-processes", "l", false, "write rtmpdump/ffmpeg diagnostics under log.dir (default /tmp)")
	f.IntVarP(&flags.TimeoutMS, "timeout", "t", 0, "ms without feed data before switching to the fallback (default 5000)")
	f.IntVarP(&flags.DurationMS, "duration", "d", 0, "fallback clip duration in ms; selects buffer replay (default: probed)")
	f.StringVar(&flags.FallbackMode, "fallback-mode", "", "fallback source: process or buffer")
	f.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	f.StringVar(&flags.PidFile, "pidfile", "", "write the relay PID to this file")
	f.StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return root
}

// applyFlags layers positional arguments and explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *onair.Config, flags *RelayFlags, args []string) {
	cfg.Input.URL = args[0]
	cfg.Fallback.Path = args[1]
	cfg.Output.URL = args[2]

	changed := cmd.Flags().Changed
	if changed("log-processes") {
		cfg.Log.Processes = flags.LogProcesses
	}
	if changed("timeout") {
		cfg.Input.ConnectionTimeout = time.Duration(flags.TimeoutMS) * time.Millisecond
	}
	if changed("duration") {
		cfg.Fallback.Duration = time.Duration(flags.DurationMS) * time.Millisecond
		cfg.Fallback.Mode = fallback.ModeBuffer
	}
	if changed("fallback-mode") {
		cfg.Fallback.Mode = flags.FallbackMode
	}
	if changed("log-level") {
		cfg.Log.Level = flags.LogLevel
	}
}

func runRelay(cmd *cobra.Command, flags *RelayFlags, args []string) error {
	if len(args) < 3 {
		_ = cmd.Usage()
		return errUsage
	}
	cfg, err := onair.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg, flags, args)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if flags.Daemonize {
		pid, err := daemonize(os.Args[1:], flags.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon started with PID %d\n", pid)
		return nil
	}
	if flags.PidFile != "" {
		if err := pidfile.Acquire(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("pid file: %w", err)
		}
		defer func() { _ = pidfile.Remove(flags.PidFile) }()
	}

	log := logger.Init(cfg.LoggerConfig(), cmd.ErrOrStderr())
	r, err := onair.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sampler *onair.ProcessSampler
	if cfg.Metrics.Enabled {
		if err := onair.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.ProcessMetrics {
			sampler = onair.NewProcessSampler(onair.ProcessMetricsConfig{Enabled: true, Interval: cfg.Metrics.ProcessInterval})
			if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				log.Warn("failed to register process metrics", "error", err)
			}
			sampler.Start(ctx, r.PIDs)
			defer sampler.Stop()
		}
		msrv, err := onair.ServeMetrics(cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer func() { _ = msrv.Close() }()
		log.Info("serving metrics", "listen", msrv.Addr)
	}

	if cfg.Server.Enabled {
		srv, err := onair.NewHTTPServer(cfg.Server, r, sampler)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("serving admin API", "listen", srv.Addr, "base_path", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
	}

	return r.Run(ctx)
}
