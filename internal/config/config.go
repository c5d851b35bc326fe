// Package config loads the relay configuration from an optional TOML file,
// ONAIR_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/onair/internal/auth"
	"github.com/loykin/onair/internal/env"
	"github.com/loykin/onair/internal/fallback"
	"github.com/loykin/onair/internal/input"
	"github.com/loykin/onair/internal/logger"
	"github.com/loykin/onair/internal/output"
	"github.com/loykin/onair/internal/probe"
)

// EnvPrefix is prepended to every environment override, e.g.
// ONAIR_INPUT_URL or ONAIR_LOG_PROCESSES.
const EnvPrefix = "ONAIR"

const DefaultServiceRestartCooldown = 3 * time.Second

// Config represents the top-level TOML structure.
type Config struct {
	Input    InputConfig    `toml:"input" mapstructure:"input"`
	Output   OutputConfig   `toml:"output" mapstructure:"output"`
	Fallback FallbackConfig `toml:"fallback" mapstructure:"fallback"`
	Service  ServiceConfig  `toml:"service" mapstructure:"service"`
	Commands CommandsConfig `toml:"commands" mapstructure:"commands"`
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

type InputConfig struct {
	URL                       string        `toml:"url" mapstructure:"url"`
	ConnectionTimeout         time.Duration `toml:"connection_timeout" mapstructure:"connection_timeout"`
	ConnectionPendingDuration time.Duration `toml:"connection_pending_duration" mapstructure:"connection_pending_duration"`
	RestartCooldown           time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
}

type BackoffConfig struct {
	MaxRetries  int           `toml:"max_retries" mapstructure:"max_retries"`
	Multiplier  float64       `toml:"multiplier" mapstructure:"multiplier"`
	MaxInterval time.Duration `toml:"max_interval" mapstructure:"max_interval"`
}

type OutputConfig struct {
	URL             string        `toml:"url" mapstructure:"url"`
	RestartCooldown time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
	ExitOnFailure   bool          `toml:"exit_on_failure" mapstructure:"exit_on_failure"`
	Backoff         BackoffConfig `toml:"backoff" mapstructure:"backoff"`
}

type FallbackConfig struct {
	Path string `toml:"path" mapstructure:"path"`
	Mode string `toml:"mode" mapstructure:"mode"`
	// Duration of one playback of the clip in buffer mode; 0 probes it.
	Duration        time.Duration `toml:"duration" mapstructure:"duration"`
	RestartCooldown time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
}

type ServiceConfig struct {
	RestartCooldown time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
	// RestartOnExit restarts every component after an unexpected process exit.
	RestartOnExit bool `toml:"restart_on_exit" mapstructure:"restart_on_exit"`
}

// CommandsConfig holds the command line templates of the external tools.
// {url} and {file} are substituted per argument.
type CommandsConfig struct {
	FeedPull      string `toml:"feed_pull" mapstructure:"feed_pull"`
	FeedNormalize string `toml:"feed_normalize" mapstructure:"feed_normalize"`
	SinkMux       string `toml:"sink_mux" mapstructure:"sink_mux"`
	FallbackLoop  string `toml:"fallback_loop" mapstructure:"fallback_loop"`
	Probe         string `toml:"probe" mapstructure:"probe"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
	Color  bool   `toml:"color" mapstructure:"color"`
	// Processes captures stderr of every external process under Dir.
	Processes  bool   `toml:"processes" mapstructure:"processes"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	Listen          string        `toml:"listen" mapstructure:"listen"`
	ProcessMetrics  bool          `toml:"process_metrics" mapstructure:"process_metrics"`
	ProcessInterval time.Duration `toml:"interval" mapstructure:"interval"`
}

type ServerConfig struct {
	Enabled  bool        `toml:"enabled" mapstructure:"enabled"`
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig   `toml:"tls" mapstructure:"tls"`
	Auth     auth.Config `toml:"auth" mapstructure:"auth"`
}

// TLSConfig serves the admin API over HTTPS. CertFile/KeyFile take priority;
// otherwise tls.crt and tls.key are read from Dir, generated first when
// AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	// MinVersion is "1.2" or "1.3" (default).
	MinVersion string `toml:"min_version" mapstructure:"min_version"`
}

// HistoryConfig lists event export destinations as DSNs, e.g.
// "sqlite:///var/lib/onair/history.db" or "redis://localhost:6379/0?channel=onair".
type HistoryConfig struct {
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
	// Secret is sent as x-access-secret by the webhook sink.
	Secret string `toml:"secret" mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.url", "")
	v.SetDefault("input.connection_timeout", input.DefaultConnectionTimeout)
	v.SetDefault("input.connection_pending_duration", input.DefaultConnectionPendingDuration)
	v.SetDefault("input.restart_cooldown", input.DefaultRestartCooldown)

	v.SetDefault("output.url", "")
	v.SetDefault("output.restart_cooldown", output.DefaultRestartCooldown)
	v.SetDefault("output.exit_on_failure", false)
	v.SetDefault("output.backoff.max_retries", 0)
	v.SetDefault("output.backoff.multiplier", 0.0)
	v.SetDefault("output.backoff.max_interval", time.Duration(0))

	v.SetDefault("fallback.path", "")
	v.SetDefault("fallback.mode", fallback.ModeProcess)
	v.SetDefault("fallback.duration", time.Duration(0))
	v.SetDefault("fallback.restart_cooldown", fallback.DefaultRestartCooldown)

	v.SetDefault("service.restart_cooldown", DefaultServiceRestartCooldown)
	v.SetDefault("service.restart_on_exit", true)

	v.SetDefault("commands.feed_pull", input.DefaultPullCommand)
	v.SetDefault("commands.feed_normalize", input.DefaultNormalizeCommand)
	v.SetDefault("commands.sink_mux", output.DefaultCommand)
	v.SetDefault("commands.fallback_loop", fallback.DefaultCommand)
	v.SetDefault("commands.probe", probe.DefaultCommand)

	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.processes", false)
	v.SetDefault("log.dir", logger.DefaultDir)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("metrics.process_metrics", false)
	v.SetDefault("metrics.interval", 5*time.Second)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8480")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", auth.DefaultTokenTTL)

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", 2*time.Second)
	v.SetDefault("history.secret", "")
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	cfg, err := load(viper.New())
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// Load reads path (optional, TOML) and applies ONAIR_* environment
// overrides on top of the defaults. The result is not validated; callers
// apply CLI overrides first and then call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Input.URL == "" {
		errs = append(errs, errors.New("input.url is required"))
	}
	if c.Output.URL == "" {
		errs = append(errs, errors.New("output.url is required"))
	}
	if c.Fallback.Path == "" {
		errs = append(errs, errors.New("fallback.path is required"))
	}
	switch c.Fallback.Mode {
	case fallback.ModeProcess, fallback.ModeBuffer:
	default:
		errs = append(errs, fmt.Errorf("fallback.mode %q must be %q or %q", c.Fallback.Mode, fallback.ModeProcess, fallback.ModeBuffer))
	}
	if c.Input.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("input.connection_timeout must be positive"))
	}
	if c.Input.ConnectionPendingDuration < 0 {
		errs = append(errs, errors.New("input.connection_pending_duration must not be negative"))
	}
	if c.Service.RestartCooldown < 0 {
		errs = append(errs, errors.New("service.restart_cooldown must not be negative"))
	}
	if c.Fallback.Duration < 0 {
		errs = append(errs, errors.New("fallback.duration must not be negative"))
	}
	if c.Output.Backoff.MaxRetries < 0 {
		errs = append(errs, errors.New("output.backoff.max_retries must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if t := c.Server.TLS; c.Server.Enabled && t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Server.Enabled && c.Server.Auth.Enabled && len(c.Server.Auth.Users) == 0 {
		errs = append(errs, errors.New("server.auth needs at least one user"))
	}
	return errors.Join(errs...)
}

// LoggerConfig maps the log section onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File:   c.ProcessLog(),
	}
}

// ProcessLog describes capture of external process diagnostics.
func (c *Config) ProcessLog() logger.FileConfig {
	return logger.FileConfig{
		Enabled:    c.Log.Processes,
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// ProcessEnv composes the environment of the external processes.
// Precedence: OS env (when enabled) provides the base, then env_files in
// order, then the env list overrides last.
func (c *Config) ProcessEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e = env.FromOS()
	}
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e = e.WithList(kvs)
	}
	return e.WithList(c.Env).Merge(nil), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
