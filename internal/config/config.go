// Package config loads the experiment topology and engine settings.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/handler"
	"github.com/t77yq/exprunner/internal/monitor"
	"github.com/t77yq/exprunner/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. EXPRUNNER_LOG_LEVEL
const EnvPrefix = "EXPRUNNER"

// ExperimentPlaceholder is replaced by the experiment name in commands and paths
const ExperimentPlaceholder = "{experiment}"

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full engine configuration
type Config struct {
	Services       map[string][]string `mapstructure:"services"`
	ConntrackHosts []string            `mapstructure:"conntrack_hosts"`

	Precheck  PrecheckConfig       `mapstructure:"precheck"`
	Scripts   []handler.ScriptSpec `mapstructure:"scripts"`
	Iteration IterationConfig      `mapstructure:"iteration"`

	Commands  CommandsConfig  `mapstructure:"commands"`
	Supervise SuperviseConfig `mapstructure:"supervise"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	SSH     SSHConfig     `mapstructure:"ssh"`
	History HistoryConfig `mapstructure:"history"`
	Events  EventsConfig  `mapstructure:"events"`
	Log     LogConfig     `mapstructure:"log"`
	Console ConsoleConfig `mapstructure:"console"`
}

// PrecheckConfig drives the prerequisite phase
type PrecheckConfig struct {
	SettleDelay     time.Duration         `mapstructure:"settle_delay"`
	RequiredMatches int                   `mapstructure:"required_matches"`
	Watchers        []monitor.WatchSpec   `mapstructure:"watchers"`
	Clients         []executor.ClientSpec `mapstructure:"clients"`
}

// IterationConfig drives the repeated measurement phase
type IterationConfig struct {
	Repeats int                   `mapstructure:"repeats"`
	Growth  []monitor.GrowthSpec  `mapstructure:"growth"`
	Clients []executor.ClientSpec `mapstructure:"clients"`
}

// CommandsConfig tunes single command execution
type CommandsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	Sudo          bool          `mapstructure:"sudo"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ProgressEvery time.Duration `mapstructure:"progress_every"`
}

// SuperviseConfig tunes client supervision
type SuperviseConfig struct {
	CheckStuck    bool          `mapstructure:"check_stuck"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StuckChecks   int           `mapstructure:"stuck_checks"`
	TailLines     int           `mapstructure:"tail_lines"`
	Ceiling       time.Duration `mapstructure:"ceiling"`
	TimeoutPolicy string        `mapstructure:"timeout_policy"`
	RunDir        string        `mapstructure:"run_dir"`
	WorkingDir    string        `mapstructure:"working_dir"`
}

// LifecycleConfig holds the waits of the logging script lifecycle
type LifecycleConfig struct {
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StartupWait  time.Duration `mapstructure:"startup_wait"`
	PreKillWait  time.Duration `mapstructure:"pre_kill_wait"`
	Grace        time.Duration `mapstructure:"grace"`
}

// SSHConfig locates the SSH client configuration and credentials
type SSHConfig struct {
	ConfigPath     string        `mapstructure:"config_path"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	User           string        `mapstructure:"user"`
	IdentityFiles  []string      `mapstructure:"identity_files"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// HistoryConfig enables the SQLite run history
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EventsConfig enables the NATS event bus
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ConsoleConfig configures the progress console
type ConsoleConfig struct {
	Color bool `mapstructure:"color"`
}

// Load reads configuration from path (optional), then from ./config/exprunner.yaml
// when path is empty, then from EXPRUNNER_* environment variables. Keys
// absent from every source keep their Default value.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	for key, value := range scalarDefaults(cfg) {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("exprunner")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// scalarDefaults lists the keys that environment variables may override
func scalarDefaults(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"precheck.settle_delay":     cfg.Precheck.SettleDelay,
		"precheck.required_matches": cfg.Precheck.RequiredMatches,
		"iteration.repeats":         cfg.Iteration.Repeats,
		"commands.timeout":          cfg.Commands.Timeout,
		"commands.sudo":             cfg.Commands.Sudo,
		"commands.poll_interval":    cfg.Commands.PollInterval,
		"commands.progress_every":   cfg.Commands.ProgressEvery,
		"supervise.check_stuck":     cfg.Supervise.CheckStuck,
		"supervise.check_interval":  cfg.Supervise.CheckInterval,
		"supervise.stuck_checks":    cfg.Supervise.StuckChecks,
		"supervise.tail_lines":      cfg.Supervise.TailLines,
		"supervise.ceiling":         cfg.Supervise.Ceiling,
		"supervise.timeout_policy":  cfg.Supervise.TimeoutPolicy,
		"supervise.run_dir":         cfg.Supervise.RunDir,
		"supervise.working_dir":     cfg.Supervise.WorkingDir,
		"lifecycle.start_timeout":   cfg.Lifecycle.StartTimeout,
		"lifecycle.startup_wait":    cfg.Lifecycle.StartupWait,
		"lifecycle.pre_kill_wait":   cfg.Lifecycle.PreKillWait,
		"lifecycle.grace":           cfg.Lifecycle.Grace,
		"ssh.config_path":           cfg.SSH.ConfigPath,
		"ssh.known_hosts":           cfg.SSH.KnownHosts,
		"ssh.user":                  cfg.SSH.User,
		"ssh.connect_timeout":       cfg.SSH.ConnectTimeout,
		"history.enabled":           cfg.History.Enabled,
		"history.path":              cfg.History.Path,
		"events.enabled":            cfg.Events.Enabled,
		"events.url":                cfg.Events.URL,
		"events.connect_timeout":    cfg.Events.ConnectTimeout,
		"log.level":                 cfg.Log.Level,
		"log.development":           cfg.Log.Development,
		"console.color":             cfg.Console.Color,
	}
}

// Validate checks the settings that would make a run meaningless
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if c.Iteration.Repeats <= 0 {
		invalid("iteration.repeats must be positive, got %d", c.Iteration.Repeats)
	}
	if c.Precheck.RequiredMatches < 0 {
		invalid("precheck.required_matches must not be negative, got %d", c.Precheck.RequiredMatches)
	}
	if c.Commands.Timeout <= 0 {
		invalid("commands.timeout must be positive")
	}
	if c.Supervise.CheckInterval <= 0 {
		invalid("supervise.check_interval must be positive")
	}
	if c.Supervise.StuckChecks <= 0 {
		invalid("supervise.stuck_checks must be positive, got %d", c.Supervise.StuckChecks)
	}
	if c.Supervise.Ceiling <= 0 {
		invalid("supervise.ceiling must be positive")
	}
	switch executor.TimeoutPolicy(c.Supervise.TimeoutPolicy) {
	case executor.TimeoutLeave, executor.TimeoutKill:
	default:
		invalid("supervise.timeout_policy must be %q or %q, got %q", executor.TimeoutLeave, executor.TimeoutKill, c.Supervise.TimeoutPolicy)
	}

	for _, w := range c.Precheck.Watchers {
		if w.Host == "" || w.Path == "" {
			invalid("watcher %q needs a host and a path", w.Name)
		}
		if w.Deadline <= 0 {
			invalid("watcher %q needs a positive deadline", w.Name)
		}
		if _, err := monitor.ParseKeywords(w.Expression); err != nil {
			invalid("watcher %q: %v", w.Name, err)
		}
	}
	for _, g := range c.Iteration.Growth {
		if g.Host == "" || g.Path == "" {
			invalid("growth watcher %q needs a host and a path", g.DisplayLabel())
		}
		if g.Interval <= 0 {
			invalid("growth watcher %q needs a positive interval", g.DisplayLabel())
		}
	}
	for _, cl := range append(append([]executor.ClientSpec(nil), c.Precheck.Clients...), c.Iteration.Clients...) {
		if cl.Host == "" || cl.Command == "" {
			invalid("client %q needs a host and a command", cl.Name)
		}
	}
	for _, s := range c.Scripts {
		if s.Host == "" || s.Command == "" || s.WorkingDir == "" {
			invalid("script %q needs a host, a command and a working directory", s.Name)
		}
	}

	return errs
}

// Expand returns a copy with the experiment name substituted into every
// command and path, and with client defaults applied
func (c *Config) Expand(experiment string) *Config {
	out := *c
	sub := func(s string) string { return strings.ReplaceAll(s, ExperimentPlaceholder, experiment) }

	out.Scripts = make([]handler.ScriptSpec, len(c.Scripts))
	for i, s := range c.Scripts {
		s.Command = sub(s.Command)
		s.WorkingDir = sub(s.WorkingDir)
		s.Conflicts = append([]string(nil), s.Conflicts...)
		if s.Name == "" {
			s.Name = "Script-" + s.Host
		}
		out.Scripts[i] = s
	}

	out.Precheck.Watchers = make([]monitor.WatchSpec, len(c.Precheck.Watchers))
	for i, w := range c.Precheck.Watchers {
		w.Path = sub(w.Path)
		out.Precheck.Watchers[i] = w
	}

	out.Iteration.Growth = make([]monitor.GrowthSpec, len(c.Iteration.Growth))
	for i, g := range c.Iteration.Growth {
		g.Path = sub(g.Path)
		out.Iteration.Growth[i] = g
	}

	expandClients := func(in []executor.ClientSpec) []executor.ClientSpec {
		clients := make([]executor.ClientSpec, len(in))
		for i, cl := range in {
			cl.Command = sub(cl.Command)
			if cl.WorkingDir == "" {
				cl.WorkingDir = c.Supervise.WorkingDir
			}
			if cl.Name == "" {
				cl.Name = "Client-" + cl.ProgramName() + "-" + cl.Host
			}
			clients[i] = cl
		}
		return clients
	}
	out.Precheck.Clients = expandClients(c.Precheck.Clients)
	out.Iteration.Clients = expandClients(c.Iteration.Clients)

	return &out
}

// ServiceHosts returns the hosts of the service table in a stable order
func (c *Config) ServiceHosts() []string {
	hosts := make([]string, 0, len(c.Services))
	for host := range c.Services {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// SupervisorConfig converts the supervise settings
func (c *Config) SupervisorConfig() executor.SupervisorConfig {
	return executor.SupervisorConfig{
		CheckStuck:     c.Supervise.CheckStuck,
		CheckInterval:  c.Supervise.CheckInterval,
		StuckChecks:    c.Supervise.StuckChecks,
		TailLines:      c.Supervise.TailLines,
		Ceiling:        c.Supervise.Ceiling,
		ProgressEvery:  c.Commands.ProgressEvery,
		CommandTimeout: c.Commands.Timeout,
		TimeoutPolicy:  executor.TimeoutPolicy(c.Supervise.TimeoutPolicy),
		RunDir:         c.Supervise.RunDir,
	}
}

// KeywordWatcherConfig converts the tail loop settings
func (c *Config) KeywordWatcherConfig() monitor.KeywordWatcherConfig {
	return monitor.KeywordWatcherConfig{
		PollInterval:   c.Commands.PollInterval,
		ProgressEvery:  c.Commands.ProgressEvery,
		CommandTimeout: c.Commands.Timeout,
	}
}

// ScriptConfig converts the lifecycle settings
func (c *Config) ScriptConfig() handler.ScriptConfig {
	return handler.ScriptConfig{
		StartTimeout:   c.Lifecycle.StartTimeout,
		StartupWait:    c.Lifecycle.StartupWait,
		PreKillWait:    c.Lifecycle.PreKillWait,
		Grace:          c.Lifecycle.Grace,
		CommandTimeout: c.Commands.Timeout,
	}
}

// Shell returns the command builder for the configured privilege mode
func (c *Config) Shell() executor.Shell {
	return executor.Shell{Sudo: c.Commands.Sudo}
}

// SSHOptions converts the ssh settings, falling back to the user's defaults
func (c *Config) SSHOptions() session.SSHOptions {
	opts := session.DefaultSSHOptions()
	if c.SSH.KnownHosts != "" {
		opts.KnownHostsPath = c.SSH.KnownHosts
	}
	if c.SSH.User != "" {
		opts.DefaultUser = c.SSH.User
	}
	if len(c.SSH.IdentityFiles) > 0 {
		opts.IdentityFiles = c.SSH.IdentityFiles
	}
	if c.SSH.ConnectTimeout > 0 {
		opts.ConnectTimeout = c.SSH.ConnectTimeout
	}
	return opts
}
