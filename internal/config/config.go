package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Metrics   bool
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	// HistoryKeep is the number of status-history rows kept per task.
	HistoryKeep int
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	MaxCores      int
	MaxConcurrent int
}

// TaskDefaults fill the fields a task request leaves empty.
type TaskDefaults struct {
	Priority       int
	DeadlineAfter  time.Duration
	MaxRunDuration time.Duration
	MaxCores       int
}

// InboxConfig enables the drop directory when Dir is set.
type InboxConfig struct {
	Dir    string
	Settle time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL       string
	Enabled   bool
	PerMinute int
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Tasks        TaskDefaults
	Inbox        InboxConfig
	Notification NotificationConfig

	// Mode is one of http, mcp or both.
	Mode          string
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	envPrefix = "OPSCHED_"

	defaultAddr           = "0.0.0.0:7070"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultHistoryKeep    = 20
	defaultMode           = "http"
	defaultShutdownGrace  = 5 * time.Second
	defaultPriority       = 1
	defaultDeadlineAfter  = time.Minute
	defaultMaxRunDuration = 30 * time.Second
	defaultInboxSettle    = 250 * time.Millisecond
	defaultBarkPerMinute  = 10
)

// Modes lists the accepted values of Config.Mode.
var Modes = []string{"http", "mcp", "both"}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: defaultAddr, Metrics: true},
		Log: LogConfig{
			Level:       defaultLogLevel,
			Format:      defaultLogFormat,
			HistoryKeep: defaultHistoryKeep,
		},
		Tasks: TaskDefaults{
			Priority:       defaultPriority,
			DeadlineAfter:  defaultDeadlineAfter,
			MaxRunDuration: defaultMaxRunDuration,
		},
		Inbox:         InboxConfig{Settle: defaultInboxSettle},
		Notification:  NotificationConfig{Bark: BarkConfig{PerMinute: defaultBarkPerMinute}},
		Mode:          defaultMode,
		ShutdownGrace: defaultShutdownGrace,
	}
}

// Parse reads the process arguments, the default .env locations and the environment.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "opsched", ".env"))
	}
	return Load(os.Args[1:], envFiles...)
}

// Load builds a Config from args and the given .env files.
// Priority: CLI flags > environment variables > .env files > YAML file > defaults.
// The YAML file is named by -config or OPSCHED_CONFIG. Missing .env files are skipped.
func Load(args []string, envFiles ...string) (*Config, error) {
	cfg := Default()

	set, flags := newFlagSet(cfg)
	if err := set.Parse(args); err != nil {
		return nil, err
	}

	env, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}

	path := flags.configPath
	if path == "" {
		path, _ = lookup(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	flags.apply(set, cfg)

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (valid: %s)", c.Mode, strings.Join(Modes, ", "))
	}
	if c.Scheduler.MaxCores < 0 || c.Scheduler.MaxConcurrent < 0 || c.Tasks.MaxCores < 0 {
		return errors.New("core and concurrency limits must not be negative")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("bark notifications enabled without a url")
	}
	if c.Notification.Bark.PerMinute < 1 {
		c.Notification.Bark.PerMinute = defaultBarkPerMinute
	}
	if c.Log.HistoryKeep < 1 {
		c.Log.HistoryKeep = defaultHistoryKeep
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.StateDir = dir
	}
	return nil
}

func readEnvFiles(paths []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		// Earlier files win, as with godotenv.Load.
		for k, v := range values {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "opsched")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// fileConfig mirrors the YAML file. Pointers distinguish unset keys from zero values.
type fileConfig struct {
	Mode          *string `yaml:"mode"`
	StateDir      *string `yaml:"state_dir"`
	UseUTC        *bool   `yaml:"use_utc"`
	ShutdownGrace *string `yaml:"shutdown_grace"`
	Server        struct {
		Addr      *string `yaml:"addr"`
		AuthToken *string `yaml:"auth_token"`
		Metrics   *bool   `yaml:"metrics"`
	} `yaml:"server"`
	Log struct {
		Level       *string `yaml:"level"`
		Format      *string `yaml:"format"`
		HistoryKeep *int    `yaml:"history_keep"`
	} `yaml:"log"`
	Scheduler struct {
		MaxCores      *int `yaml:"max_cores"`
		MaxConcurrent *int `yaml:"max_concurrent"`
	} `yaml:"scheduler"`
	Tasks struct {
		Priority       *int    `yaml:"priority"`
		DeadlineAfter  *string `yaml:"deadline_after"`
		MaxRunDuration *string `yaml:"max_run_duration"`
		MaxCores       *int    `yaml:"max_cores"`
	} `yaml:"tasks"`
	Inbox struct {
		Dir    *string `yaml:"dir"`
		Settle *string `yaml:"settle"`
	} `yaml:"inbox"`
	Notification struct {
		Bark struct {
			URL       *string `yaml:"url"`
			Enabled   *bool   `yaml:"enabled"`
			PerMinute *int    `yaml:"per_minute"`
		} `yaml:"bark"`
	} `yaml:"notification"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Mode, fc.Mode)
	setString(&cfg.StateDir, fc.StateDir)
	setBool(&cfg.UseUTC, fc.UseUTC)
	setString(&cfg.Server.Addr, fc.Server.Addr)
	setString(&cfg.Server.AuthToken, fc.Server.AuthToken)
	setBool(&cfg.Server.Metrics, fc.Server.Metrics)
	setString(&cfg.Log.Level, fc.Log.Level)
	setString(&cfg.Log.Format, fc.Log.Format)
	setInt(&cfg.Log.HistoryKeep, fc.Log.HistoryKeep)
	setInt(&cfg.Scheduler.MaxCores, fc.Scheduler.MaxCores)
	setInt(&cfg.Scheduler.MaxConcurrent, fc.Scheduler.MaxConcurrent)
	setInt(&cfg.Tasks.Priority, fc.Tasks.Priority)
	setInt(&cfg.Tasks.MaxCores, fc.Tasks.MaxCores)
	setString(&cfg.Inbox.Dir, fc.Inbox.Dir)
	setString(&cfg.Notification.Bark.URL, fc.Notification.Bark.URL)
	setBool(&cfg.Notification.Bark.Enabled, fc.Notification.Bark.Enabled)
	setInt(&cfg.Notification.Bark.PerMinute, fc.Notification.Bark.PerMinute)

	durations := []struct {
		key string
		dst *time.Duration
		src *string
	}{
		{"shutdown_grace", &cfg.ShutdownGrace, fc.ShutdownGrace},
		{"tasks.deadline_after", &cfg.Tasks.DeadlineAfter, fc.Tasks.DeadlineAfter},
		{"tasks.max_run_duration", &cfg.Tasks.MaxRunDuration, fc.Tasks.MaxRunDuration},
		{"inbox.settle", &cfg.Inbox.Settle, fc.Inbox.Settle},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			lower := strings.ToLower(strings.TrimSpace(v))
			*dst = lower == "true" || lower == "1" || lower == "yes"
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("MODE", &cfg.Mode)
	str("STATE_DIR", &cfg.StateDir)
	boolean("USE_UTC", &cfg.UseUTC)
	duration("SHUTDOWN_GRACE", &cfg.ShutdownGrace)
	str("ADDR", &cfg.Server.Addr)
	str("AUTH_TOKEN", &cfg.Server.AuthToken)
	boolean("METRICS", &cfg.Server.Metrics)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	num("HISTORY_KEEP", &cfg.Log.HistoryKeep)
	num("MAX_CORES", &cfg.Scheduler.MaxCores)
	num("MAX_CONCURRENT", &cfg.Scheduler.MaxConcurrent)
	num("TASK_PRIORITY", &cfg.Tasks.Priority)
	duration("TASK_DEADLINE_AFTER", &cfg.Tasks.DeadlineAfter)
	duration("TASK_MAX_RUN_DURATION", &cfg.Tasks.MaxRunDuration)
	num("TASK_MAX_CORES", &cfg.Tasks.MaxCores)
	str("INBOX_DIR", &cfg.Inbox.Dir)
	duration("INBOX_SETTLE", &cfg.Inbox.Settle)
	str("BARK_URL", &cfg.Notification.Bark.URL)
	boolean("BARK_ENABLED", &cfg.Notification.Bark.Enabled)
	num("BARK_PER_MINUTE", &cfg.Notification.Bark.PerMinute)

	return errors.Join(errs...)
}

// flagValues receives CLI flags; only flags that were set are applied.
type flagValues struct {
	configPath    string
	addr          string
	mode          string
	stateDir      string
	logLevel      string
	logFormat     string
	historyKeep   int
	maxCores      int
	maxConcurrent int
	inboxDir      string
	useUTC        bool
	shutdownGrace time.Duration
}

func newFlagSet(cfg *Config) (*flag.FlagSet, *flagValues) {
	v := &flagValues{}
	set := flag.NewFlagSet("opschedd", flag.ContinueOnError)
	set.StringVar(&v.configPath, "config", "", "YAML configuration file")
	set.StringVar(&v.addr, "addr", cfg.Server.Addr, "HTTP listen address")
	set.StringVar(&v.mode, "mode", cfg.Mode, "Run mode: http, mcp or both")
	set.StringVar(&v.stateDir, "state-dir", "", "Directory to store the database")
	set.StringVar(&v.logLevel, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	set.StringVar(&v.logFormat, "log-format", cfg.Log.Format, "Log format (text, json)")
	set.IntVar(&v.historyKeep, "history-keep", cfg.Log.HistoryKeep, "Status history rows to retain per task")
	set.IntVar(&v.maxCores, "max-cores", 0, "Worker pool size (0 = number of CPUs)")
	set.IntVar(&v.maxConcurrent, "max-concurrent", 0, "Maximum running tasks (0 = max-cores)")
	set.StringVar(&v.inboxDir, "inbox-dir", "", "Directory watched for .wav files")
	set.BoolVar(&v.useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	set.DurationVar(&v.shutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	return set, v
}

func (v *flagValues) apply(set *flag.FlagSet, cfg *Config) {
	set.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = v.addr
		case "mode":
			cfg.Mode = v.mode
		case "state-dir":
			cfg.StateDir = v.stateDir
		case "log-level":
			cfg.Log.Level = v.logLevel
		case "log-format":
			cfg.Log.Format = v.logFormat
		case "history-keep":
			cfg.Log.HistoryKeep = v.historyKeep
		case "max-cores":
			cfg.Scheduler.MaxCores = v.maxCores
		case "max-concurrent":
			cfg.Scheduler.MaxConcurrent = v.maxConcurrent
		case "inbox-dir":
			cfg.Inbox.Dir = v.inboxDir
		case "use-utc":
			cfg.UseUTC = v.useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = v.shutdownGrace
		}
	})
}
