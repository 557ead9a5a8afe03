package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode is one of http, mcp or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	// File, when set, receives a rotated copy of the daemon log.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// PollerConfig controls the scheduled-run poller.
type PollerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// RunnerConfig describes the external messaging client.
type RunnerConfig struct {
	Executable        string
	Script            string
	WorkDir           string
	CredentialEnv     string
	BatchSize         int
	Workers           int
	BatchDelay        time.Duration
	MaxDuration       time.Duration
	DefaultTestNumber string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Poller       PollerConfig
	Runner       RunnerConfig
	Notification NotificationConfig

	StateDir string
	// CredentialKey is a hex encoded 32 byte key used to seal stored tokens.
	CredentialKey string
	ShutdownGrace time.Duration
}

const (
	defaultAddr              = "0.0.0.0:7070"
	defaultMode              = "http"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 50
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 30
	defaultPollInterval      = 20 * time.Second
	defaultMaxRunDuration    = 2 * time.Hour
	defaultStaleAfter        = 3 * time.Hour
	defaultExecutable        = "Rscript"
	defaultCredentialEnv     = "RUBICA_TOKEN"
	defaultBatchSize         = 1000
	defaultWorkers           = 5
	defaultBatchDelay        = 200 * time.Millisecond
	defaultTestNumber        = "989024004940"
	defaultShutdownGrace     = 10 * time.Second
	credentialKeyLengthBytes = 32
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default.
// Bare numbers are read as seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultVal
}

// Parse reads configuration from .env files, the environment and os.Args.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "campaignd", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		// godotenv never overrides variables already set in the environment.
		_ = godotenv.Load(envFiles...)
	}
	return Load(os.Args[1:])
}

// Load builds a Config from the current environment and the given flags.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("CAMPAIGND_ADDR", defaultAddr),
			AuthToken: getEnvString("CAMPAIGND_AUTH_TOKEN", ""),
			Mode:      getEnvString("CAMPAIGND_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:      getEnvString("CAMPAIGND_LOG_LEVEL", defaultLogLevel),
			File:       getEnvString("CAMPAIGND_LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("CAMPAIGND_LOG_MAX_SIZE_MB", defaultLogMaxSizeMB),
			MaxBackups: getEnvInt("CAMPAIGND_LOG_MAX_BACKUPS", defaultLogMaxBackups),
			MaxAgeDays: getEnvInt("CAMPAIGND_LOG_MAX_AGE_DAYS", defaultLogMaxAgeDays),
		},
		Poller: PollerConfig{
			Interval:   getEnvDuration("CAMPAIGND_POLL_INTERVAL", defaultPollInterval),
			StaleAfter: getEnvDuration("CAMPAIGND_STALE_AFTER", defaultStaleAfter),
		},
		Runner: RunnerConfig{
			Executable:        getEnvString("CAMPAIGND_RSCRIPT_PATH", getEnvString("RSCRIPT_PATH", defaultExecutable)),
			Script:            getEnvString("CAMPAIGND_RUNNER_SCRIPT", ""),
			WorkDir:           getEnvString("CAMPAIGND_RUNNER_WORKDIR", ""),
			CredentialEnv:     getEnvString("CAMPAIGND_CREDENTIAL_ENV", defaultCredentialEnv),
			BatchSize:         getEnvInt("CAMPAIGND_BATCH_SIZE", defaultBatchSize),
			Workers:           getEnvInt("CAMPAIGND_WORKERS", defaultWorkers),
			BatchDelay:        getEnvDuration("CAMPAIGND_BATCH_DELAY", defaultBatchDelay),
			MaxDuration:       getEnvDuration("CAMPAIGND_MAX_RUN_DURATION", defaultMaxRunDuration),
			DefaultTestNumber: getEnvString("CAMPAIGND_DEFAULT_TEST_NUMBER", defaultTestNumber),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("CAMPAIGND_BARK_URL", ""),
				Enabled: getEnvBool("CAMPAIGND_BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("CAMPAIGND_STATE_DIR", ""),
		CredentialKey: getEnvString("CAMPAIGND_CREDENTIAL_KEY", ""),
		ShutdownGrace: getEnvDuration("CAMPAIGND_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("campaignd", flag.ContinueOnError)
	var (
		addr, mode, stateDir, logLevel, logFile, executable, script string
		pollInterval, maxDuration, shutdownGrace                    time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database and run directories")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFile, "log-file", "", "Also write the daemon log to this rotated file")
	fs.StringVar(&executable, "rscript", "", "Path of the external client interpreter")
	fs.StringVar(&script, "script", "", "Path of the external client script")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "Interval between scheduled-run poll cycles")
	fs.DurationVar(&maxDuration, "max-run-duration", 0, "Maximum duration of a single external run")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if executable != "" {
		cfg.Runner.Executable = executable
	}
	if script != "" {
		cfg.Runner.Script = script
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "poll-interval":
			cfg.Poller.Interval = pollInterval
		case "max-run-duration":
			cfg.Runner.MaxDuration = maxDuration
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Mode {
	case "http", "mcp", "both":
	default:
		errs = append(errs, fmt.Errorf("mode must be http, mcp or both, got %q", c.Server.Mode))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Runner.MaxDuration <= 0 {
		errs = append(errs, errors.New("max run duration must be positive"))
	}
	if c.Poller.StaleAfter <= c.Runner.MaxDuration {
		errs = append(errs, fmt.Errorf("stale threshold %s must exceed max run duration %s", c.Poller.StaleAfter, c.Runner.MaxDuration))
	}
	if strings.TrimSpace(c.Runner.Executable) == "" {
		errs = append(errs, errors.New("runner executable is required"))
	}
	if strings.TrimSpace(c.Runner.CredentialEnv) == "" {
		errs = append(errs, errors.New("credential env var name is required"))
	}
	if c.Runner.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Runner.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Runner.BatchDelay < 0 {
		errs = append(errs, errors.New("batch delay must not be negative"))
	}
	if c.CredentialKey != "" {
		raw, err := hex.DecodeString(strings.TrimSpace(c.CredentialKey))
		if err != nil || len(raw) != credentialKeyLengthBytes {
			errs = append(errs, fmt.Errorf("credential key must be %d bytes of hex", credentialKeyLengthBytes))
		}
	}
	if c.Notification.Bark.Enabled && strings.TrimSpace(c.Notification.Bark.URL) == "" {
		errs = append(errs, errors.New("bark notifications are enabled but no url is set"))
	}
	return errors.Join(errs...)
}

// UploadsDir is where uploaded media is kept before the client registers it.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.StateDir, "uploads")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "campaignd")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
