package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/notifier"
	"fleetstat/internal/registry"
)

const (
	DefaultEnvPrefix = "FLEETSTAT_"
	MaxPort          = 65535

	DefaultHTTPAddr  = "0.0.0.0:8080"
	DefaultHostsFile = "config.yaml"
	DefaultStatsFile = "stats.json"
	DefaultQueueSize = 512

	// MinInterval is the floor for the offline, notify and group GC windows
	MinInterval = 30 * time.Second

	DefaultSaveInterval = 60 * time.Second
	DefaultTickInterval = 500 * time.Millisecond

	DefaultAuthMaxFailures   = 10
	DefaultAuthBlockDuration = 10 * time.Minute
)

// Config represents the collector configuration
type Config struct {
	// Network configuration
	HTTPAddr string

	// Files
	HostsFile string
	StatsFile string

	// Engine tunables
	OfflineThreshold time.Duration
	NotifyInterval   time.Duration
	GroupGC          time.Duration
	SaveInterval     time.Duration
	TickInterval     time.Duration
	QueueSize        int

	// MinAgentVersion flags reports from older client agents; empty disables the check
	MinAgentVersion string

	// Admin credentials for the full snapshot
	AdminUser string
	AdminPass string

	// Report auth failures per address before it is refused for AuthBlockDuration
	AuthMaxFailures   int
	AuthBlockDuration time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Loaded from HostsFile
	Hosts  []registry.HostConfig
	Groups []registry.HostGroup
	Notify notifier.Config
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := ValidateListenAddr(c.HTTPAddr); err != nil {
		return fmt.Errorf("invalid HTTP address: %w", err)
	}
	if c.StatsFile == "" {
		return fmt.Errorf("stats file is required")
	}
	if c.OfflineThreshold < MinInterval {
		return fmt.Errorf("offline threshold must be at least %s", MinInterval)
	}
	if c.NotifyInterval < MinInterval {
		return fmt.Errorf("notify interval must be at least %s", MinInterval)
	}
	if c.GroupGC < MinInterval {
		return fmt.Errorf("group gc window must be at least %s", MinInterval)
	}
	if c.SaveInterval <= 0 {
		return fmt.Errorf("save interval must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.AuthMaxFailures <= 0 {
		return fmt.Errorf("auth max failures must be positive")
	}
	if c.AuthBlockDuration <= 0 {
		return fmt.Errorf("auth block duration must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host without a name")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host %q", h.Name)
		}
		seen[h.Name] = true
	}
	gids := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.Gid == "" {
			return fmt.Errorf("group without a gid")
		}
		if gids[g.Gid] {
			return fmt.Errorf("duplicate group %q", g.Gid)
		}
		gids[g.Gid] = true
	}

	return nil
}

// Load loads configuration from the environment and the hosts file
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()

	return FromLoader(loader)
}

// FromLoader builds a configuration from an already populated loader
func FromLoader(loader *EnvLoader) (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.HTTPAddr, err = loader.GetStringValidated("HTTP_ADDR", DefaultHTTPAddr, ValidateNotEmpty, ValidateListenAddr); err != nil {
		return nil, err
	}
	if cfg.StatsFile, err = loader.GetStringValidated("STATS_FILE", DefaultStatsFile, ValidateNotEmpty); err != nil {
		return nil, err
	}
	cfg.HostsFile = loader.GetString("HOSTS_FILE", DefaultHostsFile)
	cfg.MinAgentVersion = loader.GetString("MIN_AGENT_VERSION", "")
	cfg.AdminUser = loader.GetString("ADMIN_USER", "admin")
	cfg.AdminPass = loader.GetString("ADMIN_PASS", "")
	cfg.LogLevel = loader.GetString("LOG_LEVEL", "info")
	cfg.LogJSON = loader.GetBool("LOG_JSON", false)

	if cfg.OfflineThreshold, err = loader.GetDurationAtLeast("OFFLINE_THRESHOLD", MinInterval, MinInterval); err != nil {
		return nil, fmt.Errorf("invalid offline threshold: %w", err)
	}
	if cfg.NotifyInterval, err = loader.GetDurationAtLeast("NOTIFY_INTERVAL", MinInterval, MinInterval); err != nil {
		return nil, fmt.Errorf("invalid notify interval: %w", err)
	}
	if cfg.GroupGC, err = loader.GetDurationAtLeast("GROUP_GC", MinInterval, MinInterval); err != nil {
		return nil, fmt.Errorf("invalid group gc window: %w", err)
	}
	if cfg.SaveInterval, err = loader.GetDuration("SAVE_INTERVAL", DefaultSaveInterval); err != nil {
		return nil, fmt.Errorf("invalid save interval: %w", err)
	}
	if cfg.TickInterval, err = loader.GetDuration("TICK_INTERVAL", DefaultTickInterval); err != nil {
		return nil, fmt.Errorf("invalid tick interval: %w", err)
	}
	if cfg.QueueSize, err = loader.GetInt("QUEUE_SIZE", DefaultQueueSize); err != nil {
		return nil, fmt.Errorf("invalid queue size: %w", err)
	}
	if cfg.AuthMaxFailures, err = loader.GetInt("AUTH_MAX_FAILURES", DefaultAuthMaxFailures); err != nil {
		return nil, fmt.Errorf("invalid auth max failures: %w", err)
	}
	if cfg.AuthBlockDuration, err = loader.GetDuration("AUTH_BLOCK_DURATION", DefaultAuthBlockDuration); err != nil {
		return nil, fmt.Errorf("invalid auth block duration: %w", err)
	}

	if cfg.HostsFile != "" {
		hf, err := LoadHostsFile(cfg.HostsFile)
		if err != nil {
			return nil, err
		}
		cfg.Hosts = hf.HostConfigs()
		cfg.Groups = hf.HostGroups()
		cfg.Notify = hf.Notify
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ConfigureLogger applies the level and format settings to logger
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if c.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
