package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	EventLog       EventLogConfig       `koanf:"event_log"`
	IgnorePatterns IgnorePatternsConfig `koanf:"ignore_patterns"`
	Correlation    CorrelationConfig    `koanf:"correlation"`
	ThreatIntel    ThreatIntelConfig    `koanf:"threat_intel"`
	Mitre          MitreConfig          `koanf:"mitre"`
	Yara           YaraConfig           `koanf:"yara"`
	Broadcast      BroadcastConfig      `koanf:"broadcast"`
	Retention      RetentionConfig      `koanf:"retention"`
	BookmarkDir    string               `koanf:"bookmark_dir"`
	StateDir       string               `koanf:"state_dir"`
}

type ServerConfig struct {
	Address         string        `koanf:"address"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	EnableCORS      bool          `koanf:"enable_cors"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsDir   string        `koanf:"migrations_dir"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// EventLogConfig drives the channel watchers and the ingest pipeline.
type EventLogConfig struct {
	Enabled                     bool            `koanf:"enabled"`
	CollectorCommand            []string        `koanf:"collector_command"`
	Channels                    []ChannelConfig `koanf:"channels"`
	ConsumerConcurrency         int             `koanf:"consumer_concurrency" validate:"gte=1"`
	DefaultMaxQueue             int             `koanf:"default_max_queue" validate:"gte=1"`
	ImmediateDashboardBroadcast bool            `koanf:"immediate_dashboard_broadcast"`
	BookmarkFlushInterval       time.Duration   `koanf:"bookmark_flush_interval"`
	ShutdownGrace               time.Duration   `koanf:"shutdown_grace"`
	RetryAttempts               int             `koanf:"retry_attempts" validate:"gte=0"`
}

type ChannelConfig struct {
	Name        string `koanf:"name" validate:"required"`
	XPathFilter string `koanf:"xpath_filter"`
	Enabled     bool   `koanf:"enabled"`
	MaxQueue    int    `koanf:"max_queue"`
}

type IgnorePatternsConfig struct {
	Enabled                bool            `koanf:"enabled"`
	SequenceTimeWindowSecs int             `koanf:"sequence_time_window_seconds" validate:"gte=1"`
	MaxRecentEvents        int             `koanf:"max_recent_events" validate:"gte=1"`
	FilterAllLocalEvents   bool            `koanf:"filter_all_local_events"`
	LocalMachines          []string        `koanf:"local_machines"`
	Patterns               []PatternConfig `koanf:"patterns"`
}

// PatternConfig is the serialized form of a sequential ignore pattern.
type PatternConfig struct {
	Reason                    string       `koanf:"reason"`
	IgnoreAllEventsInSequence bool         `koanf:"ignore_all_events_in_sequence"`
	Steps                     []StepConfig `koanf:"steps" validate:"min=1"`
}

type StepConfig struct {
	EventType            string   `koanf:"event_type"`
	SourceMachines       []string `koanf:"source_machines"`
	AccountNames         []string `koanf:"account_names"`
	LogonTypes           []int    `koanf:"logon_types"`
	SourceIPs            []string `koanf:"source_ips"`
	MitreTechniques      []string `koanf:"mitre_techniques"`
	RequireAllTechniques bool     `koanf:"require_all_techniques"`
}

type CorrelationConfig struct {
	AttackChainWindow      time.Duration `koanf:"attack_chain_window"`
	LateralWindow          time.Duration `koanf:"lateral_window"`
	EscalationWindow       time.Duration `koanf:"escalation_window"`
	BurstWindow            time.Duration `koanf:"burst_window"`
	BurstThreshold         int           `koanf:"burst_threshold" validate:"gte=2"`
	MLScoreThreshold       float64       `koanf:"ml_score_threshold" validate:"gte=0,lte=1"`
	MaxTrackedEventsPerKey int           `koanf:"max_tracked_events_per_key" validate:"gte=1"`
}

type ThreatIntelConfig struct {
	CacheEnabled            bool          `koanf:"cache_enabled"`
	DefaultCacheExpiryHours int           `koanf:"default_cache_expiry_hours" validate:"gte=1"`
	MaxCacheSize            int           `koanf:"max_cache_size" validate:"gte=1"`
	RequestTimeout          time.Duration `koanf:"request_timeout"`
	RetryAttempts           int           `koanf:"retry_attempts" validate:"gte=0"`
}

type MitreConfig struct {
	RefreshIntervalDays int    `koanf:"refresh_interval_days" validate:"gte=1"`
	AutoImportOnStartup bool   `koanf:"auto_import_on_startup"`
	DatasetURL          string `koanf:"dataset_url"`
}

type YaraConfig struct {
	AutoUpdateEnabled  bool     `koanf:"auto_update_enabled"`
	UpdateIntervalDays int      `koanf:"update_interval_days" validate:"gte=1"`
	UpdateCommand      []string `koanf:"update_command"`
}

type BroadcastConfig struct {
	MaxClients         int           `koanf:"max_clients"`
	BufferSize         int           `koanf:"buffer_size"`
	ClientBufferSize   int           `koanf:"client_buffer_size"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	PingInterval       time.Duration `koanf:"ping_interval"`
	RateLimitPerSecond int           `koanf:"rate_limit_per_second"`
}

type RetentionConfig struct {
	WindowHours   int           `koanf:"window_hours" validate:"gte=1"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Load reads configuration from defaults, an optional YAML file, and
// CASTELLAN_-prefixed environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // websocket connections stay open
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableCORS:      true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "migrations",
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		EventLog: EventLogConfig{
			Enabled: true,
			Channels: []ChannelConfig{
				{Name: "Security", XPathFilter: "*", Enabled: true, MaxQueue: 4096},
				{Name: "Microsoft-Windows-PowerShell/Operational", XPathFilter: "*", Enabled: true, MaxQueue: 2048},
				{Name: "Microsoft-Windows-Sysmon/Operational", XPathFilter: "*", Enabled: true, MaxQueue: 4096},
			},
			ConsumerConcurrency:         4,
			DefaultMaxQueue:             4096,
			ImmediateDashboardBroadcast: true,
			BookmarkFlushInterval:       30 * time.Second,
			ShutdownGrace:               10 * time.Second,
			RetryAttempts:               3,
		},
		IgnorePatterns: IgnorePatternsConfig{
			Enabled:                false,
			SequenceTimeWindowSecs: 30,
			MaxRecentEvents:        100,
		},
		Correlation: CorrelationConfig{
			AttackChainWindow:      15 * time.Minute,
			LateralWindow:          10 * time.Minute,
			EscalationWindow:       5 * time.Minute,
			BurstWindow:            60 * time.Second,
			BurstThreshold:         10,
			MLScoreThreshold:       0.8,
			MaxTrackedEventsPerKey: 256,
		},
		ThreatIntel: ThreatIntelConfig{
			CacheEnabled:            true,
			DefaultCacheExpiryHours: 1,
			MaxCacheSize:            10000,
			RequestTimeout:          30 * time.Second,
			RetryAttempts:           3,
		},
		Mitre: MitreConfig{
			RefreshIntervalDays: 30,
			AutoImportOnStartup: true,
		},
		Yara: YaraConfig{
			AutoUpdateEnabled:  false,
			UpdateIntervalDays: 7,
		},
		Broadcast: BroadcastConfig{
			MaxClients:         500,
			BufferSize:         4096,
			ClientBufferSize:   256,
			WriteTimeout:       10 * time.Second,
			PingInterval:       30 * time.Second,
			RateLimitPerSecond: 100,
		},
		Retention: RetentionConfig{
			WindowHours:   24,
			SweepInterval: time.Hour,
		},
		BookmarkDir: "data/bookmarks",
		StateDir:    "data",
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else {
		// Optional default location.
		_ = k.Load(file.Provider("configs/castellan.yaml"), yaml.Parser())
	}

	if err := k.Load(env.Provider("CASTELLAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CASTELLAN_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// MaxQueueFor returns the queue capacity for a channel, falling back to the
// global default when the channel does not set its own.
func (c *EventLogConfig) MaxQueueFor(channel string) int {
	for _, ch := range c.Channels {
		if strings.EqualFold(ch.Name, channel) && ch.MaxQueue > 0 {
			return ch.MaxQueue
		}
	}
	return c.DefaultMaxQueue
}

// QueueCapacity returns the shared ingest queue capacity: the largest
// per-channel limit across enabled channels, never below the global default.
func (c *EventLogConfig) QueueCapacity() int {
	capacity := c.DefaultMaxQueue
	for _, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		if mq := c.MaxQueueFor(ch.Name); mq > capacity {
			capacity = mq
		}
	}
	return capacity
}
