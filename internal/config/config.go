package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Controller ControllerConfig `koanf:"controller"`
	Node       NodeConfig       `koanf:"node"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ControllerConfig struct {
	HealthCheckInterval   time.Duration `koanf:"health_check_interval"`
	HealthCheckTimeout    time.Duration `koanf:"health_check_timeout"`
	PurgeInterval         time.Duration `koanf:"purge_interval"`
	NodeStaleness         time.Duration `koanf:"node_staleness"`
	RetryInterval         time.Duration `koanf:"retry_interval"`
	SessionRequestTimeout time.Duration `koanf:"session_request_timeout"`
	QueueMaxSize          int           `koanf:"queue_max_size"`
	NewSessionThreads     int           `koanf:"new_session_threads"`
	RejectUnsupported     bool          `koanf:"reject_unsupported"`
}

type NodeConfig struct {
	URI                string        `koanf:"uri"`
	MaxSessions        int           `koanf:"max_sessions"`
	SessionTimeout     time.Duration `koanf:"session_timeout"`
	HeartbeatPeriod    time.Duration `koanf:"heartbeat_period"`
	DrainAfterSessions int           `koanf:"drain_after_sessions"`
	ManagedDownloads   bool          `koanf:"managed_downloads"`
	ScratchDir         string        `koanf:"scratch_dir"`
	Slots              []SlotConfig  `koanf:"slots"`
}

// SlotConfig declares one session slot in config: the stereotype it
// advertises and the driver binary behind it.
type SlotConfig struct {
	Stereotype map[string]any `koanf:"stereotype"`
	Driver     DriverConfig   `koanf:"driver"`
	// Count expands this entry into that many identical slots.
	Count int `koanf:"count"`
}

type DriverConfig struct {
	Binary     string        `koanf:"binary"`
	Args       []string      `koanf:"args"`
	ReadyGrace time.Duration `koanf:"ready_grace"`
	BaseURI    string        `koanf:"base_uri"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults
	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	// 2. Load TOML config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// 3. Load env vars: OF_NODE_MAX_SESSIONS -> node.max_sessions
	// Only set env vars that have non-empty values to avoid overriding TOML config.
	if err := k.Load(env.ProviderWithValue("OF_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "OF_")),
			"_", ".", -1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Derive the node URI from the hostname if not configured
	if cfg.Node.URI == "" {
		hostname, _ := os.Hostname()
		cfg.Node.URI = "http://" + hostname + ":5555"
	}

	for i := range cfg.Node.Slots {
		if cfg.Node.Slots[i].Count <= 0 {
			cfg.Node.Slots[i].Count = 1
		}
	}

	return &cfg, nil
}
