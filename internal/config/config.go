package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/msgselect/internal/ratelimit"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Selector  SelectorDefaults `yaml:"selector"`
	Selectors []SelectorConfig `yaml:"selectors"`
	Queue     QueueConfig      `yaml:"queue"`
	Notifier  NotifierConfig   `yaml:"notifier"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxBodySize    int    `yaml:"max_body_size"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// SelectorDefaults apply to every selector that does not override them
type SelectorDefaults struct {
	MinIntervalMs int    `yaml:"min_interval_ms"`
	Policy        string `yaml:"policy"`
}

// SelectorConfig describes one named selector
type SelectorConfig struct {
	Name                 string   `yaml:"name"`
	Categories           []string `yaml:"categories"`
	Bookmark             string   `yaml:"bookmark"`
	UnresolvedOnly       bool     `yaml:"unresolved_only"`
	SyncIssuesOnly       bool     `yaml:"sync_issues_only"`
	ProvideGroups        bool     `yaml:"provide_groups"`
	ProvideSyncRecordIDs bool     `yaml:"provide_sync_record_ids"`
	MinIntervalMs        int      `yaml:"min_interval_ms"`
	Policy               string   `yaml:"policy"`
}

// QueueConfig contains message queue settings
type QueueConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// NotifierConfig contains selection stream settings
type NotifierConfig struct {
	BufferSize        int `yaml:"buffer_size"`
	MaxConnections    int `yaml:"max_connections"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	WriteTimeoutMs    int `yaml:"write_timeout_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults. The two
// default selectors feed the unresolved badge and the activity view.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxBodySize:    1048576, // 1MB
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
		},
		Selector: SelectorDefaults{
			MinIntervalMs: 200,
			Policy:        string(ratelimit.LeadingEdge),
		},
		Selectors: []SelectorConfig{
			{
				Name:           "badge",
				UnresolvedOnly: true,
			},
			{
				Name:                 "activity",
				ProvideGroups:        true,
				ProvideSyncRecordIDs: true,
			},
		},
		Notifier: NotifierConfig{
			BufferSize:        16,
			MaxConnections:    1000,
			HeartbeatInterval: 15,
			WriteTimeoutMs:    5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "msgselect",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, serverAddr string, logLevel string, seedFile string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags have the highest priority
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if seedFile != "" {
		config.Queue.SeedFile = seedFile
	}

	if config.Queue.SeedFile != "" {
		abs, err := filepath.Abs(config.Queue.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for seed file: %w", err)
		}
		config.Queue.SeedFile = abs
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the selector definitions
func (c *Config) Validate() error {
	if c.Selector.MinIntervalMs < 0 {
		return fmt.Errorf("selector.min_interval_ms must not be negative")
	}
	if _, err := ratelimit.ParsePolicy(c.Selector.Policy); err != nil {
		return fmt.Errorf("selector.policy: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Selectors))
	for i, s := range c.Selectors {
		if s.Name == "" {
			return fmt.Errorf("selectors[%d]: name is required", i)
		}
		if strings.ContainsAny(s.Name, "/ ") {
			return fmt.Errorf("selectors[%d]: name %q must not contain slashes or spaces", i, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("selectors[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.MinIntervalMs < 0 {
			return fmt.Errorf("selectors[%d]: min_interval_ms must not be negative", i)
		}
		if _, err := ratelimit.ParsePolicy(s.Policy); err != nil {
			return fmt.Errorf("selectors[%d]: %w", i, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("MSGSELECT_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	if interval := os.Getenv("MSGSELECT_SELECTOR_MIN_INTERVAL_MS"); interval != "" {
		if val, err := strconv.Atoi(interval); err == nil {
			config.Selector.MinIntervalMs = val
		}
	}
	if policy := os.Getenv("MSGSELECT_SELECTOR_POLICY"); policy != "" {
		config.Selector.Policy = policy
	}

	if seed := os.Getenv("MSGSELECT_QUEUE_SEED_FILE"); seed != "" {
		config.Queue.SeedFile = seed
	}

	if level := os.Getenv("MSGSELECT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("MSGSELECT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("MSGSELECT_TELEMETRY_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Telemetry.Enabled = val
		}
	}
	if endpoint := os.Getenv("MSGSELECT_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
	}
}
