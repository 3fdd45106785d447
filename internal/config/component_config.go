package config

import (
	"time"

	"github.com/nkkko/msgselect/internal/api"
	"github.com/nkkko/msgselect/internal/logging"
	"github.com/nkkko/msgselect/internal/notifier"
	"github.com/nkkko/msgselect/internal/ratelimit"
	"github.com/nkkko/msgselect/internal/selector"
	"github.com/nkkko/msgselect/internal/telemetry"
	"github.com/nkkko/msgselect/pkg/proto"
)

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		MaxBodySize:    int64(c.Server.MaxBodySize),
		ReadTimeout:    time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(c.Server.IdleTimeout) * time.Second,
		RequestTimeout: time.Duration(c.Server.RequestTimeout) * time.Second,
		MetricsEnabled: c.Metrics.Enabled,
		MetricsPath:    c.Metrics.Endpoint,
	}
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		BufferSize:        c.Notifier.BufferSize,
		MaxConnections:    c.Notifier.MaxConnections,
		HeartbeatInterval: time.Duration(c.Notifier.HeartbeatInterval) * time.Second,
		WriteTimeout:      time.Duration(c.Notifier.WriteTimeoutMs) * time.Millisecond,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = logging.LogFormat(c.Logging.Format)
	cfg.IncludeCaller = c.Logging.IncludeCaller
	if len(c.Logging.GlobalFields) > 0 {
		cfg.GlobalFields = c.Logging.GlobalFields
	}
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.Endpoint != "" {
		cfg.Endpoint = c.Telemetry.Endpoint
	}
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	if len(c.Telemetry.Attributes) > 0 {
		cfg.Attributes = c.Telemetry.Attributes
	}
	return cfg
}

// ToSelectorOptions converts a selector definition to selector options,
// falling back to the selector defaults
func (c *Config) ToSelectorOptions(s SelectorConfig) selector.Options {
	interval := s.MinIntervalMs
	if interval == 0 {
		interval = c.Selector.MinIntervalMs
	}
	policy := s.Policy
	if policy == "" {
		policy = c.Selector.Policy
	}
	parsed, _ := ratelimit.ParsePolicy(policy)

	return selector.Options{
		Name:                 s.Name,
		ProvideGroups:        s.ProvideGroups,
		ProvideSyncRecordIDs: s.ProvideSyncRecordIDs,
		MinInterval:          time.Duration(interval) * time.Millisecond,
		Policy:               parsed,
	}
}

// Filter builds the message filter described by the selector definition
func (s SelectorConfig) Filter() selector.Filter {
	var filters []selector.Filter

	if len(s.Categories) > 0 {
		ids := make([]proto.CategoryIdentifier, len(s.Categories))
		for i, c := range s.Categories {
			ids[i] = proto.CategoryIdentifier(c)
		}
		filters = append(filters, selector.InCategories(ids...))
	}
	if s.Bookmark != "" {
		filters = append(filters, selector.ForBookmark(s.Bookmark))
	}
	if s.UnresolvedOnly {
		filters = append(filters, selector.Unresolved())
	}
	if s.SyncIssuesOnly {
		filters = append(filters, selector.HasSyncIssue())
	}

	return selector.All(filters...)
}
