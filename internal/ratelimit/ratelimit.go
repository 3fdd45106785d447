package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Policy selects when a burst of requests is executed
type Policy string

const (
	// LeadingEdge runs the first request of a quiet period immediately and
	// folds the rest of the burst into one trailing run
	LeadingEdge Policy = "leading"

	// TrailingEdge defers every run by the minimum interval
	TrailingEdge Policy = "trailing"
)

// ParsePolicy converts a config string into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case LeadingEdge, "":
		return LeadingEdge, nil
	case TrailingEdge:
		return TrailingEdge, nil
	default:
		return LeadingEdge, fmt.Errorf("invalid rate limiter policy: %s", s)
	}
}

// Config contains rate limiter configuration
type Config struct {
	// Name is used as the metrics label and in logs
	Name string

	// MinInterval is the minimum time between two executions
	MinInterval time.Duration

	// Policy selects leading or trailing edge execution
	Policy Policy
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		MinInterval: 200 * time.Millisecond,
		Policy:      LeadingEdge,
	}
}

// RateLimiter coalesces bursts of scheduled actions into at most one
// execution per MinInterval. The pending run always executes the most
// recently scheduled action. Executions never overlap.
type RateLimiter struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	action  func()
	lastRun time.Time
	running bool
	pending bool
	timer   *time.Timer
	epoch   uint64
}

// NewRateLimiter creates a leading edge rate limiter with the given minimum interval
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	cfg := DefaultConfig()
	cfg.MinInterval = minInterval
	return New(cfg)
}

// New creates a rate limiter from a configuration
func New(config Config) *RateLimiter {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	if config.Policy == "" {
		config.Policy = DefaultConfig().Policy
	}

	return &RateLimiter{
		config:  config,
		logger:  log.With().Str("component", "ratelimit").Str("limiter", config.Name).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// MinInterval returns the configured minimum interval
func (r *RateLimiter) MinInterval() time.Duration {
	return r.config.MinInterval
}

// Schedule requests an execution of action. A leading edge execution runs
// synchronously on the caller's goroutine; everything else runs on a timer.
func (r *RateLimiter) Schedule(action func()) {
	if action == nil {
		return
	}

	r.mu.Lock()
	r.action = action

	if r.pending {
		r.mu.Unlock()
		r.metrics.RateLimiterCoalescedTotal.WithLabelValues(r.config.Name).Inc()
		return
	}

	now := time.Now()
	if r.config.Policy == LeadingEdge && !r.running && r.quietLocked(now) {
		r.running = true
		r.mu.Unlock()
		r.execute("leading")
		return
	}

	r.pending = true
	if !r.running {
		r.armLocked(now)
	}
	r.mu.Unlock()
}

// CancelPending drops a pending run. An execution already in flight finishes normally.
func (r *RateLimiter) CancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch++
	r.pending = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// quietLocked reports whether MinInterval has passed since the last execution
func (r *RateLimiter) quietLocked(now time.Time) bool {
	return r.lastRun.IsZero() || now.Sub(r.lastRun) >= r.config.MinInterval
}

// armLocked starts the timer for the pending run
func (r *RateLimiter) armLocked(now time.Time) {
	delay := r.config.MinInterval
	if r.config.Policy == LeadingEdge && !r.lastRun.IsZero() {
		delay = r.config.MinInterval - now.Sub(r.lastRun)
		if delay < 0 {
			delay = 0
		}
	}

	epoch := r.epoch
	r.timer = time.AfterFunc(delay, func() {
		r.fire(epoch)
	})
}

// fire runs the pending action unless it was cancelled in the meantime
func (r *RateLimiter) fire(epoch uint64) {
	r.mu.Lock()
	if epoch != r.epoch || !r.pending || r.running {
		r.mu.Unlock()
		return
	}
	r.pending = false
	r.timer = nil
	r.running = true
	r.mu.Unlock()

	r.execute("trailing")
}

// execute runs the latest action and arms a follow-up run for requests that
// arrived while it was executing
func (r *RateLimiter) execute(edge string) {
	r.mu.Lock()
	action := r.action
	r.mu.Unlock()

	start := time.Now()
	action()
	r.metrics.RateLimiterExecutionsTotal.WithLabelValues(r.config.Name, edge).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	r.lastRun = time.Now()
	if r.pending && r.timer == nil {
		r.armLocked(r.lastRun)
	}

	if elapsed := r.lastRun.Sub(start); elapsed > r.config.MinInterval && r.config.MinInterval > 0 {
		r.logger.Warn().
			Dur("elapsed", elapsed).
			Dur("min_interval", r.config.MinInterval).
			Msg("Rate limited action ran longer than its interval")
	}
}
