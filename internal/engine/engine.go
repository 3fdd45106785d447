package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nkkko/msgselect/internal/api"
	"github.com/nkkko/msgselect/internal/config"
	"github.com/nkkko/msgselect/internal/domain"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/internal/notifier"
	"github.com/nkkko/msgselect/internal/queue"
	"github.com/nkkko/msgselect/internal/selector"
	"github.com/nkkko/msgselect/internal/telemetry"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Ensure the API satisfies the engine's view of it
var _ domain.APIEngine = (*api.API)(nil)

// Engine is the main coordinator of all msgselect components: the message
// queue, one selector per configured definition, the selection streams and
// the HTTP API
type Engine struct {
	config    *config.Config
	queue     *queue.MessageQueue
	notifier  *notifier.Notifier
	api       domain.APIEngine
	selectors map[string]*selector.Selector
	names     []string
	cache     *selectionCache

	shutdownOnce sync.Once
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	telemetryFn  func(context.Context) error
}

// CreateEngine builds every component from the configuration. The queue is
// seeded before the selectors are created so their first selection already
// reflects the seed.
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:    cfg,
		queue:     queue.New(),
		notifier:  notifier.NewNotifier(cfg.ToNotifierConfig()),
		selectors: make(map[string]*selector.Selector, len(cfg.Selectors)),
		logger:    log.With().Str("component", "engine").Logger(),
		metrics:   metrics.GetMetrics(),
	}

	if cfg.Queue.SeedFile != "" {
		messages, err := queue.LoadSeedFile(cfg.Queue.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := e.queue.Set(messages); err != nil {
			return nil, fmt.Errorf("failed to seed message queue: %w", err)
		}
		e.logger.Info().Str("file", cfg.Queue.SeedFile).Int("messages", len(messages)).Msg("Message queue seeded")
	}

	cache, err := newSelectionCache(len(cfg.Selectors))
	if err != nil {
		return nil, fmt.Errorf("failed to create selection cache: %w", err)
	}
	e.cache = cache

	for _, sc := range cfg.Selectors {
		e.addSelector(sc)
	}

	e.api = api.New(cfg.ToAPIConfig(), e.queue, e, e.notifier)
	return e, nil
}

// addSelector creates a selector that publishes to its stream hub
func (e *Engine) addSelector(sc config.SelectorConfig) {
	opts := e.config.ToSelectorOptions(sc)
	opts.Publisher = e.notifier.Hub(sc.Name)

	sel := selector.New(e.queue, sc.Filter(), opts, nil)
	e.selectors[sc.Name] = sel
	e.names = append(e.names, sc.Name)

	e.logger.Info().
		Str("selector", sc.Name).
		Int("messages", len(sel.Selection())).
		Msg("Selector registered")
}

// Queue returns the message queue
func (e *Engine) Queue() *queue.MessageQueue {
	return e.queue
}

// Addr returns the address the API listens on, empty until Start binds it
func (e *Engine) Addr() string {
	return e.api.Addr()
}

// Selector returns a selector by name
func (e *Engine) Selector(name string) (*selector.Selector, bool) {
	sel, ok := e.selectors[name]
	return sel, ok
}

// Selectors implements api.SelectionRegistry
func (e *Engine) Selectors() []string {
	return append([]string(nil), e.names...)
}

// Selection implements api.SelectionRegistry
func (e *Engine) Selection(name string) (*proto.Selection, bool) {
	sel, ok := e.selectors[name]
	if !ok {
		return nil, false
	}
	return e.cache.get(name, sel.Snapshot()), true
}

// Start runs the engine until ctx is cancelled or a component fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Int("selectors", len(e.selectors)).Msg("Starting msgselect engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("msgselect engine stopped")
	return nil
}

// Shutdown stops accepting requests, disposes the selectors and tears down
// the queue and the streams. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		err = e.shutdown(ctx)
	})
	return err
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down msgselect engine")
	var errs []error

	// Shut down API server first to stop accepting new connections
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		errs = append(errs, err)
	}

	for _, name := range e.names {
		e.selectors[name].Dispose()
	}

	if err := e.queue.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
		errs = append(errs, err)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
