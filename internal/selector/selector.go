package selector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/msgselect/internal/domain"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/internal/ratelimit"
	"github.com/nkkko/msgselect/internal/telemetry"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ChangeHandler receives the views of every published selection. groups is
// nil unless groups were requested, syncRecordIDs is nil unless record IDs
// were requested and at least one was found. The values must be treated as
// read-only.
type ChangeHandler func(selection []*proto.Message, groups []*proto.MessageGroup, syncRecordIDs map[proto.SyncRecordID]struct{})

// Options configures a Selector
type Options struct {
	// Name labels logs, metrics and spans
	Name string

	// ProvideGroups enables the per-category grouping view
	ProvideGroups bool

	// ProvideSyncRecordIDs enables the deduplicated sync record ID view
	ProvideSyncRecordIDs bool

	// MinInterval bounds how often recomputations run. Zero uses the rate limiter default.
	MinInterval time.Duration

	// Policy selects leading or trailing edge recomputation
	Policy ratelimit.Policy

	// Debouncer overrides the rate limiter built from MinInterval and Policy
	Debouncer domain.Debouncer

	// Publisher, if set, receives the wire form of every published snapshot
	// after the handler returns
	Publisher domain.SelectionPublisher
}

// Snapshot is one published state of a selector. Snapshots are never
// modified after they are published.
type Snapshot struct {
	Selection     []*proto.Message
	Groups        []*proto.MessageGroup
	SyncRecordIDs map[proto.SyncRecordID]struct{}
	Generation    uint64
}

// ToProto converts the snapshot into its wire form
func (s *Snapshot) ToProto(name string) *proto.Selection {
	out := &proto.Selection{
		Name:       name,
		Generation: s.Generation,
		Messages:   s.Selection,
		Groups:     s.Groups,
		Unresolved: CountUnresolved(s.Selection),
	}
	if out.Messages == nil {
		out.Messages = []*proto.Message{}
	}
	if len(s.SyncRecordIDs) > 0 {
		out.SyncRecordIds = make([]proto.SyncRecordID, 0, len(s.SyncRecordIDs))
		for id := range s.SyncRecordIDs {
			out.SyncRecordIds = append(out.SyncRecordIds, id)
		}
		sort.Slice(out.SyncRecordIds, func(i, j int) bool { return out.SyncRecordIds[i] < out.SyncRecordIds[j] })
	}
	return out
}

// Selector keeps a filtered view of a MessageSource up to date and reports
// changes of that view to a handler
type Selector struct {
	name      string
	source    domain.MessageSource
	filter    Filter
	opts      Options
	handler   ChangeHandler
	debouncer domain.Debouncer
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	snapshot atomic.Pointer[Snapshot]
	disposed atomic.Bool

	// runMu serializes recomputations and guards the fields below
	runMu            sync.Mutex
	lastPublishedIDs []proto.MessageID
	published        bool

	subMu        sync.Mutex
	subscription domain.Subscription
}

// New creates a selector over source. A nil filter selects every message.
// The current contents of source are selected before New returns.
func New(source domain.MessageSource, filter Filter, opts Options, handler ChangeHandler) *Selector {
	if filter == nil {
		filter = All()
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	s := &Selector{
		name:    opts.Name,
		source:  source,
		filter:  filter,
		opts:    opts,
		handler: handler,
		logger:  log.With().Str("component", "selector").Str("selector", opts.Name).Logger(),
		metrics: metrics.GetMetrics(),
	}

	s.debouncer = opts.Debouncer
	if s.debouncer == nil {
		cfg := ratelimit.DefaultConfig()
		cfg.Name = opts.Name
		if opts.MinInterval > 0 {
			cfg.MinInterval = opts.MinInterval
		}
		if opts.Policy != "" {
			cfg.Policy = opts.Policy
		}
		s.debouncer = ratelimit.New(cfg)
	}

	s.metrics.SelectorsActive.Inc()
	s.recompute()

	// The subscription fires once right away. With the state just computed
	// that run is a suppressed no-op.
	sub := source.Subscribe(s.sourceChanged)

	s.subMu.Lock()
	s.subscription = sub
	s.subMu.Unlock()

	if s.disposed.Load() {
		sub.Cancel()
	}

	event := s.logger.Debug().
		Bool("groups", opts.ProvideGroups).
		Bool("sync_record_ids", opts.ProvideSyncRecordIDs)
	if limiter, ok := s.debouncer.(*ratelimit.RateLimiter); ok {
		event = event.Dur("min_interval", limiter.MinInterval())
	}
	event.Msg("Selector created")

	return s
}

// Name returns the selector name
func (s *Selector) Name() string {
	return s.name
}

// Snapshot returns the last published state
func (s *Selector) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Selection returns the last published selection
func (s *Selector) Selection() []*proto.Message {
	return s.snapshot.Load().Selection
}

// Groups returns the last published grouping, nil when groups were not requested
func (s *Selector) Groups() []*proto.MessageGroup {
	return s.snapshot.Load().Groups
}

// SyncRecordIDs returns the last published set of sync record IDs
func (s *Selector) SyncRecordIDs() map[proto.SyncRecordID]struct{} {
	return s.snapshot.Load().SyncRecordIDs
}

// Dispose stops observing the source and drops any pending recomputation.
// The handler is not called again once Dispose returns, except by a run that
// was already invoking it. Dispose may be called from the handler itself.
func (s *Selector) Dispose() {
	if s.disposed.Swap(true) {
		return
	}

	s.debouncer.CancelPending()

	s.subMu.Lock()
	sub := s.subscription
	s.subMu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	s.metrics.SelectorsActive.Dec()
	s.logger.Debug().Msg("Selector disposed")
}

// sourceChanged is the source observer
func (s *Selector) sourceChanged() {
	if s.disposed.Load() {
		return
	}
	s.debouncer.Schedule(s.recompute)
}

// recompute selects from the live source state and publishes the result if
// the ordered identifier sequence changed
func (s *Selector) recompute() {
	if s.disposed.Load() {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, span := telemetry.StartSpan(context.Background(), "selector.recompute",
		attribute.String("selector", s.name))
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.SelectorRecomputeDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	}()
	s.metrics.SelectorRecomputeTotal.WithLabelValues(s.name).Inc()

	messages, ok := s.source.Messages()

	var selection []*proto.Message
	if ok {
		selection = make([]*proto.Message, 0, len(messages))
		for _, m := range messages {
			if m != nil && s.filter(m) {
				selection = append(selection, m)
			}
		}
	}

	ids := identifiers(selection)
	if s.published && sameSequence(s.lastPublishedIDs, ids) {
		s.metrics.SelectorSuppressedTotal.WithLabelValues(s.name).Inc()
		telemetry.AddSpanAttributes(ctx, attribute.Bool("changed", false))
		telemetry.AddSpanEvent(ctx, "selection.suppressed", attribute.Int("selection.size", len(ids)))
		return
	}

	next := &Snapshot{Selection: selection}
	if prev := s.snapshot.Load(); prev != nil {
		next.Generation = prev.Generation + 1
	}
	if ok {
		if s.opts.ProvideGroups {
			next.Groups = groupByCategory(selection)
		}
		if s.opts.ProvideSyncRecordIDs {
			next.SyncRecordIDs = collectSyncRecordIDs(selection)
		}
	} else {
		s.logger.Debug().Msg("Source has no message list, resetting selection")
	}

	// Disposed while selecting: the last published state stays visible
	if s.disposed.Load() {
		return
	}

	s.snapshot.Store(next)
	s.lastPublishedIDs = ids
	s.published = true

	s.metrics.SelectorSelectionSize.WithLabelValues(s.name).Set(float64(len(selection)))
	telemetry.AddSpanAttributes(ctx,
		attribute.Bool("changed", true),
		attribute.Int("selection.size", len(selection)),
		attribute.Int64("generation", int64(next.Generation)),
	)

	s.metrics.SelectorPublishTotal.WithLabelValues(s.name).Inc()
	s.logger.Debug().
		Int("messages", len(selection)).
		Uint64("generation", next.Generation).
		Msg("Publishing selection")

	if s.handler != nil {
		s.handler(next.Selection, next.Groups, next.SyncRecordIDs)
	}
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(next.ToProto(s.name))
	}
}

func identifiers(messages []*proto.Message) []proto.MessageID {
	ids := make([]proto.MessageID, len(messages))
	for i, m := range messages {
		ids[i] = m.Id
	}
	return ids
}

// sameSequence compares by length and position, so a reordering is a change
func sameSequence(a, b []proto.MessageID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// groupByCategory groups messages by category in first-seen order. Messages
// without a category are left out.
func groupByCategory(messages []*proto.Message) []*proto.MessageGroup {
	groups := make([]*proto.MessageGroup, 0)
	byCategory := make(map[proto.CategoryIdentifier]*proto.MessageGroup)

	for _, m := range messages {
		if !m.HasCategory() {
			continue
		}
		group, ok := byCategory[m.CategoryId]
		if !ok {
			group = &proto.MessageGroup{CategoryId: m.CategoryId}
			byCategory[m.CategoryId] = group
			groups = append(groups, group)
		}
		group.Messages = append(group.Messages, m)
	}
	return groups
}

// collectSyncRecordIDs returns the distinct sync record IDs, or nil if there are none
func collectSyncRecordIDs(messages []*proto.Message) map[proto.SyncRecordID]struct{} {
	var ids map[proto.SyncRecordID]struct{}
	for _, m := range messages {
		id, ok := m.SyncRecordID()
		if !ok {
			continue
		}
		if ids == nil {
			ids = make(map[proto.SyncRecordID]struct{})
		}
		ids[id] = struct{}{}
	}
	return ids
}
