package selector

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/internal/queue"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncDebouncer runs every scheduled action inline and counts calls
type syncDebouncer struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
}

func (d *syncDebouncer) Schedule(action func()) {
	d.mu.Lock()
	d.scheduled++
	d.mu.Unlock()
	action()
}

func (d *syncDebouncer) CancelPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled++
}

// heldDebouncer keeps the latest action until the test runs it
type heldDebouncer struct {
	mu        sync.Mutex
	action    func()
	cancelled int
}

func (d *heldDebouncer) Schedule(action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.action = action
}

func (d *heldDebouncer) CancelPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.action = nil
	d.cancelled++
}

func (d *heldDebouncer) take() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	action := d.action
	d.action = nil
	return action
}

type publication struct {
	selection []*proto.Message
	groups    []*proto.MessageGroup
	recordIDs map[proto.SyncRecordID]struct{}
}

// handlerRecorder records every handler invocation
type handlerRecorder struct {
	mu    sync.Mutex
	calls []publication
}

func (r *handlerRecorder) handle(selection []*proto.Message, groups []*proto.MessageGroup, recordIDs map[proto.SyncRecordID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, publication{selection, groups, recordIDs})
}

func (r *handlerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *handlerRecorder) last() publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func message(id string, category proto.CategoryIdentifier) *proto.Message {
	return &proto.Message{Id: proto.MessageID(id), CategoryId: category}
}

func withRecord(m *proto.Message, record proto.SyncRecordID) *proto.Message {
	m.SyncIssue = &proto.SyncIssue{RecordID: record}
	return m
}

func idsOf(messages []*proto.Message) []proto.MessageID {
	return identifiers(messages)
}

func TestInitialSelectionIsSynchronous(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{
		message("1", "a"),
		message("2", "b"),
		message("3", "a"),
	}))

	rec := &handlerRecorder{}
	sel := New(q, InCategories("a"), Options{Name: "initial", Debouncer: &syncDebouncer{}}, rec.handle)
	defer sel.Dispose()

	assert.Equal(t, []proto.MessageID{"1", "3"}, idsOf(sel.Selection()))
	assert.Equal(t, 1, rec.count())
	assert.Nil(t, sel.Groups(), "groups were not requested")
	assert.Nil(t, sel.SyncRecordIDs(), "record ids were not requested")
}

func TestEmptySourcePublishesOnce(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}

	sel := New(q, nil, Options{Name: "empty", Debouncer: &syncDebouncer{}}, rec.handle)
	defer sel.Dispose()

	require.Equal(t, 1, rec.count())
	assert.NotNil(t, rec.last().selection)
	assert.Empty(t, rec.last().selection)

	// Zero matches is the same state as an empty source
	sel2 := New(q, InCategories("none"), Options{Name: "empty-filtered", Debouncer: &syncDebouncer{}}, nil)
	defer sel2.Dispose()
	require.NoError(t, q.Add(message("1", "a")))

	assert.Empty(t, sel2.Selection())
	assert.Equal(t, uint64(0), sel2.Snapshot().Generation)
}

func TestNoOpNotificationIsSuppressed(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{
		withRecord(message("1", "a"), 10),
		message("2", "b"),
	}))

	rec := &handlerRecorder{}
	deb := &syncDebouncer{}
	sel := New(q, Unresolved(), Options{
		Name:                 "noop",
		ProvideGroups:        true,
		ProvideSyncRecordIDs: true,
		Debouncer:            deb,
	}, rec.handle)
	defer sel.Dispose()

	before := sel.Snapshot()
	suppressed := metrics.GetMetrics().SelectorSuppressedTotal.WithLabelValues("noop")
	suppressedBefore := testutil.ToFloat64(suppressed)

	q.Notify()

	// A message the filter rejects does not change the selection either
	resolved := message("3", "a")
	resolved.Resolved = true
	require.NoError(t, q.Add(resolved))

	assert.Equal(t, 1, rec.count())
	assert.Same(t, before, sel.Snapshot())
	assert.Equal(t, suppressedBefore+2, testutil.ToFloat64(suppressed))
	assert.GreaterOrEqual(t, deb.scheduled, 3)
}

func TestReorderIsPublished(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{message("1", "a"), message("2", "a")}))

	rec := &handlerRecorder{}
	sel := New(q, nil, Options{Name: "reorder", Debouncer: &syncDebouncer{}}, rec.handle)
	defer sel.Dispose()

	require.NoError(t, q.Set([]*proto.Message{message("2", "a"), message("1", "a")}))

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, []proto.MessageID{"2", "1"}, idsOf(rec.last().selection))
	assert.Equal(t, uint64(1), sel.Snapshot().Generation)
}

func TestGroupsKeepFirstSeenOrder(t *testing.T) {
	q := queue.New()
	msg1 := message("msg1", "A")
	msg2 := message("msg2", "B")
	msg3 := message("msg3", "A")
	msg4 := message("msg4", "C")
	uncategorized := message("msg5", "")
	require.NoError(t, q.Set([]*proto.Message{msg1, msg2, msg3, uncategorized, msg4}))

	rec := &handlerRecorder{}
	sel := New(q, nil, Options{Name: "groups", ProvideGroups: true, Debouncer: &syncDebouncer{}}, rec.handle)
	defer sel.Dispose()

	groups := sel.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, proto.CategoryIdentifier("A"), groups[0].CategoryId)
	assert.Equal(t, proto.CategoryIdentifier("B"), groups[1].CategoryId)
	assert.Equal(t, proto.CategoryIdentifier("C"), groups[2].CategoryId)
	assert.Equal(t, []*proto.Message{msg1, msg3}, groups[0].Messages)

	// Uncategorized messages stay in the selection but form no group
	assert.Len(t, sel.Selection(), 5)
	for _, g := range groups {
		assert.NotContains(t, g.Messages, uncategorized)
	}
}

func TestGroupsEmptyWhenNothingCategorized(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{message("1", "")}))

	sel := New(q, nil, Options{Name: "groups-empty", ProvideGroups: true, Debouncer: &syncDebouncer{}}, nil)
	defer sel.Dispose()

	assert.NotNil(t, sel.Groups())
	assert.Empty(t, sel.Groups())
}

func TestSyncRecordIDsAreDeduplicated(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{
		withRecord(message("1", "a"), 1),
		withRecord(message("2", "a"), 1),
		withRecord(message("3", "b"), 2),
		message("4", "b"),
	}))

	sel := New(q, nil, Options{Name: "records", ProvideSyncRecordIDs: true, Debouncer: &syncDebouncer{}}, nil)
	defer sel.Dispose()

	assert.Equal(t, map[proto.SyncRecordID]struct{}{1: {}, 2: {}}, sel.SyncRecordIDs())

	// None left means no set at all
	require.NoError(t, q.Set([]*proto.Message{message("4", "b")}))
	assert.Nil(t, sel.SyncRecordIDs())
}

func TestClosedSourceResetsViews(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{withRecord(message("1", "a"), 3)}))

	rec := &handlerRecorder{}
	sel := New(q, nil, Options{
		Name:                 "closed",
		ProvideGroups:        true,
		ProvideSyncRecordIDs: true,
		Debouncer:            &syncDebouncer{},
	}, rec.handle)
	defer sel.Dispose()
	require.NotEmpty(t, sel.Groups())

	require.NoError(t, q.Close())

	require.Equal(t, 2, rec.count())
	assert.Empty(t, sel.Selection())
	assert.Nil(t, sel.Groups())
	assert.Nil(t, sel.SyncRecordIDs())
}

func TestClosedEmptySourceIsNotRepublished(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}
	sel := New(q, nil, Options{Name: "closed-empty", Debouncer: &syncDebouncer{}}, rec.handle)
	defer sel.Dispose()

	require.NoError(t, q.Close())
	assert.Equal(t, 1, rec.count())
}

func TestDisposeStopsCallbacks(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}
	deb := &syncDebouncer{}
	sel := New(q, nil, Options{Name: "dispose", Debouncer: deb}, rec.handle)

	sel.Dispose()
	sel.Dispose()

	require.NoError(t, q.Add(message("1", "a")))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, deb.cancelled)
}

func TestDisposeDropsPendingRun(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}
	deb := &heldDebouncer{}
	sel := New(q, nil, Options{Name: "dispose-pending", Debouncer: deb}, rec.handle)

	require.NoError(t, q.Add(message("1", "a")))
	pending := deb.take()
	require.NotNil(t, pending)

	require.NoError(t, q.Add(message("2", "a")))
	sel.Dispose()
	assert.Nil(t, deb.take(), "dispose must cancel the pending run")

	// A run that escaped the cancel still does nothing
	pending()
	assert.Equal(t, 1, rec.count())
}

func TestDisposeWithRealLimiter(t *testing.T) {
	interval := 100 * time.Millisecond
	q := queue.New()
	rec := &handlerRecorder{}
	sel := New(q, nil, Options{Name: "dispose-limiter", MinInterval: interval}, rec.handle)

	// The subscription used the leading edge, so this one is deferred
	require.NoError(t, q.Add(message("1", "a")))
	sel.Dispose()

	assert.Never(t, func() bool { return rec.count() > 1 }, 3*interval, 10*time.Millisecond)
	assert.Empty(t, sel.Selection())
}

func TestDisposeFromHandler(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}

	var sel *Selector
	sel = New(q, nil, Options{Name: "dispose-handler", Debouncer: &syncDebouncer{}},
		func(selection []*proto.Message, groups []*proto.MessageGroup, ids map[proto.SyncRecordID]struct{}) {
			rec.handle(selection, groups, ids)
			if rec.count() == 2 {
				sel.Dispose()
			}
		})

	require.NoError(t, q.Add(message("1", "a")))
	require.NoError(t, q.Add(message("2", "a")))

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, []proto.MessageID{"1"}, idsOf(sel.Selection()))
}

func TestDisposeDuringSelectionKeepsSnapshot(t *testing.T) {
	q := queue.New()
	rec := &handlerRecorder{}

	var sel *Selector
	var armed atomic.Bool
	filter := func(m *proto.Message) bool {
		if armed.Load() {
			sel.Dispose()
		}
		return true
	}
	sel = New(q, filter, Options{Name: "dispose-filter", Debouncer: &syncDebouncer{}}, rec.handle)
	before := sel.Snapshot()

	armed.Store(true)
	require.NoError(t, q.Add(message("1", "a")))

	assert.Equal(t, 1, rec.count())
	assert.Same(t, before, sel.Snapshot())
	assert.Empty(t, sel.Selection())
}

func TestSuppressedRunRecordsSpanEvent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer func() {
		otel.SetTracerProvider(previous)
		provider.Shutdown(context.Background())
	}()

	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{message("1", "a")}))
	sel := New(q, nil, Options{Name: "suppressed-span", Debouncer: &syncDebouncer{}}, nil)
	defer sel.Dispose()

	exporter.Reset()
	q.Notify()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "selector.recompute", spans[0].Name)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "selection.suppressed", spans[0].Events[0].Name)
	assert.Contains(t, spans[0].Events[0].Attributes, attribute.Int("selection.size", 1))
}

func TestCreationLogsMinInterval(t *testing.T) {
	previous := log.Logger
	previousLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	}()

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	sel := New(queue.New(), nil, Options{Name: "interval-log", MinInterval: 25 * time.Millisecond}, nil)
	sel.Dispose()

	assert.Contains(t, buf.String(), `"min_interval":25`)
	assert.Contains(t, buf.String(), "Selector created")
}

func TestBurstIsCoalesced(t *testing.T) {
	interval := 200 * time.Millisecond
	name := "coalesce"
	recomputes := metrics.GetMetrics().SelectorRecomputeTotal.WithLabelValues(name)

	q := queue.New()
	rec := &handlerRecorder{}
	sel := New(q, nil, Options{Name: name, MinInterval: interval}, rec.handle)
	defer sel.Dispose()

	// Let the leading edge used by the subscription expire
	time.Sleep(interval + 50*time.Millisecond)
	before := testutil.ToFloat64(recomputes)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Add(message(fmt.Sprintf("m%d", i), "a")))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*interval+time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return rec.count() > 3 }, 2*interval, 20*time.Millisecond)

	assert.Equal(t, before+2, testutil.ToFloat64(recomputes))
	assert.Equal(t, []proto.MessageID{"m1", "m2", "m3", "m4", "m5"}, idsOf(sel.Selection()))
}

func TestConcurrentMutations(t *testing.T) {
	q := queue.New()
	sel := New(q, nil, Options{Name: "concurrent", MinInterval: 5 * time.Millisecond}, nil)
	defer sel.Dispose()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Add(message(fmt.Sprintf("m%d", i), "a"))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sel.Selection()) == 50 }, time.Second, 5*time.Millisecond)
}

func TestSnapshotToProto(t *testing.T) {
	resolved := withRecord(message("2", "a"), 9)
	resolved.Resolved = true
	snap := &Snapshot{
		Selection:     []*proto.Message{withRecord(message("1", "a"), 4), resolved},
		SyncRecordIDs: map[proto.SyncRecordID]struct{}{9: {}, 4: {}},
		Generation:    7,
	}

	wire := snap.ToProto("badge")
	assert.Equal(t, "badge", wire.Name)
	assert.Equal(t, uint64(7), wire.Generation)
	assert.Equal(t, []proto.SyncRecordID{4, 9}, wire.SyncRecordIds)
	assert.Equal(t, 1, wire.Unresolved)

	empty := (&Snapshot{}).ToProto("empty")
	assert.NotNil(t, empty.Messages)
	assert.Nil(t, empty.SyncRecordIds)
}

type selectionSink struct {
	mu         sync.Mutex
	selections []*proto.Selection
}

func (s *selectionSink) Publish(selection *proto.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections = append(s.selections, selection)
}

func TestPublisherReceivesWireSelections(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Set([]*proto.Message{message("1", "a")}))

	sink := &selectionSink{}
	sel := New(q, nil, Options{Name: "wire", Debouncer: &syncDebouncer{}, Publisher: sink}, nil)
	defer sel.Dispose()

	require.NoError(t, q.Add(message("2", "b")))
	q.Notify()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.selections, 2, "the no-op notification is not published")
	assert.Equal(t, uint64(0), sink.selections[0].Generation)
	assert.Equal(t, uint64(1), sink.selections[1].Generation)
	assert.Equal(t, "wire", sink.selections[1].Name)
	assert.Len(t, sink.selections[1].Messages, 2)
}
