package notifier

import (
	"errors"
	"sync"

	"github.com/nkkko/msgselect/internal/domain"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Hub implements domain.SelectionPublisher
var _ domain.SelectionPublisher = (*Hub)(nil)

var (
	// ErrHubClosed is returned when subscribing to a closed hub
	ErrHubClosed = errors.New("selection hub closed")

	// ErrTooManySubscribers is returned when a hub is at capacity
	ErrTooManySubscribers = errors.New("too many stream subscribers")
)

// Hub fans the published selections of one selector out to stream
// subscribers. Sends never block the publisher: a subscriber whose buffer is
// full loses its oldest pending selection so it always ends up with the
// latest one.
type Hub struct {
	name           string
	bufferSize     int
	maxSubscribers int

	mu          sync.RWMutex
	subscribers map[string]chan *proto.Selection
	latest      *proto.Selection
	closed      bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub for the named selector
func NewHub(name string, bufferSize, maxSubscribers int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}

	return &Hub{
		name:           name,
		bufferSize:     bufferSize,
		maxSubscribers: maxSubscribers,
		subscribers:    make(map[string]chan *proto.Selection),
		logger:         log.With().Str("component", "hub").Str("selector", name).Logger(),
		metrics:        metrics.GetMetrics(),
	}
}

// Subscribe adds a subscriber. The latest selection, if any, is queued
// right away.
func (h *Hub) Subscribe(id string) (<-chan *proto.Selection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.maxSubscribers > 0 && len(h.subscribers) >= h.maxSubscribers {
		return nil, ErrTooManySubscribers
	}

	ch := make(chan *proto.Selection, h.bufferSize)
	if h.latest != nil {
		ch <- h.latest
	}
	h.subscribers[id] = ch

	h.logger.Debug().Str("subscriber_id", id).Int("subscribers", len(h.subscribers)).Msg("Subscriber added")
	return ch, nil
}

// Unsubscribe removes a subscriber and closes its channel
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers a selection to every subscriber
func (h *Hub) Publish(selection *proto.Selection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.latest = selection

	for id, ch := range h.subscribers {
		select {
		case ch <- selection:
			h.metrics.NotifierEventsPublished.WithLabelValues(h.name).Inc()
			continue
		default:
		}

		// Full: drop the oldest queued selection. The subscriber may drain
		// concurrently, so neither step blocks.
		select {
		case <-ch:
			h.metrics.NotifierEventsDropped.WithLabelValues(h.name).Inc()
		default:
		}
		select {
		case ch <- selection:
			h.metrics.NotifierEventsPublished.WithLabelValues(h.name).Inc()
		default:
			h.metrics.NotifierEventsDropped.WithLabelValues(h.name).Inc()
			h.logger.Warn().Str("subscriber_id", id).Msg("Subscriber channel is full, dropping selection")
		}
	}
}

// Latest returns the most recently published selection
func (h *Hub) Latest() *proto.Selection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes all subscriber channels. Later publishes are ignored.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	return nil
}
