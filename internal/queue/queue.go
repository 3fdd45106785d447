package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nkkko/msgselect/internal/domain"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure MessageQueue implements domain.MessageSource
var _ domain.MessageSource = (*MessageQueue)(nil)

var (
	// ErrMessageNotFound is returned when a message ID is not in the queue
	ErrMessageNotFound = errors.New("message not found")

	// ErrQueueClosed is returned for mutations after Close
	ErrQueueClosed = errors.New("message queue closed")
)

// Subscription is a registered change observer. Cancel is idempotent.
type Subscription struct {
	ID       string
	queue    *MessageQueue
	onChange func()
	once     sync.Once
}

// Cancel stops further notifications
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.queue.unsubscribe(s.ID)
	})
}

// MessageQueue holds the ordered list of messages and notifies observers
// after every mutation. Observers are called on the mutating goroutine,
// never while the queue lock is held.
type MessageQueue struct {
	messages      []*proto.Message
	index         map[proto.MessageID]int
	subscriptions map[string]*Subscription
	closed        bool
	mu            sync.RWMutex
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// New creates an empty message queue
func New() *MessageQueue {
	return &MessageQueue{
		index:         make(map[proto.MessageID]int),
		subscriptions: make(map[string]*Subscription),
		logger:        log.With().Str("component", "queue").Logger(),
		metrics:       metrics.GetMetrics(),
	}
}

// Messages returns a copy of the current message list. The boolean is false
// once the queue has been closed.
func (q *MessageQueue) Messages() ([]*proto.Message, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, false
	}

	out := make([]*proto.Message, len(q.messages))
	copy(out, q.messages)
	return out, true
}

// Get returns a message by ID
func (q *MessageQueue) Get(id proto.MessageID) (*proto.Message, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	i, ok := q.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return q.messages[i], nil
}

// Len returns the number of messages in the queue
func (q *MessageQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.messages)
}

// Subscribe registers onChange. It is invoked once before Subscribe returns
// and again after every mutation until the subscription is cancelled.
func (q *MessageQueue) Subscribe(onChange func()) domain.Subscription {
	sub := &Subscription{
		ID:       generateID(),
		queue:    q,
		onChange: onChange,
	}

	q.mu.Lock()
	q.subscriptions[sub.ID] = sub
	q.mu.Unlock()

	q.metrics.QueueSubscribers.Inc()
	q.logger.Debug().Str("subscription_id", sub.ID).Msg("Subscription added")

	onChange()
	return sub
}

// unsubscribe removes a subscription
func (q *MessageQueue) unsubscribe(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.subscriptions[id]; !ok {
		return
	}
	delete(q.subscriptions, id)
	q.metrics.QueueSubscribers.Dec()
}

// Set replaces the whole message list
func (q *MessageQueue) Set(messages []*proto.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	q.messages = make([]*proto.Message, 0, len(messages))
	q.index = make(map[proto.MessageID]int, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		if i, dup := q.index[m.Id]; dup {
			// Later entries win but keep the first position
			q.messages[i] = m
			continue
		}
		q.index[m.Id] = len(q.messages)
		q.messages = append(q.messages, m)
	}
	q.mu.Unlock()

	q.changed("set")
	return nil
}

// Add appends messages. Messages whose ID is already present replace the
// existing entry in place.
func (q *MessageQueue) Add(messages ...*proto.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	for _, m := range messages {
		if m == nil {
			continue
		}
		if i, ok := q.index[m.Id]; ok {
			q.messages[i] = m
			continue
		}
		q.index[m.Id] = len(q.messages)
		q.messages = append(q.messages, m)
	}
	q.mu.Unlock()

	q.changed("add")
	return nil
}

// Remove deletes messages by ID. Unknown IDs are ignored.
func (q *MessageQueue) Remove(ids ...proto.MessageID) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	drop := make(map[proto.MessageID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := make([]*proto.Message, 0, len(q.messages))
	for _, m := range q.messages {
		if _, ok := drop[m.Id]; !ok {
			kept = append(kept, m)
		}
	}
	q.messages = kept
	q.reindexLocked()
	q.mu.Unlock()

	q.changed("remove")
	return nil
}

// Resolve marks a message as resolved. The stored message is replaced by a
// resolved copy so lists handed out earlier never change underneath readers.
func (q *MessageQueue) Resolve(id proto.MessageID) (*proto.Message, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	i, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	resolved := q.messages[i].Clone()
	resolved.Resolved = true
	q.messages[i] = resolved
	q.mu.Unlock()

	q.changed("resolve")
	return resolved, nil
}

// Notify fires a change notification without touching the list
func (q *MessageQueue) Notify() {
	q.changed("notify")
}

// Close tears the queue down. Observers get one last notification and then
// see an absent message list.
func (q *MessageQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.messages = nil
	q.index = make(map[proto.MessageID]int)
	q.mu.Unlock()

	q.logger.Info().Msg("Message queue closed")
	q.changed("close")

	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.subscriptions {
		delete(q.subscriptions, id)
		q.metrics.QueueSubscribers.Dec()
	}
	return nil
}

// reindexLocked rebuilds the ID index after positions shifted
func (q *MessageQueue) reindexLocked() {
	q.index = make(map[proto.MessageID]int, len(q.messages))
	for i, m := range q.messages {
		q.index[m.Id] = i
	}
}

// changed notifies a snapshot of the current observers
func (q *MessageQueue) changed(operation string) {
	q.mu.RLock()
	size := len(q.messages)
	observers := make([]func(), 0, len(q.subscriptions))
	for _, sub := range q.subscriptions {
		observers = append(observers, sub.onChange)
	}
	q.mu.RUnlock()

	q.metrics.QueueMutationsTotal.WithLabelValues(operation).Inc()
	q.metrics.QueueSize.Set(float64(size))

	q.logger.Debug().
		Str("operation", operation).
		Int("messages", size).
		Int("observers", len(observers)).
		Msg("Queue changed")

	for _, onChange := range observers {
		onChange()
	}
}

// Variable for generating unique subscription IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
