package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	var counter int64
	generateID = func() string {
		return fmt.Sprintf("test-subscription-id-%d", atomic.AddInt64(&counter, 1))
	}
}

func msg(id string) *proto.Message {
	return &proto.Message{Id: proto.MessageID(id)}
}

func ids(messages []*proto.Message) []proto.MessageID {
	out := make([]proto.MessageID, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Id)
	}
	return out
}

func TestSubscribeFiresImmediately(t *testing.T) {
	q := New()
	var calls int32

	sub := q.Subscribe(func() { atomic.AddInt32(&calls, 1) })
	defer sub.Cancel()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, q.Add(msg("a")))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCancelIsIdempotent(t *testing.T) {
	q := New()
	var calls int32

	sub := q.Subscribe(func() { atomic.AddInt32(&calls, 1) })
	sub.Cancel()
	sub.Cancel()

	require.NoError(t, q.Add(msg("a")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	q.mu.RLock()
	defer q.mu.RUnlock()
	assert.Empty(t, q.subscriptions)
}

func TestMutationsKeepOrder(t *testing.T) {
	q := New()

	require.NoError(t, q.Set([]*proto.Message{msg("a"), msg("b"), msg("c")}))
	require.NoError(t, q.Add(msg("d")))
	require.NoError(t, q.Remove("b", "unknown"))

	messages, ok := q.Messages()
	require.True(t, ok)
	assert.Equal(t, []proto.MessageID{"a", "c", "d"}, ids(messages))

	// Index follows the shifted positions
	got, err := q.Get("d")
	require.NoError(t, err)
	assert.Equal(t, proto.MessageID("d"), got.Id)
}

func TestSetCollapsesDuplicateIDs(t *testing.T) {
	q := New()
	first := &proto.Message{Id: "a", Title: "first"}
	second := &proto.Message{Id: "a", Title: "second"}

	require.NoError(t, q.Set([]*proto.Message{first, msg("b"), second}))

	messages, _ := q.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "second", messages[0].Title)
	assert.Equal(t, proto.MessageID("b"), messages[1].Id)
}

func TestMessagesReturnsCopy(t *testing.T) {
	q := New()
	require.NoError(t, q.Set([]*proto.Message{msg("a"), msg("b")}))

	messages, _ := q.Messages()
	messages[0] = msg("z")

	again, _ := q.Messages()
	assert.Equal(t, proto.MessageID("a"), again[0].Id)
}

func TestResolveIsCopyOnWrite(t *testing.T) {
	q := New()
	original := &proto.Message{Id: "a", SyncIssue: &proto.SyncIssue{RecordID: 7}}
	require.NoError(t, q.Set([]*proto.Message{original}))

	resolved, err := q.Resolve("a")
	require.NoError(t, err)

	assert.True(t, resolved.Resolved)
	assert.False(t, original.Resolved, "earlier readers must not see the change")
	assert.NotSame(t, original.SyncIssue, resolved.SyncIssue)

	_, err = q.Resolve("missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestNotifyWithoutMutation(t *testing.T) {
	q := New()
	var calls int32
	sub := q.Subscribe(func() { atomic.AddInt32(&calls, 1) })
	defer sub.Cancel()

	q.Notify()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCloseReportsAbsentList(t *testing.T) {
	q := New()
	require.NoError(t, q.Set([]*proto.Message{msg("a")}))

	var sawAbsent bool
	q.Subscribe(func() {
		if _, ok := q.Messages(); !ok {
			sawAbsent = true
		}
	})

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.True(t, sawAbsent)

	messages, ok := q.Messages()
	assert.False(t, ok)
	assert.Nil(t, messages)

	assert.ErrorIs(t, q.Add(msg("b")), ErrQueueClosed)
	assert.ErrorIs(t, q.Set(nil), ErrQueueClosed)
	assert.ErrorIs(t, q.Remove("a"), ErrQueueClosed)
}

func TestObserverMayReenterQueue(t *testing.T) {
	q := New()
	var seen []int

	q.Subscribe(func() {
		// Observers run outside the lock
		seen = append(seen, q.Len())
	})

	require.NoError(t, q.Add(msg("a")))
	assert.Equal(t, []int{0, 1}, seen)
}

func TestConcurrentMutations(t *testing.T) {
	q := New()
	var calls int64
	sub := q.Subscribe(func() { atomic.AddInt64(&calls, 1) })
	defer sub.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Add(msg(fmt.Sprintf("m-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, q.Len())
	assert.Equal(t, int64(21), atomic.LoadInt64(&calls))
}
