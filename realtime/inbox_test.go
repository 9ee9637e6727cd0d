package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	bodies []string
}

func (r *recorder) handler() Handler {
	return HandleRaw(func(ctx Ctx, payload []byte) error {
		r.mu.Lock()
		r.topics = append(r.topics, ctx.Topic())
		r.bodies = append(r.bodies, string(payload))
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...), append([]string(nil), r.bodies...)
}

func newRecordingDispatcher(t *testing.T, filter string) (*Dispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := NewRegistry(nil)
	mustRegister(t, reg, filter, rec.handler())
	return NewDispatcher(reg), rec
}

func TestInboxDispatchesInArrivalOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, rec := newRecordingDispatcher(t, "seq/+")
	inbox := NewInbox(d, InboxConfig{QueueSize: 8, Workers: 1})
	ctx := context.Background()
	require.NoError(t, inbox.Start(ctx))

	var want []string
	for i := 0; i < 100; i++ {
		topic := fmt.Sprintf("seq/%d", i)
		want = append(want, topic)
		inbox.Deliver(topic, []byte("x"))
	}
	require.NoError(t, inbox.Stop(ctx))

	topics, _ := rec.snapshot()
	assert.Equal(t, want, topics)
}

func TestInboxCopiesPayload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, rec := newRecordingDispatcher(t, "copy")
	inbox := NewInbox(d, InboxConfig{})

	buf := []byte("original")
	inbox.Deliver("copy", buf)
	copy(buf, "mutated!")

	require.NoError(t, inbox.Start(context.Background()))
	require.NoError(t, inbox.Stop(context.Background()))

	_, bodies := rec.snapshot()
	assert.Equal(t, []string{"original"}, bodies)
}

func TestInboxDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil)
	require.NoError(t, err)

	d, rec := newRecordingDispatcher(t, "full")
	inbox := NewInbox(d, InboxConfig{QueueSize: 1, DropWhenFull: true}, WithInboxMetrics(m))
	ctx := context.Background()

	require.NoError(t, inbox.Enqueue(ctx, "full", []byte("1")))
	require.ErrorIs(t, inbox.Enqueue(ctx, "full", []byte("2")), ErrInboxFull)
	assert.Equal(t, 1, inbox.Len())

	// Stopping an inbox that never started still drains it.
	require.NoError(t, inbox.Stop(ctx))
	_, bodies := rec.snapshot()
	assert.Equal(t, []string{"1"}, bodies)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(1), sumCounter(t, rm, MetricInboxDropped))
}

func TestInboxStopReleasesBlockedSender(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, _ := newRecordingDispatcher(t, "block")
	inbox := NewInbox(d, InboxConfig{QueueSize: 1})
	ctx := context.Background()
	require.NoError(t, inbox.Enqueue(ctx, "block", []byte("1")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- inbox.Enqueue(ctx, "block", []byte("2"))
	}()

	select {
	case err := <-errCh:
		t.Fatalf("enqueue should block on a full queue, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, inbox.Stop(ctx))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInboxStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released")
	}
}

func TestInboxRejectsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, _ := newRecordingDispatcher(t, "x")
	inbox := NewInbox(d, InboxConfig{Workers: 3})
	ctx := context.Background()
	require.NoError(t, inbox.Start(ctx))
	require.NoError(t, inbox.Start(ctx))
	require.NoError(t, inbox.Stop(ctx))
	require.NoError(t, inbox.Stop(ctx))

	assert.ErrorIs(t, inbox.Enqueue(ctx, "x", nil), ErrInboxStopped)
	assert.ErrorIs(t, inbox.Start(ctx), ErrInboxStopped)
}

func TestInboxRateLimitedWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, rec := newRecordingDispatcher(t, "rate/#")
	inbox := NewInbox(d, InboxConfig{Workers: 2, RateLimit: 1000, RateBurst: 5})
	ctx := context.Background()
	require.NoError(t, inbox.Start(ctx))

	for i := 0; i < 20; i++ {
		require.NoError(t, inbox.Enqueue(ctx, fmt.Sprintf("rate/%d", i), nil))
	}
	require.NoError(t, inbox.Stop(ctx))

	topics, _ := rec.snapshot()
	assert.Len(t, topics, 20)
}

func TestInboxStopWithExpiredContextDiscardsQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	reg := NewRegistry(nil)
	mustRegister(t, reg, "slow", HandleRaw(func(Ctx, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	inbox := NewInbox(NewDispatcher(reg), InboxConfig{QueueSize: 64, Workers: 1}, WithInboxMetrics(m))
	require.NoError(t, inbox.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, inbox.Enqueue(context.Background(), "slow", nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = inbox.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	atStop := count()
	time.Sleep(200 * time.Millisecond)
	// Only the dispatch already running when Stop gave up may finish.
	assert.LessOrEqual(t, count(), atStop+1)
	assert.Less(t, count(), 50)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(50-count()), sumCounter(t, rm, MetricInboxDropped))
}
