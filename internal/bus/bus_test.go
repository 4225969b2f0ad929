package bus

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewBusFallsBackToLocal(t *testing.T) {
	b := NewBus("", discardLogger())
	_, ok := b.(*LocalBus)
	assert.True(t, ok, "empty URL should yield a local bus")

	b = NewBus("redis://127.0.0.1:1/0", discardLogger())
	_, ok = b.(*LocalBus)
	assert.True(t, ok, "unreachable Redis should yield a local bus")
}

func TestRedisBusPublishAndRead(t *testing.T) {
	mr := miniredis.RunT(t)

	rb, err := NewRedisBus("redis://"+mr.Addr(), discardLogger())
	require.NoError(t, err)
	defer rb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = rb.PublishEvent(ctx, EventMessage{
		EventID:    "ev-1",
		ClientIP:   "203.0.113.7",
		AttackType: "sql_injection",
		RawJSON:    `{"id":"ev-1"}`,
		Timestamp:  1717236000,
	})
	require.NoError(t, err)

	received := make(chan EventMessage, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	go func() {
		_ = rb.ReadEventsStream(readCtx, "test-group", "c1", func(ctx context.Context, event EventMessage) error {
			received <- event
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, "ev-1", got.EventID)
		assert.Equal(t, "203.0.113.7", got.ClientIP)
		assert.Equal(t, "sql_injection", got.AttackType)
		assert.Equal(t, int64(1717236000), got.Timestamp)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	stopRead()
}

func TestRedisBusEnrichmentRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	rb, err := NewRedisBus("redis://"+mr.Addr(), discardLogger())
	require.NoError(t, err)
	defer rb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = rb.PublishEnrichment(ctx, EnrichmentMessage{
		EventID:   "ev-2",
		Source:    "ip-api.com",
		Data:      map[string]string{"country": "Germany", "city": "Berlin"},
		Timestamp: 1717236000,
	})
	require.NoError(t, err)

	received := make(chan EnrichmentMessage, 1)
	go func() {
		_ = rb.ReadEnrichmentsStream(ctx, "test-group", "c1", func(ctx context.Context, enr EnrichmentMessage) error {
			received <- enr
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, "ev-2", got.EventID)
		assert.Equal(t, "ip-api.com", got.Source)
		assert.Equal(t, "Germany", got.Data["country"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for enrichment")
	}
}

func TestRedisBusConsumerGroupIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)

	rb, err := NewRedisBus("redis://"+mr.Addr(), discardLogger())
	require.NoError(t, err)
	defer rb.Close()

	ctx := context.Background()
	require.NoError(t, rb.CreateConsumerGroup(ctx, eventsStream, "g1"))
	require.NoError(t, rb.CreateConsumerGroup(ctx, eventsStream, "g1"))
}

func TestLocalBusFanOut(t *testing.T) {
	lb := NewLocalBus(discardLogger())
	defer lb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recv1 := make(chan EventMessage, 1)
	recv2 := make(chan EventMessage, 1)
	for _, ch := range []chan EventMessage{recv1, recv2} {
		ch := ch
		go func() {
			_ = lb.ReadEventsStream(ctx, "g", "c", func(ctx context.Context, event EventMessage) error {
				ch <- event
				return nil
			})
		}()
	}

	// Give both subscribers a moment to register.
	require.Eventually(t, func() bool {
		stats, err := lb.GetStats(ctx)
		require.NoError(t, err)
		return stats["event_subscribers"].(int) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, lb.PublishEvent(ctx, EventMessage{EventID: "ev-3"}))

	for _, ch := range []chan EventMessage{recv1, recv2} {
		select {
		case got := <-ch:
			assert.Equal(t, "ev-3", got.EventID)
		case <-ctx.Done():
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestLocalBusDropsWhenSubscriberFull(t *testing.T) {
	lb := NewLocalBus(discardLogger())
	defer lb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A subscriber that never drains: publishing past the buffer must not
	// block, only drop.
	go func() {
		_ = lb.ReadEventsStream(ctx, "g", "slow", func(ctx context.Context, event EventMessage) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	require.Eventually(t, func() bool {
		stats, _ := lb.GetStats(ctx)
		return stats["event_subscribers"].(int) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < localBufferSize+10; i++ {
		require.NoError(t, lb.PublishEvent(ctx, EventMessage{EventID: "flood"}))
	}

	stats, err := lb.GetStats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats["messages_dropped"].(int64), int64(0))
}

func TestLocalBusHealthAndStats(t *testing.T) {
	lb := NewLocalBus(nil)
	assert.NoError(t, lb.HealthCheck(context.Background()))

	stats, err := lb.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", stats["mode"])
}
