package bus

import (
	"context"
	"log"
	"sync"
)

// localBufferSize is the per-subscriber channel depth. A subscriber that
// falls further behind than this starts losing messages rather than
// blocking publishers.
const localBufferSize = 256

// LocalBus is an in-process Bus for single-binary deployments with no
// Redis. Publishers fan out to every subscriber; delivery is best effort
// and nothing is retained for consumers that attach later.
type LocalBus struct {
	logger *log.Logger

	mu         sync.Mutex
	eventSubs  map[int]chan EventMessage
	enrichSubs map[int]chan EnrichmentMessage
	nextSub    int
	dropped    int64
	eventsIn   int64
	enrichIn   int64
}

// NewLocalBus creates a new in-process bus instance
func NewLocalBus(logger *log.Logger) *LocalBus {
	if logger == nil {
		logger = log.New(log.Writer(), "[LocalBus] ", log.LstdFlags)
	}
	return &LocalBus{
		logger:     logger,
		eventSubs:  make(map[int]chan EventMessage),
		enrichSubs: make(map[int]chan EnrichmentMessage),
	}
}

// PublishEvent fans an event out to all event subscribers
func (lb *LocalBus) PublishEvent(ctx context.Context, eventMsg EventMessage) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.eventsIn++
	for _, ch := range lb.eventSubs {
		select {
		case ch <- eventMsg:
		default:
			lb.dropped++
		}
	}
	return nil
}

// PublishEnrichment fans an enrichment out to all enrichment subscribers
func (lb *LocalBus) PublishEnrichment(ctx context.Context, enrichmentMsg EnrichmentMessage) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.enrichIn++
	for _, ch := range lb.enrichSubs {
		select {
		case ch <- enrichmentMsg:
		default:
			lb.dropped++
		}
	}
	return nil
}

// ReadEventsStream delivers published events to handler until ctx ends.
// Group and consumer names are accepted for interface parity but each call
// is its own subscriber; there is no shared-group load balancing.
func (lb *LocalBus) ReadEventsStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, event EventMessage) error) error {
	ch := make(chan EventMessage, localBufferSize)

	lb.mu.Lock()
	id := lb.nextSub
	lb.nextSub++
	lb.eventSubs[id] = ch
	lb.mu.Unlock()

	defer func() {
		lb.mu.Lock()
		delete(lb.eventSubs, id)
		lb.mu.Unlock()
	}()

	lb.logger.Printf("Local events subscriber started (group: %s, consumer: %s)", group, consumer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				lb.logger.Printf("Error processing event %s: %v", msg.EventID, err)
			}
		}
	}
}

// ReadEnrichmentsStream delivers published enrichments to handler until
// ctx ends.
func (lb *LocalBus) ReadEnrichmentsStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, enrichment EnrichmentMessage) error) error {
	ch := make(chan EnrichmentMessage, localBufferSize)

	lb.mu.Lock()
	id := lb.nextSub
	lb.nextSub++
	lb.enrichSubs[id] = ch
	lb.mu.Unlock()

	defer func() {
		lb.mu.Lock()
		delete(lb.enrichSubs, id)
		lb.mu.Unlock()
	}()

	lb.logger.Printf("Local enrichments subscriber started (group: %s, consumer: %s)", group, consumer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				lb.logger.Printf("Error processing enrichment for event %s: %v", msg.EventID, err)
			}
		}
	}
}

// GetStats returns counters for the in-process bus
func (lb *LocalBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return map[string]interface{}{
		"mode":                   "local",
		"events_published":       lb.eventsIn,
		"enrichments_published":  lb.enrichIn,
		"event_subscribers":      len(lb.eventSubs),
		"enrichment_subscribers": len(lb.enrichSubs),
		"messages_dropped":       lb.dropped,
	}, nil
}

// HealthCheck always succeeds for the in-process bus
func (lb *LocalBus) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op; subscriber goroutines end with their contexts
func (lb *LocalBus) Close() error {
	return nil
}
