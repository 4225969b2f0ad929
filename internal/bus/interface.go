package bus

import (
	"context"
	"io"
	"log"
)

// Bus decouples capture from enrichment and live delivery. The decoy
// publishes captured events; the geolocation worker consumes them and
// publishes enrichments; the dashboard consumes both for its live feed.
type Bus interface {
	// PublishEvent publishes a captured event to the events stream
	PublishEvent(ctx context.Context, eventMsg EventMessage) error

	// PublishEnrichment publishes an enrichment to the enrichments stream
	PublishEnrichment(ctx context.Context, enrichmentMsg EnrichmentMessage) error

	// ReadEventsStream reads from the events stream
	ReadEventsStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, event EventMessage) error) error

	// ReadEnrichmentsStream reads from the enrichments stream
	ReadEnrichmentsStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, enrichment EnrichmentMessage) error) error

	// GetStats returns basic statistics about the bus
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// EventMessage is a captured event on the events stream. RawJSON carries
// the full event so consumers do not need store access to act on it.
type EventMessage struct {
	EventID    string `json:"event_id"`
	ClientIP   string `json:"client_ip"`
	AttackType string `json:"attack_type"`
	RawJSON    string `json:"raw_json"`
	Timestamp  int64  `json:"timestamp"`
}

// EnrichmentMessage is a completed geolocation lookup on the enrichments
// stream.
type EnrichmentMessage struct {
	EventID   string            `json:"event_id"`
	Source    string            `json:"source"`
	Data      map[string]string `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

// NewBus creates a bus instance based on the Redis URL. An empty or
// unreachable URL yields an in-process LocalBus so a single-binary
// deployment still gets live delivery.
func NewBus(redisURL string, logger *log.Logger) Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if redisURL == "" {
		return NewLocalBus(logger)
	}

	if redisBus, err := NewRedisBus(redisURL, logger); err == nil {
		return redisBus
	} else {
		logger.Printf("Redis unavailable (%v), falling back to local bus", err)
	}

	return NewLocalBus(logger)
}
