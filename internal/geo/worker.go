package geo

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/store"
)

// consumerGroup is the shared consumer group on the events stream, so that
// multiple worker processes split the load instead of duplicating lookups.
const consumerGroup = "webtrap-geo"

// Worker consumes captured events from the bus, resolves their source
// address and writes the enrichment back onto the stored event.
type Worker struct {
	store    *store.Store
	bus      bus.Bus
	resolver *Resolver
	consumer string
	logger   *log.Logger
}

// NewWorker creates an enrichment worker. The consumer name distinguishes
// workers within the shared group; empty derives one from the pid.
func NewWorker(s *store.Store, b bus.Bus, resolver *Resolver, consumer string, logger *log.Logger) *Worker {
	if consumer == "" {
		consumer = fmt.Sprintf("geo-%d", os.Getpid())
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[geo-worker] ", log.LstdFlags)
	}
	return &Worker{
		store:    s,
		bus:      b,
		resolver: resolver,
		consumer: consumer,
		logger:   logger,
	}
}

// Run blocks consuming events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Printf("Starting enrichment worker (consumer: %s)", w.consumer)
	return w.bus.ReadEventsStream(ctx, consumerGroup, w.consumer, w.handle)
}

func (w *Worker) handle(ctx context.Context, event bus.EventMessage) error {
	loc := w.resolver.Resolve(ctx, event.ClientIP)

	err := w.store.UpdateEnrichment(ctx, event.EventID, store.Enrichment{
		Country:   loc.Country,
		Region:    loc.Region,
		City:      loc.City,
		ISP:       loc.ISP,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
	if err != nil {
		return fmt.Errorf("failed to store enrichment for event %s: %w", event.EventID, err)
	}

	source := "local"
	if w.resolver.provider != nil && !IsPrivate(event.ClientIP) {
		source = w.resolver.provider.Name()
	}

	err = w.bus.PublishEnrichment(ctx, bus.EnrichmentMessage{
		EventID: event.EventID,
		Source:  source,
		Data: map[string]string{
			"country":   loc.Country,
			"region":    loc.Region,
			"city":      loc.City,
			"isp":       loc.ISP,
			"latitude":  strconv.FormatFloat(loc.Latitude, 'f', 6, 64),
			"longitude": strconv.FormatFloat(loc.Longitude, 'f', 6, 64),
		},
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		w.logger.Printf("Failed to publish enrichment for event %s: %v", event.EventID, err)
	}

	w.logger.Printf("Enriched event %s: %s, %s", event.EventID, loc.City, loc.Country)
	return nil
}
