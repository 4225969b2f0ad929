package geo

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/store"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestIsPrivate(t *testing.T) {
	assert.True(t, IsPrivate("10.1.2.3"))
	assert.True(t, IsPrivate("172.16.0.1"))
	assert.True(t, IsPrivate("192.168.1.100"))
	assert.True(t, IsPrivate("127.0.0.1"))
	assert.True(t, IsPrivate("::1"))
	assert.False(t, IsPrivate("8.8.8.8"))
	assert.False(t, IsPrivate("not-an-ip"))
}

func TestIPAPIProviderLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/json/1.2.3.4")
		fmt.Fprint(w, `{"status":"success","country":"Germany","regionName":"Berlin",
			"city":"Berlin","isp":"Example AG","lat":52.52,"lon":13.405}`)
	}))
	defer srv.Close()

	p := NewIPAPIProvider(srv.URL, time.Second)
	loc, err := p.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "Germany", loc.Country)
	assert.Equal(t, "Berlin", loc.City)
	assert.Equal(t, 52.52, loc.Latitude)
}

func TestIPAPIProviderFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail"}`)
	}))
	defer srv.Close()

	p := NewIPAPIProvider(srv.URL, time.Second)
	_, err := p.Lookup(context.Background(), "1.2.3.4")
	assert.Error(t, err)
}

func TestIPAPIProviderRejectsInvalidIP(t *testing.T) {
	p := NewIPAPIProvider("http://unused", time.Second)
	_, err := p.Lookup(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestIpapiCoProviderLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/5.6.7.8/json/", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		fmt.Fprint(w, `{"country_name":"France","region":"IDF","city":"Paris",
			"org":"Orange","latitude":48.8566,"longitude":2.3522}`)
	}))
	defer srv.Close()

	p := NewIpapiCoProvider(srv.URL, "secret", time.Second)
	loc, err := p.Lookup(context.Background(), "5.6.7.8")
	require.NoError(t, err)
	assert.Equal(t, "France", loc.Country)
	assert.Equal(t, "Orange", loc.ISP)
}

func TestChainFallsThroughToSecondProvider(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"country_name":"Japan","city":"Tokyo","latitude":35.68,"longitude":139.69}`)
	}))
	defer secondary.Close()

	chain := NewChain(
		NewIPAPIProvider(primary.URL, time.Second),
		NewIpapiCoProvider(secondary.URL, "", time.Second),
	)
	loc, err := chain.Lookup(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "Japan", loc.Country)
}

func TestChainAllProvidersFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	chain := NewChain(NewIPAPIProvider(srv.URL, time.Second))
	_, err := chain.Lookup(context.Background(), "9.9.9.9")
	assert.Error(t, err)
}

func TestResolverPrivateShortcut(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{
		Provider: NewIPAPIProvider(srv.URL, time.Second),
		Logger:   discardLogger(),
	})

	loc := r.Resolve(context.Background(), "192.168.1.50")
	assert.Equal(t, "Private Network", loc.Country)
	assert.Zero(t, atomic.LoadInt32(&calls), "private ranges must not hit the provider")
}

func TestResolverCachesLookups(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"status":"success","country":"Germany","lat":52.52,"lon":13.405}`)
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{
		Provider: NewIPAPIProvider(srv.URL, time.Second),
		Logger:   discardLogger(),
	})

	first := r.Resolve(context.Background(), "1.2.3.4")
	second := r.Resolve(context.Background(), "1.2.3.4")
	assert.Equal(t, "Germany", first.Country)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResolverUnknownSentinelOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{
		Provider: NewIPAPIProvider(srv.URL, time.Second),
		Logger:   discardLogger(),
	})

	loc := r.Resolve(context.Background(), "1.2.3.4")
	assert.Equal(t, "Unknown", loc.Country)
	assert.Zero(t, loc.Latitude)
	assert.Zero(t, loc.Longitude)

	assert.Equal(t, "Unknown", r.Resolve(context.Background(), "").Country)
}

func TestWorkerEnrichesStoredEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","country":"Germany","regionName":"Berlin",
			"city":"Berlin","isp":"Example AG","lat":52.52,"lon":13.405}`)
	}))
	defer srv.Close()

	s, err := store.NewStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lb := bus.NewLocalBus(discardLogger())
	resolver := NewResolver(ResolverOptions{
		Provider: NewIPAPIProvider(srv.URL, time.Second),
		Logger:   discardLogger(),
	})
	w := NewWorker(s, lb, resolver, "test", discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := s.Insert(ctx, &store.Event{ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	enriched := make(chan bus.EnrichmentMessage, 1)
	go func() {
		_ = lb.ReadEnrichmentsStream(ctx, "g", "c", func(ctx context.Context, enr bus.EnrichmentMessage) error {
			enriched <- enr
			return nil
		})
	}()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, _ := lb.GetStats(ctx)
		return stats["event_subscribers"].(int) == 1 && stats["enrichment_subscribers"].(int) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, lb.PublishEvent(ctx, bus.EventMessage{
		EventID:  id,
		ClientIP: "1.2.3.4",
	}))

	select {
	case msg := <-enriched:
		assert.Equal(t, id, msg.EventID)
		assert.Equal(t, "Germany", msg.Data["country"])
		assert.Equal(t, "ip-api.com", msg.Source)
	case <-ctx.Done():
		t.Fatal("timed out waiting for enrichment")
	}

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Germany", got.Country)
	assert.Equal(t, 52.52, got.Latitude)
	assert.True(t, got.Enriched)
}
