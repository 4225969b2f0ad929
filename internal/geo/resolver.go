package geo

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Resolver answers every query. Private ranges are handled locally, public
// addresses go through the cache and then the provider chain, and any
// failure comes back as the Unknown sentinel rather than an error.
type Resolver struct {
	provider Provider
	logger   *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
	maxN  int
}

type cacheEntry struct {
	loc    *Location
	expiry time.Time
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Provider  Provider
	CacheTTL  time.Duration
	CacheSize int
	Logger    *log.Logger
}

// NewResolver creates a resolver over the given provider.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 6 * time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[geo] ", log.LstdFlags)
	}
	return &Resolver{
		provider: opts.Provider,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		ttl:      opts.CacheTTL,
		maxN:     opts.CacheSize,
	}
}

// Resolve returns the location for ip. It never fails; an unresolvable
// address yields the Unknown sentinel.
func (r *Resolver) Resolve(ctx context.Context, ip string) *Location {
	if ip == "" {
		return Unknown(ip)
	}
	if IsPrivate(ip) {
		return Private(ip)
	}

	if loc := r.getCached(ip); loc != nil {
		return loc
	}

	if r.provider == nil {
		return Unknown(ip)
	}

	loc, err := r.provider.Lookup(ctx, ip)
	if err != nil {
		r.logger.Printf("Lookup failed for %s: %v", ip, err)
		return Unknown(ip)
	}

	r.setCached(ip, loc)
	return loc
}

func (r *Resolver) getCached(ip string) *Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.cache[ip]; ok {
		if time.Now().Before(ent.expiry) {
			return ent.loc
		}
		delete(r.cache, ip)
	}
	return nil
}

func (r *Resolver) setCached(ip string, loc *Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// evict an arbitrary entry when over size
	if len(r.cache) >= r.maxN {
		for k := range r.cache {
			delete(r.cache, k)
			break
		}
	}
	r.cache[ip] = cacheEntry{loc: loc, expiry: time.Now().Add(r.ttl)}
}
