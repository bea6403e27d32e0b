package quotecache

import (
	"context"
	"sync"
	"time"

	"github.com/vadiminshakov/settle/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fetch outcomes reported to the recorder.
const (
	OutcomeHit     = "hit"
	OutcomeRefresh = "refresh"
	OutcomeStale   = "stale"
	OutcomeError   = "error"
)

// Fetcher obtains a fresh quote.
type Fetcher func(ctx context.Context) (domain.Quote, error)

type recorder interface {
	QuoteRequest(outcome string)
}

// Result is what GetOrRefresh hands back.
type Result struct {
	Quote domain.Quote
	// Stale is set when a refresh failed and the previous quote is returned instead.
	Stale bool
	// Cached is set when the quote was served without calling the fetcher.
	Cached    bool
	FetchedAt time.Time
}

type entry struct {
	quote     domain.Quote
	fetchedAt time.Time
}

type flight struct {
	entry
	reused bool
}

// Cache keeps the last successful quote per key and refuses to refresh it
// more often than the caller's minimum interval. Concurrent refreshes of the
// same key share one fetch.
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.QuoteKey]entry
	group   singleflight.Group

	now     func() time.Time
	l       *zap.Logger
	metrics recorder
}

// Option defines a function to configure the Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// WithRecorder reports every request outcome.
func WithRecorder(r recorder) Option {
	return func(c *Cache) {
		c.metrics = r
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[domain.QuoteKey]entry),
		now:     time.Now,
		l:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetOrRefresh returns the cached quote for key while it is younger than minInterval,
// otherwise it fetches a new one. When the fetch fails and an older quote exists,
// that quote is returned with Stale set together with the error; the entry is left untouched.
func (c *Cache) GetOrRefresh(ctx context.Context, key domain.QuoteKey, minInterval time.Duration, fetch Fetcher) (Result, error) {
	c.mu.RLock()
	prev, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.now().Sub(prev.fetchedAt) < minInterval {
		c.record(OutcomeHit)
		return Result{Quote: prev.quote, Cached: true, FetchedAt: prev.fetchedAt}, nil
	}

	// the shared fetch must outlive a single caller that gives up early
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// a flight that finished after the check above may have refreshed the entry
		c.mu.RLock()
		cur, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Sub(cur.fetchedAt) < minInterval {
			return flight{entry: cur, reused: true}, nil
		}

		q, err := fetch(shared)
		if err != nil {
			return nil, err
		}

		fresh := entry{quote: q, fetchedAt: c.now()}

		c.mu.Lock()
		c.entries[key] = fresh
		c.mu.Unlock()

		return flight{entry: fresh}, nil
	})

	select {
	case <-ctx.Done():
		return c.fallback(key, prev, ok, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return c.fallback(key, prev, ok, res.Err)
		}

		f := res.Val.(flight)
		if f.reused {
			c.record(OutcomeHit)
			return Result{Quote: f.quote, Cached: true, FetchedAt: f.fetchedAt}, nil
		}
		c.record(OutcomeRefresh)

		return Result{Quote: f.quote, FetchedAt: f.fetchedAt}, nil
	}
}

func (c *Cache) fallback(key domain.QuoteKey, prev entry, ok bool, err error) (Result, error) {
	if !ok {
		c.record(OutcomeError)
		return Result{}, err
	}

	c.record(OutcomeStale)
	c.l.Warn("quote refresh failed, serving previous quote",
		zap.String("key", key.String()),
		zap.Time("fetched_at", prev.fetchedAt),
		zap.Error(err))

	return Result{Quote: prev.quote, Stale: true, FetchedAt: prev.fetchedAt}, err
}

func (c *Cache) record(outcome string) {
	if c.metrics != nil {
		c.metrics.QuoteRequest(outcome)
	}
}
