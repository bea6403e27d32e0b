package quoter

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/quotecache"
	"go.uber.org/zap"
)

const defaultMinRefreshInterval = time.Minute

// QuoteFetcher fetches a live quote.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, base, target string, amount decimal.Decimal) (domain.Quote, error)
}

// Quoter serves FX quotes through the staleness-gated cache.
type Quoter struct {
	client      QuoteFetcher
	cache       *quotecache.Cache
	minInterval time.Duration
	l           *zap.Logger
}

// New creates a quoter. A non-positive minInterval uses the one minute default.
func New(client QuoteFetcher, cache *quotecache.Cache, minInterval time.Duration, l *zap.Logger) *Quoter {
	if minInterval <= 0 {
		minInterval = defaultMinRefreshInterval
	}
	if l == nil {
		l = zap.NewNop()
	}
	if cache == nil {
		cache = quotecache.New(quotecache.WithLogger(l))
	}

	return &Quoter{client: client, cache: cache, minInterval: minInterval, l: l}
}

// Quote returns a quote for converting amount of base into target.
// The cached rate is reused for every amount in the same amount class; the
// target amount is always derived for the requested amount.
func (q *Quoter) Quote(ctx context.Context, base, target string, amount decimal.Decimal) (quotecache.Result, error) {
	base, target = strings.ToUpper(strings.TrimSpace(base)), strings.ToUpper(strings.TrimSpace(target))
	if base == "" || target == "" {
		return quotecache.Result{}, errors.New("base and target currencies are required")
	}
	if amount.IsNegative() {
		return quotecache.Result{}, errors.Errorf("amount must not be negative, got %s", amount)
	}

	key := domain.NewQuoteKey(base, target, amount)
	res, err := q.cache.GetOrRefresh(ctx, key, q.minInterval, func(ctx context.Context) (domain.Quote, error) {
		return q.client.FetchQuote(ctx, base, target, amount)
	})
	if res.Quote.Rate.IsPositive() {
		res.Quote = res.Quote.WithAmount(amount)
	}
	if err != nil {
		q.l.Warn("quote fetch failed",
			zap.String("key", key.String()),
			zap.Bool("stale", res.Stale),
			zap.Error(err))
	}

	return res, err
}

// MinInterval is the refresh interval the quoter enforces.
func (q *Quoter) MinInterval() time.Duration {
	return q.minInterval
}
