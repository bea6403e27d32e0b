package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vadiminshakov/settle/config"
	"github.com/vadiminshakov/settle/internal/clients"
	"github.com/vadiminshakov/settle/internal/metrics"
	"github.com/vadiminshakov/settle/internal/services/ledger"
	"github.com/vadiminshakov/settle/internal/services/poller"
	"github.com/vadiminshakov/settle/internal/services/quotecache"
	"github.com/vadiminshakov/settle/internal/services/quoter"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"github.com/vadiminshakov/settle/pkg/backoff"
	"go.uber.org/zap"
)

// app holds the services shared by the commands.
type app struct {
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	funding   *clients.FundingClient
	quoter    *quoter.Quoter
	ledger    *ledger.Ledger
	transfers *transfers.Service
}

// newApp wires the clients and services. ctx bounds every reconciliation.
func newApp(ctx context.Context, cfg config.Config, l *zap.Logger, opts ...transfers.Option) *app {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	quoteClient := clients.NewQuoteClient(cfg.Quote.Source,
		clients.WithBaseURL(cfg.Quote.BaseURL),
		clients.WithAPIKey(cfg.Quote.APIKey),
		clients.WithHTTPClient(&http.Client{Timeout: cfg.Quote.Timeout}),
	)
	funding := clients.NewFundingClient(
		clients.WithBaseURL(cfg.Funding.BaseURL),
		clients.WithAPIKey(cfg.Funding.APIKey),
		clients.WithHTTPClient(&http.Client{Timeout: cfg.Funding.Timeout}),
	)

	cache := quotecache.New(quotecache.WithLogger(l), quotecache.WithRecorder(m))
	lg := ledger.New(l)

	opts = append([]transfers.Option{
		transfers.WithLogger(l),
		transfers.WithMetrics(m),
		transfers.WithSettlementLeg(cfg.Funding.RequireSettlement),
		transfers.WithPollerOptions(pollerOptions(cfg.Poller)...),
	}, opts...)

	return &app{
		registry:  reg,
		metrics:   m,
		funding:   funding,
		quoter:    quoter.New(quoteClient, cache, cfg.Quote.MinRefreshInterval, l),
		ledger:    lg,
		transfers: transfers.New(ctx, funding, lg, opts...),
	}
}

func pollerOptions(c config.PollerConfig) []poller.Option {
	return []poller.Option{
		poller.WithSchedule(backoff.NewLinear(
			backoff.WithBase(c.BaseDelay),
			backoff.WithStep(c.Step),
			backoff.WithMax(c.MaxDelay),
		)),
		poller.WithErrorDelay(c.ErrorDelay),
		poller.WithStuckAfter(c.StuckAfter),
	}
}
