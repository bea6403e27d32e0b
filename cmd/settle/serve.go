package main

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"github.com/vadiminshakov/settle/internal/storage/outcomes"
	"github.com/vadiminshakov/settle/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve quotes and transfers over HTTP. Finalized transfers are journaled and
streamed on /outcomes/stream, metrics are exposed on /metrics.

Examples:
  settle serve
  settle serve --addr :9090 --config settle.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (env SETTLE_SERVER_ADDR)")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	journal, err := outcomes.NewWALStore(cfg.Journal.Dir)
	if err != nil {
		return errors.Wrap(err, "open outcome journal")
	}
	defer journal.Close()

	g, ctx := errgroup.WithContext(cmd.Context())

	a := newApp(ctx, cfg, logger, transfers.WithJournal(journal))

	srv := web.NewServer(cfg.Server.Addr, a.quoter, a.transfers,
		web.WithBalances(a.ledger),
		web.WithOutcomes(journal),
		web.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
		web.WithLogger(logger),
	)

	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", zap.Int("active_transfers", len(a.transfers.Active())))
		a.transfers.Shutdown()
		return nil
	})

	return g.Wait()
}
