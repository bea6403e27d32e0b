package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"github.com/vadiminshakov/settle/internal/storage/outcomes"
)

var (
	trackAmount   string
	trackCurrency string
	trackWatch    bool
)

var trackCmd = &cobra.Command{
	Use:   "track <reference-id>",
	Short: "Resume reconciliation of a submitted transfer",
	Long: `Poll the provider for a transfer submitted earlier until it completes or fails.
Pass --amount and --currency to credit the local balance on success.

Examples:
  settle track REF-1
  settle track REF-7F3K2M9QXA --amount 250 --currency USD --watch`,
	Args: cobra.ExactArgs(1),
	Run:  runTrack,
}

func init() {
	rootCmd.AddCommand(trackCmd)

	trackCmd.Flags().StringVar(&trackAmount, "amount", "", "Transfer amount")
	trackCmd.Flags().StringVar(&trackCurrency, "currency", "", "Transfer currency")
	trackCmd.Flags().BoolVarP(&trackWatch, "watch", "w", false, "Print every status poll")
}

func runTrack(cmd *cobra.Command, args []string) {
	ref := domain.TransferReference{
		ReferenceID: strings.TrimSpace(args[0]),
		Currency:    strings.ToUpper(trackCurrency),
	}
	if trackAmount != "" {
		amount, err := decimal.NewFromString(trackAmount)
		if err != nil {
			printError(errors.Errorf("invalid amount %q", trackAmount))
			os.Exit(1)
		}
		ref.Amount = amount
	}

	journal, err := outcomes.NewWALStore(cfg.Journal.Dir)
	if err != nil {
		printError(errors.Wrap(err, "open outcome journal"))
		os.Exit(1)
	}

	ctx := cmd.Context()
	asJSON := jsonOutput(cmd)
	a := newApp(ctx, cfg, logger, transfers.WithJournal(journal))

	var onUpdate transfers.UpdateFunc
	if trackWatch && !asJSON {
		onUpdate = printUpdate
	}

	if err := a.transfers.Track(ref, onUpdate); err != nil {
		_ = journal.Close()
		printError(err)
		os.Exit(1)
	}

	completed := finish(ctx, a, ref.ReferenceID, trackWatch, asJSON)
	_ = journal.Close()
	if !completed {
		os.Exit(1)
	}
}
