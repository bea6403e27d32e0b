package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"github.com/vadiminshakov/settle/internal/storage/outcomes"
)

var (
	fundMethod string
	fundWatch  bool
)

var fundCmd = &cobra.Command{
	Use:   "fund <amount> <currency>",
	Short: "Submit a funding request and wait until it settles",
	Long: `Submit a funding request to the provider and poll its status until the
transfer completes or fails. Press Ctrl+C to stop polling; the transfer can be
resumed later with settle track.

Examples:
  settle fund 250 USD --method bank-1
  settle fund 250 USD --method card-tok-9 --watch`,
	Args: cobra.ExactArgs(2),
	Run:  runFund,
}

func init() {
	rootCmd.AddCommand(fundCmd)

	fundCmd.Flags().StringVarP(&fundMethod, "method", "m", "", "Bank id, card token or mobile-money account")
	fundCmd.Flags().BoolVarP(&fundWatch, "watch", "w", false, "Print every status poll")
	_ = fundCmd.MarkFlagRequired("method")
}

func runFund(cmd *cobra.Command, args []string) {
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		printError(errors.Errorf("invalid amount %q", args[0]))
		os.Exit(1)
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
	if fundWatch && !asJSON {
		onUpdate = printUpdate
	}

	req := domain.TransferRequest{Amount: amount, Currency: args[1], MethodID: fundMethod}
	ref, err := a.transfers.Submit(ctx, req, onUpdate)
	if err != nil {
		var se *domain.SubmissionError
		if !errors.As(err, &se) || ref.ReferenceID == "" {
			_ = journal.Close()
			printError(err)
			os.Exit(1)
		}
		if !asJSON {
			color.Yellow("\nProvider did not acknowledge the request (%v)", err)
			color.Yellow("Polling with local reference %s\n", ref.ReferenceID)
		}
	}

	if !asJSON {
		fmt.Printf("\nSubmitted %s %s, reference %s\n", ref.Amount.String(), ref.Currency, color.CyanString(ref.ReferenceID))
	}

	completed := finish(ctx, a, ref.ReferenceID, fundWatch, asJSON)
	_ = journal.Close()
	if !completed {
		os.Exit(1)
	}
}

// finish waits for the transfer, prints the result and reports whether it completed.
func finish(ctx context.Context, a *app, referenceID string, watch, asJSON bool) bool {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !watch && !asJSON {
		s.Suffix = " Waiting for the transfer to settle..."
		s.Start()
	}

	state, err := a.transfers.Wait(ctx, referenceID)
	if !watch && !asJSON {
		s.Stop()
	}
	if err != nil {
		// interrupted, leave the transfer unhandled
		if cancelled, cerr := a.transfers.Cancel(referenceID); cerr == nil {
			state = cancelled
		} else if got, gerr := a.transfers.Get(referenceID); gerr == nil {
			// already torn down with the command context
			state = got
		}
	}

	if asJSON {
		printJSON(state)
	} else {
		printState(state)
	}

	return state.Phase == domain.PhaseComplete
}
