package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/settle/internal/services/quotecache"
)

var quoteCmd = &cobra.Command{
	Use:   "quote <amount> <base> <target>",
	Short: "Get an FX quote",
	Long: `Get the conversion rate and target amount for converting amount of base into target.

Examples:
  settle quote 100 EUR USD
  settle quote 2500 GBP JPY --json`,
	Args: cobra.ExactArgs(3),
	Run:  runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)
}

func runQuote(cmd *cobra.Command, args []string) {
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		printError(errors.Errorf("invalid amount %q", args[0]))
		os.Exit(1)
	}

	a := newApp(cmd.Context(), cfg, logger)
	asJSON := jsonOutput(cmd)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !asJSON {
		s.Suffix = " Fetching quote..."
		s.Start()
	}

	res, err := a.quoter.Quote(cmd.Context(), args[1], args[2], amount)
	if !asJSON {
		s.Stop()
	}
	if err != nil && !res.Stale {
		printError(err)
		os.Exit(1)
	}

	if asJSON {
		printJSON(res)
		return
	}

	displayQuote(res, err)
}

func displayQuote(res quotecache.Result, staleErr error) {
	q := res.Quote

	fmt.Println("\n" + strings.Repeat("=", rule))
	color.Green("                           FX QUOTE")
	fmt.Println(strings.Repeat("=", rule))

	fmt.Printf("\n  Pair:            %s\n", color.CyanString("%s → %s", q.Base, q.Target))
	fmt.Printf("  Rate:            %s\n", q.Rate.String())
	if !q.EffectiveRate.Equal(q.Rate) {
		fmt.Printf("  Effective Rate:  %s\n", q.EffectiveRate.String())
	}
	fmt.Printf("  You Send:        %s %s\n", q.Amount.StringFixed(2), q.Base)
	fmt.Printf("  They Receive:    %s\n", color.GreenString("%s %s", q.TargetAmount.StringFixed(2), q.Target))
	fmt.Printf("  Source:          %s\n", q.Source)
	fmt.Printf("  Fetched:         %s\n", res.FetchedAt.Format("2006-01-02 15:04:05"))
	if staleErr != nil {
		fmt.Printf("  Warning:         %s\n", color.YellowString("rate may be outdated: %v", staleErr))
	}

	fmt.Println("\n" + strings.Repeat("=", rule) + "\n")
}
