package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vadiminshakov/settle/config"
	"go.uber.org/zap"
)

var (
	v      = config.NewViper()
	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "settle",
	Short: "Quote FX rates, fund transfers and reconcile their settlement",
	Long: `settle talks to an FX quote source and a funding provider. It submits
funding requests and polls the provider until every leg of the transfer
reaches a terminal status, crediting the local balance exactly once.

Examples:
  settle quote 100 EUR USD
  settle fund 250 USD --method bank-1 --watch
  settle track REF-1
  settle serve`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: bootstrap,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to yaml config (env SETTLE_CONFIG)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")

	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	l, err := newLogger(v)
	if err != nil {
		return err
	}
	logger = l
	zap.ReplaceGlobals(logger)

	// the wizard writes the config, it must not require one
	if cmd.Name() == setupCmd.Name() {
		return nil
	}

	cfg, err = config.Load(v.GetString("config"), v)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	return nil
}

func newLogger(v *viper.Viper) (*zap.Logger, error) {
	if v.GetBool("verbose") {
		return zap.NewDevelopment()
	}

	zcfg := zap.NewProductionConfig()
	// stdout belongs to command output
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

	return zcfg.Build()
}

func jsonOutput(cmd *cobra.Command) bool {
	j, _ := cmd.Flags().GetBool("json")
	return j
}

func printError(err error) {
	fmt.Printf("\nError: %v\n\n", err)
}
