package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/vadiminshakov/settle/internal/setup"
)

var setupOut string

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a config file interactively",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := setup.RunTUI(setupOut); err != nil {
			printError(err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)

	setupCmd.Flags().StringVarP(&setupOut, "out", "o", setup.DefaultPath, "Where to write the config")
}
