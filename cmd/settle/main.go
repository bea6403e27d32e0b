// Command settle quotes FX rates, funds transfers and reconciles their
// status with the funding provider until they settle or fail.
//
// Usage:
//
//	settle quote 100 EUR USD
//	settle fund 250 USD --method bank-1 --watch
//	settle track REF-1
//	settle serve --config settle.yaml
//	settle setup
//
// Secrets can come from the environment or a .env file:
//
//	SETTLE_FUNDING_API_KEY, SETTLE_QUOTE_API_KEY
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
