package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	filesync "github.com/larksync/larksync/internal/sync"
)

func newRunCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass now",
		Long: `Execute a single reconciliation run and print its summary as JSON.
Fails immediately if a run is already in progress (for example under a
running serve daemon sharing the same state).`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOnce(dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scan the local side only; no remote calls, no state changes")

	return cmd
}

func runOnce(dryRun bool) error {
	svc, err := newService()
	if err != nil {
		return err
	}

	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		summary, err := svc.engine.DryRun(ctx)
		if err != nil {
			return err
		}

		return printSummary(summary)
	}

	if !svc.coord.TryAcquire() {
		return fmt.Errorf("another sync run is already in progress")
	}

	defer svc.coord.Release()

	summary := svc.engine.Run(ctx, "manual")

	if err := printSummary(summary); err != nil {
		return err
	}

	if summary.FatalError != "" {
		return fmt.Errorf("sync run failed: %s", summary.FatalError)
	}

	return nil
}

func printSummary(summary *filesync.Summary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(summary)
}
