package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	filesync "github.com/larksync/larksync/internal/sync"
	"github.com/larksync/larksync/internal/trigger"
)

// statusReport is the aggregate observability snapshot, served by
// `larksync status` and GET /api/status.
type statusReport struct {
	Scheduler *trigger.SchedulerState `json:"scheduler,omitempty"`
	Webhook   *trigger.WebhookState   `json:"webhook,omitempty"`

	LastRun    *filesync.Summary `json:"last_run,omitempty"`
	RecentRuns []runLine         `json:"recent_runs"`

	FileMappings    int `json:"file_mappings"`
	FolderMappings  int `json:"folder_mappings"`
	RetryQueueDepth int `json:"retry_queue_depth"`

	RecentTombstones []tombstoneLine `json:"recent_tombstones"`
}

type runLine struct {
	ID         int64  `json:"id"`
	RunType    string `json:"run_type"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type tombstoneLine struct {
	Side      string `json:"side"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state: last run, mappings, retry queue",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			defer svc.Close()

			report, err := buildStatusReport(svc, nil, nil)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(report)
			}

			printStatus(report)

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

// buildStatusReport gathers the snapshot. The trigger states are nil when no
// daemon is attached (CLI invocation).
func buildStatusReport(svc *service, sched *trigger.SchedulerState, webhook *trigger.WebhookState) (*statusReport, error) {
	ctx := context.Background()

	report := &statusReport{
		Scheduler:        sched,
		Webhook:          webhook,
		RecentRuns:       []runLine{},
		RecentTombstones: []tombstoneLine{},
	}

	last, err := svc.history.Last()
	if err != nil {
		return nil, err
	}

	report.LastRun = last

	runs, err := svc.store.RecentSyncRuns(ctx, 5)
	if err != nil {
		return nil, err
	}

	for _, r := range runs {
		line := runLine{
			ID:        r.ID,
			RunType:   r.RunType,
			Status:    r.Status,
			StartedAt: r.StartedAt.Format(time.RFC3339),
		}

		if !r.FinishedAt.IsZero() {
			line.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}

		report.RecentRuns = append(report.RecentRuns, line)
	}

	report.FileMappings, err = svc.store.CountFileMappings(ctx)
	if err != nil {
		return nil, err
	}

	folders, err := svc.store.FolderMappings(ctx)
	if err != nil {
		return nil, err
	}

	report.FolderMappings = len(folders)

	report.RetryQueueDepth, err = svc.store.RetryQueueDepth(ctx)
	if err != nil {
		return nil, err
	}

	stones, err := svc.store.RecentTombstones(ctx, 5)
	if err != nil {
		return nil, err
	}

	for _, ts := range stones {
		report.RecentTombstones = append(report.RecentTombstones, tombstoneLine{
			Side:      ts.Side,
			Path:      ts.LocalRelPath,
			Reason:    ts.Reason,
			CreatedAt: ts.CreatedAt.Format(time.RFC3339),
		})
	}

	return report, nil
}

func printStatus(report *statusReport) {
	if report.LastRun == nil {
		fmt.Println("No sync run recorded yet.")
	} else {
		lr := report.LastRun
		fmt.Printf("Last run: #%d %s  uploaded=%d downloaded=%d renamed=%d conflicts=%d errors=%d\n",
			lr.RunID, lr.RunType, lr.Uploaded, lr.Downloaded, lr.Renamed, lr.Conflicts, lr.Errors)

		if lr.FatalError != "" {
			fmt.Printf("  fatal: %s\n", lr.FatalError)
		}
	}

	fmt.Printf("Mappings: %d files, %d folders\n", report.FileMappings, report.FolderMappings)
	fmt.Printf("Retry queue: %d pending\n", report.RetryQueueDepth)

	if len(report.RecentRuns) > 0 {
		fmt.Println("Recent runs:")

		for _, r := range report.RecentRuns {
			fmt.Printf("  #%-4d %-10s %-8s %s\n", r.ID, r.RunType, r.Status, r.StartedAt)
		}
	}

	if len(report.RecentTombstones) > 0 {
		fmt.Println("Recent tombstones:")

		for _, ts := range report.RecentTombstones {
			fmt.Printf("  %-6s %-30s %s\n", ts.Side, ts.Path, ts.Reason)
		}
	}
}
