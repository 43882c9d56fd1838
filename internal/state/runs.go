package state

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) prepareRunStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.runStmts.insert,
			`INSERT INTO sync_runs (run_type, status, started_at) VALUES (?, ?, ?)`,
			"run insert"},
		{&s.runStmts.finish,
			`UPDATE sync_runs SET status = ?, finished_at = ?, summary_json = ? WHERE id = ?`,
			"run finish"},
		{&s.runStmts.recent,
			`SELECT id, run_type, status, started_at, finished_at, summary_json
			 FROM sync_runs ORDER BY id DESC LIMIT ?`,
			"run recent"},
	})
}

// InsertSyncRun records the start of a run and returns its id.
func (s *Store) InsertSyncRun(ctx context.Context, runType string, startedAt time.Time) (int64, error) {
	res, err := s.runStmts.insert.ExecContext(ctx, runType, RunRunning, formatTime(startedAt))
	if err != nil {
		return 0, fmt.Errorf("inserting sync run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting sync run: %w", err)
	}

	return id, nil
}

// FinishSyncRun records a run's terminal status and summary.
func (s *Store) FinishSyncRun(ctx context.Context, id int64, status string, finishedAt time.Time, summaryJSON string) error {
	_, err := s.runStmts.finish.ExecContext(ctx, status, formatTime(finishedAt), summaryJSON, id)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}

	return nil
}

// RecentSyncRuns returns the most recent runs, newest first.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.runStmts.recent.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}

	defer rows.Close()

	var out []SyncRun

	for rows.Next() {
		var (
			r                    SyncRun
			startedAt, finishedAt string
		)

		if err := rows.Scan(&r.ID, &r.RunType, &r.Status, &startedAt, &finishedAt, &r.SummaryJSON); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}

		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTime(finishedAt)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}

	return out, nil
}
