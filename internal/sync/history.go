package sync

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// History persists run summaries: an append-only JSONL file with one summary
// per line, plus a "last run" file holding only the most recent summary.
type History struct {
	// Path of the JSONL history file.
	Path string
	// LastPath of the single-summary last-run file.
	LastPath string
}

// NewHistory creates a History rooted in dir using the conventional file
// names.
func NewHistory(dir string) *History {
	return &History{
		Path:     filepath.Join(dir, "run_history.jsonl"),
		LastPath: filepath.Join(dir, "last_run.json"),
	}
}

// Record appends the summary to the history and then overwrites the
// last-run file, in that order, so the history never misses a run the
// last-run file knows about.
func (h *History) Record(summary *Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.Path), 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	f, err := os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("appending run history: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run history: %w", err)
	}

	return h.writeLast(data)
}

// writeLast atomically replaces the last-run file.
func (h *History) writeLast(data []byte) error {
	dir := filepath.Dir(h.LastPath)

	tmp, err := os.CreateTemp(dir, ".last-run-*.json")
	if err != nil {
		return fmt.Errorf("creating temp last-run file: %w", err)
	}

	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing last-run file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing last-run file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing last-run file: %w", err)
	}

	if err := os.Rename(tmpName, h.LastPath); err != nil {
		return fmt.Errorf("replacing last-run file: %w", err)
	}

	success = true

	return nil
}

// Last returns the most recent summary, or nil if no run has completed yet.
func (h *History) Last() (*Summary, error) {
	data, err := os.ReadFile(h.LastPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading last-run file: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing last-run file: %w", err)
	}

	return &s, nil
}

// Tail returns up to n most recent summaries, oldest first. Unparseable
// lines are skipped.
func (h *History) Tail(n int) ([]Summary, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening run history: %w", err)
	}

	defer f.Close()

	var out []Summary

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var s Summary
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue
		}

		out = append(out, s)

		if len(out) > n {
			out = out[1:]
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}

	return out, nil
}
