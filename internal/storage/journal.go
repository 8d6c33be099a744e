package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/typesetd/typesetd/internal/render"
)

// Journal records terminal render outcomes for audit and the status
// endpoint. Page bytes are never persisted, only metadata.
type Journal struct {
	db *sql.DB
}

// NewJournal wraps an opened journal database.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Entry is one journaled render.
type Entry struct {
	ID          string             `json:"id"`
	Outcome     render.OutcomeKind `json:"outcome"`
	SourceBytes int                `json:"source_bytes"`
	PageCount   int                `json:"page_count"`
	Diagnostics int                `json:"diagnostics"`
	Error       string             `json:"error,omitempty"`
	Discarded   bool               `json:"discarded"`
	CompletedAt time.Time          `json:"completed_at"`
	Duration    time.Duration      `json:"duration"`
}

// Record journals one completed request.
func (j *Journal) Record(ctx context.Context, req render.Request, outcome render.Outcome, discarded bool) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO render_log (id, outcome, source_bytes, page_count, diagnostics, error, discarded, completed_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		req.ID,
		string(outcome.Kind),
		len(req.Source),
		outcome.PageCount,
		len(outcome.Diagnostics),
		outcome.Err,
		boolToInt(discarded),
		time.Now().UTC().Format(time.RFC3339Nano),
		outcome.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record render %s: %w", req.ID, err)
	}
	return nil
}

// Recent returns the most recently completed renders, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, outcome, source_bytes, page_count, diagnostics, COALESCE(error, ''), discarded, completed_at, duration_ms
FROM render_log ORDER BY completed_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query render log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			outcome     string
			discarded   int
			completedAt string
			durationMS  int64
		)
		if err := rows.Scan(&e.ID, &outcome, &e.SourceBytes, &e.PageCount, &e.Diagnostics, &e.Error, &discarded, &completedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan render log: %w", err)
		}
		e.Outcome = render.OutcomeKind(outcome)
		e.Discarded = discarded != 0
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns totals per outcome kind.
func (j *Journal) Counts(ctx context.Context) (map[render.OutcomeKind]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM render_log GROUP BY outcome;`)
	if err != nil {
		return nil, fmt.Errorf("count render log: %w", err)
	}
	defer rows.Close()

	counts := make(map[render.OutcomeKind]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[render.OutcomeKind(outcome)] = n
	}
	return counts, rows.Err()
}

// Prune removes entries completed before cutoff and returns how many.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM render_log WHERE completed_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune render log: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
