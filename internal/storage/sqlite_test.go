package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/typesetd/typesetd/internal/render"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewJournal(db)
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='render_log';").Scan(&name); err != nil {
		t.Fatalf("render_log table missing: %v", err)
	}
}

func TestJournalRecordAndRecent(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	req := render.Request{ID: "r1", Source: "= Hello"}
	outcome := render.Outcome{Kind: render.OutcomeRendered, PageCount: 2, Duration: 120 * time.Millisecond}
	if err := j.Record(ctx, req, outcome, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, render.Request{ID: "r2", Source: "#bad"}, render.Outcome{
		Kind: render.OutcomeDiagnosed,
		Diagnostics: []render.Diagnostic{
			{Severity: render.SeverityError, Message: "unknown variable"},
		},
	}, true); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if e := byID["r1"]; e.Outcome != render.OutcomeRendered || e.PageCount != 2 || e.Discarded {
		t.Errorf("r1 = %+v", e)
	}
	if e := byID["r2"]; e.Outcome != render.OutcomeDiagnosed || e.Diagnostics != 1 || !e.Discarded {
		t.Errorf("r2 = %+v", e)
	}
}

func TestJournalCounts(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	for i, kind := range []render.OutcomeKind{render.OutcomeRendered, render.OutcomeRendered, render.OutcomeTimedOut} {
		req := render.Request{ID: string(rune('a' + i)), Source: "= Doc"}
		if err := j.Record(ctx, req, render.Outcome{Kind: kind}, false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	counts, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[render.OutcomeRendered] != 2 || counts[render.OutcomeTimedOut] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestJournalPrune(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, render.Request{ID: "old", Source: "= Doc"}, render.Outcome{Kind: render.OutcomeRendered}, false); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Everything recorded so far is older than a future cutoff.
	n, err := j.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after prune = %d", len(entries))
	}
}
