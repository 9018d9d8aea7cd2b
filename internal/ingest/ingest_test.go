package ingest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aipilot/internal/db"
	"aipilot/internal/ingest"
	"aipilot/internal/migrate"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

func newPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.New(t.TempDir(), "test-secret", "http://localhost:8080")
	p := ingest.New(conn, store, ingest.StubVerifier{}, 10, zerolog.Nop())
	p.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func pair(n int) ([]ingest.File, []ingest.File) {
	var evs, descs []ingest.File
	for i := 0; i < n; i++ {
		evs = append(evs, ingest.File{Name: fmt.Sprintf("event_%d.png", i), Data: []byte("ev")})
		descs = append(descs, ingest.File{Name: fmt.Sprintf("desc_%d.png", i), Data: []byte("de")})
	}
	return evs, descs
}

func TestSelectBatchRejectsBadMetadataSilently(t *testing.T) {
	p := newPipeline(t)
	evs, descs := pair(1)
	batch, err := p.SelectBatch(evs, descs, &ingest.File{Name: "notes.txt"}, "")
	if err != nil {
		t.Fatalf("selection should not hard-fail: %v", err)
	}
	if batch.Metadata != nil {
		t.Fatal("unsupported metadata file should be cleared from the batch")
	}
}

func TestSelectBatchKeepsSpreadsheet(t *testing.T) {
	p := newPipeline(t)
	evs, descs := pair(1)
	for _, name := range []string{"meta.xlsx", "meta.xls", "meta.csv", "META.CSV"} {
		batch, err := p.SelectBatch(evs, descs, &ingest.File{Name: name}, "")
		if err != nil {
			t.Fatal(err)
		}
		if batch.Metadata == nil {
			t.Fatalf("metadata %s should survive selection", name)
		}
	}
}

func TestSelectBatchCountMismatch(t *testing.T) {
	p := newPipeline(t)
	evs, _ := pair(2)
	_, descs := pair(1)
	if _, err := p.SelectBatch(evs, descs, nil, ""); err == nil {
		t.Fatal("expected validation error for mismatched counts")
	}
	if _, err := p.SelectBatch(nil, nil, nil, ""); err == nil {
		t.Fatal("expected validation error for empty batch")
	}
}

func TestUploadPersistsVerifiedPairs(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	evs, descs := pair(2)
	batch, err := p.SelectBatch(evs, descs, nil, "archive-import")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := p.Upload(ctx, batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.EventPath != fmt.Sprintf("event/event_%d.png", i) {
			t.Errorf("unexpected event path %q", rec.EventPath)
		}
		if rec.DescPath != fmt.Sprintf("desc/desc_%d.png", i) {
			t.Errorf("unexpected desc path %q", rec.DescPath)
		}
		if rec.Scores.Overall == 0 {
			t.Error("verification scores not filled")
		}
		if rec.Source != "archive-import" {
			t.Errorf("source not preserved: %q", rec.Source)
		}
	}
	stored, err := p.Repo.ListImages(ctx, repo.ImageFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(stored))
	}
}

func TestUploadAppliesCSVMetadata(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	evs, descs := pair(2)
	csv := []byte("title,year,location,description\n" +
		"Great Fire,1871,Chicago,The city burns\n")
	batch, err := p.SelectBatch(evs, descs, &ingest.File{Name: "meta.csv", Data: csv}, "")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := p.Upload(ctx, batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	first := recs[0]
	if first.Title == nil || *first.Title != "Great Fire" {
		t.Fatalf("sheet title not applied: %+v", first.Title)
	}
	if first.Year == nil || *first.Year != 1871 {
		t.Fatalf("sheet year not applied: %+v", first.Year)
	}
	if first.Location == nil || *first.Location != "Chicago" {
		t.Fatalf("sheet location not applied: %+v", first.Location)
	}
	if first.Description == nil || *first.Description != "The city burns" {
		t.Fatalf("sheet description not applied: %+v", first.Description)
	}
	// The sheet has one row; the second pair keeps its filename title.
	second := recs[1]
	if second.Title == nil || *second.Title != "Event 1" {
		t.Fatalf("filename title lost on unmatched row: %+v", second.Title)
	}
	if second.Year != nil {
		t.Fatalf("unmatched row should not carry a year: %v", *second.Year)
	}
}

func TestUploadIgnoresUnparseableMetadata(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	evs, descs := pair(1)
	// Excel formats survive staging but nothing reads them yet.
	batch, err := p.SelectBatch(evs, descs, &ingest.File{Name: "meta.xlsx", Data: []byte("not a sheet")}, "")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := p.Upload(ctx, batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Title == nil || *recs[0].Title != "Event 0" {
		t.Fatalf("expected filename title fallback, got %+v", recs[0].Title)
	}
}

func TestUploadTruncatesOversizedBatch(t *testing.T) {
	p := newPipeline(t)
	evs, descs := pair(12)
	batch, err := p.SelectBatch(evs, descs, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := p.Upload(context.Background(), batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected truncation to 10 pairs, got %d", len(recs))
	}
}

func TestApproveSetsOverride(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	evs, descs := pair(1)
	batch, _ := p.SelectBatch(evs, descs, nil, "")
	recs, err := p.Upload(ctx, batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	approved, err := p.Approve(ctx, recs[0].ID, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if !approved.Approved || !approved.ManualOverride {
		t.Fatalf("approval flags not set: %+v", approved)
	}
	// Idempotent on a second call.
	again, err := p.Approve(ctx, recs[0].ID, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Approved {
		t.Fatal("second approval lost the flag")
	}
}

func TestBackfillSkipsOverriddenAndScored(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	evs, descs := pair(2)
	batch, _ := p.SelectBatch(evs, descs, nil, "")
	recs, err := p.Upload(ctx, batch, "leader")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Approve(ctx, recs[0].ID, "leader"); err != nil {
		t.Fatal(err)
	}
	res, err := p.Backfill(ctx, "leader")
	if err != nil {
		t.Fatal(err)
	}
	// Both records already carry stub scores, so nothing re-verifies.
	if res.Scanned != 2 || res.Skipped != 2 || res.Updated != 0 {
		t.Fatalf("unexpected backfill result %+v", res)
	}
}
