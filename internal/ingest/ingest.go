// Package ingest accepts paired image batches, runs them through a
// verification step, and persists the resulting records.
package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aipilot/internal/domain"
	"aipilot/internal/events"
	"aipilot/internal/fault"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

const imageBucket = "images"

// acceptedMetadataExts are the spreadsheet formats the ingestion form
// takes. Anything else is dropped from the staged batch without error.
var acceptedMetadataExts = map[string]bool{
	".xlsx": true,
	".xls":  true,
	".csv":  true,
}

// File is one uploaded file, already in memory.
type File struct {
	Name string
	Data []byte
}

// StagedBatch is a validated selection awaiting upload.
type StagedBatch struct {
	EventFiles []File
	DescFiles  []File
	Metadata   *File
	Source     string
}

// Verifier fills in the accuracy scores and extracted metadata for an
// ingested pair. The shipped implementation is a stub; a real OCR or
// model-backed verifier plugs in here.
type Verifier interface {
	Verify(ctx context.Context, img domain.ImageRecord, eventData []byte) (domain.ImageRecord, error)
}

// Pipeline wires staging, upload, verification and persistence.
type Pipeline struct {
	DB       *sql.DB
	Repo     repo.Repo
	Store    *storage.Store
	Events   events.Writer
	Verifier Verifier
	Log      zerolog.Logger
	MaxPairs int
	Now      func() time.Time
}

func New(db *sql.DB, store *storage.Store, verifier Verifier, maxPairs int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Store:    store,
		Events:   events.Writer{DB: db},
		Verifier: verifier,
		Log:      log,
		MaxPairs: maxPairs,
		Now:      time.Now,
	}
}

func (p *Pipeline) stamp() string {
	return p.Now().UTC().Format(time.RFC3339)
}

// SelectBatch validates a selection. A metadata file with an
// unaccepted extension is cleared from the batch, not rejected: the
// form treats it as if nothing was attached.
func (p *Pipeline) SelectBatch(eventFiles, descFiles []File, metadata *File, source string) (StagedBatch, error) {
	if len(eventFiles) == 0 {
		return StagedBatch{}, &fault.ValidationError{Field: "event_files", Reason: "at least one image required"}
	}
	if len(eventFiles) != len(descFiles) {
		return StagedBatch{}, &fault.ValidationError{
			Field:  "desc_files",
			Reason: fmt.Sprintf("count mismatch: %d event files, %d description files", len(eventFiles), len(descFiles)),
		}
	}
	if metadata != nil {
		ext := strings.ToLower(filepath.Ext(metadata.Name))
		if !acceptedMetadataExts[ext] {
			p.Log.Warn().Str("file", metadata.Name).Msg("metadata file has unsupported extension, ignoring")
			metadata = nil
		}
	}
	if source == "" {
		source = "upload"
	}
	return StagedBatch{EventFiles: eventFiles, DescFiles: descFiles, Metadata: metadata, Source: source}, nil
}

// Upload stores each pair and persists a verified record per pair.
// Pairs are matched by position within the two file lists, as are the
// rows of an attached metadata sheet; batches beyond MaxPairs are
// truncated with a warning. A failing pair stops the run and the
// already-persisted records stay.
func (p *Pipeline) Upload(ctx context.Context, batch StagedBatch, actorID string) ([]domain.ImageRecord, error) {
	pairs := len(batch.EventFiles)
	if pairs > p.MaxPairs {
		p.Log.Warn().
			Int("pairs", pairs).
			Int("max", p.MaxPairs).
			Msg("batch exceeds pair limit, truncating")
		pairs = p.MaxPairs
	}
	rows := p.metadataRows(batch.Metadata)

	var out []domain.ImageRecord
	for i := 0; i < pairs; i++ {
		var meta *metadataRow
		if i < len(rows) {
			meta = &rows[i]
		}
		rec, err := p.ingestPair(ctx, batch, meta, i, actorID)
		if err != nil {
			return out, fmt.Errorf("pair %d (%s): %w", i, batch.EventFiles[i].Name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Pipeline) ingestPair(ctx context.Context, batch StagedBatch, meta *metadataRow, i int, actorID string) (domain.ImageRecord, error) {
	event, desc := batch.EventFiles[i], batch.DescFiles[i]

	eventKey := "event/" + filepath.Base(event.Name)
	descKey := "desc/" + filepath.Base(desc.Name)
	if err := p.Store.Upload(imageBucket, eventKey, bytes.NewReader(event.Data)); err != nil {
		return domain.ImageRecord{}, &fault.RemoteFailure{Op: "store event image", Err: err}
	}
	if err := p.Store.Upload(imageBucket, descKey, bytes.NewReader(desc.Data)); err != nil {
		return domain.ImageRecord{}, &fault.RemoteFailure{Op: "store description image", Err: err}
	}

	now := p.stamp()
	rec := domain.ImageRecord{
		ID:        uuid.NewString(),
		Source:    batch.Source,
		EventPath: eventKey,
		DescPath:  descKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	title := titleFromFilename(event.Name)
	rec.Title = &title
	if meta != nil {
		applyMetadata(&rec, *meta)
	}

	rec, err := p.Verifier.Verify(ctx, rec, event.Data)
	if err != nil {
		return domain.ImageRecord{}, &fault.RemoteFailure{Op: "verify image", Err: err}
	}
	rec.UpdatedAt = p.stamp()

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertImage(ctx, tx, rec); err != nil {
		return domain.ImageRecord{}, err
	}
	if err := p.Events.Append(ctx, tx, "image.ingested", "image", rec.ID, actorID, events.EventPayload{
		"event_path": eventKey,
		"desc_path":  descKey,
		"pairing":    "positional",
	}); err != nil {
		return domain.ImageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ImageRecord{}, err
	}
	return rec, nil
}

// titleFromFilename turns "great_fire_1871.png" into "Great Fire 1871".
func titleFromFilename(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	words := strings.Fields(base)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// BackfillResult counts what a backfill pass touched.
type BackfillResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Backfill re-verifies stored records whose scores were never filled.
// Manually overridden records are skipped. Per-record failures are
// counted, not fatal.
func (p *Pipeline) Backfill(ctx context.Context, actorID string) (BackfillResult, error) {
	var res BackfillResult
	imgs, err := p.Repo.ListImages(ctx, repo.ImageFilters{})
	if err != nil {
		return res, err
	}
	for _, img := range imgs {
		res.Scanned++
		if img.ManualOverride || img.Scores.Overall > 0 {
			res.Skipped++
			continue
		}
		data, err := p.readObject(img.EventPath)
		if err != nil {
			p.Log.Warn().Err(err).Str("image_id", img.ID).Msg("backfill: could not read stored image")
			res.Failed++
			continue
		}
		verified, err := p.Verifier.Verify(ctx, img, data)
		if err != nil {
			p.Log.Warn().Err(err).Str("image_id", img.ID).Msg("backfill: verification failed")
			res.Failed++
			continue
		}
		verified.UpdatedAt = p.stamp()
		if err := p.updateRecord(ctx, verified, actorID, "image.backfilled"); err != nil {
			res.Failed++
			continue
		}
		res.Updated++
	}
	return res, nil
}

func (p *Pipeline) readObject(key string) ([]byte, error) {
	r, err := p.Store.Open(imageBucket, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Approve marks a record ready for use. Approval implies a manual
// review, so the override flag is set alongside.
func (p *Pipeline) Approve(ctx context.Context, id, actorID string) (domain.ImageRecord, error) {
	img, err := p.Repo.GetImage(ctx, id)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	if img.Approved {
		return img, nil
	}
	img.Approved = true
	img.ReadyForGame = true
	img.ManualOverride = true
	img.UpdatedAt = p.stamp()
	if err := p.updateRecord(ctx, img, actorID, "image.approved"); err != nil {
		return domain.ImageRecord{}, err
	}
	return img, nil
}

// Override edits for one record. Nil fields stay untouched.
type Override struct {
	Title        *string
	Description  *string
	EventDate    *string
	Year         *int
	Location     *string
	Latitude     *float64
	Longitude    *float64
	IsTrueEvent  *bool
	IsAIGen      *bool
	IsMature     *bool
	ReadyForGame *bool
	Scores       *domain.ImageScores
}

// ApplyOverride patches a record with manual edits and marks it
// overridden so later backfills leave it alone.
func (p *Pipeline) ApplyOverride(ctx context.Context, id string, o Override, actorID string) (domain.ImageRecord, error) {
	img, err := p.Repo.GetImage(ctx, id)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	if o.Title != nil {
		img.Title = o.Title
	}
	if o.Description != nil {
		img.Description = o.Description
	}
	if o.EventDate != nil {
		img.EventDate = o.EventDate
	}
	if o.Year != nil {
		img.Year = o.Year
	}
	if o.Location != nil {
		img.Location = o.Location
	}
	if o.Latitude != nil {
		img.Latitude = o.Latitude
	}
	if o.Longitude != nil {
		img.Longitude = o.Longitude
	}
	if o.IsTrueEvent != nil {
		img.IsTrueEvent = *o.IsTrueEvent
	}
	if o.IsAIGen != nil {
		img.IsAIGenerated = *o.IsAIGen
	}
	if o.IsMature != nil {
		img.IsMatureContent = *o.IsMature
	}
	if o.ReadyForGame != nil {
		img.ReadyForGame = *o.ReadyForGame
	}
	if o.Scores != nil {
		img.Scores = *o.Scores
	}
	img.ManualOverride = true
	img.UpdatedAt = p.stamp()
	if err := p.updateRecord(ctx, img, actorID, "image.overridden"); err != nil {
		return domain.ImageRecord{}, err
	}
	return img, nil
}

func (p *Pipeline) updateRecord(ctx context.Context, img domain.ImageRecord, actorID, evtType string) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpdateImage(ctx, tx, img); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, evtType, "image", img.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
