// Package engine holds the orchestration rules: build lifecycle, task
// and chain execution, budget enforcement. All state changes go
// through transactions that also append audit events.
package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aipilot/internal/budget"
	"aipilot/internal/config"
	"aipilot/internal/domain"
	"aipilot/internal/events"
	"aipilot/internal/executor"
	"aipilot/internal/fault"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

const exportBucket = "exports"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Exec   executor.Executor
	Store  *storage.Store
	Budget *budget.Estimator
	Log    zerolog.Logger
	Now    func() time.Time

	buildMu     sync.Mutex
	buildCancel map[string]context.CancelFunc
	buildWG     sync.WaitGroup

	chainMu     sync.Mutex
	chainActive bool
}

func New(db *sql.DB, cfg *config.Config, exec executor.Executor, store *storage.Store, log zerolog.Logger) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Exec:        exec,
		Store:       store,
		Budget:      budget.NewEstimator(&r),
		Log:         log,
		Now:         time.Now,
		buildCancel: make(map[string]context.CancelFunc),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// isOwnerOrLeader reports whether actorID may act on a resource owned
// by ownerID. The configured leader may act on anything.
func (e *Engine) isOwnerOrLeader(actorID, ownerID string) bool {
	return actorID == ownerID || actorID == e.Config.Deployment.Leader
}

// guardBudget rejects new paid work once monthly spend reaches the
// limit.
func (e *Engine) guardBudget(ctx context.Context) error {
	status, err := e.Budget.MonthlyStatus(ctx)
	if err != nil {
		return err
	}
	if status.Severity == budget.SeverityExceeded {
		return &fault.StateConflict{Resource: "budget", State: "exceeded", Wanted: "within limit"}
	}
	return nil
}

// SubmitBuild records a new build in processing state and starts
// generation in the background. The returned build reflects the
// initial state; progress is observable via GetBuild and the event
// stream.
func (e *Engine) SubmitBuild(ctx context.Context, userID, prompt string) (domain.AppBuild, error) {
	if prompt == "" {
		return domain.AppBuild{}, &fault.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if userID == "" {
		return domain.AppBuild{}, &fault.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if err := e.guardBudget(ctx); err != nil {
		return domain.AppBuild{}, err
	}

	now := e.stamp()
	b := domain.AppBuild{
		ID:          uuid.NewString(),
		UserID:      userID,
		Prompt:      prompt,
		Status:      domain.BuildProcessing,
		BudgetUsage: budget.EstimateCost(prompt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppBuild{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuild(ctx, tx, b); err != nil {
		return domain.AppBuild{}, err
	}
	if err := e.Events.Append(ctx, tx, "build.submitted", "build", b.ID, userID, events.EventPayload{"prompt": prompt}); err != nil {
		return domain.AppBuild{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AppBuild{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.buildMu.Lock()
	e.buildCancel[b.ID] = cancel
	e.buildMu.Unlock()

	e.buildWG.Add(1)
	go e.runBuild(runCtx, b)
	return b, nil
}

// runBuild drives one build to its terminal state.
func (e *Engine) runBuild(ctx context.Context, b domain.AppBuild) {
	defer e.buildWG.Done()
	defer func() {
		e.buildMu.Lock()
		if cancel, ok := e.buildCancel[b.ID]; ok {
			cancel()
			delete(e.buildCancel, b.ID)
		}
		e.buildMu.Unlock()
	}()

	log := e.Log.With().Str("build_id", b.ID).Logger()
	app, err := e.Exec.GenerateApp(ctx, b.Prompt)
	if err != nil {
		log.Warn().Err(err).Msg("build generation failed")
		if ferr := e.failBuild(context.Background(), b, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("could not record build failure")
		}
		return
	}

	b.Status = domain.BuildComplete
	b.AppName = app.Name
	b.GeneratedCode = &app.Code
	b.SpecText = &app.SpecText
	b.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("could not record build completion")
		return
	}
	defer tx.Rollback()
	if err := e.Repo.FinishBuild(ctx, tx, b); err != nil {
		log.Error().Err(err).Msg("could not record build completion")
		return
	}
	if err := e.Events.Append(ctx, tx, "build.completed", "build", b.ID, b.UserID, events.EventPayload{"app_name": app.Name}); err != nil {
		log.Error().Err(err).Msg("could not record build completion")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("could not record build completion")
		return
	}
	log.Info().Str("app_name", app.Name).Msg("build complete")
}

func (e *Engine) failBuild(ctx context.Context, b domain.AppBuild, reason string) error {
	b.Status = domain.BuildFailed
	b.FailureReason = &reason
	b.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishBuild(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "build.failed", "build", b.ID, b.UserID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelBuild stops an in-flight build. The build is recorded as
// failed with a cancellation reason.
func (e *Engine) CancelBuild(ctx context.Context, id, actorID string) error {
	b, err := e.Repo.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	if !e.isOwnerOrLeader(actorID, b.UserID) {
		return &fault.AuthorizationError{Action: "cancel build " + id}
	}
	if b.Status != domain.BuildProcessing {
		return &fault.StateConflict{Resource: "build " + id, State: b.Status, Wanted: domain.BuildProcessing}
	}
	e.buildMu.Lock()
	cancel, ok := e.buildCancel[id]
	e.buildMu.Unlock()
	if ok {
		cancel()
	}
	return e.failBuild(ctx, b, "canceled by "+actorID)
}

// WaitBuilds blocks until background build workers drain. For shutdown
// and tests.
func (e *Engine) WaitBuilds() {
	e.buildWG.Wait()
}

// GetBuild returns a build visible to the actor.
func (e *Engine) GetBuild(ctx context.Context, id, actorID string) (domain.AppBuild, error) {
	b, err := e.Repo.GetBuild(ctx, id)
	if err != nil {
		return domain.AppBuild{}, err
	}
	if !e.isOwnerOrLeader(actorID, b.UserID) {
		return domain.AppBuild{}, &fault.AuthorizationError{Action: "read build " + id}
	}
	return b, nil
}

// ListBuilds returns the actor's build history, newest first. The
// leader may list any user's builds by passing that user's id.
func (e *Engine) ListBuilds(ctx context.Context, actorID string, f repo.BuildFilters) ([]domain.AppBuild, error) {
	if f.UserID == "" {
		f.UserID = actorID
	}
	if !e.isOwnerOrLeader(actorID, f.UserID) {
		return nil, &fault.AuthorizationError{Action: "list builds for " + f.UserID}
	}
	return e.Repo.ListBuilds(ctx, f)
}

// RemixBuild re-submits a prior build's prompt as a fresh build.
func (e *Engine) RemixBuild(ctx context.Context, id, actorID string) (domain.AppBuild, error) {
	b, err := e.GetBuild(ctx, id, actorID)
	if err != nil {
		return domain.AppBuild{}, err
	}
	return e.SubmitBuild(ctx, actorID, b.Prompt)
}

// ExportBuild packages a completed build as a zip archive and returns
// a signed download URL. Only the owner (or leader) may export,
// regardless of build state.
func (e *Engine) ExportBuild(ctx context.Context, id, actorID string) (string, error) {
	b, err := e.Repo.GetBuild(ctx, id)
	if err != nil {
		return "", err
	}
	if !e.isOwnerOrLeader(actorID, b.UserID) {
		return "", &fault.AuthorizationError{Action: "export build " + id}
	}
	if b.Status != domain.BuildComplete {
		return "", &fault.StateConflict{Resource: "build " + id, State: b.Status, Wanted: domain.BuildComplete}
	}

	archive, err := buildArchive(b)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("build-%s.zip", b.ID)
	if err := e.Store.Upload(exportBucket, key, bytes.NewReader(archive)); err != nil {
		return "", &fault.RemoteFailure{Op: "upload export", Err: err}
	}
	url, err := e.Store.CreateSignedURL(exportBucket, key, e.Config.URLTTL())
	if err != nil {
		return "", &fault.RemoteFailure{Op: "sign export url", Err: err}
	}
	if err := e.Repo.SetBuildURLs(ctx, b.ID, nil, nil, &url); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "build.exported", "build", b.ID, actorID, events.EventPayload{"key": key}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return url, nil
}

// buildArchive zips the generated artifacts of a completed build.
func buildArchive(b domain.AppBuild) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"README.md": fmt.Sprintf("# %s\n\nGenerated from prompt:\n\n> %s\n", b.AppName, b.Prompt),
	}
	if b.SpecText != nil {
		files["SPEC.md"] = *b.SpecText
	}
	if b.GeneratedCode != nil {
		files["main.go"] = *b.GeneratedCode
	}
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PreviewBuild assigns (or returns) the preview URL of a completed
// build.
func (e *Engine) PreviewBuild(ctx context.Context, id, actorID string) (string, error) {
	return e.assignURL(ctx, id, actorID, "preview")
}

// DeployBuild assigns (or returns) the production URL of a completed
// build.
func (e *Engine) DeployBuild(ctx context.Context, id, actorID string) (string, error) {
	return e.assignURL(ctx, id, actorID, "production")
}

func (e *Engine) assignURL(ctx context.Context, id, actorID, kind string) (string, error) {
	b, err := e.GetBuild(ctx, id, actorID)
	if err != nil {
		return "", err
	}
	if b.Status != domain.BuildComplete {
		return "", &fault.StateConflict{Resource: "build " + id, State: b.Status, Wanted: domain.BuildComplete}
	}

	var existing *string
	if kind == "preview" {
		existing = b.PreviewURL
	} else {
		existing = b.ProductionURL
	}
	if existing != nil {
		return *existing, nil
	}

	url := fmt.Sprintf("https://%s.%s.aipilot.dev/%s", kind, e.Config.Deployment.ID, b.ID)
	var preview, production *string
	evtType := "build.previewed"
	if kind == "preview" {
		preview = &url
	} else {
		production = &url
		evtType = "build.deployed"
	}
	if err := e.Repo.SetBuildURLs(ctx, b.ID, preview, production, nil); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, "build", b.ID, actorID, events.EventPayload{"url": url}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return url, nil
}
