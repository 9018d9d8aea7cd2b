// Package app bootstraps the shared runtime: database, migrations,
// deployment config, storage, executor, engine and ingest pipeline.
package app

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"aipilot/internal/config"
	"aipilot/internal/db"
	"aipilot/internal/domain"
	"aipilot/internal/engine"
	"aipilot/internal/executor"
	"aipilot/internal/ingest"
	"aipilot/internal/migrate"
	"aipilot/internal/prefs"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

// App holds the wired components for one workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
	Ingest *ingest.Pipeline
	Prefs  *prefs.Store
	Store  *storage.Store
	Log    zerolog.Logger
}

// Options tune what Bootstrap builds.
type Options struct {
	Workspace string
	BaseURL   string
	Log       zerolog.Logger
}

// Bootstrap opens the workspace database, runs migrations, loads (or
// defaults) the deployment config, and wires the engine and pipeline.
// A corrupt preference document is replaced with defaults and logged,
// never fatal.
func Bootstrap(opts Options) (*App, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	storageRoot := cfg.Storage.Root
	if !filepath.IsAbs(storageRoot) {
		storageRoot = filepath.Join(opts.Workspace, storageRoot)
	}
	store := storage.New(storageRoot, cfg.Storage.SigningSecret, baseURL)

	exec := executor.NewCanned(cfg.MinDelay(), cfg.MaxDelay())
	eng := engine.New(conn, cfg, exec, store, opts.Log)
	pipe := ingest.New(conn, store, ingest.StubVerifier{}, cfg.Ingest.MaxPairs, opts.Log)

	// aipilot.yml is authoritative for budget settings at startup; a
	// workspace without one keeps whatever the API last set.
	if _, statErr := os.Stat(config.Path(opts.Workspace)); statErr == nil {
		if err := applyBudgetConfig(conn, eng.Repo, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	prefStore, err := prefs.Open(prefs.NewFileStorage(filepath.Join(opts.Workspace, ".aipilot")))
	if err != nil {
		var cle *prefs.ConfigLoadError
		if errors.As(err, &cle) {
			opts.Log.Warn().Str("path", cle.Path).Str("reason", cle.Reason).Msg("preferences discarded, using defaults")
		} else {
			conn.Close()
			return nil, err
		}
	}

	return &App{
		DB:     conn,
		Config: cfg,
		Engine: eng,
		Ingest: pipe,
		Prefs:  prefStore,
		Store:  store,
		Log:    opts.Log,
	}, nil
}

// applyBudgetConfig writes the configured limits over the stored
// budget_settings row when they differ.
func applyBudgetConfig(conn *sql.DB, r repo.Repo, cfg *config.Config) error {
	ctx := context.Background()
	current, err := r.GetBudgetSettings(ctx)
	if err != nil {
		return err
	}
	if current.MonthlyLimit == cfg.Budget.MonthlyLimit && current.KillThreshold == cfg.Budget.KillThreshold {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = r.UpdateBudgetSettings(ctx, tx, domain.BudgetSettings{
		MonthlyLimit:  cfg.Budget.MonthlyLimit,
		KillThreshold: cfg.Budget.KillThreshold,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Close drains background build workers and closes the database.
func (a *App) Close() error {
	a.Engine.WaitBuilds()
	return a.DB.Close()
}
