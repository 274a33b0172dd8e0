// Package registry records training runs and exports in a SQLite database so
// that exported packages can be traced back to the run that produced them.
package registry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("registry: not found")

// Run is one completed training run.
type Run struct {
	ID             string
	ModelType      string
	Outcome        string
	ModelPath      string
	ConfigPath     string
	HistoryPath    string
	EvaluationPath string
	PlotPath       string
	Epochs         int
	BestEpoch      int
	ValLoss        float64
	ValAccuracy    float64
	ValPrecision   float64
	ValRecall      float64
	F1Score        float64
	CreatedAt      time.Time
}

// Export is one model package produced from a run artifact.
type Export struct {
	ID          string
	RunID       string
	SourceModel string
	OutputDir   string
	CreatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	model_type      TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	model_path      TEXT NOT NULL,
	config_path     TEXT NOT NULL,
	history_path    TEXT NOT NULL,
	evaluation_path TEXT NOT NULL,
	plot_path       TEXT NOT NULL,
	epochs          INTEGER NOT NULL,
	best_epoch      INTEGER NOT NULL,
	val_loss        REAL NOT NULL,
	val_accuracy    REAL NOT NULL,
	val_precision   REAL NOT NULL,
	val_recall      REAL NOT NULL,
	f1_score        REAL NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_model_path ON runs (model_path);
CREATE TABLE IF NOT EXISTS exports (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	source_model TEXT NOT NULL,
	output_dir   TEXT NOT NULL,
	created_at   TEXT NOT NULL
);`

// Registry is a handle on the run database.
type Registry struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "creating registry directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening registry %s", path)
	}
	// a single connection keeps :memory: databases consistent and
	// serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating registry")
	}
	log.Debug("registry open", zap.String("path", path))
	return &Registry{db: db, log: log}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordRun inserts a run. Recording the same id twice fails.
func (r *Registry) RecordRun(ctx context.Context, run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.ModelPath = CanonicalPath(run.ModelPath)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (id, model_type, outcome, model_path, config_path, history_path,
	evaluation_path, plot_path, epochs, best_epoch, val_loss, val_accuracy,
	val_precision, val_recall, f1_score, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModelType, run.Outcome, run.ModelPath, run.ConfigPath, run.HistoryPath,
		run.EvaluationPath, run.PlotPath, run.Epochs, run.BestEpoch, run.ValLoss, run.ValAccuracy,
		run.ValPrecision, run.ValRecall, run.F1Score, run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "recording run %s", run.ID)
	}
	r.log.Debug("recorded run", zap.String("id", run.ID), zap.String("model", run.ModelPath))
	return nil
}

// RecordExport inserts an export.
func (r *Registry) RecordExport(ctx context.Context, e Export) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO exports (id, run_id, source_model, output_dir, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.SourceModel, e.OutputDir, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "recording export %s", e.ID)
	}
	return nil
}

const runColumns = `id, model_type, outcome, model_path, config_path, history_path,
	evaluation_path, plot_path, epochs, best_epoch, val_loss, val_accuracy,
	val_precision, val_recall, f1_score, created_at`

// CanonicalPath is the form model paths are stored and looked up in:
// absolute when the working directory is known, cleaned otherwise.
func CanonicalPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// FindRunByModelPath returns the run whose model artifact is path. Paths
// are compared in canonical form.
func (r *Registry) FindRunByModelPath(ctx context.Context, path string) (*Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE model_path = ? ORDER BY created_at DESC LIMIT 1`,
		CanonicalPath(path))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up run")
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A limit of 0 lists all.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "reading run")
		}
		runs = append(runs, *run)
	}
	return runs, errors.Wrap(rows.Err(), "listing runs")
}

// Exports returns the exports made from a run.
func (r *Registry) Exports(ctx context.Context, runID string) ([]Export, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, run_id, source_model, output_dir, created_at FROM exports WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "listing exports")
	}
	defer rows.Close()

	var exports []Export
	for rows.Next() {
		var e Export
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.SourceModel, &e.OutputDir, &created); err != nil {
			return nil, errors.Wrap(err, "reading export")
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		exports = append(exports, e)
	}
	return exports, errors.Wrap(rows.Err(), "listing exports")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var created string
	err := s.Scan(&run.ID, &run.ModelType, &run.Outcome, &run.ModelPath, &run.ConfigPath, &run.HistoryPath,
		&run.EvaluationPath, &run.PlotPath, &run.Epochs, &run.BestEpoch, &run.ValLoss, &run.ValAccuracy,
		&run.ValPrecision, &run.ValRecall, &run.F1Score, &created)
	if err != nil {
		return nil, err
	}
	run.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s has a malformed timestamp", run.ID)
	}
	return &run, nil
}
