package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/config"
	"github.com/cardvision/cardback/models"
)

// RunIDLayout formats the timestamp shared by every artifact of a run.
const RunIDLayout = "20060102_150405"

// ErrRunExists is returned when artifacts with the same id already exist.
var ErrRunExists = errors.New("run artifacts already exist")

// NewRunID derives the artifact id from t.
func NewRunID(t time.Time) string {
	return t.Format(RunIDLayout)
}

// ArtifactPaths locates the files of one run.
type ArtifactPaths struct {
	Model      string `json:"model"`
	Config     string `json:"config"`
	History    string `json:"history"`
	Evaluation string `json:"evaluation"`
	Plot       string `json:"plot,omitempty"`
}

func (p ArtifactPaths) all() []string {
	paths := []string{p.Model, p.Config, p.History, p.Evaluation}
	if p.Plot != "" {
		paths = append(paths, p.Plot)
	}
	return paths
}

// RunArtifacts is the complete set persisted at the end of a run.
type RunArtifacts struct {
	ID         string
	Model      *checkpoints.Checkpoint
	Config     config.Config
	History    *History
	Evaluation EvaluationResult
	Plot       bool
}

// ArtifactStore writes run artifact sets under one directory. A set is
// written completely or not at all, and never replaces an earlier run.
type ArtifactStore struct {
	fs  afero.Fs
	dir string
	log *zap.Logger
}

// NewArtifactStore stores artifacts in dir.
func NewArtifactStore(fs afero.Fs, dir string, log *zap.Logger) *ArtifactStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArtifactStore{fs: fs, dir: dir, log: log}
}

// Paths returns where the artifacts of id live.
func (s *ArtifactStore) Paths(id string, plot bool) ArtifactPaths {
	p := ArtifactPaths{
		Model:      filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", models.ModelName, id)),
		Config:     filepath.Join(s.dir, fmt.Sprintf("config_%s.json", id)),
		History:    filepath.Join(s.dir, fmt.Sprintf("history_%s.json", id)),
		Evaluation: filepath.Join(s.dir, fmt.Sprintf("evaluation_results_%s.json", id)),
	}
	if plot {
		p.Plot = filepath.Join(s.dir, fmt.Sprintf("training_history_%s.png", id))
	}
	return p
}

// Persist renders every artifact into a staging directory and then moves
// them into place.
func (s *ArtifactStore) Persist(a RunArtifacts) (paths ArtifactPaths, err error) {
	if a.ID == "" {
		return ArtifactPaths{}, errors.New("run id must be set")
	}
	if a.Model == nil || a.History == nil {
		return ArtifactPaths{}, errors.New("model and history must be set")
	}
	paths = s.Paths(a.ID, a.Plot)
	for _, p := range paths.all() {
		if exists, err := afero.Exists(s.fs, p); err != nil {
			return ArtifactPaths{}, errors.Wrapf(err, "checking %s", p)
		} else if exists {
			return ArtifactPaths{}, errors.Wrapf(ErrRunExists, "%s", p)
		}
	}

	files, err := s.render(a, paths)
	if err != nil {
		return ArtifactPaths{}, err
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return ArtifactPaths{}, errors.Wrapf(err, "creating %s", s.dir)
	}
	staging := filepath.Join(s.dir, ".staging_"+a.ID)
	if err := s.fs.MkdirAll(staging, 0o755); err != nil {
		return ArtifactPaths{}, errors.Wrap(err, "creating staging directory")
	}
	defer func() {
		err = multierr.Append(err, s.fs.RemoveAll(staging))
	}()

	for _, f := range files {
		if err := afero.WriteFile(s.fs, filepath.Join(staging, filepath.Base(f.path)), f.data, 0o644); err != nil {
			return ArtifactPaths{}, errors.Wrapf(err, "staging %s", f.path)
		}
	}

	var moved []string
	for _, f := range files {
		if err := s.fs.Rename(filepath.Join(staging, filepath.Base(f.path)), f.path); err != nil {
			for _, m := range moved {
				err = multierr.Append(err, s.fs.Remove(m))
			}
			return ArtifactPaths{}, errors.Wrapf(err, "publishing %s", f.path)
		}
		moved = append(moved, f.path)
	}
	s.log.Info("persisted run artifacts", zap.String("run", a.ID), zap.String("dir", s.dir))
	return paths, nil
}

type artifactFile struct {
	path string
	data []byte
}

func (s *ArtifactStore) render(a RunArtifacts, paths ArtifactPaths) ([]artifactFile, error) {
	cp := *a.Model
	if cp.Metadata.RunID == "" {
		cp.Metadata.RunID = a.ID
	}
	if cp.Metadata.Framework == "" {
		cp.Metadata.Framework = checkpoints.Framework
		cp.Metadata.Version = checkpoints.Version
	}
	if cp.Metadata.CreatedAt.IsZero() {
		cp.Metadata.CreatedAt = time.Now()
	}
	model, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding model")
	}
	cfg, err := json.MarshalIndent(a.Config, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	history, err := json.MarshalIndent(a.History.Record(), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding history")
	}
	evaluation, err := json.MarshalIndent(a.Evaluation, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding evaluation")
	}

	files := []artifactFile{
		{paths.Model, model},
		{paths.Config, cfg},
		{paths.History, history},
		{paths.Evaluation, evaluation},
	}
	if a.Plot {
		var buf bytes.Buffer
		if err := PlotHistory(a.History, &buf); err != nil {
			return nil, err
		}
		files = append(files, artifactFile{paths.Plot, buf.Bytes()})
	}
	return files, nil
}
