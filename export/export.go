// Package export turns a trained model artifact into a deployment package:
// a 16-bit ONNX graph and a JSON sidecar describing how to feed it.
package export

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/registry"
	"github.com/cardvision/cardback/vision/dataset"
)

const (
	// ModelFile is the ONNX graph inside an export directory.
	ModelFile = "model.onnx"
	// InfoFile is the metadata sidecar.
	InfoFile = "model_info.json"
	// DefaultOutputDir is where exports go when no directory is given.
	DefaultOutputDir = "models/tfjs_model"

	Quantization  = "16-bit"
	Normalization = "scale_0_1"
	Description   = "Binary classifier for foreigner card back detection"
)

// ErrSourceMissing is returned when the model to export does not exist.
var ErrSourceMissing = errors.New("source model not found")

// ModelInfo is the sidecar written next to the model.
type ModelInfo struct {
	InputShape     []*int   `json:"input_shape"`
	OutputShape    []*int   `json:"output_shape"`
	InputName      string   `json:"input_name"`
	OutputName     string   `json:"output_name"`
	ModelType      string   `json:"model_type"`
	Classes        []string `json:"classes"`
	ConversionDate string   `json:"conversion_date"`
	Quantization   string   `json:"quantization"`
	Normalization  string   `json:"normalization"`
	Description    string   `json:"description"`
	ModelFile      string   `json:"model_file"`
	SourceModel    string   `json:"source_model"`
	SourceRun      string   `json:"source_run,omitempty"`
	// ModelID is derived from the source artifact bytes, so exports of
	// the same model carry the same id.
	ModelID        string   `json:"model_id"`
}

// Height returns the expected input height.
func (mi ModelInfo) Height() int { return dim(mi.InputShape, 1) }

// Width returns the expected input width.
func (mi ModelInfo) Width() int { return dim(mi.InputShape, 2) }

// Units returns the width of the model output.
func (mi ModelInfo) Units() int { return dim(mi.OutputShape, 1) }

func dim(shape []*int, i int) int {
	if i >= len(shape) || shape[i] == nil {
		return 0
	}
	return *shape[i]
}

// ReadInfo loads the sidecar of an export directory.
func ReadInfo(fs afero.Fs, dir string) (ModelInfo, error) {
	raw, err := afero.ReadFile(fs, filepath.Join(dir, InfoFile))
	if err != nil {
		return ModelInfo{}, errors.Wrap(err, "reading model info")
	}
	var info ModelInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ModelInfo{}, errors.Wrap(err, "parsing model info")
	}
	return info, nil
}

// Registry is the part of the run registry the exporter uses.
type Registry interface {
	FindRunByModelPath(ctx context.Context, path string) (*registry.Run, error)
	RecordExport(ctx context.Context, e registry.Export) error
}

// Result describes a finished export.
type Result struct {
	OutputDir string
	ModelPath string
	InfoPath  string
	Info      ModelInfo
	Size      int
}

// Exporter converts model artifacts. The source is only ever read.
type Exporter struct {
	fs       afero.Fs
	log      *zap.Logger
	registry Registry
	now      func() time.Time
	newID    func() string
}

// NewExporter creates an exporter. reg may be nil.
func NewExporter(fs afero.Fs, reg Registry, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{
		fs:       fs,
		log:      log,
		registry: reg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Export writes the deployment package of modelPath to outputDir. Nothing
// is written unless the source exists and converts; an existing outputDir
// is replaced as a whole.
func (e *Exporter) Export(ctx context.Context, modelPath, outputDir string) (*Result, error) {
	if outputDir == "" {
		outputDir = DefaultOutputDir
	}
	exists, err := afero.Exists(e.fs, modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", modelPath)
	}
	if !exists {
		return nil, errors.Wrapf(ErrSourceMissing, "%s", modelPath)
	}

	source := afero.NewReadOnlyFs(e.fs)
	cp, err := checkpoints.NewCheckpointSaver(source, checkpoints.FormatForPath(modelPath)).LoadCheckpoint(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", modelPath)
	}
	if cp.ModelSpec == nil {
		return nil, errors.Errorf("%s carries no model architecture", modelPath)
	}
	if err := cp.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid model %s", modelPath)
	}
	raw, err := afero.ReadFile(source, modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", modelPath)
	}
	model, err := checkpoints.NewONNXExporter().Encode(cp)
	if err != nil {
		return nil, errors.Wrap(err, "converting to ONNX")
	}

	id := e.newID()
	info := e.describe(cp, modelPath, ModelID(raw))
	if run := e.sourceRun(ctx, modelPath, cp); run != "" {
		info.SourceRun = run
	}
	sidecar, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding model info")
	}

	if err := e.publish(outputDir, id, map[string][]byte{ModelFile: model, InfoFile: sidecar}); err != nil {
		return nil, err
	}
	e.log.Info("exported model",
		zap.String("source", modelPath),
		zap.String("output", outputDir),
		zap.String("size", humanize.Bytes(uint64(len(model)))),
		zap.String("export_id", id),
		zap.String("model_id", info.ModelID))

	if e.registry != nil {
		err := e.registry.RecordExport(ctx, registry.Export{
			ID:          id,
			RunID:       info.SourceRun,
			SourceModel: modelPath,
			OutputDir:   outputDir,
			CreatedAt:   e.now(),
		})
		if err != nil {
			e.log.Warn("failed to record export", zap.Error(err))
		}
	}

	return &Result{
		OutputDir: outputDir,
		ModelPath: filepath.Join(outputDir, ModelFile),
		InfoPath:  filepath.Join(outputDir, InfoFile),
		Info:      info,
		Size:      len(model),
	}, nil
}

// ModelID returns the content id of a model artifact.
func ModelID(artifact []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, artifact).String()
}

func (e *Exporter) describe(cp *checkpoints.Checkpoint, modelPath, modelID string) ModelInfo {
	spec := cp.ModelSpec
	in := spec.InputShape // [batch, channels, height, width]
	units := spec.OutputUnits()
	modelType := "binary_classification"
	if units > 1 {
		modelType = "multiclass_classification"
	}
	return ModelInfo{
		InputShape:     []*int{nil, intPtr(in[2]), intPtr(in[3]), intPtr(in[1])},
		OutputShape:    []*int{nil, intPtr(units)},
		InputName:      checkpoints.InputName,
		OutputName:     checkpoints.OutputName,
		ModelType:      modelType,
		Classes:        append([]string(nil), dataset.ClassNames...),
		ConversionDate: e.now().Format(time.RFC3339),
		Quantization:   Quantization,
		Normalization:  Normalization,
		Description:    Description,
		ModelFile:      ModelFile,
		SourceModel:    modelPath,
		ModelID:        modelID,
	}
}

// sourceRun resolves the training run of the artifact: the registry first,
// then the run id stamped into the checkpoint.
func (e *Exporter) sourceRun(ctx context.Context, modelPath string, cp *checkpoints.Checkpoint) string {
	if e.registry != nil {
		run, err := e.registry.FindRunByModelPath(ctx, modelPath)
		switch {
		case err == nil:
			return run.ID
		case errors.Cause(err) != registry.ErrNotFound:
			e.log.Warn("run registry lookup failed", zap.Error(err))
		}
	}
	return cp.Metadata.RunID
}

// publish writes files into a sibling staging directory and then moves
// them into dir one by one. Files they replace are kept until every move
// succeeded and are put back otherwise.
func (e *Exporter) publish(dir, id string, files map[string][]byte) (err error) {
	staging := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".staging-"+id)
	if err := e.fs.MkdirAll(staging, 0o755); err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	defer func() {
		err = multierr.Append(err, e.fs.RemoveAll(staging))
	}()

	names := []string{ModelFile, InfoFile}
	for _, name := range names {
		if err := afero.WriteFile(e.fs, filepath.Join(staging, name), files[name], 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	var backups, moved []string
	rollback := func(err error) error {
		for _, name := range moved {
			err = multierr.Append(err, e.fs.Remove(filepath.Join(dir, name)))
		}
		for _, name := range backups {
			err = multierr.Append(err, e.fs.Rename(filepath.Join(staging, name+".previous"), filepath.Join(dir, name)))
		}
		return err
	}
	for _, name := range names {
		target := filepath.Join(dir, name)
		exists, err := afero.Exists(e.fs, target)
		if err != nil {
			return rollback(errors.Wrapf(err, "checking %s", target))
		}
		if exists {
			if err := e.fs.Rename(target, filepath.Join(staging, name+".previous")); err != nil {
				return rollback(errors.Wrapf(err, "moving aside %s", target))
			}
			backups = append(backups, name)
		}
		if err := e.fs.Rename(filepath.Join(staging, name), target); err != nil {
			return rollback(errors.Wrapf(err, "publishing %s", target))
		}
		moved = append(moved, name)
	}
	return nil
}

func intPtr(v int) *int { return &v }
