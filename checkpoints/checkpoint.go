// Package checkpoints persists trained models: a JSON checkpoint holding the
// layer specification and every weight tensor, and an ONNX rendition of the
// same network for inference outside this module.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/cardvision/cardback/layers"
)

// Framework and Version are stamped into checkpoints that carry no metadata.
const (
	Framework = "cardback"
	Version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension. Anything but .onnx
// is JSON.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	BestEpoch    int     `json:"best_epoch"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count)
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// WeightMap indexes the weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// Validate checks that every parameter and buffer the model spec declares is
// present with the declared number of elements.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	if !c.ModelSpec.Compiled {
		return errors.New("checkpoint model spec is not compiled")
	}
	weights := c.WeightMap()
	for _, l := range c.ModelSpec.Layers {
		names := append(l.ParameterNames(), l.BufferNames()...)
		shapes := append(append([][]int{}, l.ParameterShapes...), l.BufferShapes...)
		if len(names) != len(shapes) {
			return errors.Errorf("layer %s: %d tensor names for %d shapes", l.Name, len(names), len(shapes))
		}
		for i, name := range names {
			w, ok := weights[name]
			if !ok {
				return errors.Errorf("missing tensor %s", name)
			}
			if want := elements(shapes[i]); len(w.Data) != want {
				return errors.Errorf("tensor %s has %d values, expected %d", name, len(w.Data), want)
			}
		}
	}
	return nil
}

// WeightsFromSpec orders values by the spec's parameter and buffer layout and
// annotates each tensor with its layer and role.
func WeightsFromSpec(spec *layers.ModelSpec, values map[string][]float32) ([]WeightTensor, error) {
	var weights []WeightTensor
	for _, l := range spec.Layers {
		names := append(l.ParameterNames(), l.BufferNames()...)
		shapes := append(append([][]int{}, l.ParameterShapes...), l.BufferShapes...)
		for i, name := range names {
			data, ok := values[name]
			if !ok {
				return nil, errors.Errorf("no values for %s", name)
			}
			if len(data) != elements(shapes[i]) {
				return nil, errors.Errorf("%s has %d values, expected %d", name, len(data), elements(shapes[i]))
			}
			weights = append(weights, WeightTensor{
				Name:  name,
				Shape: append([]int(nil), shapes[i]...),
				Data:  append([]float32(nil), data...),
				Layer: l.Name,
				Type:  name[strings.LastIndexByte(name, '.')+1:],
			})
		}
	}
	return weights, nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	fs     afero.Fs
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		fs:     fs,
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint. The file at path is
// replaced only once the new contents are fully written.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return WriteFileAtomic(cs.fs, path, data)
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if checkpoint.ModelSpec != nil {
		if err := checkpoint.ModelSpec.Recompile(); err != nil {
			return nil, errors.Wrapf(err, "invalid model spec in %s", path)
		}
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	return NewONNXExporter().ExportToONNX(cs.fs, checkpoint, path)
}

// loadONNX reads weights back from an ONNX file. The returned checkpoint
// carries no model spec.
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	return NewONNXImporter().ImportFromONNX(cs.fs, path)
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return errors.Wrapf(err, "closing %s", path)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return errors.Wrapf(err, "renaming into %s", path)
	}
	return nil
}
