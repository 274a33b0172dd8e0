package engine

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/layers"
)

// LoadBackboneWeights initializes the backbone layers from a JSON checkpoint
// or an ONNX file. Tensors of other layers, and tensors the model does not
// have, are ignored. It fails when nothing matched.
func (e *ModelTrainingEngine) LoadBackboneWeights(fs afero.Fs, path string) (int, error) {
	saver := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatForPath(path))
	cp, err := saver.LoadCheckpoint(path)
	if err != nil {
		return 0, errors.Wrap(err, "loading backbone weights")
	}

	backbone := map[string]bool{}
	for _, l := range e.spec.Layers {
		if l.Group == layers.GroupBackbone {
			backbone[l.Name] = true
		}
	}
	var selected []checkpoints.WeightTensor
	for _, w := range cp.Weights {
		if backbone[w.Layer] {
			selected = append(selected, w)
		}
	}

	loaded, err := e.LoadWeights(selected, false)
	if err != nil {
		return 0, errors.Wrapf(err, "loading backbone weights from %s", path)
	}
	if loaded == 0 {
		return 0, errors.Errorf("%s holds no tensors for the %s backbone", path, e.spec.Name)
	}
	e.log.Info("loaded backbone weights",
		zap.String("path", path),
		zap.Int("tensors", loaded),
		zap.Int("available", len(cp.Weights)))
	return loaded, nil
}
