package training

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/engine"
	"github.com/cardvision/cardback/models"
	"github.com/cardvision/cardback/vision/dataloader"
)

const fitSize = 64

// brightDarkBatch labels bright images 1 and dark images 0.
func brightDarkBatch(n, offset int) *dataloader.Batch {
	per := fitSize * fitSize * 3
	b := &dataloader.Batch{
		Images:   make([]float32, n*per),
		Labels:   make([]int, n),
		Size:     n,
		Height:   fitSize,
		Width:    fitSize,
		Channels: 3,
	}
	for i := 0; i < n; i++ {
		label := (i + offset) % 2
		b.Labels[i] = label
		for j := 0; j < per; j++ {
			v := float32(0.1) + float32((j+i)%7)*0.02
			if label == 1 {
				v += 0.6
			}
			b.Images[i*per+j] = v
		}
	}
	return b
}

func newCompactEngine(t *testing.T) *engine.ModelTrainingEngine {
	t.Helper()
	spec, err := models.Build(models.Compact, models.Options{Height: fitSize, Width: fitSize, NumClasses: 2})
	require.NoError(t, err)
	cfg := engine.DefaultTrainingConfig()
	cfg.Seed = 11
	eng, err := engine.NewModelTrainingEngine(spec, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(eng.Cleanup)
	return eng
}

func TestFitWithEngineLowersLossAndReloads(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newCompactEngine(t)

	batches := []*dataloader.Batch{brightDarkBatch(8, 0), brightDarkBatch(8, 1)}
	train := &sliceStream{batches: batches}
	val := &sliceStream{batches: batches[:1]}

	cc := testControllerConfig()
	cc.EarlyStoppingPatience = 10
	cc.ReduceLRPatience = 10
	ckpt := NewCheckpointManager(fs, filepath.Join("models", BestCheckpointName), "fit", zaptest.NewLogger(t))
	tr := NewTrainer(eng, TrainerConfig{Epochs: 4, LearningRate: 0.001}, NewController(cc), ckpt, nil, zaptest.NewLogger(t))
	require.NoError(t, tr.Compile())

	res, err := tr.Fit(context.Background(), train, val)
	require.NoError(t, err)
	loss := res.History.Series("loss")
	require.Len(t, loss, 4)
	assert.Less(t, loss[len(loss)-1], loss[0])

	cp, err := eng.Checkpoint(checkpoints.TrainingState{Epoch: res.History.Len()})
	require.NoError(t, err)
	path := filepath.Join("models", "final.json")
	saver := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatForPath(path))
	require.NoError(t, saver.SaveCheckpoint(cp, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	fresh := newCompactEngine(t)
	_, err = fresh.LoadWeights(loaded.Weights, true)
	require.NoError(t, err)

	want, err := eng.Predict(batches[0])
	require.NoError(t, err)
	got, err := fresh.Predict(batches[0])
	require.NoError(t, err)
	require.Len(t, got.Probabilities, len(want.Probabilities))
	assert.InDeltaSlice(t, want.Probabilities, got.Probabilities, 1e-6)
}
