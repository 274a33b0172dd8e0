package training

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/config"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func testArtifacts(t *testing.T, id string, plot bool) RunArtifacts {
	model := newFakeModel(t, 1)
	cp, err := model.Checkpoint(checkpoints.TrainingState{Epoch: 2})
	require.NoError(t, err)
	return RunArtifacts{
		ID:         id,
		Model:      cp,
		Config:     config.Default(),
		History:    sampleHistory(2),
		Evaluation: EvaluationResult{ValLoss: 0.3, ValAccuracy: 0.9, ValPrecision: 0.8, ValRecall: 0.7, F1Score: F1(0.8, 0.7)},
		Plot:       plot,
	}
}

func TestNewRunID(t *testing.T) {
	assert.Equal(t, "20240309_070605", NewRunID(time.Date(2024, 3, 9, 7, 6, 5, 0, time.UTC)))
}

func TestArtifactStorePersist(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewArtifactStore(fs, "models", nil)

	paths, err := store.Persist(testArtifacts(t, "20240101_000000", true))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("models", "foreigner_card_classifier_20240101_000000.json"), paths.Model)
	assert.Equal(t, filepath.Join("models", "training_history_20240101_000000.png"), paths.Plot)

	raw, err := afero.ReadFile(fs, paths.Evaluation)
	require.NoError(t, err)
	var ev map[string]float64
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Len(t, ev, 5)
	for _, key := range []string{"val_loss", "val_accuracy", "val_precision", "val_recall", "f1_score"} {
		assert.Contains(t, ev, key)
	}

	raw, err = afero.ReadFile(fs, paths.History)
	require.NoError(t, err)
	var history map[string][]float64
	require.NoError(t, json.Unmarshal(raw, &history))
	assert.Len(t, history["val_accuracy"], 2)

	raw, err = afero.ReadFile(fs, paths.Config)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"model_type": "efficient"`)

	cp, err := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatJSON).LoadCheckpoint(paths.Model)
	require.NoError(t, err)
	assert.Equal(t, "20240101_000000", cp.Metadata.RunID)
	assert.Len(t, cp.Weights, 2)

	png, err := afero.ReadFile(fs, paths.Plot)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))

	staged, err := afero.Glob(fs, filepath.Join("models", ".staging_*"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestArtifactStoreNeverOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewArtifactStore(fs, "models", nil)

	first, err := store.Persist(testArtifacts(t, "20240101_000000", false))
	require.NoError(t, err)
	before, err := afero.ReadFile(fs, first.Model)
	require.NoError(t, err)

	a := testArtifacts(t, "20240101_000000", false)
	a.Evaluation.ValLoss = 9
	_, err = store.Persist(a)
	assert.Equal(t, ErrRunExists, errors.Cause(err))

	after, err := afero.ReadFile(fs, first.Model)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestArtifactStoreNothingOnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewArtifactStore(fs, "models", nil)

	a := testArtifacts(t, "20240101_000000", true)
	a.History = &History{} // nothing to plot
	_, err := store.Persist(a)
	require.Error(t, err)

	exists, err := afero.DirExists(fs, "models")
	require.NoError(t, err)
	if exists {
		entries, err := afero.ReadDir(fs, "models")
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestArtifactStoreReadOnly(t *testing.T) {
	store := NewArtifactStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "models", nil)
	_, err := store.Persist(testArtifacts(t, "20240101_000000", false))
	assert.Error(t, err)
}

func TestPlotHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PlotHistory(sampleHistory(5), &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))

	assert.Error(t, PlotHistory(&History{}, &buf))
}
