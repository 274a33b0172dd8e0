package training

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
)

// BestCheckpointName is the file that holds the best model of the run in
// progress. Every improvement overwrites it.
const BestCheckpointName = "best_model.json"

// CheckpointManager keeps the single best-so-far checkpoint of a run.
type CheckpointManager struct {
	fs    afero.Fs
	path  string
	runID string
	saver *checkpoints.CheckpointSaver
	log   *zap.Logger

	saved     int
	bestEpoch int
}

// NewCheckpointManager writes checkpoints to path on fs.
func NewCheckpointManager(fs afero.Fs, path, runID string, log *zap.Logger) *CheckpointManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &CheckpointManager{
		fs:    fs,
		path:  path,
		runID: runID,
		saver: checkpoints.NewCheckpointSaver(fs, checkpoints.FormatForPath(path)),
		log:   log,
	}
}

// Path returns the checkpoint location.
func (cm *CheckpointManager) Path() string {
	return cm.path
}

// SaveBest replaces the checkpoint with the current model state.
func (cm *CheckpointManager) SaveBest(model Model, d Decision) error {
	cp, err := model.Checkpoint(checkpoints.TrainingState{
		Epoch:     d.Epoch,
		BestLoss:  float32(d.BestLoss),
		BestEpoch: d.BestEpoch,
	})
	if err != nil {
		return errors.Wrap(err, "snapshotting model")
	}
	cp.Metadata = checkpoints.CheckpointMetadata{
		Version:     checkpoints.Version,
		Framework:   checkpoints.Framework,
		CreatedAt:   time.Now(),
		RunID:       cm.runID,
		Description: fmt.Sprintf("best val_loss %.6f at epoch %d", d.ValLoss, d.Epoch),
		Tags:        []string{"best"},
	}
	if err := cm.fs.MkdirAll(filepath.Dir(cm.path), 0o755); err != nil {
		return errors.Wrap(err, "creating checkpoint directory")
	}
	if err := cm.saver.SaveCheckpoint(cp, cm.path); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", cm.path)
	}
	cm.saved++
	cm.bestEpoch = d.Epoch
	cm.log.Info("saved best checkpoint",
		zap.String("path", cm.path),
		zap.Int("epoch", d.Epoch),
		zap.Float64("val_loss", d.ValLoss))
	return nil
}

// Load reads the checkpoint back.
func (cm *CheckpointManager) Load() (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(cm.path)
}

// Saved is the number of times the checkpoint was written.
func (cm *CheckpointManager) Saved() int {
	return cm.saved
}

// BestEpoch is the epoch of the stored checkpoint, 0 if none was written.
func (cm *CheckpointManager) BestEpoch() int {
	return cm.bestEpoch
}
