package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
)

// TrainerConfig configures the fit loop.
type TrainerConfig struct {
	Epochs       int
	LearningRate float64
	// ClassWeights scales the training loss per label. Only binary models
	// are weighted; multi-class models weigh every sample 1.
	ClassWeights map[int]float64
	// Progress receives progress bars and epoch summaries; nil disables them.
	Progress io.Writer
}

// FitResult summarises a finished fit loop.
type FitResult struct {
	History   *History
	Outcome   State
	Reason    string
	BestEpoch int
	BestLoss  float64
	// Restored is set when the final weights were replaced by the best epoch's.
	Restored bool
}

// Trainer runs epochs over a training stream and applies the decisions of
// a Controller at every epoch boundary.
type Trainer struct {
	model      Model
	cfg        TrainerConfig
	controller *Controller
	checkpoint *CheckpointManager
	lifecycle  *Lifecycle
	log        *zap.Logger

	classWeights map[int]float64
	history      *History
	bestWeights  []checkpoints.WeightTensor
}

// NewTrainer wires a model to its controller. checkpoint may be nil to
// skip best-model files; lifecycle may be nil for a private one.
func NewTrainer(model Model, cfg TrainerConfig, controller *Controller, checkpoint *CheckpointManager, lifecycle *Lifecycle, log *zap.Logger) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	if lifecycle == nil {
		lifecycle = NewLifecycle(log)
	}
	return &Trainer{
		model:      model,
		cfg:        cfg,
		controller: controller,
		checkpoint: checkpoint,
		lifecycle:  lifecycle,
		log:        log,
		history:    &History{},
	}
}

// Lifecycle returns the run state shared with the caller.
func (t *Trainer) Lifecycle() *Lifecycle {
	return t.lifecycle
}

// History returns the epochs recorded so far.
func (t *Trainer) History() *History {
	return t.history
}

// Compile binds the optimizer learning rate and the loss weighting.
func (t *Trainer) Compile() error {
	if t.cfg.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", t.cfg.Epochs)
	}
	if t.cfg.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", t.cfg.LearningRate)
	}
	spec := t.model.Spec()
	if spec == nil || !spec.Compiled {
		return errors.New("model spec is not compiled")
	}
	t.model.SetLearningRate(t.cfg.LearningRate)
	if numClasses(spec) == 2 {
		t.classWeights = t.cfg.ClassWeights
	} else if len(t.cfg.ClassWeights) > 0 {
		t.log.Warn("class weights ignored for multi-class output", zap.Int("classes", numClasses(spec)))
	}
	if err := t.lifecycle.To(Compiled); err != nil {
		return err
	}
	t.log.Info("compiled model",
		zap.String("model", spec.Name),
		zap.Int64("parameters", t.model.ParameterCount()),
		zap.Float64("learning_rate", t.cfg.LearningRate),
		zap.Any("class_weights", t.classWeights))
	return nil
}

// Fit trains until the controller stops the run or the epoch budget is
// spent. Cancellation of ctx is honoured at epoch boundaries only; an epoch
// in progress always completes.
func (t *Trainer) Fit(ctx context.Context, train, val Stream) (*FitResult, error) {
	if err := t.lifecycle.To(Running); err != nil {
		return nil, err
	}
	result, err := t.fit(ctx, train, val)
	if err != nil {
		t.lifecycle.Fail()
		return nil, err
	}
	if err := t.lifecycle.To(result.Outcome); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Trainer) fit(ctx context.Context, train, val Stream) (*FitResult, error) {
	// streams run to the end of the epoch even when ctx is cancelled
	epochCtx := context.WithoutCancel(ctx)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "training interrupted before epoch %d", epoch)
		}

		start := time.Now()
		lr := t.model.LearningRate()
		trainMetrics, err := t.trainEpoch(epochCtx, train, epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		var bar *ProgressBar
		if t.cfg.Progress != nil {
			bar = NewProgressBar(t.cfg.Progress, fmt.Sprintf("Epoch %d/%d (Validation)", epoch, t.cfg.Epochs), val.StepsPerEpoch())
		}
		valMetrics, err := validate(epochCtx, t.model, val, bar)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}

		m := EpochMetrics{
			Epoch:        epoch,
			Train:        trainMetrics,
			Validation:   valMetrics,
			LearningRate: lr,
			Duration:     time.Since(start),
		}
		t.history.Append(m)
		t.log.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", m.Train.Loss),
			zap.Float64("accuracy", m.Train.Accuracy),
			zap.Float64("val_loss", m.Validation.Loss),
			zap.Float64("val_accuracy", m.Validation.Accuracy),
			zap.Float64("lr", lr),
			zap.Duration("took", m.Duration))
		if t.cfg.Progress != nil {
			printEpochSummary(t.cfg.Progress, m, t.cfg.Epochs)
		}

		d := t.controller.Observe(epoch, m.Validation.Loss, lr)
		if err := t.apply(d); err != nil {
			return nil, err
		}
		if d.Stop {
			return t.finish(d, d.Outcome)
		}
	}

	loss, best := t.controller.Best()
	return &FitResult{
		History:   t.history,
		Outcome:   Exhausted,
		Reason:    fmt.Sprintf("epoch budget of %d spent", t.cfg.Epochs),
		BestEpoch: best,
		BestLoss:  loss,
	}, nil
}

// apply carries out everything but stopping.
func (t *Trainer) apply(d Decision) error {
	if d.Improved {
		t.bestWeights = t.model.Weights()
	}
	if d.SaveCheckpoint && t.checkpoint != nil {
		if err := t.checkpoint.SaveBest(t.model, d); err != nil {
			return err
		}
	}
	if d.ReduceLR {
		t.log.Info("reducing learning rate",
			zap.Int("epoch", d.Epoch),
			zap.Float64("from", t.model.LearningRate()),
			zap.Float64("to", d.NewLR))
		t.model.SetLearningRate(d.NewLR)
	}
	return nil
}

func (t *Trainer) finish(d Decision, outcome State) (*FitResult, error) {
	result := &FitResult{
		History:   t.history,
		Outcome:   outcome,
		Reason:    d.Reason,
		BestEpoch: d.BestEpoch,
		BestLoss:  d.BestLoss,
	}
	if d.RestoreBest && t.bestWeights != nil {
		if _, err := t.model.LoadWeights(t.bestWeights, true); err != nil {
			return nil, errors.Wrap(err, "restoring best weights")
		}
		result.Restored = true
		t.log.Info("restored best weights", zap.Int("epoch", d.BestEpoch))
	}
	t.log.Info("training stopped", zap.Stringer("outcome", outcome), zap.String("reason", d.Reason))
	return result, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, train Stream, epoch int) (PhaseMetrics, error) {
	acc := newMetricsAccumulator(numClasses(t.model.Spec()))
	var bar *ProgressBar
	if t.cfg.Progress != nil {
		bar = NewProgressBar(t.cfg.Progress, fmt.Sprintf("Epoch %d/%d (Training)", epoch, t.cfg.Epochs), train.StepsPerEpoch())
	}

	batches := train.Epoch(ctx)
	defer batches.Close()
	for step := 1; ; step++ {
		batch, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PhaseMetrics{}, errors.Wrap(err, "reading training batch")
		}
		res, err := t.model.TrainBatch(batch, t.classWeights)
		if err != nil {
			return PhaseMetrics{}, errors.Wrapf(err, "training step %d", step)
		}
		if err := acc.add(res.Prediction, batch.Labels, res.Loss); err != nil {
			return PhaseMetrics{}, err
		}
		if bar != nil {
			bar.Update(step, acc.running())
		}
		t.log.Debug("step", zap.Int("epoch", epoch), zap.Int("step", step), zap.Float64("loss", res.Loss))
	}
	if bar != nil {
		bar.Finish()
	}
	m := acc.result()
	if m.Samples == 0 {
		return PhaseMetrics{}, errors.New("training stream produced no samples")
	}
	return m, nil
}
