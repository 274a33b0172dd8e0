package training

import (
	"fmt"
	"math"

	"github.com/cardvision/cardback/config"
)

// reduceLRThreshold is the margin an epoch must beat the best validation
// loss by before the plateau counter resets.
const reduceLRThreshold = 1e-4

// ControllerConfig holds the epoch-boundary rules.
type ControllerConfig struct {
	EarlyStoppingPatience int
	ReduceLRPatience      int
	ReduceLRFactor        float64
	ReduceLRThreshold     float64
	MinLearningRate       float64
	// ConvergenceLoss stops the run once the validation loss is at or below
	// it. Zero only triggers on a perfect loss.
	ConvergenceLoss float64
}

// ControllerConfigFrom derives the rules from a run configuration.
func ControllerConfigFrom(cfg config.Config) ControllerConfig {
	return ControllerConfig{
		EarlyStoppingPatience: cfg.EarlyStoppingPatience,
		ReduceLRPatience:      cfg.ReduceLRPatience,
		ReduceLRFactor:        cfg.ReduceLRFactor,
		ReduceLRThreshold:     reduceLRThreshold,
		MinLearningRate:       cfg.MinLearningRate,
		ConvergenceLoss:       cfg.ConvergenceLoss,
	}
}

// Decision is what the trainer must do after an epoch.
type Decision struct {
	Epoch   int
	ValLoss float64

	// Improved is set when the validation loss is the lowest so far.
	Improved bool
	// SaveCheckpoint asks for the current weights to replace the best checkpoint.
	SaveCheckpoint bool

	ReduceLR bool
	NewLR    float64

	Stop bool
	// Outcome is the terminal state when Stop is set.
	Outcome State
	// RestoreBest asks for the weights of BestEpoch to be loaded back.
	RestoreBest bool

	BestEpoch int
	BestLoss  float64
	Reason    string
}

// Controller turns per-epoch validation losses into training decisions.
// It replaces callback objects with a single deterministic rule set:
// checkpoint on every strict improvement, reduce the learning rate after a
// plateau, stop early after a longer plateau and restore the best weights.
type Controller struct {
	cfg      ControllerConfig
	plateau  *ReduceLROnPlateauScheduler
	stopping *EarlyStopping
}

// NewController creates a controller in its initial state.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		plateau:  NewReduceLROnPlateauScheduler(cfg.ReduceLRFactor, cfg.ReduceLRPatience, cfg.ReduceLRThreshold, cfg.MinLearningRate),
		stopping: NewEarlyStopping(cfg.EarlyStoppingPatience),
	}
}

// Observe feeds the validation loss of a 1-based epoch run at learning
// rate lr.
func (c *Controller) Observe(epoch int, valLoss, lr float64) Decision {
	d := Decision{Epoch: epoch, ValLoss: valLoss, NewLR: lr}

	d.Improved, d.Stop = c.stopping.Observe(epoch, valLoss)
	d.SaveCheckpoint = d.Improved
	d.BestLoss, d.BestEpoch = c.stopping.Best()
	if d.Stop {
		d.Outcome = StoppedEarly
		d.RestoreBest = d.BestEpoch > 0 && d.BestEpoch != epoch
		d.Reason = fmt.Sprintf("val_loss did not improve for %d epochs (best %.4f at epoch %d)",
			c.stopping.Patience, d.BestLoss, d.BestEpoch)
	}

	d.NewLR, d.ReduceLR = c.plateau.Step(valLoss, lr)

	if !d.Stop && !math.IsNaN(valLoss) && valLoss <= c.cfg.ConvergenceLoss {
		d.Stop = true
		d.Outcome = Converged
		d.Reason = fmt.Sprintf("val_loss %.4f reached %.4f", valLoss, c.cfg.ConvergenceLoss)
	}
	return d
}

// Best returns the lowest validation loss and its epoch.
func (c *Controller) Best() (float64, int) {
	return c.stopping.Best()
}
