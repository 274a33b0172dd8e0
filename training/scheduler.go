package training

import (
	"math"
)

// ReduceLROnPlateauScheduler reduces the learning rate when a minimised
// metric has stopped improving.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // multiplier applied on a plateau
	Patience  int     // epochs without improvement before a reduction
	Threshold float64 // an improvement must beat the best value by more than this
	MinLR     float64 // floor

	bestMetric float64
	badEpochs  int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler.
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold, minLR float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if minLR < 0 {
		minLR = 0
	}
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		MinLR:      minLR,
		bestMetric: math.Inf(1),
	}
}

// Step observes one epoch's metric and returns the learning rate to use
// next, and whether it was reduced. The wait counter restarts after a
// reduction; at the floor no further reduction happens.
func (s *ReduceLROnPlateauScheduler) Step(metric, currentLR float64) (float64, bool) {
	if metric < s.bestMetric-s.Threshold {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR, false
	}

	s.badEpochs++
	if s.badEpochs < s.Patience {
		return currentLR, false
	}
	if float32(currentLR) <= float32(s.MinLR) {
		return currentLR, false
	}
	s.badEpochs = 0
	return math.Max(currentLR*s.Factor, s.MinLR), true
}

// BadEpochs returns the current count of epochs without improvement.
func (s *ReduceLROnPlateauScheduler) BadEpochs() int {
	return s.badEpochs
}

// EarlyStopping halts training once the monitored loss has not improved for
// Patience consecutive epochs and remembers the best epoch.
type EarlyStopping struct {
	Patience int

	best      float64
	bestEpoch int
	wait      int
}

// NewEarlyStopping creates an early stopping rule.
func NewEarlyStopping(patience int) *EarlyStopping {
	if patience <= 0 {
		patience = 10
	}
	return &EarlyStopping{Patience: patience, best: math.Inf(1)}
}

// Observe records the loss of a 1-based epoch. Improvement is strict.
func (es *EarlyStopping) Observe(epoch int, loss float64) (improved, stop bool) {
	es.wait++
	if loss < es.best {
		es.best = loss
		es.bestEpoch = epoch
		es.wait = 0
		improved = true
	}
	stop = es.wait >= es.Patience && epoch > 1
	return improved, stop
}

// Best returns the lowest loss seen and the epoch it was seen at. The epoch
// is 0 before any improvement.
func (es *EarlyStopping) Best() (float64, int) {
	return es.best, es.bestEpoch
}
