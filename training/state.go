package training

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is a stage in the life of one training run.
type State int

const (
	Configured State = iota
	Compiled
	Running
	Converged
	StoppedEarly
	Exhausted
	Evaluated
	Persisted
	Failed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Compiled:
		return "compiled"
	case Running:
		return "training"
	case Converged:
		return "converged"
	case StoppedEarly:
		return "stopped_early"
	case Exhausted:
		return "exhausted"
	case Evaluated:
		return "evaluated"
	case Persisted:
		return "persisted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether s ends the fit loop.
func (s State) Finished() bool {
	return s == Converged || s == StoppedEarly || s == Exhausted
}

// ErrInvalidTransition is returned when a run skips or repeats a stage.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	Configured:   {Compiled},
	Compiled:     {Running},
	Running:      {Converged, StoppedEarly, Exhausted},
	Converged:    {Evaluated},
	StoppedEarly: {Evaluated},
	Exhausted:    {Evaluated},
	Evaluated:    {Persisted},
}

// Lifecycle tracks the state of a run. Any state other than Persisted may
// move to Failed.
type Lifecycle struct {
	state State
	trail []State
	log   *zap.Logger
}

// NewLifecycle starts in Configured.
func NewLifecycle(log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{state: Configured, trail: []State{Configured}, log: log}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// Trail returns every state visited, in order.
func (l *Lifecycle) Trail() []State {
	return append([]State(nil), l.trail...)
}

// To moves the run to next.
func (l *Lifecycle) To(next State) error {
	if !l.allowed(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", l.state, next)
	}
	l.log.Debug("run state", zap.Stringer("from", l.state), zap.Stringer("to", next))
	l.state = next
	l.trail = append(l.trail, next)
	return nil
}

// Fail moves the run to Failed unless it already finished or failed.
func (l *Lifecycle) Fail() {
	if l.state == Persisted || l.state == Failed {
		return
	}
	l.state = Failed
	l.trail = append(l.trail, Failed)
}

func (l *Lifecycle) allowed(next State) bool {
	for _, s := range transitions[l.state] {
		if s == next {
			return true
		}
	}
	return false
}
