// Package optimizer updates model parameters from their gradients.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/cardvision/cardback/checkpoints"
)

// Parameter is one learnable tensor and its gradient for the current step.
// Value is updated in place.
type Parameter struct {
	Name  string
	Value []float32
	Grad  []float32
}

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step performs a single optimization step over params
	Step(params []Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Moment tensors
}

// ToCheckpoint converts the state to its checkpoint form.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a checkpoint optimizer state.
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// splitStateName splits "m:<param>" into its state type and parameter name.
func splitStateName(name string) (stateType, param string, ok bool) {
	i := strings.IndexByte(name, ':')
	if i <= 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
