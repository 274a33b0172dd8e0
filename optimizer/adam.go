package optimizer

import (
	"fmt"
	"math"
	"sync"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Adam implements the Adam update with bias correction folded into the
// step size:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	w   -= lr_t * m / (sqrt(v) + eps)
type Adam struct {
	mu     sync.Mutex
	config AdamConfig

	momentum map[string][]float32 // First moment per parameter
	variance map[string][]float32 // Second moment per parameter

	// Step tracking for bias correction
	stepCount uint64
}

// NewAdam creates an Adam optimizer. Moment buffers are allocated lazily
// on the first step that sees a parameter.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	return &Adam{
		config:   config,
		momentum: make(map[string][]float32),
		variance: make(map[string][]float32),
	}, nil
}

// Step performs a single optimization step
func (adam *Adam) Step(params []Parameter) error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	for _, p := range params {
		if len(p.Value) != len(p.Grad) {
			return fmt.Errorf("parameter %s: %d values but %d gradients", p.Name, len(p.Value), len(p.Grad))
		}
	}

	adam.stepCount++
	t := float64(adam.stepCount)
	b1, b2 := float64(adam.config.Beta1), float64(adam.config.Beta2)
	lrT := float32(float64(adam.config.LearningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))
	beta1, beta2, eps := adam.config.Beta1, adam.config.Beta2, adam.config.Epsilon

	for _, p := range params {
		m, ok := adam.momentum[p.Name]
		if !ok {
			m = make([]float32, len(p.Value))
			adam.momentum[p.Name] = m
			adam.variance[p.Name] = make([]float32, len(p.Value))
		}
		v := adam.variance[p.Name]
		for i, g := range p.Grad {
			m[i] = beta1*m[i] + (1-beta1)*g
			v[i] = beta2*v[i] + (1-beta2)*g*g
			p.Value[i] -= lrT * m[i] / (float32(math.Sqrt(float64(v[i]))) + eps)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.mu.Lock()
	adam.config.LearningRate = newLR
	adam.mu.Unlock()
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float32 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.config.LearningRate
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"step_count":    adam.stepCount,
		},
	}
	for _, name := range sortedKeys(adam.momentum) {
		state.StateData = append(state.StateData,
			extractBufferState(adam.momentum[name], name, "m"),
			extractBufferState(adam.variance[name], name, "v"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	momentum := make(map[string][]float32)
	variance := make(map[string][]float32)
	for _, st := range state.StateData {
		kind, name, ok := splitStateName(st.Name)
		if !ok {
			return fmt.Errorf("malformed optimizer state name %q", st.Name)
		}
		buf := make([]float32, len(st.Data))
		if err := restoreBufferState(buf, st.Data, st.Name); err != nil {
			return err
		}
		switch kind {
		case "m":
			momentum[name] = buf
		case "v":
			variance[name] = buf
		default:
			return fmt.Errorf("unknown Adam state %q", kind)
		}
	}
	for name, m := range momentum {
		if v, ok := variance[name]; !ok || len(v) != len(m) {
			return fmt.Errorf("incomplete Adam state for %s", name)
		}
	}
	adam.momentum = momentum
	adam.variance = variance
	return nil
}
