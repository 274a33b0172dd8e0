package engine

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/cardvision/cardback/layers"
)

// parameterStore owns every tensor of a model. Graphs bind nodes to the
// stored tensors, so updates to the backing slices are seen by all of them.
type parameterStore struct {
	names     []string // spec order: per layer, parameters then buffers
	shapes    map[string][]int
	values    map[string][]float32
	tensors   map[string]*tensor.Dense
	learnable map[string]bool // parameter of a trainable layer
	buffer    map[string]bool
}

func newParameterStore(spec *layers.ModelSpec) *parameterStore {
	ps := &parameterStore{
		shapes:    map[string][]int{},
		values:    map[string][]float32{},
		tensors:   map[string]*tensor.Dense{},
		learnable: map[string]bool{},
		buffer:    map[string]bool{},
	}
	for _, l := range spec.Layers {
		for i, name := range l.ParameterNames() {
			ps.add(name, l.ParameterShapes[i])
			ps.learnable[name] = l.Trainable
		}
		for i, name := range l.BufferNames() {
			ps.add(name, l.BufferShapes[i])
			ps.buffer[name] = true
		}
	}
	return ps
}

func (ps *parameterStore) add(name string, shape []int) {
	data := make([]float32, elements(shape))
	ps.names = append(ps.names, name)
	ps.shapes[name] = append([]int(nil), shape...)
	ps.values[name] = data
	ps.tensors[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// initialize applies Glorot-uniform kernels, zero biases, unit BatchNorm
// scale and unit running variance.
func (ps *parameterStore) initialize(spec *layers.ModelSpec, rng *rand.Rand) {
	for _, l := range spec.Layers {
		switch l.Type {
		case layers.Dense:
			shape := l.ParameterShapes[0]
			glorotUniform(ps.values[l.Name+"."+layers.SuffixWeight], shape[0], shape[1], rng)
		case layers.Conv2D:
			shape := l.ParameterShapes[0]
			receptive := shape[2] * shape[3]
			glorotUniform(ps.values[l.Name+"."+layers.SuffixWeight], shape[1]*receptive, shape[0]*receptive, rng)
		case layers.BatchNorm:
			fill(ps.values[l.Name+"."+layers.SuffixWeight], 1)
			fill(ps.values[l.Name+"."+layers.SuffixRunningVar], 1)
		}
	}
}

func glorotUniform(data []float32, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
