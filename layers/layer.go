// Package layers describes networks as declarative layer specifications.
// A ModelSpec carries no execution logic: the engine compiles it into a
// computation graph and the checkpoint package serializes it.
package layers

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	Sigmoid
	Rescaling
	GlobalAveragePool
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Sigmoid:
		return "Sigmoid"
	case Rescaling:
		return "Rescaling"
	case GlobalAveragePool:
		return "GlobalAveragePool"
	default:
		return "Unknown"
	}
}

// Layer groups. Freezing works per group.
const (
	GroupBackbone = "backbone"
	GroupHead     = "head"
)

// Parameter and buffer suffixes. A tensor is addressed as "<layer>.<suffix>".
const (
	SuffixWeight      = "weight"
	SuffixBias        = "bias"
	SuffixRunningMean = "running_mean"
	SuffixRunningVar  = "running_var"
)

// LayerSpec defines one layer. This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Group      string                 `json:"group,omitempty"`
	Trainable  bool                   `json:"trainable"`

	// Shape information (computed during model compilation), NCHW for images
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Learnable tensors (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable tensors such as BatchNorm running statistics
	BufferShapes [][]int `json:"buffer_shapes,omitempty"`
	BufferCount  int64   `json:"buffer_count,omitempty"`
}

// ParameterNames returns the learnable tensor names in ParameterShapes order.
func (l LayerSpec) ParameterNames() []string {
	switch l.Type {
	case Dense, Conv2D:
		if GetBoolParam(l.Parameters, "use_bias", true) {
			return []string{l.Name + "." + SuffixWeight, l.Name + "." + SuffixBias}
		}
		return []string{l.Name + "." + SuffixWeight}
	case BatchNorm:
		return []string{l.Name + "." + SuffixWeight, l.Name + "." + SuffixBias}
	default:
		return nil
	}
}

// BufferNames returns the non-learnable tensor names in BufferShapes order.
func (l LayerSpec) BufferNames() []string {
	if l.Type == BatchNorm {
		return []string{l.Name + "." + SuffixRunningMean, l.Name + "." + SuffixRunningVar}
	}
	return nil
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	TotalBuffers    int64   `json:"total_buffers"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder provides a fluent interface for building models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	group      string
	compiled   bool
}

// NewModelBuilder creates a builder for an input of shape [batch, channels,
// height, width]. A batch dimension of -1 leaves it dynamic.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		name:       name,
		inputShape: shape,
		group:      GroupHead,
	}
}

// InGroup assigns the group of the layers added after it.
func (mb *ModelBuilder) InGroup(group string) *ModelBuilder {
	mb.group = group
	return mb
}

// AddLayer adds a generic layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	if layer.Group == "" {
		layer.Group = mb.group
	}
	layer.Trainable = true
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddRescaling adds y = x*scale + offset
func (mb *ModelBuilder) AddRescaling(scale, offset float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Rescaling,
		Name: name,
		Parameters: map[string]interface{}{
			"scale":  scale,
			"offset": offset,
		},
	})
}

// AddConv2D adds a 2D convolution with a square kernel and symmetric zero padding
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddBatchNorm adds batch normalization over the channel dimension
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	})
}

// AddReLU adds a ReLU activation layer
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSigmoid adds a sigmoid activation layer
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddSoftmax adds a softmax over the last dimension
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{"axis": -1},
	})
}

// AddMaxPool2D adds max pooling with a square window and no padding
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddGlobalAveragePool averages each channel over its spatial extent
func (mb *ModelBuilder) AddGlobalAveragePool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAveragePool, Name: name})
}

// AddDropout adds a dropout layer; it is inactive at inference
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// AddDense adds a fully connected layer
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// Compile validates the layer stack, computes shapes and parameter counts,
// and returns the finished ModelSpec.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	for i, l := range mb.layers {
		l.Parameters = copyParams(l.Parameters)
		model.Layers[i] = l
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// Recompile recomputes derived shape information, e.g. after the spec was
// read back from disk.
func (ms *ModelSpec) Recompile() error {
	return ms.compile()
}

func (ms *ModelSpec) compile() error {
	seen := make(map[string]bool, len(ms.Layers))
	currentShape := ms.InputShape
	var allParameterShapes [][]int
	var totalParams, totalBuffers int64

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if layer.Name == "" {
			return fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if seen[layer.Name] {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)
		outputShape, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}
		layer.OutputShape = outputShape

		allParameterShapes = append(allParameterShapes, layer.ParameterShapes...)
		totalParams += layer.ParameterCount
		totalBuffers += layer.BufferCount
		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.TotalBuffers = totalBuffers
	ms.Compiled = true
	return nil
}

func computeLayerInfo(layer *LayerSpec, in []int) ([]int, error) {
	layer.ParameterShapes, layer.ParameterCount = nil, 0
	layer.BufferShapes, layer.BufferCount = nil, 0

	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, in)
	case Conv2D:
		return computeConv2DInfo(layer, in)
	case BatchNorm:
		return computeBatchNormInfo(layer, in)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, in)
	case GlobalAveragePool:
		if len(in) != 4 {
			return nil, fmt.Errorf("GlobalAveragePool requires 4D input, got %v", in)
		}
		return []int{in[0], in[1]}, nil
	case ReLU, Sigmoid, Softmax, Dropout, Rescaling:
		return append([]int(nil), in...), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func computeDenseInfo(layer *LayerSpec, in []int) ([]int, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("Dense layer requires 2D input [batch, features], got %v", in)
	}
	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, fmt.Errorf("missing output_size parameter")
	}
	inputSize := in[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize]
	layer.ParameterShapes = [][]int{{inputSize, outputSize}}
	layer.ParameterCount = int64(inputSize * outputSize)
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		layer.ParameterShapes = append(layer.ParameterShapes, []int{outputSize})
		layer.ParameterCount += int64(outputSize)
	}
	return []int{in[0], outputSize}, nil
}

func computeConv2DInfo(layer *LayerSpec, in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width], got %v", in)
	}
	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("output_channels and kernel_size must be positive")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)

	inputChannels := in[1]
	layer.Parameters["input_channels"] = inputChannels

	if in[2]+2*padding < kernelSize || in[3]+2*padding < kernelSize {
		return nil, fmt.Errorf("input %dx%d too small for kernel %d", in[2], in[3], kernelSize)
	}
	outH := (in[2]+2*padding-kernelSize)/stride + 1
	outW := (in[3]+2*padding-kernelSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("input %dx%d too small for kernel %d", in[2], in[3], kernelSize)
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	layer.ParameterShapes = [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	layer.ParameterCount = int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		layer.ParameterShapes = append(layer.ParameterShapes, []int{outputChannels})
		layer.ParameterCount += int64(outputChannels)
	}
	return []int{in[0], outputChannels, outH, outW}, nil
}

func computeBatchNormInfo(layer *LayerSpec, in []int) ([]int, error) {
	if len(in) != 4 && len(in) != 2 {
		return nil, fmt.Errorf("BatchNorm requires 2D or 4D input, got %v", in)
	}
	features := in[1]
	layer.Parameters["num_features"] = features

	// gamma and beta are learnable; running mean and variance are buffers
	layer.ParameterShapes = [][]int{{features}, {features}}
	layer.ParameterCount = int64(2 * features)
	layer.BufferShapes = [][]int{{features}, {features}}
	layer.BufferCount = int64(2 * features)
	return append([]int(nil), in...), nil
}

func computeMaxPoolInfo(layer *LayerSpec, in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("MaxPool2D requires 4D input, got %v", in)
	}
	pool := GetIntParam(layer.Parameters, "pool_size", 2)
	stride := GetIntParam(layer.Parameters, "stride", pool)
	if in[2] < pool || in[3] < pool {
		return nil, fmt.Errorf("input %dx%d too small for pool %d", in[2], in[3], pool)
	}
	outH := (in[2]-pool)/stride + 1
	outW := (in[3]-pool)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("input %dx%d too small for pool %d", in[2], in[3], pool)
	}
	return []int{in[0], in[1], outH, outW}, nil
}

// FreezeGroup marks every layer of group as frozen except the last keepLast
// layers of that group. Layers of other groups are untouched.
func (ms *ModelSpec) FreezeGroup(group string, keepLast int) {
	var idx []int
	for i, l := range ms.Layers {
		if l.Group == group {
			idx = append(idx, i)
		}
	}
	frozen := len(idx) - keepLast
	for k, i := range idx {
		ms.Layers[i].Trainable = k >= frozen
	}
}

// Layer returns the layer with the given name.
func (ms *ModelSpec) Layer(name string) (*LayerSpec, bool) {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i], true
		}
	}
	return nil, false
}

// TrainableParameters counts parameters of trainable layers.
func (ms *ModelSpec) TrainableParameters() int64 {
	var n int64
	for _, l := range ms.Layers {
		if l.Trainable {
			n += l.ParameterCount
		}
	}
	return n
}

// NonTrainableParameters counts frozen parameters plus buffers.
func (ms *ModelSpec) NonTrainableParameters() int64 {
	return ms.TotalParameters + ms.TotalBuffers - ms.TrainableParameters()
}

// OutputUnits returns the width of the final layer.
func (ms *ModelSpec) OutputUnits() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %q\n", ms.Name)
	sb.WriteString(strings.Repeat("─", 78) + "\n")
	fmt.Fprintf(&sb, "%-32s %-20s %-14s %9s\n", "Layer (type)", "Output Shape", "Param #", "Trainable")
	sb.WriteString(strings.Repeat("═", 78) + "\n")
	for _, l := range ms.Layers {
		fmt.Fprintf(&sb, "%-32s %-20s %-14s %9t\n",
			fmt.Sprintf("%s (%s)", l.Name, l.Type),
			formatShape(l.OutputShape),
			humanize.Comma(l.ParameterCount+l.BufferCount),
			l.Trainable)
	}
	sb.WriteString(strings.Repeat("═", 78) + "\n")
	total := ms.TotalParameters + ms.TotalBuffers
	fmt.Fprintf(&sb, "Total params: %s (%s)\n", humanize.Comma(total), humanize.Bytes(uint64(total)*4))
	fmt.Fprintf(&sb, "Trainable params: %s\n", humanize.Comma(ms.TrainableParameters()))
	fmt.Fprintf(&sb, "Non-trainable params: %s\n", humanize.Comma(ms.NonTrainableParameters()))
	return sb.String()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		if i == 0 && d < 0 {
			parts[i] = "None"
			continue
		}
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func copyParams(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Helper functions for parameter extraction. Values read back from JSON
// arrive as float64, values set in code as int or float32.

// GetIntParam reads an integer parameter.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case float32:
		return int(math.Round(float64(v)))
	}
	return defaultValue
}

// GetBoolParam reads a boolean parameter.
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetFloatParam reads a floating point parameter.
func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}
