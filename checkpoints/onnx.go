package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cardvision/cardback/layers"
)

// ONNX graph constants.
const (
	ONNXIRVersion = 7
	ONNXOpset     = 13
	ONNXProducer  = "cardback"

	// InputName is the NHWC float input of exported graphs.
	InputName = "input"
	// OutputName is the final probability output of exported graphs.
	OutputName = "predictions"

	fp16Suffix = "_fp16"
)

// ONNX enum values used by the exporter.
const (
	onnxFloat   = 1
	onnxFloat16 = 10

	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// ONNXExporter handles conversion of checkpoints to ONNX format. Weights are
// stored as float16 initializers and cast back to float32 inside the graph.
type ONNXExporter struct {
	nodes        []onnxNode
	initializers [][]byte
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to ONNX format and writes it to path
func (oe *ONNXExporter) ExportToONNX(fs afero.Fs, checkpoint *Checkpoint, path string) error {
	data, err := oe.Encode(checkpoint)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(fs, path, data); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// Encode serializes the checkpoint as an ONNX ModelProto. The output depends
// only on the checkpoint contents.
func (oe *ONNXExporter) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	oe.nodes, oe.initializers = nil, nil

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, ONNXIRVersion)
	model = appendString(model, 2, ONNXProducer)
	model = appendString(model, 3, checkpointVersion(checkpoint))
	model = protowire.AppendTag(model, 5, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)
	model = appendString(model, 6, "foreigner card back classifier")
	model = appendBytes(model, 7, graph)

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, ONNXOpset)
	model = appendBytes(model, 8, opset)

	model = appendMetadata(model, "model_name", checkpoint.ModelSpec.Name)
	if checkpoint.Metadata.RunID != "" {
		model = appendMetadata(model, "run_id", checkpoint.Metadata.RunID)
	}
	return model, nil
}

func checkpointVersion(c *Checkpoint) string {
	if c.Metadata.Version != "" {
		return c.Metadata.Version
	}
	return Version
}

// buildONNXGraph creates the ONNX computation graph from the model spec
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	if len(spec.InputShape) != 4 {
		return nil, errors.Errorf("input shape must be 4D, got %v", spec.InputShape)
	}
	weightMap := checkpoint.WeightMap()

	// Inputs arrive NHWC; every layer works on NCHW.
	current := "input_nchw"
	oe.addNode(onnxNode{
		name:    "input_transpose",
		opType:  "Transpose",
		inputs:  []string{InputName},
		outputs: []string{current},
		attrs:   []onnxAttr{intsAttr("perm", 0, 3, 1, 2)},
	})

	for _, layerSpec := range spec.Layers {
		var err error
		switch layerSpec.Type {
		case layers.Rescaling:
			current = oe.createRescalingNode(layerSpec, current)
		case layers.Conv2D:
			current, err = oe.createConv2DNode(layerSpec, weightMap, current)
		case layers.Dense:
			current, err = oe.createDenseNode(layerSpec, weightMap, current)
		case layers.BatchNorm:
			current, err = oe.createBatchNormNode(layerSpec, weightMap, current)
		case layers.ReLU:
			current = oe.createActivationNode(layerSpec, "Relu", current)
		case layers.Sigmoid:
			current = oe.createActivationNode(layerSpec, "Sigmoid", current)
		case layers.Softmax:
			current = oe.createSoftmaxNode(layerSpec, current)
		case layers.MaxPool2D:
			current = oe.createMaxPoolNode(layerSpec, current)
		case layers.GlobalAveragePool:
			current = oe.createGlobalPoolNode(layerSpec, current)
		case layers.Dropout:
			// identity at inference
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layerSpec.Type.String())
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create ONNX node for layer %s", layerSpec.Name)
		}
	}
	if len(oe.nodes) == 0 {
		return nil, errors.New("model produced no nodes")
	}
	oe.nodes[len(oe.nodes)-1].outputs[0] = OutputName

	var graph []byte
	for _, init := range oe.initializers {
		graph = appendBytes(graph, 5, init)
	}
	for _, n := range oe.nodes {
		graph = appendBytes(graph, 1, n.encode())
	}
	graph = appendString(graph, 2, spec.Name)

	h, w, c := spec.InputShape[2], spec.InputShape[3], spec.InputShape[1]
	graph = appendBytes(graph, 11, valueInfo(InputName, "batch", int64(h), int64(w), int64(c)))

	out := make([]int64, 0, len(spec.OutputShape))
	for _, d := range spec.OutputShape[1:] {
		out = append(out, int64(d))
	}
	graph = appendBytes(graph, 12, valueInfo(OutputName, "batch", out...))
	return graph, nil
}

func (oe *ONNXExporter) addNode(n onnxNode) {
	oe.nodes = append(oe.nodes, n)
}

// addWeight stores a tensor as a float16 initializer and casts it back to
// float32 under its original name.
func (oe *ONNXExporter) addWeight(name string, weightMap map[string]WeightTensor) error {
	w, ok := weightMap[name]
	if !ok {
		return errors.Errorf("missing weight %s", name)
	}
	if len(w.Data) != elements(w.Shape) {
		return errors.Errorf("weight %s has %d values for shape %v", name, len(w.Data), w.Shape)
	}
	oe.initializers = append(oe.initializers, float16Tensor(name+fp16Suffix, w.Shape, w.Data))
	oe.addNode(onnxNode{
		name:    name + "_cast",
		opType:  "Cast",
		inputs:  []string{name + fp16Suffix},
		outputs: []string{name},
		attrs:   []onnxAttr{intAttr("to", onnxFloat)},
	})
	return nil
}

// createRescalingNode creates Mul and Add nodes with scalar constants
func (oe *ONNXExporter) createRescalingNode(layerSpec layers.LayerSpec, input string) string {
	name := layerSpec.Name
	scale := layers.GetFloatParam(layerSpec.Parameters, "scale", 1)
	offset := layers.GetFloatParam(layerSpec.Parameters, "offset", 0)
	oe.initializers = append(oe.initializers,
		float32Tensor(name+"_scale", nil, []float32{scale}),
		float32Tensor(name+"_offset", nil, []float32{offset}))
	oe.addNode(onnxNode{
		name:    name + "_mul",
		opType:  "Mul",
		inputs:  []string{input, name + "_scale"},
		outputs: []string{name + "_scaled"},
	})
	out := name + "_out"
	oe.addNode(onnxNode{
		name:    name,
		opType:  "Add",
		inputs:  []string{name + "_scaled", name + "_offset"},
		outputs: []string{out},
	})
	return out
}

// createConv2DNode creates ONNX Conv node
func (oe *ONNXExporter) createConv2DNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, input string) (string, error) {
	name := layerSpec.Name
	k := int64(layers.GetIntParam(layerSpec.Parameters, "kernel_size", 3))
	s := int64(layers.GetIntParam(layerSpec.Parameters, "stride", 1))
	p := int64(layers.GetIntParam(layerSpec.Parameters, "padding", 0))

	inputs := []string{input}
	for _, param := range layerSpec.ParameterNames() {
		if err := oe.addWeight(param, weightMap); err != nil {
			return "", err
		}
		inputs = append(inputs, param)
	}
	out := name + "_out"
	oe.addNode(onnxNode{
		name:    name,
		opType:  "Conv",
		inputs:  inputs,
		outputs: []string{out},
		attrs: []onnxAttr{
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
			intsAttr("dilations", 1, 1),
			intAttr("group", 1),
		},
	})
	return out, nil
}

// createDenseNode creates ONNX Gemm node; weights are [in, out]
func (oe *ONNXExporter) createDenseNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, input string) (string, error) {
	inputs := []string{input}
	for _, param := range layerSpec.ParameterNames() {
		if err := oe.addWeight(param, weightMap); err != nil {
			return "", err
		}
		inputs = append(inputs, param)
	}
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  "Gemm",
		inputs:  inputs,
		outputs: []string{out},
		attrs: []onnxAttr{
			floatAttr("alpha", 1),
			floatAttr("beta", 1),
			intAttr("transB", 0),
		},
	})
	return out, nil
}

// createBatchNormNode creates a BatchNormalization node using the running
// statistics
func (oe *ONNXExporter) createBatchNormNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, input string) (string, error) {
	inputs := []string{input}
	for _, param := range append(layerSpec.ParameterNames(), layerSpec.BufferNames()...) {
		if err := oe.addWeight(param, weightMap); err != nil {
			return "", err
		}
		inputs = append(inputs, param)
	}
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  "BatchNormalization",
		inputs:  inputs,
		outputs: []string{out},
		attrs: []onnxAttr{
			floatAttr("epsilon", layers.GetFloatParam(layerSpec.Parameters, "eps", 1e-3)),
			floatAttr("momentum", layers.GetFloatParam(layerSpec.Parameters, "momentum", 0.99)),
		},
	})
	return out, nil
}

func (oe *ONNXExporter) createActivationNode(layerSpec layers.LayerSpec, opType, input string) string {
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  opType,
		inputs:  []string{input},
		outputs: []string{out},
	})
	return out
}

// createSoftmaxNode creates ONNX Softmax node
func (oe *ONNXExporter) createSoftmaxNode(layerSpec layers.LayerSpec, input string) string {
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  "Softmax",
		inputs:  []string{input},
		outputs: []string{out},
		attrs:   []onnxAttr{intAttr("axis", int64(layers.GetIntParam(layerSpec.Parameters, "axis", -1)))},
	})
	return out
}

func (oe *ONNXExporter) createMaxPoolNode(layerSpec layers.LayerSpec, input string) string {
	pool := int64(layers.GetIntParam(layerSpec.Parameters, "pool_size", 2))
	stride := int64(layers.GetIntParam(layerSpec.Parameters, "stride", int(pool)))
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  "MaxPool",
		inputs:  []string{input},
		outputs: []string{out},
		attrs: []onnxAttr{
			intsAttr("kernel_shape", pool, pool),
			intsAttr("strides", stride, stride),
		},
	})
	return out
}

// createGlobalPoolNode averages spatially and flattens to [batch, channels]
func (oe *ONNXExporter) createGlobalPoolNode(layerSpec layers.LayerSpec, input string) string {
	pooled := layerSpec.Name + "_pooled"
	oe.addNode(onnxNode{
		name:    layerSpec.Name,
		opType:  "GlobalAveragePool",
		inputs:  []string{input},
		outputs: []string{pooled},
	})
	out := layerSpec.Name + "_out"
	oe.addNode(onnxNode{
		name:    layerSpec.Name + "_flatten",
		opType:  "Flatten",
		inputs:  []string{pooled},
		outputs: []string{out},
		attrs:   []onnxAttr{intAttr("axis", 1)},
	})
	return out
}

type onnxAttr struct {
	name string
	kind int
	f    float32
	i    int64
	ints []int64
}

func intAttr(name string, v int64) onnxAttr {
	return onnxAttr{name: name, kind: attrInt, i: v}
}

func intsAttr(name string, v ...int64) onnxAttr {
	return onnxAttr{name: name, kind: attrInts, ints: v}
}

func floatAttr(name string, v float32) onnxAttr {
	return onnxAttr{name: name, kind: attrFloat, f: v}
}

func (a onnxAttr) encode() []byte {
	var b []byte
	b = appendString(b, 1, a.name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case attrInts:
		for _, v := range a.ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.kind))
	return b
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

func (n onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range n.outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.name)
	b = appendString(b, 4, n.opType)
	for _, a := range n.attrs {
		b = appendBytes(b, 5, a.encode())
	}
	return b
}

func float16Tensor(name string, shape []int, data []float32) []byte {
	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	return tensorProto(name, shape, onnxFloat16, raw)
}

func float32Tensor(name string, shape []int, data []float32) []byte {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return tensorProto(name, shape, onnxFloat, raw)
}

func tensorProto(name string, shape []int, dataType uint64, raw []byte) []byte {
	var b []byte
	for _, d := range shape {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, dataType)
	b = appendString(b, 8, name)
	b = appendBytes(b, 9, raw)
	return b
}

// valueInfo describes a float tensor whose first dimension is symbolic.
func valueInfo(name, batchParam string, dims ...int64) []byte {
	var shape []byte
	var dim []byte
	dim = appendString(dim, 2, batchParam)
	shape = appendBytes(shape, 1, dim)
	for _, d := range dims {
		dim = dim[:0]
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = appendBytes(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloat)
	tensorType = appendBytes(tensorType, 2, shape)

	var typ []byte
	typ = appendBytes(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, name)
	b = appendBytes(b, 2, typ)
	return b
}

func appendMetadata(b []byte, key, value string) []byte {
	var entry []byte
	entry = appendString(entry, 1, key)
	entry = appendString(entry, 2, value)
	return appendBytes(b, 14, entry)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
