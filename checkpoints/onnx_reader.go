package checkpoints

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNXModel is the subset of an ONNX ModelProto the importer understands.
type ONNXModel struct {
	IRVersion    int64
	ProducerName string
	Opset        int64
	GraphName    string
	Nodes        []ONNXNode
	Initializers []ONNXTensor
	Inputs       []ONNXValueInfo
	Outputs      []ONNXValueInfo
	Metadata     map[string]string
}

// ONNXNode is one graph node.
type ONNXNode struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes map[string]ONNXAttribute
}

// ONNXAttribute holds the scalar or list value of a node attribute.
type ONNXAttribute struct {
	Type  int64
	F     float32
	I     int64
	S     string
	Ints  []int64
	Float []float32
}

// ONNXTensor is an initializer decoded to float32. DataType keeps the stored
// element type.
type ONNXTensor struct {
	Name     string
	Dims     []int64
	DataType int64
	Data     []float32
}

// ONNXValueInfo is a graph input or output. Symbolic dimensions are -1.
type ONNXValueInfo struct {
	Name string
	Dims []int64
}

// Node returns the first node with the given op type.
func (m *ONNXModel) Node(opType string) (ONNXNode, bool) {
	for _, n := range m.Nodes {
		if n.OpType == opType {
			return n, true
		}
	}
	return ONNXNode{}, false
}

// ONNXImporter reads weights back out of ONNX files written by ONNXExporter
// or compatible tools.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX loads the weights of an ONNX file as a checkpoint without a
// model spec.
func (oi *ONNXImporter) ImportFromONNX(fs afero.Fs, path string) (*Checkpoint, error) {
	weights, model, err := oi.importWeights(fs, path)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Weights: weights,
		Metadata: CheckpointMetadata{
			Framework: model.ProducerName,
			RunID:     model.Metadata["run_id"],
		},
	}, nil
}

// ImportWeights returns every initializer as a float32 weight tensor. Float16
// initializers are dequantized and lose their storage suffix.
func (oi *ONNXImporter) ImportWeights(fs afero.Fs, path string) ([]WeightTensor, error) {
	weights, _, err := oi.importWeights(fs, path)
	return weights, err
}

func (oi *ONNXImporter) importWeights(fs afero.Fs, path string) ([]WeightTensor, *ONNXModel, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read ONNX file")
	}
	model, err := ParseONNX(data)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	weights := make([]WeightTensor, 0, len(model.Initializers))
	for _, init := range model.Initializers {
		name := strings.TrimSuffix(init.Name, fp16Suffix)
		shape := make([]int, len(init.Dims))
		for i, d := range init.Dims {
			shape[i] = int(d)
		}
		w := WeightTensor{Name: name, Shape: shape, Data: init.Data}
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			w.Layer, w.Type = name[:i], name[i+1:]
		}
		weights = append(weights, w)
	}
	return weights, model, nil
}

// ParseONNX decodes a serialized ModelProto.
func ParseONNX(data []byte) (*ONNXModel, error) {
	m := &ONNXModel{Metadata: map[string]string{}}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			m.IRVersion = int64(x)
		case 2:
			m.ProducerName = string(v)
		case 7:
			return parseGraph(v, m)
		case 8:
			return walk(v, func(num protowire.Number, _ protowire.Type, _ []byte, x uint64) error {
				if num == 2 {
					m.Opset = int64(x)
				}
				return nil
			})
		case 14:
			var key, value string
			err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				switch num {
				case 1:
					key = string(v)
				case 2:
					value = string(v)
				}
				return nil
			})
			m.Metadata[key] = value
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func parseGraph(data []byte, m *ONNXModel) error {
	return walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n, err := parseNode(v)
			if err != nil {
				return err
			}
			m.Nodes = append(m.Nodes, n)
		case 2:
			m.GraphName = string(v)
		case 5:
			t, err := parseTensor(v)
			if err != nil {
				return err
			}
			m.Initializers = append(m.Initializers, t)
		case 11, 12:
			vi, err := parseValueInfo(v)
			if err != nil {
				return err
			}
			if num == 11 {
				m.Inputs = append(m.Inputs, vi)
			} else {
				m.Outputs = append(m.Outputs, vi)
			}
		}
		return nil
	})
}

func parseNode(data []byte) (ONNXNode, error) {
	n := ONNXNode{Attributes: map[string]ONNXAttribute{}}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(v))
		case 2:
			n.Outputs = append(n.Outputs, string(v))
		case 3:
			n.Name = string(v)
		case 4:
			n.OpType = string(v)
		case 5:
			name, a, err := parseAttribute(v)
			if err != nil {
				return err
			}
			n.Attributes[name] = a
		}
		return nil
	})
	return n, err
}

func parseAttribute(data []byte) (string, ONNXAttribute, error) {
	var name string
	var a ONNXAttribute
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			name = string(v)
		case 2:
			a.F = math.Float32frombits(uint32(x))
		case 3:
			a.I = int64(x)
		case 4:
			a.S = string(v)
		case 7:
			fs, err := repeatedFixed32(typ, v, x)
			if err != nil {
				return err
			}
			for _, f := range fs {
				a.Float = append(a.Float, math.Float32frombits(f))
			}
		case 8:
			is, err := repeatedVarint(typ, v, x)
			if err != nil {
				return err
			}
			for _, i := range is {
				a.Ints = append(a.Ints, int64(i))
			}
		case 20:
			a.Type = int64(x)
		}
		return nil
	})
	return name, a, err
}

func parseTensor(data []byte) (ONNXTensor, error) {
	var t ONNXTensor
	var raw []byte
	var floats []float32
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			ds, err := repeatedVarint(typ, v, x)
			if err != nil {
				return err
			}
			for _, d := range ds {
				t.Dims = append(t.Dims, int64(d))
			}
		case 2:
			t.DataType = int64(x)
		case 4:
			fs, err := repeatedFixed32(typ, v, x)
			if err != nil {
				return err
			}
			for _, f := range fs {
				floats = append(floats, math.Float32frombits(f))
			}
		case 8:
			t.Name = string(v)
		case 9:
			raw = v
		}
		return nil
	})
	if err != nil {
		return t, err
	}

	switch {
	case raw == nil:
		t.Data = floats
	case t.DataType == onnxFloat:
		if len(raw)%4 != 0 {
			return t, errors.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.Data = make([]float32, len(raw)/4)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case t.DataType == onnxFloat16:
		if len(raw)%2 != 0 {
			return t, errors.Errorf("tensor %s: raw data length %d is not a multiple of 2", t.Name, len(raw))
		}
		t.Data = make([]float32, len(raw)/2)
		for i := range t.Data {
			t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	default:
		return t, errors.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
	return t, nil
}

func parseValueInfo(data []byte) (ONNXValueInfo, error) {
	var vi ONNXValueInfo
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			vi.Name = string(v)
		case 2:
			// TypeProto.tensor_type.shape.dim
			return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num != 1 {
					return nil
				}
				return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
					if num != 2 {
						return nil
					}
					return walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
						if num != 1 {
							return nil
						}
						dim := int64(-1)
						err := walk(v, func(num protowire.Number, _ protowire.Type, _ []byte, x uint64) error {
							if num == 1 {
								dim = int64(x)
							}
							return nil
						})
						vi.Dims = append(vi.Dims, dim)
						return err
					})
				})
			})
		}
		return nil
	})
	return vi, err
}

// walk calls fn for every field of a serialized message. Length-delimited
// fields arrive in v, varint and fixed fields in x.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed tag")
		}
		data = data[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "malformed field %d", num)
		}
		data = data[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

// repeatedVarint handles both the packed and the unpacked encoding.
func repeatedVarint(typ protowire.Type, v []byte, x uint64) ([]uint64, error) {
	if typ != protowire.BytesType {
		return []uint64{x}, nil
	}
	var out []uint64
	for len(v) > 0 {
		u, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "malformed packed varint")
		}
		out = append(out, u)
		v = v[n:]
	}
	return out, nil
}

func repeatedFixed32(typ protowire.Type, v []byte, x uint64) ([]uint32, error) {
	if typ != protowire.BytesType {
		return []uint32{uint32(x)}, nil
	}
	if len(v)%4 != 0 {
		return nil, errors.New("malformed packed fixed32")
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(v[4*i:])
	}
	return out, nil
}
