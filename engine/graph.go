package engine

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/cardvision/cardback/layers"
)

// batchStats captures the batch statistics of one BatchNorm layer during a
// training step.
type batchStats struct {
	layer    string
	momentum float32
	count    int // values reduced per channel
	mean     G.Value
	variance G.Value
}

// compiledGraph is a graph for one batch size together with its machine.
type compiledGraph struct {
	g       *G.ExprGraph
	vm      G.VM
	batch   int
	x       *G.Node
	y       *G.Node // training only
	weights *G.Node // training only

	learnables []*G.Node
	stats      []*batchStats
	cost       G.Value
	output     G.Value
}

func (cg *compiledGraph) close() error {
	if cg.vm == nil {
		return nil
	}
	return cg.vm.Close()
}

// graphBuilder translates layer specs into gorgonia nodes. Construction
// errors panic through G.Must and are recovered by build.
type graphBuilder struct {
	g        *G.ExprGraph
	store    *parameterStore
	training bool
	nodes    map[string]*G.Node
	stats    []*batchStats
}

func newGraphBuilder(store *parameterStore, training bool) *graphBuilder {
	return &graphBuilder{
		g:        G.NewGraph(),
		store:    store,
		training: training,
		nodes:    map[string]*G.Node{},
	}
}

// tensorNode returns the node bound to a stored tensor, creating it on first use.
func (gb *graphBuilder) tensorNode(name string) *G.Node {
	if n, ok := gb.nodes[name]; ok {
		return n
	}
	shape := gb.store.shapes[name]
	n := G.NewTensor(gb.g, tensor.Float32, len(shape),
		G.WithShape(shape...),
		G.WithName(name),
		G.WithValue(gb.store.tensors[name]))
	gb.nodes[name] = n
	return n
}

// forward applies spec.Layers[:upto] to x.
func (gb *graphBuilder) forward(spec *layers.ModelSpec, x *G.Node, upto int) (out *G.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("building graph: %v", r)
		}
	}()
	out = x
	for _, l := range spec.Layers[:upto] {
		out = gb.layer(l, out)
	}
	return out, nil
}

func (gb *graphBuilder) layer(l layers.LayerSpec, x *G.Node) *G.Node {
	switch l.Type {
	case layers.Rescaling:
		scale := layers.GetFloatParam(l.Parameters, "scale", 1)
		offset := layers.GetFloatParam(l.Parameters, "offset", 0)
		scaled := G.Must(G.Mul(x, G.NewConstant(scale)))
		return G.Must(G.Add(scaled, G.NewConstant(offset)))

	case layers.Conv2D:
		k := layers.GetIntParam(l.Parameters, "kernel_size", 3)
		s := layers.GetIntParam(l.Parameters, "stride", 1)
		p := layers.GetIntParam(l.Parameters, "padding", 0)
		w := gb.tensorNode(l.Name + "." + layers.SuffixWeight)
		out := G.Must(G.Conv2d(x, w, tensor.Shape{k, k}, []int{p, p}, []int{s, s}, []int{1, 1}))
		if layers.GetBoolParam(l.Parameters, "use_bias", true) {
			c := l.OutputShape[1]
			b := G.Must(G.Reshape(gb.tensorNode(l.Name+"."+layers.SuffixBias), tensor.Shape{1, c, 1, 1}))
			out = G.Must(G.BroadcastAdd(out, b, nil, []byte{0, 2, 3}))
		}
		return out

	case layers.Dense:
		w := gb.tensorNode(l.Name + "." + layers.SuffixWeight)
		out := G.Must(G.Mul(x, w))
		if layers.GetBoolParam(l.Parameters, "use_bias", true) {
			units := l.OutputShape[1]
			b := G.Must(G.Reshape(gb.tensorNode(l.Name+"."+layers.SuffixBias), tensor.Shape{1, units}))
			out = G.Must(G.BroadcastAdd(out, b, nil, []byte{0}))
		}
		return out

	case layers.BatchNorm:
		return gb.batchNorm(l, x)

	case layers.ReLU:
		return G.Must(G.Rectify(x))

	case layers.Sigmoid:
		return G.Must(G.Sigmoid(x))

	case layers.Softmax:
		return G.Must(G.SoftMax(x))

	case layers.MaxPool2D:
		pool := layers.GetIntParam(l.Parameters, "pool_size", 2)
		stride := layers.GetIntParam(l.Parameters, "stride", pool)
		return G.Must(G.MaxPool2D(x, tensor.Shape{pool, pool}, []int{0, 0}, []int{stride, stride}))

	case layers.GlobalAveragePool:
		return reduceMean(x, 2, 3)

	case layers.Dropout:
		if !gb.training {
			return x
		}
		rate := layers.GetFloatParam(l.Parameters, "rate", 0)
		if rate <= 0 {
			return x
		}
		return G.Must(G.Dropout(x, float64(rate)))
	}
	panic(fmt.Sprintf("unsupported layer type %s", l.Type))
}

// batchNorm normalizes over every axis but the channel axis. Trainable
// layers use batch statistics while training; frozen layers and inference
// use the running statistics. A 1x1 feature map is normalized as a matrix.
func (gb *graphBuilder) batchNorm(l layers.LayerSpec, x *G.Node) *G.Node {
	if s := x.Shape().Clone(); x.Dims() == 4 && s[2]*s[3] == 1 {
		flat := G.Must(G.Reshape(x, tensor.Shape{s[0], s[1]}))
		return G.Must(G.Reshape(gb.normalize(l, flat), s))
	}
	return gb.normalize(l, x)
}

func (gb *graphBuilder) normalize(l layers.LayerSpec, x *G.Node) *G.Node {
	c := l.InputShape[1]
	axes, shape, pattern := []int{0}, tensor.Shape{1, c}, []byte{0}
	count := x.Shape()[0]
	if x.Dims() == 4 {
		axes, shape, pattern = []int{0, 2, 3}, tensor.Shape{1, c, 1, 1}, []byte{0, 2, 3}
		count *= x.Shape()[2] * x.Shape()[3]
	}
	eps := layers.GetFloatParam(l.Parameters, "eps", 1e-3)

	var mean, variance, centered *G.Node
	if gb.training && l.Trainable {
		mean = reduceMean(x, axes...)
		centered = G.Must(G.BroadcastSub(x, G.Must(G.Reshape(mean, shape)), nil, pattern))
		variance = reduceMean(G.Must(G.Square(centered)), axes...)

		st := &batchStats{
			layer:    l.Name,
			momentum: layers.GetFloatParam(l.Parameters, "momentum", 0.99),
			count:    count,
		}
		G.Read(mean, &st.mean)
		G.Read(variance, &st.variance)
		gb.stats = append(gb.stats, st)
	} else {
		mean = gb.tensorNode(l.Name + "." + layers.SuffixRunningMean)
		variance = gb.tensorNode(l.Name + "." + layers.SuffixRunningVar)
		centered = G.Must(G.BroadcastSub(x, G.Must(G.Reshape(mean, shape)), nil, pattern))
	}

	std := G.Must(G.Sqrt(G.Must(G.Add(variance, G.NewConstant(eps)))))
	normalized := G.Must(G.BroadcastHadamardDiv(centered, G.Must(G.Reshape(std, shape)), nil, pattern))

	gamma := G.Must(G.Reshape(gb.tensorNode(l.Name+"."+layers.SuffixWeight), shape))
	beta := G.Must(G.Reshape(gb.tensorNode(l.Name+"."+layers.SuffixBias), shape))
	out := G.Must(G.BroadcastHadamardProd(normalized, gamma, nil, pattern))
	return G.Must(G.BroadcastAdd(out, beta, nil, pattern))
}

// reduceMean averages x over axes. Axes of length one are dropped with a
// reshape instead of reduced: gorgonia's reductions index past the end of
// the data when a reduced axis has a single element.
func reduceMean(x *G.Node, axes ...int) *G.Node {
	reduce := map[int]bool{}
	for _, a := range axes {
		reduce[a] = true
	}
	var keep tensor.Shape
	var along []int
	for i, d := range x.Shape() {
		if reduce[i] && d == 1 {
			continue
		}
		if reduce[i] {
			along = append(along, len(keep))
		}
		keep = append(keep, d)
	}
	if len(keep) != x.Dims() {
		x = G.Must(G.Reshape(x, keep))
	}
	if len(along) == 0 {
		return x
	}
	return G.Must(G.Mean(x, along...))
}

// binaryCrossEntropy is the class-weighted, batch-averaged cross-entropy
// on logits: max(z,0) - z*y + log(1+exp(-|z|)).
func binaryCrossEntropy(logits, y, weights *G.Node) (cost *G.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("building loss: %v", r)
		}
	}()
	relu := G.Must(G.Rectify(logits))
	zy := G.Must(G.HadamardProd(logits, y))
	softplus := G.Must(G.Log1p(G.Must(G.Exp(G.Must(G.Neg(G.Must(G.Abs(logits))))))))
	perSample := G.Must(G.Add(G.Must(G.Sub(relu, zy)), softplus))
	return G.Must(G.Mean(G.Must(G.HadamardProd(perSample, weights)))), nil
}

// categoricalCrossEntropy is the weighted, batch-averaged cross-entropy on
// softmax probabilities with one-hot targets.
func categoricalCrossEntropy(probs, y, weights *G.Node) (cost *G.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("building loss: %v", r)
		}
	}()
	logp := G.Must(G.Log(G.Must(G.Add(probs, G.NewConstant(float32(probabilityEpsilon))))))
	perSample := G.Must(G.Sum(G.Must(G.HadamardProd(y, logp)), 1))
	return G.Must(G.Neg(G.Must(G.Mean(G.Must(G.HadamardProd(perSample, weights)))))), nil
}
