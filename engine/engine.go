// Package engine executes layer specifications on gorgonia computation
// graphs: training steps with class-weighted loss and Adam updates, and
// inference with BatchNorm running statistics and dropout disabled.
package engine

import (
	"math"
	"math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/layers"
	"github.com/cardvision/cardback/optimizer"
	"github.com/cardvision/cardback/vision/dataloader"
)

// probabilityEpsilon clips probabilities away from 0 and 1 in loss terms.
const probabilityEpsilon = 1e-7

// graphCacheSize bounds the compiled graphs kept per mode. Every epoch
// needs at most two batch sizes.
const graphCacheSize = 4

// TrainingConfig configures a ModelTrainingEngine.
type TrainingConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	Seed         int64
	UseCUDA      bool
}

// DefaultTrainingConfig mirrors the Keras Adam defaults.
func DefaultTrainingConfig() TrainingConfig {
	adam := optimizer.DefaultAdamConfig()
	return TrainingConfig{
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		Seed:         1,
	}
}

// Prediction holds the per-sample output of the network.
type Prediction struct {
	// Probabilities has Size*Units values, row-major.
	Probabilities []float32
	Size          int
	Units         int
}

// Positive returns the probability that sample i belongs to class 1.
func (p *Prediction) Positive(i int) float32 {
	if p.Units == 1 {
		return p.Probabilities[i]
	}
	return p.Probabilities[i*p.Units+1]
}

// Class returns the predicted class of sample i. With a single sigmoid unit
// a probability above threshold means class 1.
func (p *Prediction) Class(i int, threshold float32) int {
	if p.Units == 1 {
		if p.Probabilities[i] > threshold {
			return 1
		}
		return 0
	}
	row := p.Probabilities[i*p.Units : (i+1)*p.Units]
	best := 0
	for k, v := range row {
		if v > row[best] {
			best = k
		}
	}
	return best
}

// StepResult reports one training step.
type StepResult struct {
	// Loss is the class-weighted batch loss.
	Loss       float64
	Prediction *Prediction
}

// ModelTrainingEngine trains and evaluates a compiled model spec.
type ModelTrainingEngine struct {
	mu        sync.Mutex
	spec      *layers.ModelSpec
	store     *parameterStore
	optimizer optimizer.Optimizer
	binary    bool
	log       *zap.Logger
	vmOpts    []G.VMOpt

	trainGraphs *lru.Cache
	evalGraphs  *lru.Cache
}

// NewModelTrainingEngine initializes the model weights and prepares the
// optimizer. Graphs are compiled lazily per batch size.
func NewModelTrainingEngine(spec *layers.ModelSpec, config TrainingConfig, log *zap.Logger) (*ModelTrainingEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}
	if len(spec.InputShape) != 4 || spec.InputShape[1] != 3 {
		return nil, errors.Errorf("expected a [batch, 3, height, width] input, got %v", spec.InputShape)
	}
	if spec.TrainableParameters() == 0 {
		return nil, errors.New("model has no trainable parameters")
	}
	if log == nil {
		log = zap.NewNop()
	}

	adam, err := optimizer.NewAdam(optimizer.AdamConfig{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating optimizer")
	}

	e := &ModelTrainingEngine{
		spec:      spec,
		store:     newParameterStore(spec),
		optimizer: adam,
		binary:    spec.OutputUnits() == 1,
		log:       log,
		vmOpts:    machineOptions(config.UseCUDA),
	}
	e.store.initialize(spec, rand.New(rand.NewSource(config.Seed)))

	if e.trainGraphs, err = lru.NewWithEvict(graphCacheSize, e.evicted); err != nil {
		return nil, err
	}
	if e.evalGraphs, err = lru.NewWithEvict(graphCacheSize, e.evicted); err != nil {
		return nil, err
	}
	log.Debug("engine ready",
		zap.String("model", spec.Name),
		zap.Int64("trainable_parameters", spec.TrainableParameters()),
		zap.Bool("binary", e.binary),
		zap.Bool("cuda", config.UseCUDA && len(e.vmOpts) > 0))
	return e, nil
}

func (e *ModelTrainingEngine) evicted(key, value interface{}) {
	if err := value.(*compiledGraph).close(); err != nil {
		e.log.Warn("closing graph machine", zap.Int("batch", key.(int)), zap.Error(err))
	}
}

// Spec returns the model specification the engine executes.
func (e *ModelTrainingEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// ParameterCount returns the number of learnable parameters.
func (e *ModelTrainingEngine) ParameterCount() int64 {
	return e.spec.TotalParameters
}

// LearningRate returns the optimizer's current learning rate.
func (e *ModelTrainingEngine) LearningRate() float64 {
	return float64(e.optimizer.LearningRate())
}

// SetLearningRate changes the learning rate for subsequent steps.
func (e *ModelTrainingEngine) SetLearningRate(lr float64) {
	e.optimizer.UpdateLearningRate(float32(lr))
}

// TrainBatch runs one optimization step. classWeights scales each sample's
// loss by the weight of its label; missing labels weigh 1.
func (e *ModelTrainingEngine) TrainBatch(batch *dataloader.Batch, classWeights map[int]float64) (*StepResult, error) {
	if err := e.checkBatch(batch); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cg, err := e.trainGraph(batch.Size)
	if err != nil {
		return nil, err
	}
	defer cg.vm.Reset()

	units := e.spec.OutputUnits()
	sampleWeights := make([]float32, batch.Size)
	for i, label := range batch.Labels {
		sampleWeights[i] = 1
		if w, ok := classWeights[label]; ok {
			sampleWeights[i] = float32(w)
		}
	}
	if err := G.Let(cg.x, e.inputTensor(batch)); err != nil {
		return nil, errors.Wrap(err, "binding input")
	}
	if err := G.Let(cg.y, tensor.New(tensor.WithShape(batch.Size, units), tensor.WithBacking(e.targets(batch.Labels)))); err != nil {
		return nil, errors.Wrap(err, "binding labels")
	}
	weightShape := []int{batch.Size}
	if e.binary {
		weightShape = []int{batch.Size, 1}
	}
	if err := G.Let(cg.weights, tensor.New(tensor.WithShape(weightShape...), tensor.WithBacking(sampleWeights))); err != nil {
		return nil, errors.Wrap(err, "binding sample weights")
	}

	if err := cg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "training step")
	}

	loss, ok := cg.cost.Data().(float32)
	if !ok {
		return nil, errors.Errorf("unexpected loss value %v", cg.cost)
	}
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return nil, errors.Errorf("training diverged: loss %v", loss)
	}

	params := make([]optimizer.Parameter, 0, len(cg.learnables))
	for _, n := range cg.learnables {
		grad, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "gradient of %s", n.Name())
		}
		params = append(params, optimizer.Parameter{
			Name:  n.Name(),
			Value: e.store.values[n.Name()],
			Grad:  grad.Data().([]float32),
		})
	}
	if err := e.optimizer.Step(params); err != nil {
		return nil, err
	}
	e.updateRunningStats(cg.stats)

	probs := append([]float32(nil), cg.output.Data().([]float32)...)
	return &StepResult{
		Loss:       float64(loss),
		Prediction: &Prediction{Probabilities: probs, Size: batch.Size, Units: units},
	}, nil
}

// updateRunningStats folds the batch statistics into the running buffers.
// The running variance uses the unbiased batch variance.
func (e *ModelTrainingEngine) updateRunningStats(stats []*batchStats) {
	for _, st := range stats {
		mean := st.mean.Data().([]float32)
		variance := st.variance.Data().([]float32)
		runningMean := e.store.values[st.layer+"."+layers.SuffixRunningMean]
		runningVar := e.store.values[st.layer+"."+layers.SuffixRunningVar]
		correction := float32(1)
		if st.count > 1 {
			correction = float32(st.count) / float32(st.count-1)
		}
		m := st.momentum
		for i := range runningMean {
			runningMean[i] = m*runningMean[i] + (1-m)*mean[i]
			runningVar[i] = m*runningVar[i] + (1-m)*variance[i]*correction
		}
	}
}

// Predict runs inference on a batch.
func (e *ModelTrainingEngine) Predict(batch *dataloader.Batch) (*Prediction, error) {
	if err := e.checkBatch(batch); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cg, err := e.evalGraph(batch.Size)
	if err != nil {
		return nil, err
	}
	defer cg.vm.Reset()

	if err := G.Let(cg.x, e.inputTensor(batch)); err != nil {
		return nil, errors.Wrap(err, "binding input")
	}
	if err := cg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "inference")
	}
	probs := append([]float32(nil), cg.output.Data().([]float32)...)
	return &Prediction{Probabilities: probs, Size: batch.Size, Units: e.spec.OutputUnits()}, nil
}

// Loss computes the unweighted loss of a prediction against labels.
func (e *ModelTrainingEngine) Loss(p *Prediction, labels []int) float64 {
	return CrossEntropy(p, labels)
}

// CrossEntropy is the mean unweighted cross-entropy of a prediction, with
// probabilities clipped to [eps, 1-eps].
func CrossEntropy(p *Prediction, labels []int) float64 {
	if p.Size == 0 {
		return 0
	}
	var sum float64
	for i, label := range labels[:p.Size] {
		if p.Units == 1 {
			q := clipProbability(float64(p.Probabilities[i]))
			y := float64(label)
			sum -= y*math.Log(q) + (1-y)*math.Log(1-q)
			continue
		}
		sum -= math.Log(clipProbability(float64(p.Probabilities[i*p.Units+label])))
	}
	return sum / float64(p.Size)
}

func clipProbability(q float64) float64 {
	return math.Min(math.Max(q, probabilityEpsilon), 1-probabilityEpsilon)
}

func (e *ModelTrainingEngine) checkBatch(batch *dataloader.Batch) error {
	if batch == nil || batch.Size == 0 {
		return errors.New("empty batch")
	}
	h, w := e.spec.InputShape[2], e.spec.InputShape[3]
	if batch.Height != h || batch.Width != w || batch.Channels != 3 {
		return errors.Errorf("batch of %dx%dx%d images, model expects %dx%dx3", batch.Height, batch.Width, batch.Channels, h, w)
	}
	if len(batch.Images) != batch.Size*h*w*3 || len(batch.Labels) != batch.Size {
		return errors.Errorf("inconsistent batch: %d values and %d labels for %d samples", len(batch.Images), len(batch.Labels), batch.Size)
	}
	return nil
}

// inputTensor converts the NHWC batch to an NCHW tensor.
func (e *ModelTrainingEngine) inputTensor(batch *dataloader.Batch) *tensor.Dense {
	n, h, w, c := batch.Size, batch.Height, batch.Width, batch.Channels
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(toNCHW(batch.Images, n, h, w, c)))
}

func toNCHW(src []float32, n, h, w, c int) []float32 {
	dst := make([]float32, len(src))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				base := ((b*h+y)*w + x) * c
				for ch := 0; ch < c; ch++ {
					dst[((b*c+ch)*h+y)*w+x] = src[base+ch]
				}
			}
		}
	}
	return dst
}

// targets encodes labels as a [batch, units] matrix: the label itself for a
// single sigmoid unit, one-hot otherwise.
func (e *ModelTrainingEngine) targets(labels []int) []float32 {
	units := e.spec.OutputUnits()
	out := make([]float32, len(labels)*units)
	for i, label := range labels {
		if units == 1 {
			out[i] = float32(label)
			continue
		}
		if label >= 0 && label < units {
			out[i*units+label] = 1
		}
	}
	return out
}

func (e *ModelTrainingEngine) trainGraph(batch int) (*compiledGraph, error) {
	if v, ok := e.trainGraphs.Get(batch); ok {
		return v.(*compiledGraph), nil
	}
	cg, err := e.compileTrainGraph(batch)
	if err != nil {
		return nil, err
	}
	e.trainGraphs.Add(batch, cg)
	return cg, nil
}

func (e *ModelTrainingEngine) evalGraph(batch int) (*compiledGraph, error) {
	if v, ok := e.evalGraphs.Get(batch); ok {
		return v.(*compiledGraph), nil
	}
	cg, err := e.compileEvalGraph(batch)
	if err != nil {
		return nil, err
	}
	e.evalGraphs.Add(batch, cg)
	return cg, nil
}

func (e *ModelTrainingEngine) inputNode(g *G.ExprGraph, batch int) *G.Node {
	h, w := e.spec.InputShape[2], e.spec.InputShape[3]
	return G.NewTensor(g, tensor.Float32, 4, G.WithShape(batch, 3, h, w), G.WithName("x"))
}

// compileTrainGraph builds forward pass, loss and gradients. For a single
// sigmoid output the loss is computed on the logits feeding the sigmoid.
func (e *ModelTrainingEngine) compileTrainGraph(batch int) (*compiledGraph, error) {
	gb := newGraphBuilder(e.store, true)
	cg := &compiledGraph{g: gb.g, batch: batch, x: e.inputNode(gb.g, batch)}
	units := e.spec.OutputUnits()

	upto := len(e.spec.Layers)
	last := e.spec.Layers[upto-1]
	if e.binary {
		if last.Type != layers.Sigmoid {
			return nil, errors.Errorf("single-unit output must end in a sigmoid, got %s", last.Type)
		}
		upto--
	}
	out, err := gb.forward(e.spec, cg.x, upto)
	if err != nil {
		return nil, err
	}

	cg.y = G.NewMatrix(gb.g, tensor.Float32, G.WithShape(batch, units), G.WithName("y"))
	var cost, probs *G.Node
	if e.binary {
		cg.weights = G.NewMatrix(gb.g, tensor.Float32, G.WithShape(batch, 1), G.WithName("sample_weights"))
		logits := out
		if cost, err = binaryCrossEntropy(logits, cg.y, cg.weights); err != nil {
			return nil, err
		}
		if probs, err = G.Sigmoid(logits); err != nil {
			return nil, errors.Wrap(err, "building output")
		}
	} else {
		cg.weights = G.NewVector(gb.g, tensor.Float32, G.WithShape(batch), G.WithName("sample_weights"))
		probs = out
		if cost, err = categoricalCrossEntropy(probs, cg.y, cg.weights); err != nil {
			return nil, err
		}
	}
	G.Read(cost, &cg.cost)
	G.Read(probs, &cg.output)

	for _, name := range e.store.names {
		if !e.store.learnable[name] {
			continue
		}
		if n, ok := gb.nodes[name]; ok {
			cg.learnables = append(cg.learnables, n)
		}
	}
	if len(cg.learnables) == 0 {
		return nil, errors.New("no trainable parameters in graph")
	}
	if _, err := G.Grad(cost, cg.learnables...); err != nil {
		return nil, errors.Wrap(err, "computing gradients")
	}
	cg.stats = gb.stats

	opts := append([]G.VMOpt{G.BindDualValues(cg.learnables...)}, e.vmOpts...)
	cg.vm = G.NewTapeMachine(gb.g, opts...)
	e.log.Debug("compiled training graph", zap.Int("batch", batch), zap.Int("nodes", len(gb.g.AllNodes())))
	return cg, nil
}

func (e *ModelTrainingEngine) compileEvalGraph(batch int) (*compiledGraph, error) {
	gb := newGraphBuilder(e.store, false)
	cg := &compiledGraph{g: gb.g, batch: batch, x: e.inputNode(gb.g, batch)}
	out, err := gb.forward(e.spec, cg.x, len(e.spec.Layers))
	if err != nil {
		return nil, err
	}
	G.Read(out, &cg.output)
	cg.vm = G.NewTapeMachine(gb.g, e.vmOpts...)
	e.log.Debug("compiled inference graph", zap.Int("batch", batch), zap.Int("nodes", len(gb.g.AllNodes())))
	return cg, nil
}

// Weights returns a copy of every parameter and buffer in spec order.
func (e *ModelTrainingEngine) Weights() []checkpoints.WeightTensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	weights, err := checkpoints.WeightsFromSpec(e.spec, e.store.values)
	if err != nil {
		// the store is built from the same spec
		panic(err)
	}
	return weights
}

// LoadWeights copies tensors into the model by name. With strict set every
// model tensor must be provided; otherwise unknown names are skipped and the
// number of loaded tensors is returned.
func (e *ModelTrainingEngine) LoadWeights(weights []checkpoints.WeightTensor, strict bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, name := range e.store.names {
		w, ok := byName[name]
		if !ok {
			if strict {
				return 0, errors.Errorf("missing weights for %s", name)
			}
			continue
		}
		if len(w.Data) != len(e.store.values[name]) {
			return 0, errors.Errorf("%s: got %d values, expected %d", name, len(w.Data), len(e.store.values[name]))
		}
	}

	loaded := 0
	for _, name := range e.store.names {
		if w, ok := byName[name]; ok {
			copy(e.store.values[name], w.Data)
			loaded++
		}
	}
	return loaded, nil
}

// Checkpoint snapshots weights and optimizer state.
func (e *ModelTrainingEngine) Checkpoint(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	optState, err := e.optimizer.GetState()
	if err != nil {
		return nil, err
	}
	state.LearningRate = e.optimizer.LearningRate()
	state.Step = int(e.optimizer.GetStepCount())
	return &checkpoints.Checkpoint{
		ModelSpec:      e.spec,
		Weights:        e.Weights(),
		TrainingState:  state,
		OptimizerState: optState.ToCheckpoint(),
	}, nil
}

// Restore loads every tensor of cp and, when cp carries one, the optimizer
// state, so training continues where the checkpoint left off.
func (e *ModelTrainingEngine) Restore(cp *checkpoints.Checkpoint) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	if _, err := e.LoadWeights(cp.Weights, true); err != nil {
		return errors.Wrap(err, "restoring weights")
	}
	if cp.OptimizerState == nil {
		return nil
	}
	if err := e.optimizer.LoadState(optimizer.FromCheckpoint(cp.OptimizerState)); err != nil {
		return errors.Wrap(err, "restoring optimizer state")
	}
	return nil
}

// Cleanup releases every compiled graph.
func (e *ModelTrainingEngine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trainGraphs.Purge()
	e.evalGraphs.Purge()
}
