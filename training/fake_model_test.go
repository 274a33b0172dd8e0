package training

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/engine"
	"github.com/cardvision/cardback/layers"
	"github.com/cardvision/cardback/vision/dataloader"
)

// fakeModel trains by counting: its bias grows by one per training step, and
// its validation loss is scripted by the current bias value.
type fakeModel struct {
	spec     *layers.ModelSpec
	weight   float32
	bias     float32
	lr       float64
	losses   []float64 // validation loss after n steps is losses[n-1]
	steps    int
	failStep int
}

func newFakeModel(t *testing.T, losses ...float64) *fakeModel {
	t.Helper()
	spec, err := layers.NewModelBuilder("fake", []int{-1, 1, 1, 1}).
		AddGlobalAveragePool("gap").
		AddDense(1, true, "predictions").
		AddSigmoid("predictions_sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("compiling fake spec: %v", err)
	}
	return &fakeModel{spec: spec, lr: 0.001, losses: losses}
}

func (m *fakeModel) Spec() *layers.ModelSpec { return m.spec }

func (m *fakeModel) ParameterCount() int64 { return m.spec.TotalParameters }

func (m *fakeModel) TrainBatch(batch *dataloader.Batch, classWeights map[int]float64) (*engine.StepResult, error) {
	m.steps++
	if m.failStep > 0 && m.steps == m.failStep {
		return nil, errors.New("boom")
	}
	m.bias++
	pred := constantPrediction(batch.Size, 0.9)
	return &engine.StepResult{Loss: engine.CrossEntropy(pred, batch.Labels), Prediction: pred}, nil
}

// Predict outputs exp(-loss) for every sample, so a batch of positives
// scores exactly the scripted loss.
func (m *fakeModel) Predict(batch *dataloader.Batch) (*engine.Prediction, error) {
	idx := int(m.bias) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.losses) {
		idx = len(m.losses) - 1
	}
	return constantPrediction(batch.Size, float32(math.Exp(-m.losses[idx]))), nil
}

func (m *fakeModel) Weights() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{
		{Name: "predictions.weight", Shape: []int{1, 1}, Data: []float32{m.weight}, Layer: "predictions", Type: "weight"},
		{Name: "predictions.bias", Shape: []int{1}, Data: []float32{m.bias}, Layer: "predictions", Type: "bias"},
	}
}

func (m *fakeModel) LoadWeights(weights []checkpoints.WeightTensor, strict bool) (int, error) {
	loaded := 0
	for _, w := range weights {
		switch w.Name {
		case "predictions.weight":
			m.weight = w.Data[0]
		case "predictions.bias":
			m.bias = w.Data[0]
		default:
			continue
		}
		loaded++
	}
	if strict && loaded != 2 {
		return 0, errors.New("missing weights")
	}
	return loaded, nil
}

func (m *fakeModel) LearningRate() float64 { return m.lr }

func (m *fakeModel) SetLearningRate(lr float64) { m.lr = lr }

func (m *fakeModel) Checkpoint(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	state.LearningRate = float32(m.lr)
	return &checkpoints.Checkpoint{ModelSpec: m.spec, Weights: m.Weights(), TrainingState: state}, nil
}

func constantPrediction(n int, p float32) *engine.Prediction {
	probs := make([]float32, n)
	for i := range probs {
		probs[i] = p
	}
	return &engine.Prediction{Probabilities: probs, Size: n, Units: 1}
}

// sliceStream replays fixed batches every epoch.
type sliceStream struct {
	batches []*dataloader.Batch
	epochs  int
}

func (s *sliceStream) Epoch(ctx context.Context) Batches {
	s.epochs++
	return &sliceBatches{batches: s.batches}
}

func (s *sliceStream) StepsPerEpoch() int { return len(s.batches) }

type sliceBatches struct {
	batches []*dataloader.Batch
	next    int
}

func (b *sliceBatches) Next() (*dataloader.Batch, error) {
	if b.next >= len(b.batches) {
		return nil, io.EOF
	}
	b.next++
	return b.batches[b.next-1], nil
}

func (b *sliceBatches) Close() {}

func labelBatch(labels ...int) *dataloader.Batch {
	return &dataloader.Batch{
		Images:   make([]float32, len(labels)),
		Labels:   labels,
		Size:     len(labels),
		Height:   1,
		Width:    1,
		Channels: 1,
	}
}

func oneBatchStream(labels ...int) *sliceStream {
	return &sliceStream{batches: []*dataloader.Batch{labelBatch(labels...)}}
}
