package training

import (
	"context"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/engine"
	"github.com/cardvision/cardback/layers"
	"github.com/cardvision/cardback/vision/dataloader"
)

// Model is the network a Trainer drives. engine.ModelTrainingEngine is the
// production implementation.
type Model interface {
	Spec() *layers.ModelSpec
	ParameterCount() int64
	TrainBatch(batch *dataloader.Batch, classWeights map[int]float64) (*engine.StepResult, error)
	Predict(batch *dataloader.Batch) (*engine.Prediction, error)
	Weights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor, strict bool) (int, error)
	LearningRate() float64
	SetLearningRate(lr float64)
	Checkpoint(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error)
}

var _ Model = (*engine.ModelTrainingEngine)(nil)

// Batches is one pass over a stream. Next returns io.EOF after the last batch.
type Batches interface {
	Next() (*dataloader.Batch, error)
	Close()
}

// Stream is a finite sequence of batches that can be restarted every epoch.
type Stream interface {
	Epoch(ctx context.Context) Batches
	StepsPerEpoch() int
}

type loaderStream struct {
	dl *dataloader.DataLoader
}

// FromLoader adapts a DataLoader to a Stream.
func FromLoader(dl *dataloader.DataLoader) Stream {
	return loaderStream{dl: dl}
}

func (s loaderStream) Epoch(ctx context.Context) Batches { return s.dl.Epoch(ctx) }

func (s loaderStream) StepsPerEpoch() int { return s.dl.StepsPerEpoch() }

// numClasses is the class count implied by the model output.
func numClasses(spec *layers.ModelSpec) int {
	if units := spec.OutputUnits(); units > 1 {
		return units
	}
	return 2
}
