package training

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/cardvision/cardback/engine"
)

// EvaluationResult is the final validation record of a run.
type EvaluationResult struct {
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	ValPrecision float64 `json:"val_precision"`
	ValRecall    float64 `json:"val_recall"`
	F1Score      float64 `json:"f1_score"`
}

// Evaluate runs one full pass over val with the model as it stands.
func Evaluate(ctx context.Context, model Model, val Stream) (EvaluationResult, error) {
	m, err := validate(ctx, model, val, nil)
	if err != nil {
		return EvaluationResult{}, err
	}
	return EvaluationResult{
		ValLoss:      m.Loss,
		ValAccuracy:  m.Accuracy,
		ValPrecision: m.Precision,
		ValRecall:    m.Recall,
		F1Score:      F1(m.Precision, m.Recall),
	}, nil
}

// validate computes the unweighted loss and metrics over one pass of val.
func validate(ctx context.Context, model Model, val Stream, bar *ProgressBar) (PhaseMetrics, error) {
	acc := newMetricsAccumulator(numClasses(model.Spec()))
	batches := val.Epoch(ctx)
	defer batches.Close()

	for step := 1; ; step++ {
		batch, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PhaseMetrics{}, errors.Wrap(err, "reading validation batch")
		}
		pred, err := model.Predict(batch)
		if err != nil {
			return PhaseMetrics{}, errors.Wrap(err, "validation step")
		}
		if err := acc.add(pred, batch.Labels, engine.CrossEntropy(pred, batch.Labels)); err != nil {
			return PhaseMetrics{}, err
		}
		if bar != nil {
			bar.Update(step, acc.running())
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return acc.result(), nil
}
