package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/cardvision/cardback/engine"
)

// DecisionThreshold separates the classes of a sigmoid output; a
// probability strictly above it is class 1.
const DecisionThreshold = 0.5

// MetricType names a metric derived from a confusion matrix.
type MetricType int

const (
	Accuracy MetricType = iota
	Precision
	Recall
	F1Score
	Specificity
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "accuracy"
	case Precision:
		return "precision"
	case Recall:
		return "recall"
	case F1Score:
		return "f1_score"
	case Specificity:
		return "specificity"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true][predicted]
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears every count.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predicted int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predicted < 0 || predicted >= cm.NumClasses {
		return errors.Errorf("class out of range: true %d, predicted %d, classes %d", trueClass, predicted, cm.NumClasses)
	}
	cm.Matrix[trueClass][predicted]++
	cm.TotalSamples++
	return nil
}

// UpdateFromPredictions records a batch of network outputs.
func (cm *ConfusionMatrix) UpdateFromPredictions(p *engine.Prediction, labels []int) error {
	if p.Size != len(labels) {
		return errors.Errorf("predictions length mismatch: %d predictions, %d labels", p.Size, len(labels))
	}
	for i, label := range labels {
		if err := cm.Add(label, p.Class(i, DecisionThreshold)); err != nil {
			return err
		}
	}
	return nil
}

// GetAccuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// GetMetric computes mt. Binary matrices report class 1 as the positive
// class; larger matrices report the macro average over classes.
func (cm *ConfusionMatrix) GetMetric(mt MetricType) float64 {
	switch mt {
	case Accuracy:
		return cm.GetAccuracy()
	case F1Score:
		return F1(cm.GetMetric(Precision), cm.GetMetric(Recall))
	}
	if cm.NumClasses == 2 {
		return cm.classMetric(mt, 1)
	}
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		sum += cm.classMetric(mt, c)
	}
	return sum / float64(cm.NumClasses)
}

func (cm *ConfusionMatrix) classMetric(mt MetricType, class int) float64 {
	tp := cm.Matrix[class][class]
	var fp, fn int
	for k := 0; k < cm.NumClasses; k++ {
		if k == class {
			continue
		}
		fp += cm.Matrix[k][class]
		fn += cm.Matrix[class][k]
	}
	tn := cm.TotalSamples - tp - fp - fn

	switch mt {
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case Specificity:
		return ratio(tn, tn+fp)
	}
	return 0
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// F1 is the harmonic mean of precision and recall, and 0 when both are 0.
func F1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// PhaseMetrics are the aggregate metrics of one pass over a stream.
type PhaseMetrics struct {
	Loss      float64
	Accuracy  float64
	Precision float64
	Recall    float64
	Samples   int
}

// metricsAccumulator averages the loss per sample and fills a confusion
// matrix over one pass.
type metricsAccumulator struct {
	lossSum float64
	cm      *ConfusionMatrix
}

func newMetricsAccumulator(numClasses int) *metricsAccumulator {
	return &metricsAccumulator{cm: NewConfusionMatrix(numClasses)}
}

// add records a batch whose mean loss is loss.
func (ma *metricsAccumulator) add(p *engine.Prediction, labels []int, loss float64) error {
	if err := ma.cm.UpdateFromPredictions(p, labels); err != nil {
		return err
	}
	ma.lossSum += loss * float64(len(labels))
	return nil
}

func (ma *metricsAccumulator) result() PhaseMetrics {
	m := PhaseMetrics{
		Accuracy:  ma.cm.GetAccuracy(),
		Precision: ma.cm.GetMetric(Precision),
		Recall:    ma.cm.GetMetric(Recall),
		Samples:   ma.cm.TotalSamples,
	}
	if m.Samples > 0 {
		m.Loss = ma.lossSum / float64(m.Samples)
	}
	return m
}

// running returns the metrics so far, for progress display.
func (ma *metricsAccumulator) running() map[string]float64 {
	m := ma.result()
	return map[string]float64{"loss": m.Loss, "accuracy": m.Accuracy}
}
