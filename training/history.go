package training

import (
	"encoding/json"
	"time"
)

// HistoryKeys lists the recorded series in file order.
var HistoryKeys = []string{
	"loss", "accuracy", "precision", "recall",
	"val_loss", "val_accuracy", "val_precision", "val_recall",
	"lr",
}

// EpochMetrics is the snapshot taken at the end of one epoch.
type EpochMetrics struct {
	Epoch        int
	Train        PhaseMetrics
	Validation   PhaseMetrics
	LearningRate float64
	Duration     time.Duration
}

func (m EpochMetrics) value(key string) float64 {
	switch key {
	case "loss":
		return m.Train.Loss
	case "accuracy":
		return m.Train.Accuracy
	case "precision":
		return m.Train.Precision
	case "recall":
		return m.Train.Recall
	case "val_loss":
		return m.Validation.Loss
	case "val_accuracy":
		return m.Validation.Accuracy
	case "val_precision":
		return m.Validation.Precision
	case "val_recall":
		return m.Validation.Recall
	case "lr":
		return m.LearningRate
	}
	return 0
}

// History is the append-only list of epoch snapshots of a run.
type History struct {
	Epochs []EpochMetrics
}

// Append adds the snapshot of the next epoch.
func (h *History) Append(m EpochMetrics) {
	h.Epochs = append(h.Epochs, m)
}

// Len is the number of epochs recorded.
func (h *History) Len() int {
	return len(h.Epochs)
}

// Series returns one metric across all epochs.
func (h *History) Series(key string) []float64 {
	out := make([]float64, len(h.Epochs))
	for i, m := range h.Epochs {
		out[i] = m.value(key)
	}
	return out
}

// Record flattens the history into one list per metric, each as long as
// the number of epochs run.
func (h *History) Record() map[string][]float64 {
	record := make(map[string][]float64, len(HistoryKeys))
	for _, key := range HistoryKeys {
		record[key] = h.Series(key)
	}
	return record
}

// MarshalJSON writes the flat record.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Record())
}
