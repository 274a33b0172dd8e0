package training

import (
	"encoding/json"
	"testing"
)

func sampleHistory(epochs int) *History {
	h := &History{}
	for i := 1; i <= epochs; i++ {
		h.Append(EpochMetrics{
			Epoch:        i,
			Train:        PhaseMetrics{Loss: 1 / float64(i), Accuracy: 0.5 + 0.1*float64(i), Precision: 0.6, Recall: 0.7},
			Validation:   PhaseMetrics{Loss: 1.5 / float64(i), Accuracy: 0.4 + 0.1*float64(i), Precision: 0.5, Recall: 0.4},
			LearningRate: 1e-3,
		})
	}
	return h
}

func TestHistoryRecord(t *testing.T) {
	h := sampleHistory(3)
	record := h.Record()
	if len(record) != len(HistoryKeys) {
		t.Fatalf("record has %d series, want %d", len(record), len(HistoryKeys))
	}
	for _, key := range HistoryKeys {
		if len(record[key]) != 3 {
			t.Errorf("%s has %d values", key, len(record[key]))
		}
	}
	if record["val_loss"][1] != 0.75 || record["recall"][2] != 0.7 || record["lr"][0] != 1e-3 {
		t.Errorf("record = %v", record)
	}
}

func TestHistoryJSON(t *testing.T) {
	data, err := json.Marshal(sampleHistory(2))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string][]float64
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded["loss"]) != 2 || decoded["loss"][1] != 0.5 {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestEmptyHistory(t *testing.T) {
	h := &History{}
	if h.Len() != 0 || len(h.Series("loss")) != 0 {
		t.Error("empty history should have empty series")
	}
}
