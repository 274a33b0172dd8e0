package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/3 (Training)", 4)
	pb.Update(2, map[string]float64{"loss": 0.6931, "accuracy": 0.5})
	pb.Finish()

	out := buf.String()
	for _, want := range []string{"Epoch 1/3 (Training):  50%", "2/4", "100%", "4/4", "accuracy=50.00%", "loss=0.6931"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q lacks %q", out, want)
		}
	}
	if strings.Index(out, "accuracy") > strings.Index(out, "loss") {
		t.Error("metrics should be sorted by name")
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish should end the line")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{65 * time.Second, "01:05"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
