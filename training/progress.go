package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders a single-line progress bar for one pass over a stream.
type ProgressBar struct {
	w           io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a bar that draws on w.
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		w:           w,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     map[string]float64{},
	}
}

// Update advances the bar to step and replaces the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the bar and ends the line.
func (pb *ProgressBar) Finish() {
	if pb.current < pb.total {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.w)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, "accuracy") {
			line += fmt.Sprintf(", %s=%.2f%%", k, pb.metrics[k]*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
		}
	}
	fmt.Fprint(pb.w, line+"]")
}

// formatDuration formats d as MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// printEpochSummary writes the per-epoch summary block.
func printEpochSummary(w io.Writer, m EpochMetrics, epochs int) {
	fmt.Fprintf(w, "Epoch %d/%d Summary:\n", m.Epoch, epochs)
	fmt.Fprintf(w, "  Training   - Loss: %.4f, Accuracy: %.2f%%, Precision: %.4f, Recall: %.4f\n",
		m.Train.Loss, m.Train.Accuracy*100, m.Train.Precision, m.Train.Recall)
	fmt.Fprintf(w, "  Validation - Loss: %.4f, Accuracy: %.2f%%, Precision: %.4f, Recall: %.4f\n",
		m.Validation.Loss, m.Validation.Accuracy*100, m.Validation.Precision, m.Validation.Recall)
	fmt.Fprintf(w, "  Learning rate: %.2e (%s)\n\n", m.LearningRate, formatDuration(m.Duration))
}
