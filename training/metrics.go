package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix counts predictions per (true class, predicted class).
type ConfusionMatrix struct {
	NumClasses int
	Counts     [][]int // Counts[label][prediction]
}

// NewConfusionMatrix creates an empty matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	counts := make([][]int, numClasses)
	for i := range counts {
		counts[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Counts: counts}
}

// Add records a batch of predictions.
func (cm *ConfusionMatrix) Add(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions (%d) and labels (%d) differ in length", len(predictions), len(labels))
	}
	for i, p := range predictions {
		l := labels[i]
		if p < 0 || p >= cm.NumClasses || l < 0 || l >= cm.NumClasses {
			return fmt.Errorf("class out of range: prediction %d, label %d", p, l)
		}
		cm.Counts[l][p]++
	}
	return nil
}

// Total returns the number of recorded samples.
func (cm *ConfusionMatrix) Total() int {
	total := 0
	for _, row := range cm.Counts {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// Accuracy is the fraction of correct predictions, 0 when empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Counts {
		correct += cm.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Recall returns TP / (TP + FN) for class c, 0 when the class is absent.
func (cm *ConfusionMatrix) Recall(c int) float64 {
	support := 0
	for _, v := range cm.Counts[c] {
		support += v
	}
	if support == 0 {
		return 0
	}
	return float64(cm.Counts[c][c]) / float64(support)
}

// String renders one row per true class.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	for i, row := range cm.Counts {
		sb.WriteString(fmt.Sprintf("  class %d:", i))
		for _, v := range row {
			sb.WriteString(fmt.Sprintf(" %5d", v))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
