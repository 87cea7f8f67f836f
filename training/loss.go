package training

import (
	"fmt"
	"math"

	"github.com/fedcare/hospital-node/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the scalar loss of predicted against target.
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	// Backward returns dLoss/dPredicted.
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// CrossEntropyLoss is softmax cross-entropy over [N C] logits against [N]
// class indices, averaged over the batch.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a cross-entropy loss
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// LabelsTensor encodes class indices as an unbound [N] tensor.
func LabelsTensor(labels []int) *tensor.Tensor {
	t := tensor.Zeros(len(labels))
	for i, l := range labels {
		t.Data[i] = float32(l)
	}
	return t
}

func checkLogits(logits, target *tensor.Tensor) (n, c int, err error) {
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("cross entropy: expected [N C] logits, got %v", logits.Shape)
	}
	n, c = logits.Shape[0], logits.Shape[1]
	if len(target.Shape) != 1 || target.Shape[0] != n {
		return 0, 0, fmt.Errorf("cross entropy: expected [%d] targets, got %v", n, target.Shape)
	}
	if err := tensor.SameDevice(logits, target); err != nil {
		return 0, 0, fmt.Errorf("cross entropy: %w", err)
	}
	for i, v := range target.Data {
		if k := int(v); float32(k) != v || k < 0 || k >= c {
			return 0, 0, fmt.Errorf("cross entropy: target %d is %v, want a class in [0, %d)", i, v, c)
		}
	}
	return n, c, nil
}

// logSoftmaxRow writes log-softmax of row into out, in float64.
func logSoftmaxRow(row []float32, out []float64) {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxV)
	}
	lse := maxV + math.Log(sum)
	for j, v := range row {
		out[j] = float64(v) - lse
	}
}

// Forward computes -mean(log softmax(logits)[target]).
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, err := checkLogits(predicted, target)
	if err != nil {
		return nil, err
	}
	logp := make([]float64, c)
	var total float64
	for i := 0; i < n; i++ {
		logSoftmaxRow(predicted.Data[i*c:(i+1)*c], logp)
		total -= logp[int(target.Data[i])]
	}
	out := tensor.ZerosOn(predicted.Device())
	out.Data[0] = float32(total / float64(n))
	return out, nil
}

// Backward computes (softmax(logits) - onehot(target)) / N.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, err := checkLogits(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := tensor.ZerosOn(predicted.Device(), n, c)
	logp := make([]float64, c)
	inv := 1 / float64(n)
	for i := 0; i < n; i++ {
		logSoftmaxRow(predicted.Data[i*c:(i+1)*c], logp)
		label := int(target.Data[i])
		for j := 0; j < c; j++ {
			g := math.Exp(logp[j])
			if j == label {
				g--
			}
			grad.Data[i*c+j] = float32(g * inv)
		}
	}
	return grad, nil
}

// argmax returns the index of the largest logit in each row.
func argmax(logits *tensor.Tensor) []int {
	n, c := logits.Shape[0], logits.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits.Data[i*c : (i+1)*c]
		best := 0
		for j := 1; j < c; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
