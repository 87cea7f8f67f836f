package optimizer

import "github.com/fedcare/hospital-node/layers"

// Optimizer updates a fixed set of parameters from their accumulated
// gradients.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GetStepCount returns the number of completed steps.
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate.
	LearningRate() float32
}

// validateParams rejects empty or frozen parameter lists.
func validateParams(params []*layers.Parameter) error {
	if len(params) == 0 {
		return errNoParams
	}
	for i, p := range params {
		if p == nil || !p.Trainable {
			return &ParamError{Index: i}
		}
		if len(p.Grad) != p.Value.NumElems {
			return &ParamError{Index: i, GradLen: len(p.Grad), Size: p.Value.NumElems}
		}
	}
	return nil
}
