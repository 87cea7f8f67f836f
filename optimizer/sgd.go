package optimizer

import (
	"errors"
	"fmt"

	"github.com/fedcare/hospital-node/layers"
)

var errNoParams = errors.New("no parameters to optimize")

// ParamError reports a parameter the optimizer cannot manage.
type ParamError struct {
	Index   int
	GradLen int
	Size    int
}

func (e *ParamError) Error() string {
	if e.Size == 0 && e.GradLen == 0 {
		return fmt.Sprintf("parameter %d is nil or not trainable", e.Index)
	}
	return fmt.Sprintf("parameter %d: gradient holds %d values, parameter %d", e.Index, e.GradLen, e.Size)
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	Dampening    float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns the fine-tuning configuration: lr 0.001,
// momentum 0.9, no weight decay.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.001,
		Momentum:     0.9,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// Validate checks the hyperparameters.
func (c SGDConfig) Validate() error {
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 {
		return fmt.Errorf("momentum cannot be negative: %f", c.Momentum)
	}
	if c.Momentum > 1.0 {
		return fmt.Errorf("momentum cannot be greater than 1.0: %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Nesterov && (c.Momentum <= 0 || c.Dampening != 0) {
		return fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum, following
// the PyTorch update rule: the momentum buffer is seeded with the first
// gradient, then buf = momentum*buf + (1-dampening)*grad.
type SGD struct {
	config    SGDConfig
	params    []*layers.Parameter
	buffers   [][]float32 // nil until the first step
	stepCount uint64
}

// NewSGD creates an optimizer over params.
func NewSGD(params []*layers.Parameter, config SGDConfig) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &SGD{
		config:  config,
		params:  params,
		buffers: make([][]float32, len(params)),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	lr := sgd.config.LearningRate
	m := sgd.config.Momentum
	wd := sgd.config.WeightDecay
	damp := 1 - sgd.config.Dampening

	for i, p := range sgd.params {
		w := p.Value.Data
		if len(p.Grad) != len(w) {
			return &ParamError{Index: i, GradLen: len(p.Grad), Size: len(w)}
		}
		buf := sgd.buffers[i]
		first := buf == nil
		if m != 0 && first {
			buf = make([]float32, len(w))
			sgd.buffers[i] = buf
		}
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * w[j]
			}
			if m != 0 {
				if first {
					buf[j] = g
				} else {
					buf[j] = m*buf[j] + damp*g
				}
				if sgd.config.Nesterov {
					g += m * buf[j]
				} else {
					g = buf[j]
				}
			}
			w[j] -= lr * g
		}
	}
	sgd.stepCount++
	return nil
}

// ZeroGrad clears every managed gradient.
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// UpdateLearningRate updates the learning rate
func (sgd *SGD) UpdateLearningRate(newLR float32) {
	sgd.config.LearningRate = newLR
}

// LearningRate returns the current learning rate.
func (sgd *SGD) LearningRate() float32 {
	return sgd.config.LearningRate
}

// Config returns the hyperparameters.
func (sgd *SGD) Config() SGDConfig {
	return sgd.config
}

var _ Optimizer = (*SGD)(nil)
