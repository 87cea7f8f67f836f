package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	BatchNorm
	GlobalAvgPool
	Residual
	Container
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Residual:
		return "Residual"
	case Container:
		return "Container"
	default:
		return "Unknown"
	}
}

// Parameter is one named tensor of a module's state. Trainable parameters
// carry a gradient buffer of the same length as Value.Data; buffers such as
// BatchNorm running statistics do not.
type Parameter struct {
	Value     *tensor.Tensor
	Grad      []float32
	Trainable bool
}

func newParameter(shape ...int) *Parameter {
	v := tensor.Zeros(shape...)
	return &Parameter{Value: v, Grad: make([]float32, v.NumElems), Trainable: true}
}

func newBuffer(shape ...int) *Parameter {
	return &Parameter{Value: tensor.Zeros(shape...)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// Named pairs a parameter with its state-dict key.
type Named struct {
	Name  string
	Param *Parameter
}

// Module is a differentiable layer. Backward consumes the activations cached
// by the most recent Forward and accumulates into parameter gradients.
type Module interface {
	Type() LayerType
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	// State lists parameters and buffers in registration order.
	State() []Named
	SetTraining(training bool)
	Bind(dev *device.Device) error
}

// Prefix qualifies child state names with "prefix.".
func Prefix(prefix string, state []Named) []Named {
	out := make([]Named, len(state))
	for i, n := range state {
		out[i] = Named{Name: prefix + "." + n.Name, Param: n.Param}
	}
	return out
}

// Trainable filters the trainable parameters of a module in state order.
func Trainable(m Module) []*Parameter {
	var params []*Parameter
	for _, n := range m.State() {
		if n.Param.Trainable {
			params = append(params, n.Param)
		}
	}
	return params
}

// CountParameters returns the number of trainable scalars.
func CountParameters(m Module) int {
	total := 0
	for _, p := range Trainable(m) {
		total += p.Value.NumElems
	}
	return total
}

func bindState(state []Named, dev *device.Device) error {
	for _, n := range state {
		if _, err := n.Param.Value.To(dev); err != nil {
			return fmt.Errorf("bind %s: %w", n.Name, err)
		}
	}
	return nil
}

// KaimingNormal fills w with N(0, 2/fanOut), the ResNet convolution init.
func KaimingNormal(w []float32, fanOut int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanOut))
	for i := range w {
		w[i] = float32(rng.NormFloat64() * std)
	}
}

// UniformFanIn fills w with U(-1/sqrt(fanIn), 1/sqrt(fanIn)), the default
// initialisation of a fully connected layer and its bias.
func UniformFanIn(w []float32, fanIn int, rng *rand.Rand) {
	bound := 1.0 / math.Sqrt(float64(fanIn))
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

func expectRank(x *tensor.Tensor, rank int, layer string) error {
	if len(x.Shape) != rank {
		return fmt.Errorf("%s: expected rank-%d input, got shape %v", layer, rank, x.Shape)
	}
	return nil
}

func errNoForward(layer string) error {
	return fmt.Errorf("%s: backward called before forward", layer)
}
