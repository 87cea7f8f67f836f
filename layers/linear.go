package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// LinearLayer computes y = x W^T + b for x of shape [N, in].
type LinearLayer struct {
	InFeatures  int
	OutFeatures int

	Weight *Parameter // [out, in]
	Bias   *Parameter // [out]

	dev   *device.Device
	input *tensor.Tensor
}

// NewLinear creates a fully connected layer with fan-in uniform initialisation.
func NewLinear(in, out int, rng *rand.Rand) *LinearLayer {
	l := &LinearLayer{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      newParameter(out, in),
		Bias:        newParameter(out),
	}
	UniformFanIn(l.Weight.Value.Data, in, rng)
	UniformFanIn(l.Bias.Value.Data, in, rng)
	return l
}

func (l *LinearLayer) Type() LayerType { return Dense }

func (l *LinearLayer) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=True)", l.InFeatures, l.OutFeatures)
}

func (l *LinearLayer) State() []Named {
	return []Named{{Name: "weight", Param: l.Weight}, {Name: "bias", Param: l.Bias}}
}

func (l *LinearLayer) SetTraining(bool) {}

func (l *LinearLayer) Bind(dev *device.Device) error {
	l.dev = dev
	return bindState(l.State(), dev)
}

func (l *LinearLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(x, 2, "linear"); err != nil {
		return nil, err
	}
	if x.Shape[1] != l.InFeatures {
		return nil, fmt.Errorf("linear: expected %d input features, got %d", l.InFeatures, x.Shape[1])
	}
	if err := tensor.SameDevice(x, l.Weight.Value); err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	n := x.Shape[0]
	out := tensor.ZerosOn(l.dev, n, l.OutFeatures)
	for i := 0; i < n; i++ {
		copy(out.Data[i*l.OutFeatures:(i+1)*l.OutFeatures], l.Bias.Value.Data)
	}
	gemm.Sgemm(blas.NoTrans, blas.Trans, n, l.OutFeatures, l.InFeatures,
		1, x.Data, l.InFeatures, l.Weight.Value.Data, l.InFeatures, 1, out.Data, l.OutFeatures)
	l.input = x
	return out, nil
}

func (l *LinearLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := l.input
	if x == nil {
		return nil, errNoForward("linear")
	}
	n := x.Shape[0]
	if !tensor.ShapeEqual(gradOut.Shape, []int{n, l.OutFeatures}) {
		return nil, fmt.Errorf("linear: gradient shape %v does not match output [%d %d]", gradOut.Shape, n, l.OutFeatures)
	}

	// dW += dY^T X
	gemm.Sgemm(blas.Trans, blas.NoTrans, l.OutFeatures, l.InFeatures, n,
		1, gradOut.Data, l.OutFeatures, x.Data, l.InFeatures, 1, l.Weight.Grad, l.InFeatures)
	for i := 0; i < n; i++ {
		for j, v := range gradOut.Data[i*l.OutFeatures : (i+1)*l.OutFeatures] {
			l.Bias.Grad[j] += v
		}
	}

	gradIn := tensor.ZerosOn(l.dev, n, l.InFeatures)
	gemm.Sgemm(blas.NoTrans, blas.NoTrans, n, l.InFeatures, l.OutFeatures,
		1, gradOut.Data, l.OutFeatures, l.Weight.Value.Data, l.InFeatures, 0, gradIn.Data, l.InFeatures)
	return gradIn, nil
}
