package layers

import (
	"fmt"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// ReLULayer applies max(0, x) elementwise.
type ReLULayer struct {
	dev   *device.Device
	mask  []bool
	shape []int
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLULayer {
	return &ReLULayer{}
}

func (r *ReLULayer) Type() LayerType { return ReLU }

func (r *ReLULayer) String() string { return "ReLU()" }

func (r *ReLULayer) State() []Named { return nil }

func (r *ReLULayer) SetTraining(bool) {}

func (r *ReLULayer) Bind(dev *device.Device) error {
	r.dev = dev
	return nil
}

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.ZerosOn(r.dev, x.Shape...)
	if cap(r.mask) < x.NumElems {
		r.mask = make([]bool, x.NumElems)
	}
	r.mask = r.mask[:x.NumElems]
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		} else {
			r.mask[i] = false
		}
	}
	r.shape = append(r.shape[:0], x.Shape...)
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.shape == nil {
		return nil, errNoForward("relu")
	}
	if !tensor.ShapeEqual(gradOut.Shape, r.shape) {
		return nil, fmt.Errorf("relu: gradient shape %v does not match output %v", gradOut.Shape, r.shape)
	}
	gradIn := tensor.ZerosOn(r.dev, r.shape...)
	for i, pass := range r.mask {
		if pass {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn, nil
}
