package layers

import (
	"fmt"
	"math"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// BatchNorm2DLayer normalises each channel of an [N,C,H,W] input.
//
// In training mode it uses batch statistics and folds them into the running
// estimates (running = (1-momentum)*running + momentum*batch, with the
// unbiased variance). In evaluation mode it uses the running estimates.
type BatchNorm2DLayer struct {
	Channels int
	Eps      float32
	Momentum float32

	Weight            *Parameter
	Bias              *Parameter
	RunningMean       *Parameter
	RunningVar        *Parameter
	NumBatchesTracked *Parameter

	training bool
	dev      *device.Device

	shape  []int
	xhat   []float32
	invStd []float32
}

// NewBatchNorm2D creates a BatchNorm layer with unit scale and zero shift.
func NewBatchNorm2D(channels int) *BatchNorm2DLayer {
	bn := &BatchNorm2DLayer{
		Channels:          channels,
		Eps:               1e-5,
		Momentum:          0.1,
		Weight:            newParameter(channels),
		Bias:              newParameter(channels),
		RunningMean:       newBuffer(channels),
		RunningVar:        newBuffer(channels),
		NumBatchesTracked: newBuffer(),
		training:          true,
	}
	for i := 0; i < channels; i++ {
		bn.Weight.Value.Data[i] = 1
		bn.RunningVar.Value.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm2DLayer) Type() LayerType { return BatchNorm }

func (bn *BatchNorm2DLayer) String() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g, momentum=%g)", bn.Channels, bn.Eps, bn.Momentum)
}

func (bn *BatchNorm2DLayer) State() []Named {
	return []Named{
		{Name: "weight", Param: bn.Weight},
		{Name: "bias", Param: bn.Bias},
		{Name: "running_mean", Param: bn.RunningMean},
		{Name: "running_var", Param: bn.RunningVar},
		{Name: "num_batches_tracked", Param: bn.NumBatchesTracked},
	}
}

func (bn *BatchNorm2DLayer) SetTraining(training bool) { bn.training = training }

func (bn *BatchNorm2DLayer) Bind(dev *device.Device) error {
	bn.dev = dev
	return bindState(bn.State(), dev)
}

func (bn *BatchNorm2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, "batchnorm2d"); err != nil {
		return nil, err
	}
	if x.Shape[1] != bn.Channels {
		return nil, fmt.Errorf("batchnorm2d: expected %d channels, got %d", bn.Channels, x.Shape[1])
	}
	if err := tensor.SameDevice(x, bn.Weight.Value); err != nil {
		return nil, fmt.Errorf("batchnorm2d: %w", err)
	}
	n, hw := x.Shape[0], x.Shape[2]*x.Shape[3]
	m := n * hw
	if bn.training && m <= 1 {
		return nil, fmt.Errorf("batchnorm2d: expected more than 1 value per channel when training, got input shape %v", x.Shape)
	}

	out := tensor.ZerosOn(bn.dev, x.Shape...)
	bn.shape = append(bn.shape[:0], x.Shape...)
	if cap(bn.xhat) < x.NumElems {
		bn.xhat = make([]float32, x.NumElems)
	}
	bn.xhat = bn.xhat[:x.NumElems]
	if cap(bn.invStd) < bn.Channels {
		bn.invStd = make([]float32, bn.Channels)
	}
	bn.invStd = bn.invStd[:bn.Channels]

	stride := bn.Channels * hw
	bn.dev.ForEach(bn.Channels, func(c int) {
		var mean, variance float64
		if bn.training {
			for i := 0; i < n; i++ {
				for _, v := range x.Data[i*stride+c*hw : i*stride+(c+1)*hw] {
					mean += float64(v)
				}
			}
			mean /= float64(m)
			for i := 0; i < n; i++ {
				for _, v := range x.Data[i*stride+c*hw : i*stride+(c+1)*hw] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(m)

			mom := float64(bn.Momentum)
			unbiased := variance * float64(m) / float64(m-1)
			bn.RunningMean.Value.Data[c] = float32((1-mom)*float64(bn.RunningMean.Value.Data[c]) + mom*mean)
			bn.RunningVar.Value.Data[c] = float32((1-mom)*float64(bn.RunningVar.Value.Data[c]) + mom*unbiased)
		} else {
			mean = float64(bn.RunningMean.Value.Data[c])
			variance = float64(bn.RunningVar.Value.Data[c])
		}

		inv := 1 / math.Sqrt(variance+float64(bn.Eps))
		bn.invStd[c] = float32(inv)
		gamma, beta := bn.Weight.Value.Data[c], bn.Bias.Value.Data[c]
		for i := 0; i < n; i++ {
			off := i*stride + c*hw
			for j := 0; j < hw; j++ {
				xh := float32((float64(x.Data[off+j]) - mean) * inv)
				bn.xhat[off+j] = xh
				out.Data[off+j] = gamma*xh + beta
			}
		}
	})

	if bn.training {
		bn.NumBatchesTracked.Value.Data[0]++
	}
	return out, nil
}

func (bn *BatchNorm2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.shape == nil {
		return nil, errNoForward("batchnorm2d")
	}
	if !tensor.ShapeEqual(gradOut.Shape, bn.shape) {
		return nil, fmt.Errorf("batchnorm2d: gradient shape %v does not match output %v", gradOut.Shape, bn.shape)
	}
	n, hw := bn.shape[0], bn.shape[2]*bn.shape[3]
	m := float64(n * hw)
	stride := bn.Channels * hw
	gradIn := tensor.ZerosOn(bn.dev, bn.shape...)

	bn.dev.ForEach(bn.Channels, func(c int) {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			off := i*stride + c*hw
			for j := 0; j < hw; j++ {
				dy := float64(gradOut.Data[off+j])
				sumDy += dy
				sumDyXhat += dy * float64(bn.xhat[off+j])
			}
		}
		bn.Weight.Grad[c] += float32(sumDyXhat)
		bn.Bias.Grad[c] += float32(sumDy)

		scale := float64(bn.Weight.Value.Data[c]) * float64(bn.invStd[c])
		for i := 0; i < n; i++ {
			off := i*stride + c*hw
			for j := 0; j < hw; j++ {
				dy := float64(gradOut.Data[off+j])
				if bn.training {
					xh := float64(bn.xhat[off+j])
					gradIn.Data[off+j] = float32(scale / m * (m*dy - sumDy - xh*sumDyXhat))
				} else {
					gradIn.Data[off+j] = float32(scale * dy)
				}
			}
		}
	})
	return gradIn, nil
}
