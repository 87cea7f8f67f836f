package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

var gemm gonum.Implementation

// Conv2DLayer is a square-kernel 2D convolution lowered to GEMM through im2col.
// Weight has shape [out, in, k, k].
type Conv2DLayer struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	Weight *Parameter
	Bias   *Parameter // nil when the layer has no bias

	dev   *device.Device
	input *tensor.Tensor
}

// NewConv2D creates a convolution with Kaiming-normal (fan-out) weights.
func NewConv2D(in, out, kernel, stride, padding int, useBias bool, rng *rand.Rand) *Conv2DLayer {
	c := &Conv2DLayer{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      newParameter(out, in, kernel, kernel),
	}
	KaimingNormal(c.Weight.Value.Data, out*kernel*kernel, rng)
	if useBias {
		c.Bias = newParameter(out)
		UniformFanIn(c.Bias.Value.Data, in*kernel*kernel, rng)
	}
	return c
}

func (c *Conv2DLayer) Type() LayerType { return Conv2D }

func (c *Conv2DLayer) String() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel_size=%d, stride=%d, padding=%d, bias=%t)",
		c.InChannels, c.OutChannels, c.KernelSize, c.Stride, c.Padding, c.Bias != nil)
}

func (c *Conv2DLayer) State() []Named {
	state := []Named{{Name: "weight", Param: c.Weight}}
	if c.Bias != nil {
		state = append(state, Named{Name: "bias", Param: c.Bias})
	}
	return state
}

func (c *Conv2DLayer) SetTraining(bool) {}

func (c *Conv2DLayer) Bind(dev *device.Device) error {
	c.dev = dev
	return bindState(c.State(), dev)
}

// OutputSize returns the spatial output size for an input of h x w.
func (c *Conv2DLayer) OutputSize(h, w int) (int, int) {
	oh := (h+2*c.Padding-c.KernelSize)/c.Stride + 1
	ow := (w+2*c.Padding-c.KernelSize)/c.Stride + 1
	return oh, ow
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, "conv2d"); err != nil {
		return nil, err
	}
	if x.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv2d: expected %d input channels, got %d", c.InChannels, x.Shape[1])
	}
	if err := tensor.SameDevice(x, c.Weight.Value); err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d: input %dx%d too small for kernel %d", h, w, c.KernelSize)
	}

	out := tensor.ZerosOn(c.dev, n, c.OutChannels, oh, ow)
	inSize := c.InChannels * h * w
	ckk := c.InChannels * c.KernelSize * c.KernelSize
	p := oh * ow
	outSize := c.OutChannels * p
	pool := tensor.Scratch()

	c.dev.ForEach(n, func(i int) {
		cols := pool.Get(ckk * p)
		defer pool.Put(cols)
		c.im2col(x.Data[i*inSize:(i+1)*inSize], h, w, oh, ow, cols)

		dst := out.Data[i*outSize : (i+1)*outSize]
		gemm.Sgemm(blas.NoTrans, blas.NoTrans, c.OutChannels, p, ckk,
			1, c.Weight.Value.Data, ckk, cols, p, 0, dst, p)
		if c.Bias != nil {
			for oc := 0; oc < c.OutChannels; oc++ {
				b := c.Bias.Value.Data[oc]
				row := dst[oc*p : (oc+1)*p]
				for j := range row {
					row[j] += b
				}
			}
		}
	})

	c.input = x
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, errNoForward("conv2d")
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if !tensor.ShapeEqual(gradOut.Shape, []int{n, c.OutChannels, oh, ow}) {
		return nil, fmt.Errorf("conv2d: gradient shape %v does not match output [%d %d %d %d]",
			gradOut.Shape, n, c.OutChannels, oh, ow)
	}

	inSize := c.InChannels * h * w
	ckk := c.InChannels * c.KernelSize * c.KernelSize
	p := oh * ow
	outSize := c.OutChannels * p
	wSize := c.OutChannels * ckk
	pool := tensor.Scratch()

	gradIn := tensor.ZerosOn(c.dev, x.Shape...)
	partials := make([][]float32, n)

	c.dev.ForEach(n, func(i int) {
		cols := pool.Get(ckk * p)
		defer pool.Put(cols)
		c.im2col(x.Data[i*inSize:(i+1)*inSize], h, w, oh, ow, cols)

		g := gradOut.Data[i*outSize : (i+1)*outSize]
		partials[i] = pool.Get(wSize)
		// dW_i = dY_i * cols^T
		gemm.Sgemm(blas.NoTrans, blas.Trans, c.OutChannels, ckk, p,
			1, g, p, cols, p, 0, partials[i], ckk)
		// dcols = W^T * dY_i, written over the consumed columns
		gemm.Sgemm(blas.Trans, blas.NoTrans, ckk, p, c.OutChannels,
			1, c.Weight.Value.Data, ckk, g, p, 0, cols, p)
		c.col2im(cols, h, w, oh, ow, gradIn.Data[i*inSize:(i+1)*inSize])
	})

	for _, part := range partials {
		for j, v := range part {
			c.Weight.Grad[j] += v
		}
		pool.Put(part)
	}
	if c.Bias != nil {
		for i := 0; i < n; i++ {
			g := gradOut.Data[i*outSize : (i+1)*outSize]
			for oc := 0; oc < c.OutChannels; oc++ {
				var sum float32
				for _, v := range g[oc*p : (oc+1)*p] {
					sum += v
				}
				c.Bias.Grad[oc] += sum
			}
		}
	}
	return gradIn, nil
}

// im2col unrolls one [C,H,W] sample into a [C*K*K, OH*OW] column matrix.
func (c *Conv2DLayer) im2col(src []float32, h, w, oh, ow int, cols []float32) {
	k := c.KernelSize
	p := oh * ow
	for ch := 0; ch < c.InChannels; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols[((ch*k+ky)*k+kx)*p : ((ch*k+ky)*k+kx+1)*p]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Padding + ky
					dst := row[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= h {
						clear(dst)
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Padding + kx
						if ix < 0 || ix >= w {
							dst[ox] = 0
						} else {
							dst[ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im scatter-adds a column matrix back into a [C,H,W] gradient.
func (c *Conv2DLayer) col2im(cols []float32, h, w, oh, ow int, dst []float32) {
	k := c.KernelSize
	p := oh * ow
	for ch := 0; ch < c.InChannels; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols[((ch*k+ky)*k+kx)*p : ((ch*k+ky)*k+kx+1)*p]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Padding + kx
						if ix >= 0 && ix < w {
							plane[iy*w+ix] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}
