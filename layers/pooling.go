package layers

import (
	"fmt"
	"math"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// MaxPool2DLayer takes the maximum over square windows. Padding acts as -inf.
type MaxPool2DLayer struct {
	KernelSize int
	Stride     int
	Padding    int

	dev     *device.Device
	inShape []int
	argmax  []int32
}

// NewMaxPool2D creates a max-pooling layer.
func NewMaxPool2D(kernel, stride, padding int) *MaxPool2DLayer {
	return &MaxPool2DLayer{KernelSize: kernel, Stride: stride, Padding: padding}
}

func (mp *MaxPool2DLayer) Type() LayerType { return MaxPool2D }

func (mp *MaxPool2DLayer) String() string {
	return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=%d)", mp.KernelSize, mp.Stride, mp.Padding)
}

func (mp *MaxPool2DLayer) State() []Named { return nil }

func (mp *MaxPool2DLayer) SetTraining(bool) {}

func (mp *MaxPool2DLayer) Bind(dev *device.Device) error {
	mp.dev = dev
	return nil
}

func (mp *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, "maxpool2d"); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*mp.Padding-mp.KernelSize)/mp.Stride + 1
	ow := (w+2*mp.Padding-mp.KernelSize)/mp.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("maxpool2d: input %dx%d too small for kernel %d", h, w, mp.KernelSize)
	}

	out := tensor.ZerosOn(mp.dev, n, c, oh, ow)
	if cap(mp.argmax) < out.NumElems {
		mp.argmax = make([]int32, out.NumElems)
	}
	mp.argmax = mp.argmax[:out.NumElems]

	mp.dev.ForEach(n*c, func(plane int) {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		base := plane * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := int32(-1)
				for ky := 0; ky < mp.KernelSize; ky++ {
					iy := oy*mp.Stride - mp.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < mp.KernelSize; kx++ {
						ix := ox*mp.Stride - mp.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; bestIdx < 0 || v > best {
							best = v
							bestIdx = int32(iy*w + ix)
						}
					}
				}
				out.Data[base+oy*ow+ox] = best
				mp.argmax[base+oy*ow+ox] = bestIdx
			}
		}
	})

	mp.inShape = append(mp.inShape[:0], x.Shape...)
	return out, nil
}

func (mp *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if mp.inShape == nil {
		return nil, errNoForward("maxpool2d")
	}
	if gradOut.NumElems != len(mp.argmax) {
		return nil, fmt.Errorf("maxpool2d: gradient has %d elements, output had %d", gradOut.NumElems, len(mp.argmax))
	}
	n, c, h, w := mp.inShape[0], mp.inShape[1], mp.inShape[2], mp.inShape[3]
	outPlane := gradOut.NumElems / (n * c)
	gradIn := tensor.ZerosOn(mp.dev, mp.inShape...)

	mp.dev.ForEach(n*c, func(plane int) {
		dst := gradIn.Data[plane*h*w : (plane+1)*h*w]
		for j := 0; j < outPlane; j++ {
			if idx := mp.argmax[plane*outPlane+j]; idx >= 0 {
				dst[idx] += gradOut.Data[plane*outPlane+j]
			}
		}
	})
	return gradIn, nil
}

// GlobalAvgPoolLayer averages each channel plane and flattens [N,C,H,W] to [N,C].
type GlobalAvgPoolLayer struct {
	dev     *device.Device
	inShape []int
}

// NewGlobalAvgPool creates an adaptive average pool to 1x1 followed by flatten.
func NewGlobalAvgPool() *GlobalAvgPoolLayer {
	return &GlobalAvgPoolLayer{}
}

func (g *GlobalAvgPoolLayer) Type() LayerType { return GlobalAvgPool }

func (g *GlobalAvgPoolLayer) String() string { return "AdaptiveAvgPool2d(output_size=(1, 1))" }

func (g *GlobalAvgPoolLayer) State() []Named { return nil }

func (g *GlobalAvgPoolLayer) SetTraining(bool) {}

func (g *GlobalAvgPoolLayer) Bind(dev *device.Device) error {
	g.dev = dev
	return nil
}

func (g *GlobalAvgPoolLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, "avgpool"); err != nil {
		return nil, err
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := tensor.ZerosOn(g.dev, n, c)
	for plane := 0; plane < n*c; plane++ {
		var sum float32
		for _, v := range x.Data[plane*hw : (plane+1)*hw] {
			sum += v
		}
		out.Data[plane] = sum / float32(hw)
	}
	g.inShape = append(g.inShape[:0], x.Shape...)
	return out, nil
}

func (g *GlobalAvgPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inShape == nil {
		return nil, errNoForward("avgpool")
	}
	n, c, hw := g.inShape[0], g.inShape[1], g.inShape[2]*g.inShape[3]
	if !tensor.ShapeEqual(gradOut.Shape, []int{n, c}) {
		return nil, fmt.Errorf("avgpool: gradient shape %v does not match output [%d %d]", gradOut.Shape, n, c)
	}
	gradIn := tensor.ZerosOn(g.dev, g.inShape...)
	for plane := 0; plane < n*c; plane++ {
		v := gradOut.Data[plane] / float32(hw)
		dst := gradIn.Data[plane*hw : (plane+1)*hw]
		for j := range dst {
			dst[j] = v
		}
	}
	return gradIn, nil
}
