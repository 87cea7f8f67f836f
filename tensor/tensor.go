package tensor

import (
	"errors"
	"fmt"

	"github.com/fedcare/hospital-node/device"
)

// ErrDeviceMismatch is returned when tensors bound to different devices meet
// in one operation, or when a bound tensor is asked to move.
var ErrDeviceMismatch = errors.New("tensor: device mismatch")

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
	device   *device.Device
}

// New wraps data with the given shape. len(data) must equal the product of the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero tensor. It panics on a non-positive dimension, which
// is always a programming error at the call sites.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     make([]float32, n),
		NumElems: n,
	}
}

// ZerosOn allocates a zero tensor already bound to dev.
func ZerosOn(dev *device.Device, shape ...int) *Tensor {
	t := Zeros(shape...)
	t.device = dev
	return t
}

// Scalar returns a rank-0 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Strides: []int{}, Data: []float32{v}, NumElems: 1}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.device, t.NumElems)
}

// Device returns the device the tensor is bound to, nil when unbound.
func (t *Tensor) Device() *device.Device {
	return t.device
}

// To binds an unbound tensor to dev. Binding is one-way: a tensor already
// bound to another device is never migrated.
func (t *Tensor) To(dev *device.Device) (*Tensor, error) {
	if t.device != nil && t.device != dev {
		return nil, fmt.Errorf("%w: tensor on %s cannot move to %s", ErrDeviceMismatch, t.device, dev)
	}
	t.device = dev
	return t, nil
}

// SameDevice checks that all tensors share one binding.
func SameDevice(ts ...*Tensor) error {
	for i := 1; i < len(ts); i++ {
		if ts[i].device != ts[0].device {
			return fmt.Errorf("%w: %s vs %s", ErrDeviceMismatch, ts[0].device, ts[i].device)
		}
	}
	return nil
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.Shape, o.Shape)
}

// ShapeEqual compares two shapes.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone deep-copies the data and keeps the device binding.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
		device:   t.device,
	}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != t.NumElems {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.Shape, t.NumElems, shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
		device:   t.device,
	}, nil
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("tensor: add shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	if err := SameDevice(a, b); err != nil {
		return nil, err
	}
	out := &Tensor{
		Shape:    append([]int(nil), a.Shape...),
		Strides:  calculateStrides(a.Shape),
		Data:     make([]float32, a.NumElems),
		NumElems: a.NumElems,
		device:   a.device,
	}
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// NumElements returns the product of a shape; rank 0 has one element.
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
