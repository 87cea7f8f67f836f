package layers

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
)

// SequentialLayer chains child modules. Children are named by position ("0",
// "1", ...) unless added with AddNamed.
type SequentialLayer struct {
	names   []string
	modules []Module
}

// NewSequential creates a container from positional children.
func NewSequential(modules ...Module) *SequentialLayer {
	s := &SequentialLayer{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a child named by its position.
func (s *SequentialLayer) Add(m Module) *SequentialLayer {
	return s.AddNamed(strconv.Itoa(len(s.modules)), m)
}

// AddNamed appends a child under an explicit name.
func (s *SequentialLayer) AddNamed(name string, m Module) *SequentialLayer {
	s.names = append(s.names, name)
	s.modules = append(s.modules, m)
	return s
}

// Len returns the number of children.
func (s *SequentialLayer) Len() int { return len(s.modules) }

// At returns the i-th child.
func (s *SequentialLayer) At(i int) Module { return s.modules[i] }

func (s *SequentialLayer) Type() LayerType { return Container }

func (s *SequentialLayer) String() string {
	var sb strings.Builder
	sb.WriteString("Sequential(\n")
	for i, m := range s.modules {
		fmt.Fprintf(&sb, "  (%s): %s\n", s.names[i], indent(describe(m)))
	}
	sb.WriteString(")")
	return sb.String()
}

func (s *SequentialLayer) State() []Named {
	var state []Named
	for i, m := range s.modules {
		state = append(state, Prefix(s.names[i], m.State())...)
	}
	return state
}

func (s *SequentialLayer) SetTraining(training bool) {
	for _, m := range s.modules {
		m.SetTraining(training)
	}
}

func (s *SequentialLayer) Bind(dev *device.Device) error {
	for i, m := range s.modules {
		if err := m.Bind(dev); err != nil {
			return fmt.Errorf("%s: %w", s.names[i], err)
		}
	}
	return nil
}

func (s *SequentialLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, m := range s.modules {
		if x, err = m.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", s.names[i], err)
		}
	}
	return x, nil
}

func (s *SequentialLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		if grad, err = s.modules[i].Backward(grad); err != nil {
			return nil, fmt.Errorf("%s: %w", s.names[i], err)
		}
	}
	return grad, nil
}

// BasicBlock is the two-convolution residual block of ResNet-18/34:
// relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x)).
type BasicBlock struct {
	Conv1      *Conv2DLayer
	BN1        *BatchNorm2DLayer
	Relu1      *ReLULayer
	Conv2      *Conv2DLayer
	BN2        *BatchNorm2DLayer
	Downsample *SequentialLayer // nil for an identity shortcut
	Relu2      *ReLULayer
}

// NewBasicBlock creates a block mapping in channels to out channels. A
// projection shortcut (1x1 convolution + BatchNorm) is added when the stride
// or the channel count changes.
func NewBasicBlock(in, out, stride int, rng *rand.Rand) *BasicBlock {
	b := &BasicBlock{
		Conv1: NewConv2D(in, out, 3, stride, 1, false, rng),
		BN1:   NewBatchNorm2D(out),
		Relu1: NewReLU(),
		Conv2: NewConv2D(out, out, 3, 1, 1, false, rng),
		BN2:   NewBatchNorm2D(out),
		Relu2: NewReLU(),
	}
	if stride != 1 || in != out {
		b.Downsample = NewSequential(
			NewConv2D(in, out, 1, stride, 0, false, rng),
			NewBatchNorm2D(out),
		)
	}
	return b
}

func (b *BasicBlock) Type() LayerType { return Residual }

func (b *BasicBlock) String() string {
	var sb strings.Builder
	sb.WriteString("BasicBlock(\n")
	fmt.Fprintf(&sb, "  (conv1): %s\n", b.Conv1)
	fmt.Fprintf(&sb, "  (bn1): %s\n", b.BN1)
	fmt.Fprintf(&sb, "  (relu): %s\n", b.Relu1)
	fmt.Fprintf(&sb, "  (conv2): %s\n", b.Conv2)
	fmt.Fprintf(&sb, "  (bn2): %s\n", b.BN2)
	if b.Downsample != nil {
		fmt.Fprintf(&sb, "  (downsample): %s\n", indent(b.Downsample.String()))
	}
	sb.WriteString(")")
	return sb.String()
}

func (b *BasicBlock) State() []Named {
	var state []Named
	state = append(state, Prefix("conv1", b.Conv1.State())...)
	state = append(state, Prefix("bn1", b.BN1.State())...)
	state = append(state, Prefix("conv2", b.Conv2.State())...)
	state = append(state, Prefix("bn2", b.BN2.State())...)
	if b.Downsample != nil {
		state = append(state, Prefix("downsample", b.Downsample.State())...)
	}
	return state
}

func (b *BasicBlock) children() []Module {
	mods := []Module{b.Conv1, b.BN1, b.Relu1, b.Conv2, b.BN2, b.Relu2}
	if b.Downsample != nil {
		mods = append(mods, b.Downsample)
	}
	return mods
}

func (b *BasicBlock) SetTraining(training bool) {
	for _, m := range b.children() {
		m.SetTraining(training)
	}
}

func (b *BasicBlock) Bind(dev *device.Device) error {
	for _, m := range b.children() {
		if err := m.Bind(dev); err != nil {
			return err
		}
	}
	return nil
}

func (b *BasicBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.Conv1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	if out, err = b.BN1.Forward(out); err != nil {
		return nil, fmt.Errorf("bn1: %w", err)
	}
	if out, err = b.Relu1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = b.Conv2.Forward(out); err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}
	if out, err = b.BN2.Forward(out); err != nil {
		return nil, fmt.Errorf("bn2: %w", err)
	}

	identity := x
	if b.Downsample != nil {
		if identity, err = b.Downsample.Forward(x); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	sum, err := tensor.Add(out, identity)
	if err != nil {
		return nil, fmt.Errorf("residual: %w", err)
	}
	return b.Relu2.Forward(sum)
}

func (b *BasicBlock) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := b.Relu2.Backward(grad)
	if err != nil {
		return nil, err
	}

	branch := g
	steps := []struct {
		name string
		m    Module
	}{{"bn2", b.BN2}, {"conv2", b.Conv2}, {"relu", b.Relu1}, {"bn1", b.BN1}, {"conv1", b.Conv1}}
	for _, s := range steps {
		if branch, err = s.m.Backward(branch); err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}

	shortcut := g
	if b.Downsample != nil {
		if shortcut, err = b.Downsample.Backward(g); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	return tensor.Add(branch, shortcut)
}

func describe(m Module) string {
	if s, ok := m.(fmt.Stringer); ok {
		return s.String()
	}
	return m.Type().String()
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}
