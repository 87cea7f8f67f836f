// Package resnet implements the ResNet BasicBlock family on the layers package.
package resnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/layers"
	"github.com/fedcare/hospital-node/tensor"
)

// Config describes a BasicBlock ResNet.
type Config struct {
	Blocks     [4]int // blocks per stage
	Widths     [4]int // channels per stage
	NumClasses int
	Seed       int64 // 0 seeds from the clock
}

// ResNet18 is the torchvision resnet18 layout with the ImageNet head.
func ResNet18() Config {
	return Config{
		Blocks:     [4]int{2, 2, 2, 2},
		Widths:     [4]int{64, 128, 256, 512},
		NumClasses: 1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for i := range c.Blocks {
		if c.Blocks[i] <= 0 {
			return fmt.Errorf("resnet: stage %d needs at least one block", i+1)
		}
		if c.Widths[i] <= 0 {
			return fmt.Errorf("resnet: stage %d width must be positive", i+1)
		}
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("resnet: num classes must be positive, got %d", c.NumClasses)
	}
	return nil
}

// ResNet is stem -> four residual stages -> global average pool -> fc.
type ResNet struct {
	Conv1   *layers.Conv2DLayer
	BN1     *layers.BatchNorm2DLayer
	Relu    *layers.ReLULayer
	MaxPool *layers.MaxPool2DLayer
	Stages  [4]*layers.SequentialLayer
	AvgPool *layers.GlobalAvgPoolLayer
	FC      *layers.LinearLayer

	cfg Config
	dev *device.Device
	rng *rand.Rand
}

// New builds a randomly initialised network.
func New(cfg Config) (*ResNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	m := &ResNet{
		Conv1:   layers.NewConv2D(3, cfg.Widths[0], 7, 2, 3, false, rng),
		BN1:     layers.NewBatchNorm2D(cfg.Widths[0]),
		Relu:    layers.NewReLU(),
		MaxPool: layers.NewMaxPool2D(3, 2, 1),
		AvgPool: layers.NewGlobalAvgPool(),
		FC:      layers.NewLinear(cfg.Widths[3], cfg.NumClasses, rng),
		cfg:     cfg,
		rng:     rng,
	}
	in := cfg.Widths[0]
	for s := 0; s < 4; s++ {
		stride := 2
		if s == 0 {
			stride = 1
		}
		stage := layers.NewSequential()
		for b := 0; b < cfg.Blocks[s]; b++ {
			if b > 0 {
				stride = 1
			}
			stage.Add(layers.NewBasicBlock(in, cfg.Widths[s], stride, rng))
			in = cfg.Widths[s]
		}
		m.Stages[s] = stage
	}
	return m, nil
}

// Config returns the architecture, with NumClasses reflecting the current head.
func (m *ResNet) Config() Config {
	cfg := m.cfg
	cfg.NumClasses = m.FC.OutFeatures
	return cfg
}

// FeatureWidth is the penultimate feature size feeding the head.
func (m *ResNet) FeatureWidth() int {
	return m.FC.InFeatures
}

// NumClasses is the head output size.
func (m *ResNet) NumClasses() int {
	return m.FC.OutFeatures
}

// ReplaceHead swaps the classifier for a freshly initialised
// Linear(FeatureWidth, numClasses), bound to the model's device.
func (m *ResNet) ReplaceHead(numClasses int) error {
	if numClasses <= 0 {
		return fmt.Errorf("resnet: head needs a positive class count, got %d", numClasses)
	}
	fc := layers.NewLinear(m.FeatureWidth(), numClasses, m.rng)
	if m.dev != nil {
		if err := fc.Bind(m.dev); err != nil {
			return err
		}
	}
	m.FC = fc
	return nil
}

func (m *ResNet) modules() []struct {
	name string
	mod  layers.Module
} {
	return []struct {
		name string
		mod  layers.Module
	}{
		{"conv1", m.Conv1},
		{"bn1", m.BN1},
		{"relu", m.Relu},
		{"maxpool", m.MaxPool},
		{"layer1", m.Stages[0]},
		{"layer2", m.Stages[1]},
		{"layer3", m.Stages[2]},
		{"layer4", m.Stages[3]},
		{"avgpool", m.AvgPool},
		{"fc", m.FC},
	}
}

func (m *ResNet) Type() layers.LayerType { return layers.Container }

// State returns the torchvision state_dict layout.
func (m *ResNet) State() []layers.Named {
	var state []layers.Named
	for _, c := range m.modules() {
		state = append(state, layers.Prefix(c.name, c.mod.State())...)
	}
	return state
}

func (m *ResNet) SetTraining(training bool) {
	for _, c := range m.modules() {
		c.mod.SetTraining(training)
	}
}

// Bind moves the whole network to dev. It is called once per run.
func (m *ResNet) Bind(dev *device.Device) error {
	for _, c := range m.modules() {
		if err := c.mod.Bind(dev); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	m.dev = dev
	return nil
}

// Device returns the device the network is bound to.
func (m *ResNet) Device() *device.Device {
	return m.dev
}

// Forward maps [N,3,H,W] images to [N,NumClasses] logits.
func (m *ResNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != 3 {
		return nil, fmt.Errorf("resnet: expected [N 3 H W] input, got %v", x.Shape)
	}
	var err error
	for _, c := range m.modules() {
		if x, err = c.mod.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return x, nil
}

// Backward propagates dLoss/dLogits through the network, accumulating
// parameter gradients.
func (m *ResNet) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	mods := m.modules()
	var err error
	for i := len(mods) - 1; i >= 0; i-- {
		if grad, err = mods[i].mod.Backward(grad); err != nil {
			return nil, fmt.Errorf("%s: %w", mods[i].name, err)
		}
	}
	return grad, nil
}

func (m *ResNet) String() string {
	var sb strings.Builder
	sb.WriteString("ResNet(\n")
	for _, c := range m.modules() {
		desc := c.mod.Type().String()
		if s, ok := c.mod.(fmt.Stringer); ok {
			desc = s.String()
		}
		fmt.Fprintf(&sb, "  (%s): %s\n", c.name, strings.ReplaceAll(desc, "\n", "\n  "))
	}
	sb.WriteString(")")
	return sb.String()
}
