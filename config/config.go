// Package config holds the runtime knobs of a hospital node run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fedcare/hospital-node/checkpoints"
	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/models/pretrained"
	"gopkg.in/yaml.v3"
)

// DefaultDataDir is the folder the node trains on when none is given.
const DefaultDataDir = "data"

// DefaultOutput is the exported weights file.
const DefaultOutput = "hospital_weights_v1.safetensors"

// DefaultClasses are the subfolders a data directory must contain.
var DefaultClasses = []string{"Normal", "Cancer"}

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir      string   `yaml:"data_dir"`
	Classes      []string `yaml:"classes"`
	Output       string   `yaml:"output"`
	Format       string   `yaml:"format"`
	Device       string   `yaml:"device"`
	Workers      int      `yaml:"workers"`
	BatchSize    int      `yaml:"batch_size"`
	LearningRate float32  `yaml:"learning_rate"`
	Momentum     float32  `yaml:"momentum"`
	Seed         int64    `yaml:"seed"`
	ResizeSize   int      `yaml:"resize_size"`
	CropSize     int      `yaml:"crop_size"`
	// Prefetch is the number of batches decoded ahead on a background
	// goroutine. Zero keeps the run fully synchronous.
	Prefetch int     `yaml:"prefetch"`
	Weights  Weights `yaml:"weights"`
}

// Weights selects where the pretrained backbone comes from.
type Weights struct {
	Strategy       string `yaml:"strategy"`
	CacheDir       string `yaml:"cache_dir"`
	Offline        bool   `yaml:"offline"`
	SafetensorsURL string `yaml:"safetensors_url"`
	TorchURL       string `yaml:"torch_url"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir   string
	Output    string
	Format    string
	Device    string
	Workers   int
	BatchSize int
	Seed      int64
	Prefetch  int
	Strategy  string
	CacheDir  string
	Offline   bool
}

// Default returns the configuration of the stock node: data/ with Normal
// and Cancer subfolders, batches of 4, SGD lr 0.001 momentum 0.9, 256/224
// preprocessing.
func Default() *Config {
	return &Config{
		DataDir:      DefaultDataDir,
		Classes:      append([]string(nil), DefaultClasses...),
		Output:       DefaultOutput,
		Device:       string(device.Auto),
		BatchSize:    4,
		LearningRate: 0.001,
		Momentum:     0.9,
		ResizeSize:   256,
		CropSize:     224,
		Weights: Weights{
			Strategy:       pretrained.StrategyAuto.String(),
			CacheDir:       pretrained.DefaultCacheDir(),
			SafetensorsURL: pretrained.DefaultSafetensorsURL,
			TorchURL:       pretrained.DefaultTorchURL,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Output != "" {
		c.Output = o.Output
	}
	if o.Format != "" {
		c.Format = o.Format
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Prefetch > 0 {
		c.Prefetch = o.Prefetch
	}
	if o.Strategy != "" {
		c.Weights.Strategy = o.Strategy
	}
	if o.CacheDir != "" {
		c.Weights.CacheDir = o.CacheDir
	}
	if o.Offline {
		c.Weights.Offline = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if len(c.Classes) == 0 {
		return errors.New("at least one class folder must be listed")
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, name := range c.Classes {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("class %q must be a plain folder name", name)
		}
		if seen[name] {
			return fmt.Errorf("class %q listed twice", name)
		}
		seen[name] = true
	}
	if c.Output == "" {
		return errors.New("output must be set")
	}
	if _, err := c.CheckpointFormat(); err != nil {
		return err
	}
	if _, err := device.ParseKind(c.Device); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0 (got %d)", c.Workers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must be >= 0 (got %d)", c.Prefetch)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum > 1 {
		return fmt.Errorf("momentum must be in [0, 1] (got %v)", c.Momentum)
	}
	if c.ResizeSize <= 0 || c.CropSize <= 0 {
		return fmt.Errorf("resize_size and crop_size must be > 0 (got %d, %d)", c.ResizeSize, c.CropSize)
	}
	if _, err := pretrained.ParseStrategy(c.Weights.Strategy); err != nil {
		return err
	}
	return nil
}

// CheckpointFormat resolves the export format: the explicit format when
// set, otherwise the output file extension.
func (c *Config) CheckpointFormat() (checkpoints.CheckpointFormat, error) {
	var (
		format checkpoints.CheckpointFormat
		err    error
	)
	if c.Format != "" {
		format, err = checkpoints.ParseFormat(c.Format)
	} else {
		format, err = checkpoints.FormatFromPath(c.Output)
	}
	if err != nil {
		return 0, err
	}
	if format == checkpoints.FormatTorch {
		return 0, fmt.Errorf("format %s is read-only; export as safetensors, onnx or json", format)
	}
	return format, nil
}
