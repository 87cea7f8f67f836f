// Package pretrained obtains ImageNet-pretrained ResNet-18 weights.
//
// Two acquisition strategies produce the same result, a *resnet.ResNet with
// the 1000-way ImageNet head loaded. Resolve picks one of them up front by
// inspecting the options and the cache, instead of trying one and falling
// back on failure.
package pretrained

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fedcare/hospital-node/checkpoints"
	"github.com/fedcare/hospital-node/models/resnet"
	"k8s.io/klog/v2"
)

const (
	// DefaultSafetensorsURL serves the torchvision ResNet-18 ImageNet weights
	// repackaged as safetensors.
	DefaultSafetensorsURL = "https://huggingface.co/timm/resnet18.tv_in1k/resolve/main/model.safetensors"
	// DefaultTorchURL is the torchvision pickle the safetensors file was
	// converted from.
	DefaultTorchURL = "https://download.pytorch.org/models/resnet18-f37072fd.pth"

	safetensorsFile = "resnet18.tv_in1k.safetensors"
)

// ErrUnavailable is returned when no strategy can run, for instance in
// offline mode with an empty cache.
var ErrUnavailable = errors.New("pretrained weights unavailable")

// Strategy selects how weights are acquired.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategySafetensors
	StrategyTorch
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategySafetensors:
		return "safetensors"
	case StrategyTorch:
		return "torch"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a configuration value.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "safetensors":
		return StrategySafetensors, nil
	case "torch", "pth", "pickle":
		return StrategyTorch, nil
	default:
		return 0, fmt.Errorf("unknown weights strategy %q", s)
	}
}

// Options configures acquisition.
type Options struct {
	Strategy Strategy
	CacheDir string
	// Offline forbids network access; only cached files are used.
	Offline bool

	SafetensorsURL string
	TorchURL       string

	// Arch must match the downloaded weights. Zero value means ResNet18().
	Arch   resnet.Config
	Client *http.Client
}

// DefaultCacheDir is the per-user weights cache.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hospital-node", "weights")
	}
	return filepath.Join(os.TempDir(), "hospital-node", "weights")
}

func (o Options) withDefaults() Options {
	if o.CacheDir == "" {
		o.CacheDir = DefaultCacheDir()
	}
	if o.SafetensorsURL == "" {
		o.SafetensorsURL = DefaultSafetensorsURL
	}
	if o.TorchURL == "" {
		o.TorchURL = DefaultTorchURL
	}
	if o.Arch.NumClasses == 0 {
		o.Arch = resnet.ResNet18()
	}
	return o
}

// Source yields a pretrained model.
type Source interface {
	Name() string
	// Path is the cache location of the weights file.
	Path() string
	Load(ctx context.Context) (*resnet.ResNet, error)
}

// SafetensorsSource reads weights published in the safetensors format.
type SafetensorsSource struct {
	URL     string
	File    string
	Offline bool
	Arch    resnet.Config
	Client  *http.Client
}

func (s *SafetensorsSource) Name() string { return "safetensors" }

func (s *SafetensorsSource) Path() string { return s.File }

func (s *SafetensorsSource) Load(ctx context.Context) (*resnet.ResNet, error) {
	return load(ctx, s.URL, s.File, s.Offline, s.Arch, s.Client, checkpoints.FormatSafetensors)
}

// TorchSource reads the legacy torchvision pickle.
type TorchSource struct {
	URL     string
	File    string
	Offline bool
	Arch    resnet.Config
	Client  *http.Client
}

func (s *TorchSource) Name() string { return "torch" }

func (s *TorchSource) Path() string { return s.File }

func (s *TorchSource) Load(ctx context.Context) (*resnet.ResNet, error) {
	return load(ctx, s.URL, s.File, s.Offline, s.Arch, s.Client, checkpoints.FormatTorch)
}

func load(ctx context.Context, url, file string, offline bool, arch resnet.Config, client *http.Client, format checkpoints.CheckpointFormat) (*resnet.ResNet, error) {
	if !exists(file) {
		if offline {
			return nil, fmt.Errorf("%w: %s not cached and offline mode is set", ErrUnavailable, file)
		}
		if err := fetch(ctx, client, url, file); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ckpt, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pretrained weights: %w", err)
	}
	model, err := resnet.New(arch)
	if err != nil {
		return nil, err
	}
	if err := ckpt.Apply(model, true); err != nil {
		return nil, fmt.Errorf("pretrained weights do not fit %s: %w", file, err)
	}
	klog.V(1).InfoS("Loaded pretrained weights", "source", format, "path", file, "tensors", len(ckpt.Weights))
	return model, nil
}

// Resolve selects the acquisition strategy for opts. In auto mode the
// safetensors source is preferred; the pickle is chosen only when the cache
// already holds it but not the safetensors file.
func Resolve(opts Options) (Source, error) {
	opts = opts.withDefaults()
	st := &SafetensorsSource{
		URL:     opts.SafetensorsURL,
		File:    filepath.Join(opts.CacheDir, safetensorsFile),
		Offline: opts.Offline,
		Arch:    opts.Arch,
		Client:  opts.Client,
	}
	pt := &TorchSource{
		URL:     opts.TorchURL,
		File:    filepath.Join(opts.CacheDir, fileName(opts.TorchURL)),
		Offline: opts.Offline,
		Arch:    opts.Arch,
		Client:  opts.Client,
	}

	var src Source
	switch opts.Strategy {
	case StrategySafetensors:
		src = st
	case StrategyTorch:
		src = pt
	case StrategyAuto:
		switch {
		case exists(st.File):
			src = st
		case exists(pt.File):
			src = pt
		default:
			src = st
		}
	default:
		return nil, fmt.Errorf("unknown weights strategy %d", opts.Strategy)
	}

	if opts.Offline && !exists(src.Path()) {
		return nil, fmt.Errorf("%w: offline mode and %s is not cached", ErrUnavailable, src.Path())
	}
	klog.V(1).InfoS("Resolved pretrained weights source", "strategy", src.Name(), "path", src.Path())
	return src, nil
}

func fileName(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return url
}
