// Package node runs one local fine-tuning round of a hospital node: check
// the data folder, train the pretrained classifier for one epoch on the
// local images and export the weights as a single file for the central
// server.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fedcare/hospital-node/checkpoints"
	"github.com/fedcare/hospital-node/config"
	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/layers"
	"github.com/fedcare/hospital-node/models"
	"github.com/fedcare/hospital-node/models/pretrained"
	"github.com/fedcare/hospital-node/models/resnet"
	"github.com/fedcare/hospital-node/optimizer"
	"github.com/fedcare/hospital-node/training"
	"github.com/fedcare/hospital-node/vision/dataloader"
	"github.com/fedcare/hospital-node/vision/dataset"
	"github.com/fedcare/hospital-node/vision/preprocessing"
	"k8s.io/klog/v2"
)

// ErrUnexpectedClasses is returned when the data folder holds more non-empty
// class folders than the classifier head has outputs.
var ErrUnexpectedClasses = errors.New("data folder holds more classes than the classifier")

// Options configures Run.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Out receives the console report. Nil discards it.
	Out io.Writer

	// Device overrides the device named in Config.
	Device *device.Device
	// Arch overrides the backbone architecture. The zero value is ResNet-18.
	Arch resnet.Config
	// Client downloads the pretrained weights. Nil uses http.DefaultClient.
	Client *http.Client
}

// Result describes a successful run.
type Result struct {
	Output  string
	Format  checkpoints.CheckpointFormat
	Classes []string
	Samples int
	Device  string
	Epoch   *training.EpochResult
}

// IsControlled reports whether err is a data problem the operator is
// expected to fix rather than a failure of the node itself.
func IsControlled(err error) bool {
	var layout *LayoutError
	var read *dataset.ReadError
	return errors.As(err, &layout) ||
		errors.As(err, &read) ||
		errors.Is(err, dataset.ErrRootNotFound) ||
		errors.Is(err, dataset.ErrEmptyDataset) ||
		errors.Is(err, ErrUnexpectedClasses)
}

// Run validates the data folder, fine-tunes the classifier for one epoch
// and writes the weights to Config.Output. Nothing is written on failure.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	format, err := cfg.CheckpointFormat()
	if err != nil {
		return nil, err
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	r := &reporter{out: out}

	r.banner()
	if err := ValidateLayout(cfg.DataDir, cfg.Classes); err != nil {
		r.layoutFailure(err, cfg.Classes)
		return nil, err
	}
	r.printf("✅ Folder structure validated, starting local training...\n")

	ds, err := dataset.NewImageFolderDataset(cfg.DataDir, nil)
	if err != nil {
		r.failure(err)
		return nil, err
	}
	numClasses := len(cfg.Classes)
	if ds.NumClasses() > numClasses {
		err := fmt.Errorf("%w: found %v, classifier has %d outputs", ErrUnexpectedClasses, ds.ClassNames(), numClasses)
		r.failure(err)
		return nil, err
	}
	r.printf("\n🔒 [PRIVACY] Scanning %d images locally, nothing leaves this machine.\n", ds.Len())
	r.printf("📂 Classes found: [%s]\n", strings.Join(ds.ClassNames(), ", "))

	dev := opts.Device
	if dev == nil {
		if dev, err = selectDevice(cfg); err != nil {
			return nil, err
		}
	}
	r.printf("💻 Running on: %s\n", dev)

	pipeline, err := preprocessing.NewPipeline(preprocessing.Config{
		ResizeSize: cfg.ResizeSize,
		CropSize:   cfg.CropSize,
		Mean:       preprocessing.ImageNetMean,
		Std:        preprocessing.ImageNetStd,
	})
	if err != nil {
		return nil, err
	}

	strategy, err := pretrained.ParseStrategy(cfg.Weights.Strategy)
	if err != nil {
		return nil, err
	}
	r.printf("🧠 Loading the pretrained network...\n")
	model, err := models.BuildClassifier(ctx, models.Options{
		Pretrained: pretrained.Options{
			Strategy:       strategy,
			CacheDir:       cfg.Weights.CacheDir,
			Offline:        cfg.Weights.Offline,
			SafetensorsURL: cfg.Weights.SafetensorsURL,
			TorchURL:       cfg.Weights.TorchURL,
			Arch:           opts.Arch,
			Client:         opts.Client,
		},
		NumClasses: numClasses,
		Device:     dev,
	})
	if err != nil {
		return nil, err
	}

	loader, err := dataloader.New(ds, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Pipeline:  pipeline,
		Device:    dev,
	})
	if err != nil {
		return nil, err
	}

	sgdConfig := optimizer.DefaultSGDConfig()
	sgdConfig.LearningRate = cfg.LearningRate
	sgdConfig.Momentum = cfg.Momentum
	sgd, err := optimizer.NewSGD(layers.Trainable(model), sgdConfig)
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(model, training.NewCrossEntropyLoss(), sgd, training.Config{
		Device:     dev,
		NumClasses: numClasses,
		Progress:   out,
	})
	if err != nil {
		return nil, err
	}

	r.printf("🏋️ Training one epoch (%d batches of up to %d)...\n", loader.NumBatches(), loader.BatchSize())
	batches, stop := batchSource(ctx, loader, cfg.Prefetch)
	epoch, err := trainer.TrainEpoch(ctx, batches)
	stop()
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}
	r.printf("✅ Training done. Final loss: %.4f\n", epoch.AvgLoss)

	ckpt := checkpoints.FromModule(model, checkpoints.CheckpointMetadata{
		Description: "resnet18 fine-tuned on local data",
		Classes:     ds.ClassNames(),
		Samples:     epoch.Samples,
		Loss:        epoch.AvgLoss,
	})
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(ckpt, cfg.Output); err != nil {
		return nil, fmt.Errorf("failed to export weights: %w", err)
	}
	klog.InfoS("Exported weights", "path", cfg.Output, "format", format, "tensors", len(ckpt.Weights))

	r.success(cfg.Output)
	return &Result{
		Output:  cfg.Output,
		Format:  format,
		Classes: ds.ClassNames(),
		Samples: ds.Len(),
		Device:  dev.String(),
		Epoch:   epoch,
	}, nil
}

// batchSource returns the loader itself, so decoding happens inside the
// training loop, unless depth asks for background prefetching.
func batchSource(ctx context.Context, loader *dataloader.DataLoader, depth int) (training.BatchSource, func()) {
	if depth <= 0 {
		return loader, func() {}
	}
	p := dataloader.NewPrefetcher(ctx, loader, depth)
	return p, p.Close
}

func selectDevice(cfg *config.Config) (*device.Device, error) {
	kind, err := device.ParseKind(cfg.Device)
	if err != nil {
		return nil, err
	}
	dev, err := device.Select(kind)
	if err != nil {
		return nil, err
	}
	if cfg.Workers > 0 && dev.Kind() == device.Accelerated {
		dev = device.New(device.Accelerated, cfg.Workers)
	}
	return dev, nil
}

// reporter writes the operator-facing console report.
type reporter struct {
	out io.Writer
}

func (r *reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *reporter) banner() {
	rule := strings.Repeat("=", 63)
	r.printf("%s\n", rule)
	r.printf("   🏥  FEDERATED AI AGENT - HOSPITAL NODE (SECURE MODE)\n")
	r.printf("%s\n", rule)
}

func (r *reporter) layoutFailure(err error, required []string) {
	var layout *LayoutError
	if !errors.As(err, &layout) {
		r.failure(err)
		return
	}
	root := filepath.Base(layout.Root)
	if layout.RootMissing {
		r.printf("❌ CRITICAL ERROR: the folder '%s' is missing.\n", layout.Root)
		r.printf("💡 SOLUTION: create a '%s' folder next to this program.\n", root)
		return
	}
	r.printf("❌ STRUCTURE ERROR: missing folders -> [%s]\n", strings.Join(layout.Missing, ", "))
	r.printf("💡 SOLUTION: inside '%s' you need exactly:\n", root)
	r.printf("   📂 %s\n", root)
	for i, name := range required {
		branch := "├──"
		if i == len(required)-1 {
			branch = "└──"
		}
		r.printf("    %s 📂 %s\n", branch, name)
	}
}

func (r *reporter) failure(err error) {
	switch {
	case errors.Is(err, dataset.ErrEmptyDataset):
		r.printf("❌ FAILURE: the folder holds no images, there is nothing to learn from.\n")
	case errors.Is(err, dataset.ErrRootNotFound):
		r.printf("❌ FAILURE: folder not found.\n")
	default:
		r.printf("❌ FAILURE: %v\n", err)
	}
}

func (r *reporter) success(path string) {
	rule := strings.Repeat("=", 60)
	r.printf("\n%s\n", rule)
	r.printf(" SUCCESS: the AI has learned from your local data.\n")
	r.printf(" FILE GENERATED: %s\n", path)
	r.printf(" ACTION REQUIRED: Send ONLY this file to the central server.\n")
	r.printf(" SECURITY: no images left this machine.\n")
	r.printf("%s\n", rule)
}
