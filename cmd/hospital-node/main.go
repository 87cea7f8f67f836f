// Command hospital-node fine-tunes the shared classifier on the images of
// one hospital and writes the resulting weights to a single file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedcare/hospital-node/config"
	"github.com/fedcare/hospital-node/node"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	dataDir := flag.String("data", "", "Data folder holding one subfolder per class")
	output := flag.String("output", "", "Exported weights file")
	format := flag.String("format", "", "Export format: safetensors, onnx or json (default: from -output extension)")
	dev := flag.String("device", "", "Compute device: auto, cpu or accel")
	workers := flag.Int("workers", 0, "Kernel workers on the accelerated device")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	seed := flag.Int64("seed", 0, "Shuffle seed (0: fresh order every run)")
	prefetch := flag.Int("prefetch", 0, "Batches to decode ahead in the background (0: synchronous)")
	strategy := flag.String("weights", "", "Pretrained weights source: auto, safetensors or torch")
	cacheDir := flag.String("cache-dir", "", "Pretrained weights cache directory")
	offline := flag.Bool("offline", false, "Use cached pretrained weights only")
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			klog.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:   *dataDir,
		Output:    *output,
		Format:    *format,
		Device:    *dev,
		Workers:   *workers,
		BatchSize: *batchSize,
		Seed:      *seed,
		Prefetch:  *prefetch,
		Strategy:  *strategy,
		CacheDir:  *cacheDir,
		Offline:   *offline,
	})
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := node.Run(ctx, node.Options{Config: cfg, Out: os.Stdout}); err != nil {
		if node.IsControlled(err) {
			klog.V(1).InfoS("Run stopped on a data problem", "err", err)
			return
		}
		klog.ErrorS(err, "Hospital node run failed")
		klog.Flush()
		os.Exit(1)
	}
}
