// Command convert-weights rewrites an exported weights file in another
// format, for instance a node's safetensors export as an ONNX initializer
// set, or a torchvision .pth pickle as safetensors.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fedcare/hospital-node/checkpoints"
	"github.com/fedcare/hospital-node/models/resnet"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	in := flag.String("in", "", "Weights file to read (.safetensors, .onnx, .json or .pth)")
	out := flag.String("out", "", "Weights file to write")
	format := flag.String("format", "", "Output format (default: from -out extension)")
	classes := flag.Int("classes", 0, "Check the weights fit a ResNet-18 with this many outputs before writing")
	flag.Parse()
	defer klog.Flush()

	if err := convert(os.Stdout, *in, *out, *format, *classes); err != nil {
		klog.ErrorS(err, "Conversion failed")
		klog.Flush()
		os.Exit(1)
	}
}

func convert(w io.Writer, in, out, formatName string, classes int) error {
	if in == "" || out == "" {
		return errors.New("both -in and -out are required")
	}
	var (
		format checkpoints.CheckpointFormat
		err    error
	)
	if formatName != "" {
		format, err = checkpoints.ParseFormat(formatName)
	} else {
		format, err = checkpoints.FormatFromPath(out)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "📂 Reading %s...\n", in)
	ckpt, err := checkpoints.Open(in)
	if err != nil {
		return err
	}
	var values int
	for _, wt := range ckpt.Weights {
		values += len(wt.Data)
	}
	fmt.Fprintf(w, "✅ %d tensors, %d values\n", len(ckpt.Weights), values)
	if len(ckpt.Metadata.Classes) > 0 {
		fmt.Fprintf(w, "   classes: %v, samples: %d, loss: %.4f\n", ckpt.Metadata.Classes, ckpt.Metadata.Samples, ckpt.Metadata.Loss)
	}

	if classes > 0 {
		cfg := resnet.ResNet18()
		cfg.NumClasses = classes
		model, err := resnet.New(cfg)
		if err != nil {
			return err
		}
		if err := ckpt.Apply(model, true); err != nil {
			return fmt.Errorf("weights do not fit resnet18 with %d classes: %w", classes, err)
		}
		fmt.Fprintf(w, "✅ Weights fit resnet18 with a %d-way head\n", classes)
	}

	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(ckpt, out); err != nil {
		return err
	}
	fmt.Fprintf(w, "💾 Wrote %s (%s)\n", out, format)
	return nil
}
