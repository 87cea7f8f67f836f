// Package models assembles the classifier trained by a hospital node.
package models

import (
	"context"
	"fmt"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/models/pretrained"
	"github.com/fedcare/hospital-node/models/resnet"
	"k8s.io/klog/v2"
)

// DefaultNumClasses is the healthy/cancer head size.
const DefaultNumClasses = 2

// Options configures BuildClassifier.
type Options struct {
	Pretrained pretrained.Options
	// NumClasses is the size of the replacement head. Zero means 2.
	NumClasses int
	// Device the model is bound to. Nil leaves the model unbound.
	Device *device.Device
}

// BuildClassifier loads an ImageNet-pretrained ResNet-18, replaces its head
// with a freshly initialised NumClasses-way linear layer, binds the result
// to the device and puts it in training mode.
func BuildClassifier(ctx context.Context, opts Options) (*resnet.ResNet, error) {
	numClasses := opts.NumClasses
	if numClasses == 0 {
		numClasses = DefaultNumClasses
	}

	src, err := pretrained.Resolve(opts.Pretrained)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pretrained weights: %w", err)
	}
	model, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pretrained weights (%s): %w", src.Name(), err)
	}

	imagenet := model.NumClasses()
	if err := model.ReplaceHead(numClasses); err != nil {
		return nil, err
	}
	if opts.Device != nil {
		if err := model.Bind(opts.Device); err != nil {
			return nil, fmt.Errorf("failed to bind model to %s: %w", opts.Device, err)
		}
	}
	model.SetTraining(true)

	klog.InfoS("Built classifier",
		"source", src.Name(),
		"features", model.FeatureWidth(),
		"replacedHead", fmt.Sprintf("%d->%d", imagenet, numClasses),
		"device", opts.Device.String())
	return model, nil
}
