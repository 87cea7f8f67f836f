package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/layers"
	"github.com/fedcare/hospital-node/optimizer"
	"github.com/fedcare/hospital-node/vision/dataloader"
	"k8s.io/klog/v2"
)

// ErrNoBatches is returned when an epoch yields no samples.
var ErrNoBatches = errors.New("epoch produced no batches")

// BatchSource is the iterator consumed by TrainEpoch. Next returns io.EOF
// at the end of the epoch.
type BatchSource interface {
	Next() (*dataloader.Batch, error)
	NumBatches() int
	Len() int
}

// Config configures a Trainer.
type Config struct {
	// Device inputs and labels are bound to before the forward pass. It must
	// be the device the model is bound to.
	Device *device.Device
	// NumClasses sizes the confusion matrix. Zero skips accuracy tracking.
	NumClasses int
	// Progress receives the progress bar. Nil disables it.
	Progress    io.Writer
	Description string
}

// EpochResult summarises one pass over the data.
type EpochResult struct {
	// AvgLoss is sum(batch loss * batch size) / samples.
	AvgLoss     float64
	Batches     int
	Samples     int
	BatchLosses []float64
	Accuracy    float64
	Confusion   *ConfusionMatrix
	Duration    time.Duration
}

// Trainer runs the supervised loop for a model, loss and optimizer.
type Trainer struct {
	model     layers.Module
	loss      Loss
	optimizer optimizer.Optimizer
	config    Config
}

// NewTrainer wires a trainer.
func NewTrainer(model layers.Module, loss Loss, opt optimizer.Optimizer, config Config) (*Trainer, error) {
	if model == nil || loss == nil || opt == nil {
		return nil, fmt.Errorf("trainer needs a model, a loss and an optimizer")
	}
	if config.Description == "" {
		config.Description = "Epoch 1/1"
	}
	return &Trainer{model: model, loss: loss, optimizer: opt, config: config}, nil
}

// TrainEpoch runs exactly one epoch. For every batch, in order: bind inputs
// and labels to the device, zero gradients, forward, loss, backward,
// optimizer step, accumulate loss times batch size. Any failure aborts the
// epoch; cancellation is checked between batches.
func (t *Trainer) TrainEpoch(ctx context.Context, batches BatchSource) (*EpochResult, error) {
	start := time.Now()
	t.model.SetTraining(true)

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, t.config.Description, batches.NumBatches())
	}
	result := &EpochResult{}
	if t.config.NumClasses > 0 {
		result.Confusion = NewConfusionMatrix(t.config.NumClasses)
	}

	var running float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := batches.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("batch %d: failed to load: %w", result.Batches+1, err)
		}

		loss, err := t.step(batch, result.Confusion)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", result.Batches+1, err)
		}

		size := batch.Size()
		running += loss * float64(size)
		result.Samples += size
		result.Batches++
		result.BatchLosses = append(result.BatchLosses, loss)
		klog.V(2).InfoS("Trained batch", "batch", result.Batches, "size", size, "loss", loss)

		if bar != nil {
			metrics := map[string]float64{"loss": running / float64(result.Samples)}
			if result.Confusion != nil {
				metrics["acc"] = result.Confusion.Accuracy()
			}
			bar.Update(result.Batches, metrics)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if result.Samples == 0 {
		return nil, ErrNoBatches
	}
	result.AvgLoss = running / float64(result.Samples)
	if result.Confusion != nil {
		result.Accuracy = result.Confusion.Accuracy()
	}
	result.Duration = time.Since(start)
	klog.InfoS("Epoch finished", "batches", result.Batches, "samples", result.Samples, "avgLoss", result.AvgLoss, "duration", result.Duration)
	return result, nil
}

// step performs one optimizer step and returns the batch loss.
func (t *Trainer) step(batch *dataloader.Batch, cm *ConfusionMatrix) (float64, error) {
	inputs, err := batch.Inputs.To(t.config.Device)
	if err != nil {
		return 0, fmt.Errorf("move inputs: %w", err)
	}
	labels, err := LabelsTensor(batch.Labels).To(t.config.Device)
	if err != nil {
		return 0, fmt.Errorf("move labels: %w", err)
	}

	t.optimizer.ZeroGrad()

	logits, err := t.model.Forward(inputs)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	loss, err := t.loss.Forward(logits, labels)
	if err != nil {
		return 0, fmt.Errorf("loss: %w", err)
	}
	grad, err := t.loss.Backward(logits, labels)
	if err != nil {
		return 0, fmt.Errorf("loss gradient: %w", err)
	}
	if _, err := t.model.Backward(grad); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}

	if cm != nil {
		if err := cm.Add(argmax(logits), batch.Labels); err != nil {
			return 0, err
		}
	}
	return float64(loss.Data[0]), nil
}
