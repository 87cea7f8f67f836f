package dataloader

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/fedcare/hospital-node/device"
	"github.com/fedcare/hospital-node/tensor"
	"github.com/fedcare/hospital-node/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	// Seed fixes the shuffle order. Zero draws a fresh order on every run.
	Seed int64
	// Pipeline defaults to preprocessing.DefaultConfig().
	Pipeline *preprocessing.Pipeline
	// Device fans out image decoding. Nil decodes serially.
	Device *device.Device
}

// DefaultBatchSize is the number of samples per optimizer step.
const DefaultBatchSize = 4

// Batch is one step's worth of samples. The last batch of an epoch may be
// smaller than the configured size.
type Batch struct {
	Inputs *tensor.Tensor // [N 3 H W], not bound to a device
	Labels []int
	Paths  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader iterates a dataset in shuffled batches
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex

	pipeline *preprocessing.Pipeline
	dev      *device.Device
}

// New creates a data loader. The first epoch's order is drawn immediately.
func New(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Pipeline == nil {
		p, err := preprocessing.NewPipeline(preprocessing.DefaultConfig())
		if err != nil {
			return nil, err
		}
		config.Pipeline = p
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
		pipeline:  config.Pipeline,
		dev:       config.Device,
	}
	dl.permute()
	return dl, nil
}

func (dl *DataLoader) permute() {
	if !dl.shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds to the beginning and draws a new order when shuffling.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.permute()
}

// Len returns the number of samples per epoch.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// NumBatches returns ceil(Len / BatchSize).
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Order returns the sample indices of the current epoch.
func (dl *DataLoader) Order() []int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return append([]int(nil), dl.indices...)
}

// Next loads the next batch. It returns io.EOF once the epoch is exhausted.
// An unreadable or undecodable image fails the batch.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}
	batchSize := min(dl.batchSize, remaining)

	batch := &Batch{
		Labels: make([]int, batchSize),
		Paths:  make([]string, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		idx := dl.indices[dl.position+i]
		path, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		batch.Paths[i] = path
		batch.Labels[i] = label
	}

	images, err := dl.pipeline.ProcessFiles(batch.Paths, dl.dev)
	if err != nil {
		return nil, err
	}

	shape := append([]int{batchSize}, dl.pipeline.OutputShape()...)
	inputs := tensor.Zeros(shape...)
	per := inputs.NumElems / batchSize
	for i, img := range images {
		copy(inputs.Data[i*per:(i+1)*per], img.Data)
	}
	batch.Inputs = inputs

	dl.position += batchSize
	return batch, nil
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}
