package checkpoints

import (
	"fmt"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadTorch reads a PyTorch state dict saved with torch.save. Both the zip
// container and the legacy tar/pickle layouts are understood.
func LoadTorch(path string) (*Checkpoint, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}
	dict, ok := obj.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("%s: expected a state dict, found %T", path, obj)
	}

	names := make([]string, 0, len(dict.Map))
	tensors := make(map[string]*pytorch.Tensor, len(dict.Map))
	for key, entry := range dict.Map {
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%s: state dict key %v is not a string", path, key)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%s: entry %s is %T, not a tensor", path, name, entry.Value)
		}
		names = append(names, name)
		tensors[name] = t
	}
	sort.Strings(names)

	ckpt := &Checkpoint{Metadata: CheckpointMetadata{Framework: "pytorch"}}
	for _, name := range names {
		data, err := torchValues(tensors[name])
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		ckpt.Weights = append(ckpt.Weights, newWeightTensor(name, tensors[name].Size, data))
	}
	return ckpt, nil
}

// torchValues materializes a possibly strided view into a dense row-major
// float32 slice.
func torchValues(t *pytorch.Tensor) ([]float32, error) {
	var at func(i int) float32
	var length int
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at, length = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.HalfStorage:
		at, length = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, length = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	case *pytorch.LongStorage:
		at, length = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}
	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("stride %v does not match size %v", t.Stride, t.Size)
	}

	count := 1
	for _, d := range t.Size {
		count *= d
	}
	out := make([]float32, count)
	if count == 0 {
		return out, nil
	}
	index := make([]int, len(t.Size))
	for i := range out {
		off := t.StorageOffset
		for d, v := range index {
			off += v * t.Stride[d]
		}
		if off < 0 || off >= length {
			return nil, fmt.Errorf("element offset %d outside storage of %d", off, length)
		}
		out[i] = at(off)
		// advance the multi-index in row-major order
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < t.Size[d] {
				break
			}
			index[d] = 0
		}
	}
	return out, nil
}
