package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fedcare/hospital-node/layers"
	"github.com/fedcare/hospital-node/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatSafetensors CheckpointFormat = iota
	FormatONNX
	FormatJSON
	// FormatTorch is the PyTorch pickle (.pth) layout. It can only be read.
	FormatTorch
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatSafetensors:
		return "safetensors"
	case FormatONNX:
		return "onnx"
	case FormatJSON:
		return "json"
	case FormatTorch:
		return "torch"
	default:
		return "unknown"
	}
}

// Extension returns the conventional file extension, dot included.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatSafetensors:
		return ".safetensors"
	case FormatONNX:
		return ".onnx"
	case FormatJSON:
		return ".json"
	case FormatTorch:
		return ".pth"
	default:
		return ""
	}
}

// ParseFormat converts a user supplied format name.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "safetensors":
		return FormatSafetensors, nil
	case "onnx":
		return FormatONNX, nil
	case "json":
		return FormatJSON, nil
	case "torch", "pth", "pt":
		return FormatTorch, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (CheckpointFormat, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return 0, fmt.Errorf("cannot infer checkpoint format of %q: no extension", path)
	}
	return ParseFormat(ext)
}

// Checkpoint is a named parameter snapshot. It carries no architecture and
// no optimizer state.
type Checkpoint struct {
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", ...
}

// CheckpointMetadata describes where a snapshot came from.
type CheckpointMetadata struct {
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Classes     []string  `json:"classes,omitempty"`
	Samples     int       `json:"samples,omitempty"`
	Loss        float64   `json:"loss,omitempty"`
}

const framework = "hospital-node"

// FromModule snapshots every parameter and buffer of m.
func FromModule(m layers.Module, meta CheckpointMetadata) *Checkpoint {
	if meta.Framework == "" {
		meta.Framework = framework
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	state := m.State()
	ckpt := &Checkpoint{Weights: make([]WeightTensor, 0, len(state)), Metadata: meta}
	for _, n := range state {
		ckpt.Weights = append(ckpt.Weights, newWeightTensor(n.Name, n.Param.Value.Shape, append([]float32(nil), n.Param.Value.Data...)))
	}
	return ckpt
}

func newWeightTensor(name string, shape []int, data []float32) WeightTensor {
	layer, kind := name, name
	if i := strings.LastIndex(name, "."); i >= 0 {
		layer, kind = name[:i], name[i+1:]
	}
	return WeightTensor{
		Name:  name,
		Shape: append([]int{}, shape...),
		Data:  data,
		Layer: layer,
		Type:  kind,
	}
}

// Names returns the sorted set of tensor names.
func (c *Checkpoint) Names() []string {
	names := make([]string, len(c.Weights))
	for i, w := range c.Weights {
		names[i] = w.Name
	}
	sort.Strings(names)
	return names
}

// Lookup finds a tensor by name.
func (c *Checkpoint) Lookup(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// optionalKey names state entries that older exports legitimately omit.
func optionalKey(name string) bool {
	return strings.HasSuffix(name, ".num_batches_tracked")
}

// Apply copies the snapshot into m. Shapes must match exactly. In strict
// mode every model entry (except optional counters) must be present and
// every snapshot entry must be consumed.
func (c *Checkpoint) Apply(m layers.Module, strict bool) error {
	byName := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		byName[w.Name] = w
	}

	var missing []string
	used := make(map[string]bool, len(byName))
	for _, n := range m.State() {
		w, ok := byName[n.Name]
		if !ok {
			if !optionalKey(n.Name) {
				missing = append(missing, n.Name)
			}
			continue
		}
		used[n.Name] = true
		if !compatibleShape(w.Shape, n.Param.Value.Shape) {
			return fmt.Errorf("size mismatch for %s: checkpoint %v, model %v", n.Name, w.Shape, n.Param.Value.Shape)
		}
		if len(w.Data) != n.Param.Value.NumElems {
			return fmt.Errorf("tensor %s holds %d values, shape %v needs %d", n.Name, len(w.Data), w.Shape, n.Param.Value.NumElems)
		}
		copy(n.Param.Value.Data, w.Data)
	}

	if !strict {
		return nil
	}
	var unexpected []string
	for name := range byName {
		if !used[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("state mismatch: missing keys %v, unexpected keys %v", missing, unexpected)
	}
	return nil
}

// compatibleShape treats a rank-0 scalar and a one-element vector alike.
func compatibleShape(a, b []int) bool {
	if tensor.ShapeEqual(a, b) {
		return true
	}
	return len(a) <= 1 && len(b) <= 1 && tensor.NumElements(a) == 1 && tensor.NumElements(b) == 1
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the snapshot to path. The file appears atomically:
// data goes to a temporary sibling that is renamed into place on success.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	var encode func(*os.File) error
	switch cs.format {
	case FormatSafetensors:
		encode = func(f *os.File) error { return writeSafetensors(f, checkpoint) }
	case FormatONNX:
		encode = func(f *os.File) error { return writeONNX(f, checkpoint) }
	case FormatJSON:
		encode = func(f *os.File) error {
			encoder := json.NewEncoder(f)
			encoder.SetIndent("", "  ")
			return encoder.Encode(checkpoint)
		}
	default:
		return fmt.Errorf("unsupported checkpoint format for writing: %s", cs.format)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := encode(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s checkpoint: %w", cs.format, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatSafetensors:
		return readSafetensorsFile(path)
	case FormatONNX:
		return readONNXFile(path)
	case FormatJSON:
		return loadJSON(path)
	case FormatTorch:
		return LoadTorch(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Open loads a checkpoint, inferring the format from the file extension.
func Open(path string) (*Checkpoint, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	for i, w := range checkpoint.Weights {
		if n := tensor.NumElements(w.Shape); n != len(w.Data) {
			return nil, fmt.Errorf("tensor %d (%s): shape %v needs %d values, found %d", i, w.Name, w.Shape, n, len(w.Data))
		}
	}
	return &checkpoint, nil
}
