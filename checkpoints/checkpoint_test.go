package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fedcare/hospital-node/layers"
	"github.com/nlpodyssey/gopickle/pytorch"
)

func testBlock(seed int64) *layers.BasicBlock {
	b := layers.NewBasicBlock(2, 4, 2, rand.New(rand.NewSource(seed)))
	rng := rand.New(rand.NewSource(seed + 100))
	for _, n := range b.State() {
		if strings.HasSuffix(n.Name, "num_batches_tracked") {
			n.Param.Value.Data[0] = 3
			continue
		}
		for i := range n.Param.Value.Data {
			n.Param.Value.Data[i] = float32(rng.NormFloat64())
		}
	}
	return b
}

func assertSameState(t *testing.T, want, got layers.Module) {
	t.Helper()
	ws, gs := want.State(), got.State()
	if len(ws) != len(gs) {
		t.Fatalf("state sizes differ: %d vs %d", len(ws), len(gs))
	}
	for i := range ws {
		if ws[i].Name != gs[i].Name {
			t.Fatalf("state %d: name %s vs %s", i, ws[i].Name, gs[i].Name)
		}
		for j, v := range ws[i].Param.Value.Data {
			if gs[i].Param.Value.Data[j] != v {
				t.Fatalf("%s[%d] = %v, want %v", ws[i].Name, j, gs[i].Param.Value.Data[j], v)
			}
		}
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format CheckpointFormat
		name   string
		ext    string
	}{
		{FormatSafetensors, "safetensors", ".safetensors"},
		{FormatONNX, "onnx", ".onnx"},
		{FormatJSON, "json", ".json"},
		{FormatTorch, "torch", ".pth"},
		{CheckpointFormat(99), "unknown", ""},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.format.Extension(); got != tt.ext {
			t.Errorf("Extension() = %q, want %q", got, tt.ext)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]CheckpointFormat{
		"":            FormatSafetensors,
		"SafeTensors": FormatSafetensors,
		".onnx":       FormatONNX,
		"json":        FormatJSON,
		"pth":         FormatTorch,
		" pt ":        FormatTorch,
	} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormat("pickle"); err == nil {
		t.Error("expected error for unknown format")
	}

	if f, err := FormatFromPath("/tmp/model_weights.ONNX"); err != nil || f != FormatONNX {
		t.Errorf("FormatFromPath = %v, %v", f, err)
	}
	if _, err := FormatFromPath("weights"); err == nil {
		t.Error("expected error for a path without extension")
	}
}

func TestFromModule(t *testing.T) {
	block := testBlock(1)
	ckpt := FromModule(block, CheckpointMetadata{Classes: []string{"Cancer", "Normal"}})

	if ckpt.Metadata.Framework != "hospital-node" {
		t.Errorf("framework = %q", ckpt.Metadata.Framework)
	}
	if ckpt.Metadata.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
	if len(ckpt.Weights) != len(block.State()) {
		t.Fatalf("got %d tensors, want %d", len(ckpt.Weights), len(block.State()))
	}
	w, ok := ckpt.Lookup("bn1.running_mean")
	if !ok {
		t.Fatal("bn1.running_mean missing")
	}
	if w.Layer != "bn1" || w.Type != "running_mean" {
		t.Errorf("layer/type = %q/%q", w.Layer, w.Type)
	}
	if _, ok := ckpt.Lookup("downsample.0.weight"); !ok {
		t.Error("downsample.0.weight missing")
	}

	// the snapshot must not alias live parameters
	block.State()[0].Param.Value.Data[0] += 1
	if ckpt.Weights[0].Data[0] == block.State()[0].Param.Value.Data[0] {
		t.Error("checkpoint aliases model storage")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatSafetensors, FormatONNX, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "model_weights"+format.Extension())
			src := testBlock(1)
			meta := CheckpointMetadata{
				CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				Description: "local epoch",
				Classes:     []string{"Cancer", "Normal"},
				Samples:     8,
				Loss:        0.6931,
			}

			saver := NewCheckpointSaver(format)
			if saver.Format() != format {
				t.Fatalf("saver format = %v", saver.Format())
			}
			if err := saver.SaveCheckpoint(FromModule(src, meta), path); err != nil {
				t.Fatalf("SaveCheckpoint: %v", err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || entries[0].Name() != filepath.Base(path) {
				t.Fatalf("directory holds %v, want only the artifact", entries)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint: %v", err)
			}
			if strings.Join(loaded.Names(), ",") != strings.Join(FromModule(src, meta).Names(), ",") {
				t.Errorf("key sets differ:\n%v\n%v", loaded.Names(), FromModule(src, meta).Names())
			}
			if !loaded.Metadata.CreatedAt.Equal(meta.CreatedAt) {
				t.Errorf("created_at = %v", loaded.Metadata.CreatedAt)
			}
			if strings.Join(loaded.Metadata.Classes, ",") != "Cancer,Normal" {
				t.Errorf("classes = %v", loaded.Metadata.Classes)
			}
			if loaded.Metadata.Samples != 8 || loaded.Metadata.Loss != 0.6931 {
				t.Errorf("samples/loss = %d/%v", loaded.Metadata.Samples, loaded.Metadata.Loss)
			}

			dst := testBlock(2)
			if err := loaded.Apply(dst, true); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			assertSameState(t, src, dst)

			opened, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if len(opened.Weights) != len(loaded.Weights) {
				t.Errorf("Open read %d tensors, LoadCheckpoint %d", len(opened.Weights), len(loaded.Weights))
			}
		})
	}

	t.Run("open without extension", func(t *testing.T) {
		if _, err := Open(filepath.Join(t.TempDir(), "weights")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestApply(t *testing.T) {
	t.Run("MissingKeyStrict", func(t *testing.T) {
		ckpt := FromModule(testBlock(1), CheckpointMetadata{})
		ckpt.Weights = ckpt.Weights[1:]
		err := ckpt.Apply(testBlock(2), true)
		if err == nil || !strings.Contains(err.Error(), "conv1.weight") {
			t.Fatalf("err = %v, want missing conv1.weight", err)
		}
		if err := ckpt.Apply(testBlock(2), false); err != nil {
			t.Fatalf("non-strict Apply: %v", err)
		}
	})

	t.Run("UnexpectedKeyStrict", func(t *testing.T) {
		ckpt := FromModule(testBlock(1), CheckpointMetadata{})
		ckpt.Weights = append(ckpt.Weights, newWeightTensor("fc.weight", []int{1}, []float32{1}))
		err := ckpt.Apply(testBlock(2), true)
		if err == nil || !strings.Contains(err.Error(), "fc.weight") {
			t.Fatalf("err = %v, want unexpected fc.weight", err)
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		ckpt := FromModule(testBlock(1), CheckpointMetadata{})
		ckpt.Weights[0].Shape = []int{len(ckpt.Weights[0].Data)}
		if err := ckpt.Apply(testBlock(2), false); err == nil {
			t.Fatal("expected size mismatch error")
		}
	})

	t.Run("CounterOptional", func(t *testing.T) {
		src := testBlock(1)
		ckpt := FromModule(src, CheckpointMetadata{})
		kept := ckpt.Weights[:0]
		for _, w := range ckpt.Weights {
			if w.Type != "num_batches_tracked" {
				kept = append(kept, w)
			}
		}
		ckpt.Weights = kept
		if err := ckpt.Apply(testBlock(2), true); err != nil {
			t.Fatalf("Apply without counters: %v", err)
		}
	})

	t.Run("ScalarAsVector", func(t *testing.T) {
		if !compatibleShape([]int{}, []int{1}) || compatibleShape([]int{2}, []int{1, 2}) {
			t.Error("compatibleShape")
		}
	})
}

func TestSaveFailuresLeaveNoArtifact(t *testing.T) {
	ckpt := FromModule(testBlock(1), CheckpointMetadata{})

	missingDir := filepath.Join(t.TempDir(), "nope", "model.safetensors")
	if err := NewCheckpointSaver(FormatSafetensors).SaveCheckpoint(ckpt, missingDir); err == nil {
		t.Error("expected error writing into a missing directory")
	}

	dir := t.TempDir()
	err := NewCheckpointSaver(FormatTorch).SaveCheckpoint(ckpt, filepath.Join(dir, "model.pth"))
	if err == nil {
		t.Error("torch format should be read-only")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("directory not empty after failed save: %v", entries)
	}
}

func TestSafetensorsLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	if err := NewCheckpointSaver(FormatSafetensors).SaveCheckpoint(FromModule(testBlock(1), CheckpointMetadata{}), path); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	hlen := binary.LittleEndian.Uint64(raw[:8])
	if hlen%8 != 0 {
		t.Errorf("header length %d not 8-byte aligned", hlen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+hlen], &header); err != nil {
		t.Fatal(err)
	}
	var e safetensorsEntry
	if err := json.Unmarshal(header["bn1.num_batches_tracked"], &e); err != nil {
		t.Fatal(err)
	}
	if e.DType != "I64" || len(e.Shape) != 0 {
		t.Errorf("counter entry = %+v", e)
	}
	if err := json.Unmarshal(header["conv1.weight"], &e); err != nil {
		t.Fatal(err)
	}
	if e.DType != "F32" || len(e.Shape) != 4 {
		t.Errorf("conv1.weight entry = %+v", e)
	}

	if _, err := decodeSafetensors(raw[:len(raw)-4]); err == nil {
		t.Error("expected error for truncated data")
	}
	if _, err := decodeSafetensors(raw[:6]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestHalfToFloat32(t *testing.T) {
	tests := []struct {
		in   uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x3555, 0.33325195},
		{0x0001, float32(math.Ldexp(1, -24))},
		{0x7BFF, 65504},
	}
	for _, tt := range tests {
		if got := halfToFloat32(tt.in); got != tt.want {
			t.Errorf("halfToFloat32(%#04x) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if !math.IsInf(float64(halfToFloat32(0x7C00)), 1) {
		t.Error("0x7c00 should be +Inf")
	}
}

func TestONNXDecodesFloatData(t *testing.T) {
	model := &ModelProto{
		IrVersion:    onnxIRVersion,
		ProducerName: "exporter",
		Graph: &GraphProto{
			Name: "g",
			Initializer: []*TensorProto{
				{Name: "fc.weight", Dims: []int64{2, 2}, DataType: onnxTypeFloat, FloatData: []float32{1, 2, 3, 4}},
				{Name: "bn.num_batches_tracked", DataType: onnxTypeInt64, Int64Data: []int64{7}},
			},
		},
		OpsetImport: []*OperatorSetIdProto{{Version: onnxOpset}},
	}
	decoded, err := UnmarshalModel(model.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.IrVersion != onnxIRVersion || len(decoded.OpsetImport) != 1 || decoded.OpsetImport[0].Version != onnxOpset {
		t.Errorf("header fields lost: %+v", decoded)
	}
	ckpt, err := decoded.ToCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.Metadata.Framework != "exporter" {
		t.Errorf("framework = %q", ckpt.Metadata.Framework)
	}
	w, _ := ckpt.Lookup("fc.weight")
	if len(w.Data) != 4 || w.Data[3] != 4 || w.Shape[0] != 2 {
		t.Errorf("fc.weight = %+v", w)
	}
	c, _ := ckpt.Lookup("bn.num_batches_tracked")
	if len(c.Data) != 1 || c.Data[0] != 7 {
		t.Errorf("counter = %+v", c)
	}

	if _, err := UnmarshalModel([]byte{0x3a, 0x10, 0x01}); err == nil {
		t.Error("expected error for truncated graph")
	}
}

func TestTorchStridedValues(t *testing.T) {
	// a 2x3 transposed view over a 3x2 storage
	tt := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3, 4, 5}},
		Size:   []int{2, 3},
		Stride: []int{1, 2},
	}
	got, err := torchValues(tt)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 2, 4, 1, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	counter := &pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{9, 42}}, StorageOffset: 1, Size: []int{}, Stride: []int{}}
	got, err = torchValues(counter)
	if err != nil || len(got) != 1 || got[0] != 42 {
		t.Errorf("scalar = %v, %v", got, err)
	}

	bad := &pytorch.Tensor{Source: &pytorch.FloatStorage{Data: []float32{1}}, Size: []int{2}, Stride: []int{1}}
	if _, err := torchValues(bad); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestLoadTorchMissingFile(t *testing.T) {
	if _, err := LoadTorch(filepath.Join(t.TempDir(), "missing.pth")); err == nil {
		t.Error("expected error")
	}
}
