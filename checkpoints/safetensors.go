package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Safetensors layout: 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype/shape/byte range, then the raw data block.

const (
	maxSafetensorsHeader = 100 << 20
	metadataKey          = "__metadata__"
)

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64":
		return 8, nil
	case "F32", "I32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported safetensors dtype %q", dtype)
	}
}

// Counters are integral in PyTorch and are stored as I64 for compatibility.
func storageDType(w WeightTensor) string {
	if w.Type == "num_batches_tracked" {
		return "I64"
	}
	return "F32"
}

func writeSafetensors(w io.Writer, c *Checkpoint) error {
	header := make(map[string]any, len(c.Weights)+1)
	header[metadataKey] = metadataStrings(c.Metadata)

	var offset int64
	for _, t := range c.Weights {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		dtype := storageDType(t)
		size, _ := dtypeSize(dtype)
		n := int64(len(t.Data) * size)
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[t.Name] = safetensorsEntry{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + n}}
		offset += n
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if pad := len(raw) % 8; pad != 0 {
		raw = append(raw, []byte(strings.Repeat(" ", 8-pad))...)
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}

	for _, t := range c.Weights {
		var buf []byte
		if storageDType(t) == "I64" {
			buf = make([]byte, 8*len(t.Data))
			for i, v := range t.Data {
				binary.LittleEndian.PutUint64(buf[8*i:], uint64(int64(v)))
			}
		} else {
			buf = make([]byte, 4*len(t.Data))
			for i, v := range t.Data {
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
			}
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readSafetensorsFile(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	c, err := decodeSafetensors(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func decodeSafetensors(raw []byte) (*Checkpoint, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("safetensors file truncated: %d bytes", len(raw))
	}
	hlen := binary.LittleEndian.Uint64(raw[:8])
	if hlen > maxSafetensorsHeader || hlen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("invalid safetensors header length %d", hlen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+hlen], &header); err != nil {
		return nil, fmt.Errorf("failed to decode safetensors header: %w", err)
	}
	data := raw[8+hlen:]

	ckpt := &Checkpoint{}
	if m, ok := header[metadataKey]; ok {
		var meta map[string]string
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode safetensors metadata: %w", err)
		}
		ckpt.Metadata = metadataFromStrings(meta)
		delete(header, metadataKey)
	}

	names := make([]string, 0, len(header))
	entries := make(map[string]safetensorsEntry, len(header))
	for name, msg := range header {
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		entries[name] = e
		names = append(names, name)
	}
	// Keep the file's data order so that a round trip preserves tensor order.
	sort.Slice(names, func(i, j int) bool {
		return entries[names[i]].DataOffsets[0] < entries[names[j]].DataOffsets[0]
	})

	for _, name := range names {
		e := entries[name]
		size, err := dtypeSize(e.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		count := 1
		for _, d := range e.Shape {
			if d < 0 {
				return nil, fmt.Errorf("tensor %s: negative dimension in %v", name, e.Shape)
			}
			count *= d
		}
		start, end := e.DataOffsets[0], e.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) || end-start != int64(count*size) {
			return nil, fmt.Errorf("tensor %s: invalid data range [%d, %d) for %d x %s", name, start, end, count, e.DType)
		}
		values, err := decodeValues(e.DType, data[start:end], count)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		ckpt.Weights = append(ckpt.Weights, newWeightTensor(name, e.Shape, values))
	}
	return ckpt, nil
}

func decodeValues(dtype string, b []byte, count int) ([]float32, error) {
	out := make([]float32, count)
	le := binary.LittleEndian
	switch dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(b[4*i:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(le.Uint64(b[8*i:])))
		}
	case "F16":
		for i := range out {
			out[i] = halfToFloat32(le.Uint16(b[2*i:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(le.Uint16(b[2*i:])) << 16)
		}
	case "I64":
		for i := range out {
			out[i] = float32(int64(le.Uint64(b[8*i:])))
		}
	case "I32":
		for i := range out {
			out[i] = float32(int32(le.Uint32(b[4*i:])))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return out, nil
}

// halfToFloat32 expands an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

func metadataStrings(m CheckpointMetadata) map[string]string {
	out := map[string]string{
		"format":    "pt",
		"framework": m.Framework,
	}
	if !m.CreatedAt.IsZero() {
		out["created_at"] = m.CreatedAt.Format(time.RFC3339)
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if len(m.Classes) > 0 {
		out["classes"] = strings.Join(m.Classes, ",")
	}
	if m.Samples > 0 {
		out["samples"] = strconv.Itoa(m.Samples)
	}
	if m.Loss != 0 {
		out["loss"] = strconv.FormatFloat(m.Loss, 'g', -1, 64)
	}
	return out
}

func metadataFromStrings(in map[string]string) CheckpointMetadata {
	m := CheckpointMetadata{
		Framework:   in["framework"],
		Description: in["description"],
	}
	if v, err := time.Parse(time.RFC3339, in["created_at"]); err == nil {
		m.CreatedAt = v
	}
	if v := in["classes"]; v != "" {
		m.Classes = strings.Split(v, ",")
	}
	if v, err := strconv.Atoi(in["samples"]); err == nil {
		m.Samples = v
	}
	if v, err := strconv.ParseFloat(in["loss"], 64); err == nil {
		m.Loss = v
	}
	return m
}
