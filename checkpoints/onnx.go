package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX messages used by the exporter. Only the fields needed to carry a
// weight snapshot are modelled; unknown fields are skipped on decode.
// Field numbers follow onnx.proto.

const (
	onnxIRVersion  = 7
	onnxOpset      = 13
	onnxTypeFloat  = 1
	onnxTypeInt64  = 7
	onnxTypeDouble = 11
)

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

// GraphProto holds the initializers. Nodes are not emitted: the artifact is
// a weight transfer format, the architecture is implied by the key names.
type GraphProto struct {
	Name        string
	Initializer []*TensorProto
}

// TensorProto is a named, typed, dense tensor.
type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key   string
	Value string
}

// ONNXExporter converts checkpoints to ONNX models
type ONNXExporter struct {
	ProducerName    string
	ProducerVersion string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{ProducerName: framework, ProducerVersion: "1.0.0"}
}

// Build creates the ModelProto for a checkpoint.
func (oe *ONNXExporter) Build(checkpoint *Checkpoint) *ModelProto {
	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		ProducerName:    oe.ProducerName,
		ProducerVersion: oe.ProducerVersion,
		ModelVersion:    1,
		Graph:           &GraphProto{Name: "resnet18"},
	}
	for k, v := range metadataStrings(checkpoint.Metadata) {
		model.MetadataProps = append(model.MetadataProps, &StringStringEntryProto{Key: k, Value: v})
	}
	sort.Slice(model.MetadataProps, func(i, j int) bool {
		return model.MetadataProps[i].Key < model.MetadataProps[j].Key
	})

	for _, w := range checkpoint.Weights {
		tp := &TensorProto{Name: w.Name, Dims: make([]int64, len(w.Shape))}
		for i, d := range w.Shape {
			tp.Dims[i] = int64(d)
		}
		if storageDType(w) == "I64" {
			tp.DataType = onnxTypeInt64
			tp.RawData = make([]byte, 8*len(w.Data))
			for i, v := range w.Data {
				binary.LittleEndian.PutUint64(tp.RawData[8*i:], uint64(int64(v)))
			}
		} else {
			tp.DataType = onnxTypeFloat
			tp.RawData = make([]byte, 4*len(w.Data))
			for i, v := range w.Data {
				binary.LittleEndian.PutUint32(tp.RawData[4*i:], math.Float32bits(v))
			}
		}
		model.Graph.Initializer = append(model.Graph.Initializer, tp)
	}
	return model
}

func writeONNX(w io.Writer, checkpoint *Checkpoint) error {
	_, err := w.Write(NewONNXExporter().Build(checkpoint).Marshal())
	return err
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	if m.Graph != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	for _, kv := range m.MetadataProps {
		var kb []byte
		kb = appendStringField(kb, 1, kv.Key)
		kb = appendStringField(kb, 2, kv.Value)
		b = protowire.AppendTag(b, 14, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, t.marshal())
	}
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, v := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, v := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if t.RawData != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

var errTruncated = errors.New("truncated protobuf message")

// walkFields calls fn for every field of a message. fn returns the number
// of bytes it consumed, or 0 to have the field skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		if used > len(b) {
			return errTruncated
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for length-delimited field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// UnmarshalModel decodes an ONNX model.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1, 5:
			x, n, err := consumeVarint(typ, v)
			if num == 1 {
				m.IrVersion = int64(x)
			} else {
				m.ModelVersion = int64(x)
			}
			return n, err
		case 2, 3:
			s, n, err := consumeBytes(typ, v)
			if num == 2 {
				m.ProducerName = string(s)
			} else {
				m.ProducerVersion = string(s)
			}
			return n, err
		case 7:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			m.Graph, err = unmarshalGraph(s)
			return n, err
		case 8:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			op := &OperatorSetIdProto{}
			err = walkFields(s, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				switch num {
				case 1:
					d, n, err := consumeBytes(typ, v)
					op.Domain = string(d)
					return n, err
				case 2:
					x, n, err := consumeVarint(typ, v)
					op.Version = int64(x)
					return n, err
				}
				return 0, nil
			})
			m.OpsetImport = append(m.OpsetImport, op)
			return n, err
		case 14:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			kv := &StringStringEntryProto{}
			err = walkFields(s, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				if num != 1 && num != 2 {
					return 0, nil
				}
				d, n, err := consumeBytes(typ, v)
				if num == 1 {
					kv.Key = string(d)
				} else {
					kv.Value = string(d)
				}
				return n, err
			})
			m.MetadataProps = append(m.MetadataProps, kv)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 2:
			s, n, err := consumeBytes(typ, v)
			g.Name = string(s)
			return n, err
		case 5:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTensor(s)
			if err != nil {
				return 0, err
			}
			g.Initializer = append(g.Initializer, t)
			return n, nil
		}
		return 0, nil
	})
	return g, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1, 7:
			// repeated int64: accept packed and unpacked encodings
			if typ == protowire.VarintType {
				x, n, err := consumeVarint(typ, v)
				if num == 1 {
					t.Dims = append(t.Dims, int64(x))
				} else {
					t.Int64Data = append(t.Int64Data, int64(x))
				}
				return n, err
			}
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			for len(s) > 0 {
				x, m := protowire.ConsumeVarint(s)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				if num == 1 {
					t.Dims = append(t.Dims, int64(x))
				} else {
					t.Int64Data = append(t.Int64Data, int64(x))
				}
				s = s[m:]
			}
			return n, nil
		case 2:
			x, n, err := consumeVarint(typ, v)
			t.DataType = int32(x)
			return n, err
		case 4:
			if typ == protowire.Fixed32Type {
				x, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				t.FloatData = append(t.FloatData, math.Float32frombits(x))
				return n, nil
			}
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			if len(s)%4 != 0 {
				return 0, fmt.Errorf("packed float_data length %d is not a multiple of 4", len(s))
			}
			for i := 0; i < len(s); i += 4 {
				t.FloatData = append(t.FloatData, math.Float32frombits(binary.LittleEndian.Uint32(s[i:])))
			}
			return n, nil
		case 8:
			s, n, err := consumeBytes(typ, v)
			t.Name = string(s)
			return n, err
		case 9:
			s, n, err := consumeBytes(typ, v)
			t.RawData = append([]byte{}, s...)
			return n, err
		}
		return 0, nil
	})
	return t, err
}

// values decodes the tensor payload as float32.
func (t *TensorProto) values() ([]float32, error) {
	count := 1
	for _, d := range t.Dims {
		count *= int(d)
	}
	switch {
	case t.RawData != nil:
		var dtype string
		switch t.DataType {
		case onnxTypeFloat:
			dtype = "F32"
		case onnxTypeInt64:
			dtype = "I64"
		case onnxTypeDouble:
			dtype = "F64"
		default:
			return nil, fmt.Errorf("unsupported ONNX data type %d", t.DataType)
		}
		size, _ := dtypeSize(dtype)
		if len(t.RawData) != count*size {
			return nil, fmt.Errorf("raw_data holds %d bytes, dims %v need %d", len(t.RawData), t.Dims, count*size)
		}
		return decodeValues(dtype, t.RawData, count)
	case t.DataType == onnxTypeFloat:
		if len(t.FloatData) != count {
			return nil, fmt.Errorf("float_data holds %d values, dims %v need %d", len(t.FloatData), t.Dims, count)
		}
		return t.FloatData, nil
	case t.DataType == onnxTypeInt64:
		if len(t.Int64Data) != count {
			return nil, fmt.Errorf("int64_data holds %d values, dims %v need %d", len(t.Int64Data), t.Dims, count)
		}
		out := make([]float32, count)
		for i, v := range t.Int64Data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported ONNX data type %d", t.DataType)
	}
}

// ToCheckpoint converts the initializers back to a checkpoint.
func (m *ModelProto) ToCheckpoint() (*Checkpoint, error) {
	if m.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	meta := make(map[string]string, len(m.MetadataProps))
	for _, kv := range m.MetadataProps {
		meta[kv.Key] = kv.Value
	}
	ckpt := &Checkpoint{Metadata: metadataFromStrings(meta)}
	if ckpt.Metadata.Framework == "" {
		ckpt.Metadata.Framework = m.ProducerName
	}
	for _, t := range m.Graph.Initializer {
		values, err := t.values()
		if err != nil {
			return nil, fmt.Errorf("initializer %s: %w", t.Name, err)
		}
		shape := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			shape[i] = int(d)
		}
		ckpt.Weights = append(ckpt.Weights, newWeightTensor(t.Name, shape, values))
	}
	return ckpt, nil
}

func readONNXFile(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model, err := UnmarshalModel(raw)
	if err != nil {
		return nil, err
	}
	return model.ToCheckpoint()
}
