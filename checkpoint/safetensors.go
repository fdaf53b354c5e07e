package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/your-username/nano-peft-go/model"
)

// TensorInfo describes one tensor in a safetensors header.
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// File is a parsed safetensors file: the header index plus the raw data
// section. Tensors are converted to float32 on access.
type File struct {
	Path    string
	tensors map[string]TensorInfo
	data    []byte
}

// Open reads and indexes a safetensors file.
func Open(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read safetensors file")
	}
	if len(raw) < 8 {
		return nil, errors.Errorf("%s: too short for a safetensors header", path)
	}

	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if uint64(len(raw)-8) < headerSize {
		return nil, errors.Errorf("%s: header size %d exceeds file size", path, headerSize)
	}
	headerBytes := raw[8 : 8+headerSize]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &entries); err != nil {
		return nil, errors.Wrapf(err, "%s: parse header", path)
	}

	f := &File{
		Path:    path,
		tensors: make(map[string]TensorInfo, len(entries)),
		data:    raw[8+headerSize:],
	}

	for name, entry := range entries {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(entry, &info); err != nil {
			return nil, errors.Wrapf(err, "%s: parse entry %q", path, name)
		}
		f.tensors[name] = info
	}

	return f, nil
}

// Has reports whether the file contains the named tensor.
func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// Keys returns all tensor names in sorted order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// Info returns the header entry for a tensor.
func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.tensors[name]
	return info, ok
}

// Tensor decodes the named tensor to float32. F16 and BF16 checkpoints
// are widened during the copy.
func (f *File) Tensor(name string) (*model.Tensor, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, errors.Errorf("tensor not found: %s", name)
	}

	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end > int64(len(f.data)) || start > end {
		return nil, errors.Errorf("tensor %s: offsets [%d, %d) out of range", name, start, end)
	}
	raw := f.data[start:end]

	numElements := 1
	for _, dim := range info.Shape {
		numElements *= dim
	}

	data := make([]float32, numElements)

	switch info.Dtype {
	case "F32":
		if len(raw) < numElements*4 {
			return nil, errors.Errorf("tensor %s: F32 data truncated", name)
		}
		for i := 0; i < numElements; i++ {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : (i+1)*4]))
		}
	case "F16":
		if len(raw) < numElements*2 {
			return nil, errors.Errorf("tensor %s: F16 data truncated", name)
		}
		for i := 0; i < numElements; i++ {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2 : (i+1)*2])).Float32()
		}
	case "BF16":
		if len(raw) < numElements*2 {
			return nil, errors.Errorf("tensor %s: BF16 data truncated", name)
		}
		for i := 0; i < numElements; i++ {
			bits := binary.LittleEndian.Uint16(raw[i*2 : (i+1)*2])
			data[i] = math.Float32frombits(uint32(bits) << 16)
		}
	default:
		return nil, errors.Errorf("tensor %s: unsupported dtype %s", name, info.Dtype)
	}

	shape := make([]int, len(info.Shape))
	copy(shape, info.Shape)
	return &model.Tensor{Data: data, Shape: shape}, nil
}

// DataSize returns the size of the data section in bytes.
func (f *File) DataSize() int64 {
	return int64(len(f.data))
}
