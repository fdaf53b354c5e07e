package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/your-username/nano-peft-go/model"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	a := &model.Tensor{Data: []float32{1, 2, 3, 4, 5, 6}, Shape: []int{2, 3}}
	b := &model.Tensor{Data: []float32{-0.5, 0.25}, Shape: []int{2}}

	err := WriteSafetensors(path, map[string]*model.Tensor{
		"layer.weight": a,
		"layer.bias":   b,
	})
	require.NoError(t, err)

	f, err := Open(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"layer.bias", "layer.weight"}, f.Keys())

	gotA, err := f.Tensor("layer.weight")
	require.NoError(t, err)
	require.Equal(t, a.Shape, gotA.Shape)
	require.Equal(t, a.Data, gotA.Data)

	gotB, err := f.Tensor("layer.bias")
	require.NoError(t, err)
	require.Equal(t, b.Data, gotB.Data)
}

func TestOpenMissingTensor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	err := WriteSafetensors(path, map[string]*model.Tensor{
		"present": {Data: []float32{1}, Shape: []int{1}},
	})
	require.NoError(t, err)

	f, err := Open(path)
	require.NoError(t, err)

	require.True(t, f.Has("present"))
	require.False(t, f.Has("absent"))

	_, err = f.Tensor("absent")
	require.Error(t, err)
}

// writeRawSafetensors builds a file by hand so non-F32 dtypes and the
// __metadata__ entry can be exercised.
func writeRawSafetensors(t *testing.T, path string, header map[string]interface{}, data []byte) {
	t.Helper()

	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, data...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestOpenSkipsMetadataEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.safetensors")

	data := binary.LittleEndian.AppendUint32(nil, math.Float32bits(7.5))
	writeRawSafetensors(t, path, map[string]interface{}{
		"__metadata__": map[string]string{"format": "pt"},
		"w": map[string]interface{}{
			"dtype":        "F32",
			"shape":        []int{1},
			"data_offsets": []int64{0, 4},
		},
	}, data)

	f, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, []string{"w"}, f.Keys())

	w, err := f.Tensor("w")
	require.NoError(t, err)
	require.Equal(t, []float32{7.5}, w.Data)
}

func TestReadFloat16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f16.safetensors")

	values := []float32{1.0, -2.5, 0.0, 0.33301}
	var data []byte
	for _, v := range values {
		data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
	}

	writeRawSafetensors(t, path, map[string]interface{}{
		"w": map[string]interface{}{
			"dtype":        "F16",
			"shape":        []int{4},
			"data_offsets": []int64{0, 8},
		},
	}, data)

	f, err := Open(path)
	require.NoError(t, err)

	w, err := f.Tensor("w")
	require.NoError(t, err)
	for i, v := range values {
		require.InDelta(t, v, w.Data[i], 1e-3, "element %d", i)
	}
}

func TestReadBFloat16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bf16.safetensors")

	// BF16 truncates the low 16 mantissa bits of an F32.
	values := []float32{1.0, -2.0, 0.5}
	var data []byte
	for _, v := range values {
		data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(v)>>16))
	}

	writeRawSafetensors(t, path, map[string]interface{}{
		"w": map[string]interface{}{
			"dtype":        "BF16",
			"shape":        []int{3},
			"data_offsets": []int64{0, 6},
		},
	}, data)

	f, err := Open(path)
	require.NoError(t, err)

	w, err := f.Tensor("w")
	require.NoError(t, err)
	require.Equal(t, values, w.Data)
}

func TestReadUnsupportedDtype(t *testing.T) {
	path := filepath.Join(t.TempDir(), "i8.safetensors")

	writeRawSafetensors(t, path, map[string]interface{}{
		"w": map[string]interface{}{
			"dtype":        "I8",
			"shape":        []int{2},
			"data_offsets": []int64{0, 2},
		},
	}, []byte{1, 2})

	f, err := Open(path)
	require.NoError(t, err)

	_, err = f.Tensor("w")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported dtype")
}

func TestOpenTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := Open(path)
	require.Error(t, err)
}
