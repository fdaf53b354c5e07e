package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/your-username/nano-peft-go/model"
)

// WriteSafetensors serializes tensors as float32 in safetensors format.
// Keys are laid out in sorted order so output files are reproducible.
func WriteSafetensors(path string, tensors map[string]*model.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.Size() * 4)
		shape := make([]int, len(t.Shape))
		copy(shape, t.Shape)
		header[name] = TensorInfo{
			Dtype:  "F32",
			Shape:  shape,
			Offset: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal safetensors header")
	}

	buf := make([]byte, 0, 8+len(headerBytes)+int(offset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)

	for _, name := range names {
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
