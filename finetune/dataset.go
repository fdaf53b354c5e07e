package finetune

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// charsPerToken is the rough text-to-token ratio used to size the
// packing buffer before tokenizing.
const charsPerToken = 3.6

// Tokenizer is the tokenizer surface the trainer needs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	EOSTokenID() int
}

// Record is one supervised fine-tuning example.
type Record struct {
	Query string `json:"query"`
	Resp  string `json:"resp"`
}

// LoadRecords reads a JSON array of {query, resp} records.
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read dataset")
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("dataset %s contains no records", path)
	}
	return records, nil
}

// FormatRecord renders a record as prompt text.
func FormatRecord(r Record) string {
	return fmt.Sprintf("Question: %s\n\nAnswer: %s", r.Query, r.Resp)
}

// PackedDataset tokenizes formatted records into a single EOS-joined
// stream and cuts it into constant-length examples. The stream is
// infinite: when the records run out it wraps around to the first one,
// so the example sequence is a pure function of the record order.
type PackedDataset struct {
	tok       Tokenizer
	records   []Record
	seqLength int

	buffer []int
	next   int
}

// NewPackedDataset prepares a constant-length packing of records.
func NewPackedDataset(tok Tokenizer, records []Record, seqLength int) (*PackedDataset, error) {
	if len(records) == 0 {
		return nil, errors.New("packed dataset needs at least one record")
	}
	if seqLength < 2 {
		return nil, errors.Errorf("seq_length must be at least 2, got %d", seqLength)
	}
	return &PackedDataset{
		tok:       tok,
		records:   records,
		seqLength: seqLength,
		buffer:    make([]int, 0, int(float64(seqLength)*charsPerToken)),
	}, nil
}

// SeqLength returns the fixed example length.
func (d *PackedDataset) SeqLength() int {
	return d.seqLength
}

// Next returns the next constant-length example.
func (d *PackedDataset) Next() ([]int, error) {
	for len(d.buffer) < d.seqLength {
		grew := false
		for range d.records {
			rec := d.records[d.next%len(d.records)]
			d.next++

			ids, err := d.tok.Encode(FormatRecord(rec))
			if err != nil {
				return nil, errors.Wrap(err, "tokenize record")
			}
			if len(ids) > 0 {
				grew = true
			}
			d.buffer = append(d.buffer, ids...)
			if eos := d.tok.EOSTokenID(); eos >= 0 {
				d.buffer = append(d.buffer, eos)
				grew = true
			}
			if len(d.buffer) >= d.seqLength {
				break
			}
		}
		if !grew {
			return nil, errors.New("dataset produced no tokens")
		}
	}

	example := make([]int, d.seqLength)
	copy(example, d.buffer[:d.seqLength])
	d.buffer = append(d.buffer[:0], d.buffer[d.seqLength:]...)
	return example, nil
}

// Batch returns the next n examples.
func (d *PackedDataset) Batch(n int) ([][]int, error) {
	batch := make([][]int, 0, n)
	for i := 0; i < n; i++ {
		example, err := d.Next()
		if err != nil {
			return nil, err
		}
		batch = append(batch, example)
	}
	return batch, nil
}
