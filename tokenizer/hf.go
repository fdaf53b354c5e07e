//go:build hftokenizer
// +build hftokenizer

package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HFTokenizer binds the HuggingFace tokenizers library through CGo. It
// handles every tokenizer.json scheme on the hub, including the
// SentencePiece-derived vocabularies the pure Go BPE cannot parse.
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int
	bosID int
}

func newHFBackend(dir string) (Tokenizer, error) {
	path := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no tokenizer.json in %s", dir)
	}

	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	h := &HFTokenizer{tk: tk, eosID: -1, bosID: -1}
	for _, name := range []string{"generation_config.json", "config.json"} {
		if h.eosID >= 0 && h.bosID >= 0 {
			break
		}
		eos, bos := sidecarIDs(filepath.Join(dir, name))
		if h.eosID < 0 {
			h.eosID = eos
		}
		if h.bosID < 0 {
			h.bosID = bos
		}
	}
	return h, nil
}

func (h *HFTokenizer) Encode(text string) ([]int, error) {
	raw, _ := h.tk.Encode(text, false)
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids, nil
}

func (h *HFTokenizer) Decode(ids []int) (string, error) {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	return h.tk.Decode(raw, true), nil
}

func (h *HFTokenizer) EOSTokenID() int { return h.eosID }

func (h *HFTokenizer) BOSTokenID() int { return h.bosID }

func (h *HFTokenizer) VocabSize() int { return int(h.tk.VocabSize()) }

// Close frees the native tokenizer. Callers that hold the concrete type
// should close it when done; the Rust side owns allocated memory.
func (h *HFTokenizer) Close() error {
	h.tk.Close()
	return nil
}
