package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FromPretrained loads the tokenizer stored alongside a checkpoint.
// Builds with the hftokenizer tag bind the HuggingFace tokenizers
// library; otherwise tokenizer.json or vocab.json+merges.txt feed the
// pure Go byte-level BPE.
func FromPretrained(dir string) (Tokenizer, error) {
	if tk, err := newHFBackend(dir); err == nil {
		return tk, nil
	}

	bpe, err := fromTokenizerJSON(dir)
	if err != nil {
		bpe, err = fromVocabMerges(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("no tokenizer found in %s: %w", dir, err)
	}

	resolveSpecials(bpe, dir)
	return bpe, nil
}

// tokenizerJSON is the subset of the HuggingFace tokenizer.json schema
// the BPE backend needs.
type tokenizerJSON struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

func fromTokenizerJSON(dir string) (*BPE, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}

	var parsed tokenizerJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has no vocabulary")
	}

	merges := make([]string, 0, len(parsed.Model.Merges))
	for _, raw := range parsed.Model.Merges {
		merge, err := decodeMerge(raw)
		if err != nil {
			return nil, err
		}
		merges = append(merges, merge)
	}

	bpe := NewBPE(parsed.Model.Vocab, merges)
	for _, added := range parsed.AddedTokens {
		bpe.AddSpecial(added.Content, added.ID)
	}
	return bpe, nil
}

// decodeMerge accepts both merge encodings: "left right" strings and
// ["left", "right"] pairs used by newer exports.
func decodeMerge(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err == nil {
		return pair[0] + " " + pair[1], nil
	}
	return "", fmt.Errorf("unrecognized merge entry: %s", string(raw))
}

func fromVocabMerges(dir string) (*BPE, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, err
	}

	var vocab map[string]int
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab.json: %w", err)
	}

	merges, err := readMergesFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, err
	}

	return NewBPE(vocab, merges), nil
}

// readMergesFile parses merges.txt, skipping the #version header.
func readMergesFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var merges []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}
	return merges, scanner.Err()
}

// resolveSpecials fills in EOS/BOS from the sidecar config files, in
// order of specificity: tokenizer_config.json, generation_config.json,
// config.json, then well-known vocabulary entries.
func resolveSpecials(bpe *BPE, dir string) {
	applyTokenizerConfig(bpe, dir)

	for _, name := range []string{"generation_config.json", "config.json"} {
		if bpe.eosID >= 0 && bpe.bosID >= 0 {
			break
		}
		eos, bos := sidecarIDs(filepath.Join(dir, name))
		if bpe.eosID < 0 && eos >= 0 {
			bpe.SetEOS(eos)
		}
		if bpe.bosID < 0 && bos >= 0 {
			bpe.SetBOS(bos, false)
		}
	}

	if bpe.eosID < 0 {
		for _, candidate := range []string{"<|endoftext|>", "</s>"} {
			if id, ok := bpe.encoder[candidate]; ok {
				bpe.SetEOS(id)
				break
			}
		}
	}
	if bpe.bosID < 0 {
		for _, candidate := range []string{"<s>", "<|endoftext|>"} {
			if id, ok := bpe.encoder[candidate]; ok {
				bpe.SetBOS(id, false)
				break
			}
		}
	}
}

func applyTokenizerConfig(bpe *BPE, dir string) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return
	}

	var cfg struct {
		EOSToken    interface{} `json:"eos_token"`
		BOSToken    interface{} `json:"bos_token"`
		AddBOSToken *bool       `json:"add_bos_token"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return
	}

	if content := tokenContent(cfg.EOSToken); content != "" {
		if id, ok := bpe.encoder[content]; ok {
			bpe.SetEOS(id)
		}
	}
	if content := tokenContent(cfg.BOSToken); content != "" {
		if id, ok := bpe.encoder[content]; ok {
			prepend := cfg.AddBOSToken != nil && *cfg.AddBOSToken
			bpe.SetBOS(id, prepend)
		}
	}
}

// sidecarIDs reads eos_token_id/bos_token_id from a model config file.
// Either may be a single number or a list; absent fields come back -1.
func sidecarIDs(path string) (int, int) {
	eos, bos := -1, -1
	data, err := os.ReadFile(path)
	if err != nil {
		return eos, bos
	}

	var cfg struct {
		EOSTokenID interface{} `json:"eos_token_id"`
		BOSTokenID interface{} `json:"bos_token_id"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return eos, bos
	}

	if id, ok := firstID(cfg.EOSTokenID); ok {
		eos = id
	}
	if id, ok := firstID(cfg.BOSTokenID); ok {
		bos = id
	}
	return eos, bos
}

// tokenContent unwraps a special token field, which is either a plain
// string or an AddedToken object with a content key.
func tokenContent(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case map[string]interface{}:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

func firstID(val interface{}) (int, bool) {
	switch v := val.(type) {
	case float64:
		return int(v), true
	case []interface{}:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int(f), true
			}
		}
	}
	return 0, false
}
