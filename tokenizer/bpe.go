package tokenizer

import (
	"regexp"
	"sort"
	"strings"
)

// gpt2Pattern is the GPT-2 pretokenization split, simplified for RE2:
// contractions, words, numbers, punctuation runs, whitespace.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// BPE is a byte-level byte pair encoder in the GPT-2 style. Raw bytes
// map to printable unicode stand-ins, merge rules fuse adjacent symbols
// by rank, and special tokens bypass the merge loop entirely.
type BPE struct {
	encoder     map[string]int
	decoder     map[int]string
	bpeRanks    map[string]int
	byteEncoder [256]rune
	byteDecoder map[rune]byte

	specials      map[string]int
	specialsByLen []string
	skipOnDecode  map[int]bool
	prependBOS    bool

	eosID int
	bosID int
}

// NewBPE builds an encoder from a vocabulary and ordered merge rules.
// Merges are "left right" pairs, highest priority first.
func NewBPE(vocab map[string]int, merges []string) *BPE {
	t := &BPE{
		encoder:      make(map[string]int, len(vocab)),
		decoder:      make(map[int]string, len(vocab)),
		bpeRanks:     make(map[string]int, len(merges)),
		byteDecoder:  make(map[rune]byte, 256),
		specials:     make(map[string]int),
		skipOnDecode: make(map[int]bool),
		eosID:        -1,
		bosID:        -1,
	}

	for token, id := range vocab {
		t.encoder[token] = id
		t.decoder[id] = token
	}

	for rank, merge := range merges {
		t.bpeRanks[merge] = rank
	}

	t.byteEncoder = buildByteEncoder()
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}

	return t
}

// buildByteEncoder maps every byte to a printable rune, the GPT-2 way:
// visible latin-1 ranges stay themselves, the rest shift above 256.
func buildByteEncoder() [256]rune {
	var encoder [256]rune
	assigned := make(map[int]bool)

	for b := int('!'); b <= int('~'); b++ {
		encoder[b] = rune(b)
		assigned[b] = true
	}
	for b := int('¡'); b <= int('¬'); b++ {
		encoder[b] = rune(b)
		assigned[b] = true
	}
	for b := int('®'); b <= int('ÿ'); b++ {
		encoder[b] = rune(b)
		assigned[b] = true
	}

	n := 0
	for b := 0; b < 256; b++ {
		if !assigned[b] {
			encoder[b] = rune(256 + n)
			n++
		}
	}

	return encoder
}

// AddSpecial registers a token that is matched verbatim before BPE runs
// and dropped when decoding.
func (t *BPE) AddSpecial(content string, id int) {
	t.specials[content] = id
	t.encoder[content] = id
	t.decoder[id] = content
	t.skipOnDecode[id] = true

	t.specialsByLen = append(t.specialsByLen, content)
	sort.Slice(t.specialsByLen, func(i, j int) bool {
		return len(t.specialsByLen[i]) > len(t.specialsByLen[j])
	})
}

// SetEOS records the end-of-sequence token ID.
func (t *BPE) SetEOS(id int) {
	t.eosID = id
	t.skipOnDecode[id] = true
}

// SetBOS records the beginning-of-sequence token ID. When prepend is
// true every encoded text starts with it.
func (t *BPE) SetBOS(id int, prepend bool) {
	t.bosID = id
	t.prependBOS = prepend
	t.skipOnDecode[id] = true
}

// Encode converts text to token IDs.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.prependBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}

	for _, segment := range t.splitSpecials(text) {
		if id, ok := t.specials[segment]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.encodeOrdinary(segment)...)
	}

	return ids, nil
}

// splitSpecials cuts text around special token occurrences so they
// survive as single units.
func (t *BPE) splitSpecials(text string) []string {
	if len(t.specialsByLen) == 0 {
		return []string{text}
	}

	var segments []string
	for len(text) > 0 {
		earliest := -1
		var match string
		for _, special := range t.specialsByLen {
			if idx := strings.Index(text, special); idx >= 0 && (earliest == -1 || idx < earliest) {
				earliest = idx
				match = special
			}
		}
		if earliest == -1 {
			segments = append(segments, text)
			break
		}
		if earliest > 0 {
			segments = append(segments, text[:earliest])
		}
		segments = append(segments, match)
		text = text[earliest+len(match):]
	}

	return segments
}

// encodeOrdinary runs the pretokenizer and merge loop on plain text.
func (t *BPE) encodeOrdinary(text string) []int {
	var ids []int

	for _, chunk := range gpt2Pattern.FindAllString(text, -1) {
		var sb strings.Builder
		for _, b := range []byte(chunk) {
			sb.WriteRune(t.byteEncoder[b])
		}

		for _, piece := range t.merge(sb.String()) {
			if id, ok := t.encoder[piece]; ok {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

// merge repeatedly fuses the adjacent pair with the lowest merge rank.
func (t *BPE) merge(token string) []string {
	if len(token) <= 1 {
		return []string{token}
	}

	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(word)-1; i++ {
			rank, ok := t.bpeRanks[word[i]+" "+word[i+1]]
			if !ok {
				continue
			}
			if bestRank == -1 || rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}

		merged := word[bestIdx] + word[bestIdx+1]
		word = append(word[:bestIdx], append([]string{merged}, word[bestIdx+2:]...)...)
	}

	return word
}

// Decode converts token IDs back to text. Special tokens are dropped.
func (t *BPE) Decode(tokenIDs []int) (string, error) {
	var joined strings.Builder
	for _, id := range tokenIDs {
		if t.skipOnDecode[id] {
			continue
		}
		if token, ok := t.decoder[id]; ok {
			joined.WriteString(token)
		}
	}

	raw := make([]byte, 0, joined.Len())
	for _, r := range joined.String() {
		if b, ok := t.byteDecoder[r]; ok {
			raw = append(raw, b)
		}
	}

	return string(raw), nil
}

// EOSTokenID returns the end-of-sequence token ID, -1 when unknown.
func (t *BPE) EOSTokenID() int { return t.eosID }

// BOSTokenID returns the beginning-of-sequence token ID, -1 when unknown.
func (t *BPE) BOSTokenID() int { return t.bosID }

// VocabSize returns the number of known tokens.
func (t *BPE) VocabSize() int { return len(t.encoder) }
