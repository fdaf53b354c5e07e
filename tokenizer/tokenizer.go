package tokenizer

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
	BOSTokenID() int
	VocabSize() int
}
