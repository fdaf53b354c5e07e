//go:build !hftokenizer
// +build !hftokenizer

package tokenizer

import "fmt"

// newHFBackend is unavailable without the hftokenizer build tag; the
// pure Go BPE handles tokenization instead.
func newHFBackend(dir string) (Tokenizer, error) {
	return nil, fmt.Errorf("hftokenizer support not compiled in")
}
