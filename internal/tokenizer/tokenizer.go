// Package tokenizer defines the text/token boundary the pipeline consumes.
// Real vocabularies come from the model runtime; the pipeline only needs
// Encode and Decode.
package tokenizer

import (
	"fmt"
	"strings"
)

type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	TokenString(id int) string
}

// ByteTokenizer maps every byte to its own token id and reserves one id
// past the byte range for end-of-sequence. It backs the stub runtime and
// tests; it is not a substitute for a model vocabulary.
type ByteTokenizer struct{}

// ByteVocabSize is the byte range plus the EOS id.
const ByteVocabSize = 257

// ByteEOS is the end-of-sequence id of the byte tokenizer.
const ByteEOS = 256

func (ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return ids, nil
}

func (ByteTokenizer) Decode(ids []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids))
	for _, id := range ids {
		if id == ByteEOS {
			continue
		}
		if id < 0 || id > 255 {
			return sb.String(), fmt.Errorf("tokenizer: id %d out of byte range", id)
		}
		sb.WriteByte(byte(id))
	}
	return sb.String(), nil
}

func (ByteTokenizer) TokenString(id int) string {
	if id == ByteEOS {
		return "<eos>"
	}
	if id < 0 || id > 255 {
		return ""
	}
	return string(rune(id))
}
