package glide

import (
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
)

// Tokenizer converts a caption to a fixed-length sequence of token ids plus a mask
// marking which positions hold real tokens.
//
// The empty caption encodes to all-padding (the unconditional input used by
// classifier-free guidance), except the mask keeps one position attendable so the
// attention layers always have something to look at.
type Tokenizer interface {
	Encode(text string) (tokens []int32, mask []bool)
}

// hfTokenizer wraps a HuggingFace tokenizer, padding/truncating to a fixed length.
type hfTokenizer struct {
	tok    api.Tokenizer
	length int
	padID  int32
}

// NewHuggingFaceTokenizer downloads (or loads from the local cache) the tokenizer of the
// given HuggingFace model repository -- e.g. "openai-community/gpt2" -- and wraps it to
// produce sequences of exactly length tokens.
func NewHuggingFaceTokenizer(modelRepo string, length int) (Tokenizer, error) {
	repo := hub.New(modelRepo).WithProgressBar(false)
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer from HuggingFace repo %q", modelRepo)
	}
	padID := int32(0)
	if id, err := tok.SpecialTokenID(api.TokPad); err == nil {
		padID = int32(id)
	}
	return &hfTokenizer{tok: tok, length: length, padID: padID}, nil
}

// Encode implements Tokenizer.
func (t *hfTokenizer) Encode(text string) (tokens []int32, mask []bool) {
	var ids []int
	if text != "" {
		ids = t.tok.Encode(text)
	}
	return padTokens(ids, t.length, t.padID)
}

// padTokens truncates or pads ids to exactly length tokens, the mask marking the
// positions that hold real tokens. An empty ids keeps one attendable position.
func padTokens(ids []int, length int, padID int32) (tokens []int32, mask []bool) {
	if len(ids) > length {
		ids = ids[:length]
	}
	tokens = make([]int32, length)
	mask = make([]bool, length)
	for i, id := range ids {
		tokens[i] = int32(id)
		mask[i] = true
	}
	for i := len(ids); i < length; i++ {
		tokens[i] = padID
	}
	if len(ids) == 0 {
		// Unconditional input: attend to a single padding position.
		mask[0] = true
	}
	return
}
