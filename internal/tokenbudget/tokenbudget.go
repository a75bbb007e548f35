// Package tokenbudget provides a tokenizer-backed token count for AX
// snapshot payloads and a character-limit accumulator, using the same
// lazily-initialized tiktoken encoder pattern the teacher uses to count
// extracted body text.
package tokenbudget

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"
)

var (
	encoder     tokenizer.Codec
	encoderOnce sync.Once
	encoderErr  error
)

func getEncoder() (tokenizer.Codec, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = tokenizer.ForModel(tokenizer.GPT5)
	})
	return encoder, encoderErr
}

// Count returns the token count of text under the orchestrator's model
// encoding. It returns 0, rather than an error, when the tokenizer failed
// to initialize or text is empty — a budget check that can't measure
// should not block the perception loop.
func Count(text string, logger *zap.Logger) int {
	if text == "" {
		return 0
	}
	enc, err := getEncoder()
	if err != nil || enc == nil {
		if logger != nil {
			logger.Warn("tokenbudget: encoder unavailable, counting as zero", zap.Error(err))
		}
		return 0
	}
	tokens, _, err := enc.Encode(text)
	if err != nil {
		if logger != nil {
			logger.Warn("tokenbudget: encode failed", zap.Error(err))
		}
		return 0
	}
	return len(tokens)
}

// Budget tracks remaining character allowance for one perception step's
// serialized AX/DOM payload (§6 CharBudget); it counts characters, not
// tokens.
type Budget struct {
	CharLimit int
	charsUsed int
}

// NewBudget creates a Budget with the given character limit.
func NewBudget(charLimit int) *Budget {
	return &Budget{CharLimit: charLimit}
}

// TryAdd reports whether adding text would stay within the character
// budget; if so it commits the addition and returns true.
func (b *Budget) TryAdd(text string) bool {
	if b.charsUsed+len(text) > b.CharLimit {
		return false
	}
	b.charsUsed += len(text)
	return true
}

// Remaining returns the number of characters still available.
func (b *Budget) Remaining() int {
	remaining := b.CharLimit - b.charsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Used returns the number of characters committed so far.
func (b *Budget) Used() int {
	return b.charsUsed
}
