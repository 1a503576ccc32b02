package agent

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	appLog "luma/internal/log"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func tokenCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			appLog.Warn("tokenizer unavailable, estimating token counts", "error", err)
			return
		}
		codec = enc
	})
	return codec
}

// countTokens measures text with the o200k encoding, falling back to a
// four-characters-per-token estimate.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenCodec(); enc != nil {
		if n, err := enc.Count(text); err == nil {
			return n
		}
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
