// Package tokens estimates token counts for prompts and streamed output,
// where providers do not report usage.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with the cl100k_base encoding when available and
// falls back to a bytes/4 heuristic otherwise (for example with no encoding
// cache and no network).
type Estimator struct {
	enc *tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}
