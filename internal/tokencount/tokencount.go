// Package tokencount estimates token usage for invocations whose result
// document carried no usage block.
package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

var codecOnce = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// Estimate returns an approximate token count for text. The CLI does not
// expose its exact tokenizer, so cl100k_base is used as a stable stand-in;
// when even that fails, a bytes/4 heuristic keeps the count non-zero.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	codec, err := codecOnce()
	if err != nil {
		log.Debugf("tokenizer unavailable, using heuristic: %v", err)
		return heuristic(text)
	}
	count, err := codec.Count(text)
	if err != nil {
		return heuristic(text)
	}
	return count
}

// EstimatePair estimates prompt and completion counts in one call.
func EstimatePair(prompt, completion string) (int, int) {
	return Estimate(prompt), Estimate(completion)
}

func heuristic(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
