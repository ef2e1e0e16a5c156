package indexing

import "strings"

// Tokenizer estimates token counts for chunk sizing. The chunker only needs
// a stable, monotonic estimate, not the embedding model's exact vocabulary.
type Tokenizer interface {
	Count(text string) int
}

// WordTokenizer approximates tokens as whitespace-separated words scaled by
// a subword factor. Deterministic, so re-chunking unchanged content always
// produces identical chunks.
type WordTokenizer struct{}

// subwordFactor approximates how many model tokens a word produces.
const subwordFactor = 1.3

// Count returns the estimated token count of text.
func (WordTokenizer) Count(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words)*subwordFactor + 0.5)
}
