package indexing

import (
	"context"
	"log/slog"
)

// ContentClassifier is the subset of the model server used for boost
// scoring.
type ContentClassifier interface {
	ClassifyContent(ctx context.Context, texts []string) ([]float64, error)
}

// classifyChunks assigns a multiplicative boost factor to short chunks.
// Chunks above the token threshold keep the default 1.0; on model error the
// call is retried once and then falls through to 1.0 for the affected
// chunks.
func classifyChunks(ctx context.Context, classifier ContentClassifier, tokenizer Tokenizer, maxTokens int, chunks []Chunk, logger *slog.Logger) {
	if classifier == nil {
		return
	}

	var shortIdx []int
	var texts []string
	for i, ch := range chunks {
		if len(ch.LargeChunkReferenceIDs) > 0 {
			continue
		}
		if tokenizer.Count(ch.Content) <= maxTokens {
			shortIdx = append(shortIdx, i)
			texts = append(texts, ch.Content)
		}
	}
	if len(texts) == 0 {
		return
	}

	scores, err := classifier.ClassifyContent(ctx, texts)
	if err != nil {
		scores, err = classifier.ClassifyContent(ctx, texts)
	}
	if err != nil {
		logger.Warn("content classification failed, keeping default boost",
			"chunks", len(texts), "error", err)
		return
	}

	for j, i := range shortIdx {
		if scores[j] > 0 {
			chunks[i].BoostFactor = scores[j]
		}
	}
}
