package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EmbeddingClient is the subset of the model server the embedder needs.
type EmbeddingClient interface {
	Embed(ctx context.Context, modelName string, texts []string) ([][]float32, error)
}

// Embedder embeds chunks document by document, in parallel, isolating
// failures: a document whose chunks cannot be embedded is dropped from the
// batch and recorded, the rest proceed.
type Embedder struct {
	client      EmbeddingClient
	modelName   string
	parallelism int
	logger      *slog.Logger
}

// NewEmbedder creates an embedder for the given model.
func NewEmbedder(client EmbeddingClient, modelName string, parallelism int, logger *slog.Logger) *Embedder {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Embedder{client: client, modelName: modelName, parallelism: parallelism, logger: logger}
}

// EmbedDocuments fills in chunk embeddings in place. chunksByDoc maps
// document id → that document's chunks. Returns the ids that embedded
// successfully and one failure per document that did not.
func (e *Embedder) EmbedDocuments(ctx context.Context, chunksByDoc map[string][]Chunk) ([]string, []DocumentFailure) {
	var mu sync.Mutex
	var succeeded []string
	var failures []DocumentFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for docID, chunks := range chunksByDoc {
		docID, chunks := docID, chunks
		g.Go(func() error {
			texts := make([]string, len(chunks))
			for i, ch := range chunks {
				texts[i] = ch.TitlePrefix + ch.Content
				if ch.MetadataSuffixSemantic != "" {
					texts[i] += "\n" + ch.MetadataSuffixSemantic
				}
			}

			embeddings, err := e.client.Embed(gctx, e.modelName, texts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("embedding failed for document",
					"document_id", docID, "chunks", len(chunks), "error", err)
				failures = append(failures, DocumentFailure{
					DocumentID: docID,
					Stage:      "embed",
					Err:        fmt.Errorf("embedding %d chunks: %w", len(chunks), err),
				})
				return nil
			}
			for i := range chunks {
				chunks[i].Embedding = embeddings[i]
			}
			succeeded = append(succeeded, docID)
			return nil
		})
	}

	// Workers never return errors; they record failures instead.
	_ = g.Wait()
	return succeeded, failures
}
