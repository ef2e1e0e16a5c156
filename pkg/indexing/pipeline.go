package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/pkg/connectors"
	"github.com/quarryhq/quarry/pkg/search"
)

// SearchIndex is the search-index surface the pipeline needs.
type SearchIndex interface {
	Index(ctx context.Context, indexName string, chunks []search.Chunk) ([]search.InsertionRecord, error)
	DeleteChunkRange(ctx context.Context, indexName, documentID string, fromChunk, toChunk int) error
}

// Contextualizer produces contextual-retrieval texts for a document.
type Contextualizer interface {
	ContextualizeChunks(ctx context.Context, documentText string, chunks []string) (string, []string, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxDocumentChars       int
	ChunkTokens            int
	ClassifyMaxChunkTokens int
	EnableContextualRAG    bool
	// ContextualRAGMaxTokens skips contextualization for documents whose
	// token estimate exceeds the LLM budget.
	ContextualRAGMaxTokens int
	EmbedParallelism       int
}

// Pipeline indexes connector batches for one attempt.
type Pipeline struct {
	store          Store
	index          SearchIndex
	embedder       *Embedder
	classifier     ContentClassifier
	contextualizer Contextualizer
	chunker        *Chunker
	tokenizer      Tokenizer
	settings       db.SearchSettings
	meta           AttemptMetadata
	cfg            Config
	logger         *slog.Logger
}

// NewPipeline wires a pipeline for one indexing attempt. classifier and
// contextualizer may be nil to disable those stages.
func NewPipeline(
	store Store,
	index SearchIndex,
	embedding EmbeddingClient,
	classifier ContentClassifier,
	contextualizer Contextualizer,
	settings db.SearchSettings,
	meta AttemptMetadata,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	tokenizer := WordTokenizer{}
	if cfg.ContextualRAGMaxTokens <= 0 {
		cfg.ContextualRAGMaxTokens = 8000
	}
	return &Pipeline{
		store:          store,
		index:          index,
		embedder:       NewEmbedder(embedding, settings.ModelName, cfg.EmbedParallelism, logger),
		classifier:     classifier,
		contextualizer: contextualizer,
		chunker:        NewChunker(tokenizer, cfg.ChunkTokens, settings.MultipassIndexing),
		tokenizer:      tokenizer,
		settings:       settings,
		meta:           meta,
		cfg:            cfg,
		logger:         logger,
	}
}

// IndexBatch runs the per-batch algorithm and returns the aggregate result.
// Document-level problems are recorded in the result, not returned as
// errors; an error return means the batch as a whole could not proceed.
func (p *Pipeline) IndexBatch(ctx context.Context, docs []connectors.IndexingDocument) (BatchResult, error) {
	result := BatchResult{}

	// 1. Filter.
	docs = filterDocuments(docs, p.cfg.MaxDocumentChars, p.logger)
	if len(docs) == 0 {
		return result, nil
	}
	result.TotalDocs = len(docs)

	// 2. Prepare: keep only documents newer than what the store has.
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	existing, err := p.store.GetDocuments(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("fetching document rows: %w", err)
	}

	updatable := make([]connectors.IndexingDocument, 0, len(docs))
	for _, d := range docs {
		row, known := existing[d.ID]
		if known && !p.meta.IgnoreTimeSkip && d.DocUpdatedAt != nil && row.DocUpdatedAt != nil &&
			!d.DocUpdatedAt.After(*row.DocUpdatedAt) {
			continue
		}
		if !known {
			result.NewDocs++
		}
		updatable = append(updatable, d)
	}
	if len(updatable) == 0 {
		return result, nil
	}

	for _, d := range updatable {
		if err := p.store.UpsertDocument(ctx, d.ID, d.SemanticIdentifier, d.FromIngestionAPI, accessPayload(d.Document)); err != nil {
			return result, fmt.Errorf("upserting document %s: %w", d.ID, err)
		}
		if err := p.store.TagCCPair(ctx, d.ID, p.meta.CCPairID); err != nil {
			return result, fmt.Errorf("tagging document %s: %w", d.ID, err)
		}
	}

	// 4. Chunk (image processing already happened in the connector runtime).
	chunksByDoc := make(map[string][]Chunk, len(updatable))
	docByID := make(map[string]connectors.IndexingDocument, len(updatable))
	for _, d := range updatable {
		chunks := p.chunker.Chunk(d)
		if len(chunks) == 0 {
			continue
		}
		chunksByDoc[d.ID] = chunks
		docByID[d.ID] = d
	}

	// 5. Contextual retrieval texts, budget permitting.
	if p.cfg.EnableContextualRAG && p.contextualizer != nil {
		p.contextualize(ctx, chunksByDoc, docByID)
	}

	// 6. Embed with per-document isolation.
	succeeded, failures := p.embedder.EmbedDocuments(ctx, chunksByDoc)
	for _, f := range failures {
		result.Failures = append(result.Failures, f)
		p.recordFailure(ctx, f)
	}

	// 7. Classify short chunks for boost factors.
	for _, docID := range succeeded {
		classifyChunks(ctx, p.classifier, p.tokenizer, p.cfg.ClassifyMaxChunkTokens, chunksByDoc[docID], p.logger)
	}

	// 8-9. Write to the index, then trim trailing chunks of shrunk docs.
	var finals []docFinalize
	var resolveIDs []string
	for _, docID := range succeeded {
		chunks := chunksByDoc[docID]
		if err := p.writeToIndex(ctx, docByID[docID], chunks); err != nil {
			f := DocumentFailure{DocumentID: docID, Stage: "index-write", Err: err}
			result.Failures = append(result.Failures, f)
			p.recordFailure(ctx, f)
			continue
		}

		prevCount := 0
		if row, ok := existing[docID]; ok && row.ChunkCount != nil {
			prevCount = *row.ChunkCount
		}
		if prevCount > len(chunks) {
			if err := p.index.DeleteChunkRange(ctx, p.settings.IndexName, docID, len(chunks), prevCount); err != nil {
				f := DocumentFailure{DocumentID: docID, Stage: "index-trim", Err: err}
				result.Failures = append(result.Failures, f)
				p.recordFailure(ctx, f)
				continue
			}
		}

		doc := docByID[docID]
		tokenCount := 0
		for _, s := range doc.ProcessedSections {
			tokenCount += p.tokenizer.Count(s.Text)
		}
		finals = append(finals, docFinalize{
			DocumentID:   docID,
			DocUpdatedAt: doc.DocUpdatedAt,
			ChunkCount:   len(chunks),
			TokenCount:   tokenCount,
		})
		resolveIDs = append(resolveIDs, docID)
		result.TotalChunks += len(chunks)
	}

	// 10-11. One transaction per batch: metadata advances only for documents
	// whose chunks are already visible in the index.
	if err := p.store.FinalizeBatch(ctx, finals, resolveIDs); err != nil {
		return result, fmt.Errorf("finalizing batch: %w", err)
	}
	return result, nil
}

// contextualize attaches a document summary and per-chunk context to every
// regular chunk of documents within the token budget; large chunks get none.
func (p *Pipeline) contextualize(ctx context.Context, chunksByDoc map[string][]Chunk, docByID map[string]connectors.IndexingDocument) {
	for docID, chunks := range chunksByDoc {
		doc := docByID[docID]

		var fullText string
		for _, s := range doc.ProcessedSections {
			fullText += s.Text + "\n"
		}
		if p.tokenizer.Count(fullText) > p.cfg.ContextualRAGMaxTokens {
			continue
		}

		texts := make([]string, 0, len(chunks))
		regular := 0
		for _, ch := range chunks {
			if len(ch.LargeChunkReferenceIDs) == 0 {
				texts = append(texts, ch.Content)
				regular++
			}
		}

		summary, contexts, err := p.contextualizer.ContextualizeChunks(ctx, fullText, texts)
		if err != nil {
			p.logger.Warn("contextualization failed, indexing without context",
				"document_id", docID, "error", err)
			continue
		}
		for i := 0; i < regular; i++ {
			chunks[i].DocSummary = summary
			chunks[i].ChunkContext = contexts[i]
		}
	}
}

// writeToIndex upserts one document's chunks.
func (p *Pipeline) writeToIndex(ctx context.Context, doc connectors.IndexingDocument, chunks []Chunk) error {
	sets, err := p.store.DocumentSetNames(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("fetching document sets: %w", err)
	}

	wire := make([]search.Chunk, len(chunks))
	for i, ch := range chunks {
		wire[i] = search.Chunk{
			DocumentID:             ch.SourceDocumentID,
			ChunkID:                ch.ChunkID,
			Content:                ch.Content,
			TitlePrefix:            ch.TitlePrefix,
			MetadataSuffixSemantic: ch.MetadataSuffixSemantic,
			MetadataSuffixKeyword:  ch.MetadataSuffixKeyword,
			Embedding:              ch.Embedding,
			TenantID:               p.meta.TenantID,
			Access:                 accessPayload(doc.Document),
			DocumentSets:           sets,
			BoostFactor:            ch.BoostFactor,
			LargeChunkReferenceIDs: ch.LargeChunkReferenceIDs,
			DocSummary:             ch.DocSummary,
			ChunkContext:           ch.ChunkContext,
		}
	}

	records, err := p.index.Index(ctx, p.settings.IndexName, wire)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Error != "" {
			return fmt.Errorf("chunk %d rejected by index: %s", r.ChunkID, r.Error)
		}
	}
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, f DocumentFailure) {
	attemptID := p.meta.IndexAttemptID
	msg := fmt.Sprintf("%s: %v", f.Stage, f.Err)
	if err := p.store.RecordFailure(ctx, f.DocumentID, p.meta.CCPairID, &attemptID, msg); err != nil {
		p.logger.Error("recording document failure",
			"document_id", f.DocumentID, "error", err)
	}
}

// accessPayload renders a document's access as the JSON the index stores.
func accessPayload(d connectors.Document) json.RawMessage {
	type access struct {
		IsPublic bool     `json:"is_public"`
		Users    []string `json:"users,omitempty"`
	}

	a := access{IsPublic: true}
	if len(d.PrimaryOwners) > 0 || len(d.SecondaryOwners) > 0 {
		a.IsPublic = false
		a.Users = append(append([]string{}, d.PrimaryOwners...), d.SecondaryOwners...)
	}
	raw, _ := json.Marshal(a)
	return raw
}
