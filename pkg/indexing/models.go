// Package indexing transforms connector batches into search-index chunks:
// filter, chunk, contextualize, embed, classify, write, then one relational
// transaction per batch. Failures are isolated per document.
package indexing

import (
	"time"
)

// Chunk is one pipeline-produced chunk of a document. Chunk ids within a
// document are contiguous integers starting at 0.
type Chunk struct {
	SourceDocumentID       string
	ChunkID                int
	Content                string
	TitlePrefix            string
	MetadataSuffixSemantic string
	MetadataSuffixKeyword  string
	Embedding              []float32
	LargeChunkReferenceIDs []int
	BoostFactor            float64
	DocSummary             string
	ChunkContext           string
}

// AttemptMetadata identifies the attempt a batch belongs to.
type AttemptMetadata struct {
	TenantID         string
	CCPairID         int
	IndexAttemptID   int
	SearchSettingsID int
	// IgnoreTimeSkip forces reindexing even when the stored document is not
	// older than the incoming one (used by from-beginning runs).
	IgnoreTimeSkip bool
}

// DocumentFailure is a per-document pipeline failure; the batch continues
// without the document.
type DocumentFailure struct {
	DocumentID string
	Stage      string
	Err        error
}

// BatchResult aggregates one batch's outcome.
type BatchResult struct {
	TotalDocs   int
	NewDocs     int
	TotalChunks int
	Failures    []DocumentFailure
}

// docFinalize carries everything the closing transaction writes per document.
type docFinalize struct {
	DocumentID   string
	DocUpdatedAt *time.Time
	ChunkCount   int
	TokenCount   int
}
