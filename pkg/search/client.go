// Package search is the HTTP client for the external search index. Upserts
// are idempotent by (document_id, chunk_id); deletes remove whole documents
// or trailing chunk ranges.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Chunk is the wire form of one indexed chunk.
type Chunk struct {
	DocumentID             string          `json:"document_id"`
	ChunkID                int             `json:"chunk_id"`
	Content                string          `json:"content"`
	TitlePrefix            string          `json:"title_prefix,omitempty"`
	MetadataSuffixSemantic string          `json:"metadata_suffix_semantic,omitempty"`
	MetadataSuffixKeyword  string          `json:"metadata_suffix_keyword,omitempty"`
	Embedding              []float32       `json:"embedding"`
	TenantID               string          `json:"tenant_id"`
	Access                 json.RawMessage `json:"access,omitempty"`
	DocumentSets           []string        `json:"document_sets,omitempty"`
	BoostFactor            float64         `json:"boost_factor"`
	LargeChunkReferenceIDs []int           `json:"large_chunk_reference_ids,omitempty"`
	DocSummary             string          `json:"doc_summary,omitempty"`
	ChunkContext           string          `json:"chunk_context,omitempty"`
}

// InsertionRecord is the per-chunk outcome of an index call.
type InsertionRecord struct {
	DocumentID string `json:"document_id"`
	ChunkID    int    `json:"chunk_id"`
	Error      string `json:"error,omitempty"`
}

// UpdateFields carries the metadata UpdateSingle may change. Nil fields are
// left untouched.
type UpdateFields struct {
	Access       json.RawMessage `json:"access,omitempty"`
	DocumentSets []string        `json:"document_sets,omitempty"`
	Boost        *int            `json:"boost,omitempty"`
	Hidden       *bool           `json:"hidden,omitempty"`
}

// HTTPStatusError is returned for non-2xx responses so callers can branch on
// the status code (400 is non-retryable for sync workers).
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("search index returned HTTP %d", e.StatusCode)
}

// Client calls the search index API behind a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a search index client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "search-index",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type indexRequest struct {
	IndexName string  `json:"index_name"`
	Chunks    []Chunk `json:"chunks"`
}

type indexResponse struct {
	Records []InsertionRecord `json:"records"`
}

// Index upserts a batch of chunks. The per-chunk records report individual
// failures without failing the whole call.
func (c *Client) Index(ctx context.Context, indexName string, chunks []Chunk) ([]InsertionRecord, error) {
	var resp indexResponse
	if err := c.do(ctx, http.MethodPost, "/index", indexRequest{IndexName: indexName, Chunks: chunks}, &resp); err != nil {
		return nil, fmt.Errorf("indexing %d chunks: %w", len(chunks), err)
	}
	return resp.Records, nil
}

type updateSingleRequest struct {
	IndexName  string       `json:"index_name"`
	DocumentID string       `json:"document_id"`
	TenantID   string       `json:"tenant_id"`
	ChunkCount int          `json:"chunk_count"`
	Fields     UpdateFields `json:"fields"`
}

type updateSingleResponse struct {
	ChunksAffected int `json:"chunks_affected"`
}

// UpdateSingle updates the metadata of every chunk of one document and
// returns how many chunks were touched.
func (c *Client) UpdateSingle(ctx context.Context, indexName, documentID, tenantID string, chunkCount int, fields UpdateFields) (int, error) {
	var resp updateSingleResponse
	req := updateSingleRequest{
		IndexName:  indexName,
		DocumentID: documentID,
		TenantID:   tenantID,
		ChunkCount: chunkCount,
		Fields:     fields,
	}
	if err := c.do(ctx, http.MethodPost, "/update-single", req, &resp); err != nil {
		return 0, fmt.Errorf("updating document %s: %w", documentID, err)
	}
	return resp.ChunksAffected, nil
}

type deleteRequest struct {
	IndexName  string `json:"index_name"`
	DocumentID string `json:"document_id"`
	// FromChunk/ToChunk bound a trailing chunk-range delete; both zero
	// deletes the whole document.
	FromChunk int `json:"from_chunk,omitempty"`
	ToChunk   int `json:"to_chunk,omitempty"`
}

// Delete removes all chunks of a document.
func (c *Client) Delete(ctx context.Context, indexName, documentID string) error {
	if err := c.do(ctx, http.MethodPost, "/delete", deleteRequest{IndexName: indexName, DocumentID: documentID}, &struct{}{}); err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	return nil
}

// DeleteChunkRange removes chunks [fromChunk, toChunk) of a document, used
// to trim trailing chunks when a document shrank.
func (c *Client) DeleteChunkRange(ctx context.Context, indexName, documentID string, fromChunk, toChunk int) error {
	req := deleteRequest{IndexName: indexName, DocumentID: documentID, FromChunk: fromChunk, ToChunk: toChunk}
	if err := c.do(ctx, http.MethodPost, "/delete", req, &struct{}{}); err != nil {
		return fmt.Errorf("deleting chunks [%d,%d) of document %s: %w", fromChunk, toChunk, documentID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling search index: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(resp.Body)
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: buf.String()}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return nil, nil
	})
	return err
}
