// Package mdlserver is the HTTP client for the model server: embeddings,
// image summarization and information-content classification.
package mdlserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the model server's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a model server client with a 120-second timeout
// (embedding large batches is slow).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	ModelName string   `json:"model_name"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one embedding per input text, in order.
func (c *Client) Embed(ctx context.Context, modelName string, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/encoder/bi-encoder-embed", embedRequest{Texts: texts, ModelName: modelName}, &resp); err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model server returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

type classifyRequest struct {
	Texts []string `json:"texts"`
}

type classifyResponse struct {
	// BoostFactors are multiplicative content-quality boosts, one per text.
	BoostFactors []float64 `json:"boost_factors"`
}

// ClassifyContent scores the information content of short chunks, returning
// a multiplicative boost factor per text.
func (c *Client) ClassifyContent(ctx context.Context, texts []string) ([]float64, error) {
	var resp classifyResponse
	if err := c.post(ctx, "/classifier/content-classification", classifyRequest{Texts: texts}, &resp); err != nil {
		return nil, fmt.Errorf("classifying %d texts: %w", len(texts), err)
	}
	if len(resp.BoostFactors) != len(texts) {
		return nil, fmt.Errorf("model server returned %d scores for %d texts", len(resp.BoostFactors), len(texts))
	}
	return resp.BoostFactors, nil
}

type summarizeImageRequest struct {
	ImageURL string `json:"image_url"`
}

type summarizeImageResponse struct {
	Summary string `json:"summary"`
}

// SummarizeImage describes an image in text via the vision model.
func (c *Client) SummarizeImage(ctx context.Context, imageURL string) (string, error) {
	var resp summarizeImageResponse
	if err := c.post(ctx, "/vision/summarize-image", summarizeImageRequest{ImageURL: imageURL}, &resp); err != nil {
		return "", fmt.Errorf("summarizing image: %w", err)
	}
	return resp.Summary, nil
}

type chunkContextRequest struct {
	DocumentText string   `json:"document_text"`
	Chunks       []string `json:"chunks"`
}

type chunkContextResponse struct {
	DocumentSummary string   `json:"document_summary"`
	ChunkContexts   []string `json:"chunk_contexts"`
}

// ContextualizeChunks produces a document summary plus a context blurb per
// chunk for contextual retrieval.
func (c *Client) ContextualizeChunks(ctx context.Context, documentText string, chunks []string) (string, []string, error) {
	var resp chunkContextResponse
	if err := c.post(ctx, "/llm/contextualize-chunks", chunkContextRequest{DocumentText: documentText, Chunks: chunks}, &resp); err != nil {
		return "", nil, fmt.Errorf("contextualizing %d chunks: %w", len(chunks), err)
	}
	if len(resp.ChunkContexts) != len(chunks) {
		return "", nil, fmt.Errorf("model server returned %d contexts for %d chunks", len(resp.ChunkContexts), len(chunks))
	}
	return resp.DocumentSummary, resp.ChunkContexts, nil
}

// Warmup asks the model server to load the named model into memory.
func (c *Client) Warmup(ctx context.Context, modelName string) error {
	if err := c.post(ctx, "/encoder/warmup", embedRequest{ModelName: modelName}, &struct{}{}); err != nil {
		return fmt.Errorf("warming up model %s: %w", modelName, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling model server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
