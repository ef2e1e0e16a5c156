package mdlserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbedReturnsOnePerText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/encoder/bi-encoder-embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ModelName != "test-model" {
			t.Errorf("model = %q", req.ModelName)
		}
		out := embedResponse{Embeddings: make([][]float32, len(req.Texts))}
		for i := range req.Texts {
			out.Embeddings[i] = []float32{1, 2, 3}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.Embed(context.Background(), "test-model", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d embeddings, want 2", len(got))
	}
}

func TestEmbedCountMismatchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Embed(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Error("Embed() should reject a mismatched embedding count")
	}
}

func TestClassifyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := classifyResponse{BoostFactors: make([]float64, len(req.Texts))}
		for i := range req.Texts {
			out.BoostFactors[i] = 0.8
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	scores, err := c.ClassifyContent(context.Background(), []string{"short chunk"})
	if err != nil {
		t.Fatalf("ClassifyContent() error: %v", err)
	}
	if len(scores) != 1 || scores[0] != 0.8 {
		t.Errorf("scores = %v, want [0.8]", scores)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Embed(context.Background(), "m", []string{"a"}); err == nil {
		t.Error("Embed() should surface HTTP errors")
	}
}

func TestSummarizeImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(summarizeImageResponse{Summary: "a diagram of the system"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.SummarizeImage(context.Background(), "https://example.com/pic.png")
	if err != nil || got != "a diagram of the system" {
		t.Errorf("SummarizeImage() = (%q, %v)", got, err)
	}
}
