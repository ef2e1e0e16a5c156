package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIndexSendsChunksAndDecodesRecords(t *testing.T) {
	var got indexRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index" {
			t.Errorf("path = %s, want /index", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		_ = json.NewEncoder(w).Encode(indexResponse{Records: []InsertionRecord{
			{DocumentID: "d1", ChunkID: 0},
			{DocumentID: "d1", ChunkID: 1},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	records, err := c.Index(context.Background(), "main_index", []Chunk{
		{DocumentID: "d1", ChunkID: 0, Content: "a", TenantID: "acme"},
		{DocumentID: "d1", ChunkID: 1, Content: "b", TenantID: "acme"},
	})
	if err != nil {
		t.Fatalf("Index() error: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
	if got.IndexName != "main_index" || len(got.Chunks) != 2 {
		t.Errorf("request = %+v, want 2 chunks for main_index", got)
	}
}

func TestUpdateSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req updateSingleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.DocumentID != "d1" || req.ChunkCount != 3 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(updateSingleResponse{ChunksAffected: 3})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	n, err := c.UpdateSingle(context.Background(), "main_index", "d1", "acme", 3, UpdateFields{
		DocumentSets: []string{"eng-docs"},
	})
	if err != nil {
		t.Fatalf("UpdateSingle() error: %v", err)
	}
	if n != 3 {
		t.Errorf("chunks affected = %d, want 3", n)
	}
}

func TestBadRequestSurfacesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad chunk id", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.UpdateSingle(context.Background(), "main_index", "d1", "acme", 1, UpdateFields{})
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", statusErr.StatusCode)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = c.Delete(ctx, "main_index", "d1")
	}

	// Breaker is now open: the request fails without hitting the server.
	err := c.Delete(ctx, "main_index", "d1")
	if err == nil {
		t.Fatal("Delete() after breaker opened should fail")
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		t.Errorf("breaker should short-circuit, got HTTP error %v", statusErr)
	}
}

func TestDeleteChunkRange(t *testing.T) {
	var got deleteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(struct{}{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.DeleteChunkRange(context.Background(), "main_index", "d1", 4, 9); err != nil {
		t.Fatalf("DeleteChunkRange() error: %v", err)
	}
	if got.FromChunk != 4 || got.ToChunk != 9 {
		t.Errorf("range = [%d,%d), want [4,9)", got.FromChunk, got.ToChunk)
	}
}
