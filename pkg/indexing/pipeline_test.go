package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/pkg/connectors"
	"github.com/quarryhq/quarry/pkg/search"
)

// fakeStore keeps document rows in memory.
type fakeStore struct {
	docs      map[string]db.Document
	failures  []string
	finalized []docFinalize
	resolved  []string
	sets      map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]db.Document{}, sets: map[string][]string{}}
}

func (s *fakeStore) GetDocuments(ctx context.Context, ids []string) (map[string]db.Document, error) {
	out := map[string]db.Document{}
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertDocument(ctx context.Context, id, semanticID string, fromIngestionAPI bool, access json.RawMessage) error {
	d := s.docs[id]
	d.ID = id
	d.SemanticID = semanticID
	d.Access = access
	s.docs[id] = d
	return nil
}

func (s *fakeStore) TagCCPair(ctx context.Context, documentID string, ccPairID int) error {
	return nil
}

func (s *fakeStore) DocumentSetNames(ctx context.Context, documentID string) ([]string, error) {
	return s.sets[documentID], nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, documentID string, ccPairID int, indexAttemptID *int, message string) error {
	s.failures = append(s.failures, documentID)
	return nil
}

func (s *fakeStore) FinalizeBatch(ctx context.Context, finals []docFinalize, resolveFailureIDs []string) error {
	s.finalized = append(s.finalized, finals...)
	s.resolved = append(s.resolved, resolveFailureIDs...)
	for _, f := range finals {
		d := s.docs[f.DocumentID]
		d.DocUpdatedAt = f.DocUpdatedAt
		cc := f.ChunkCount
		d.ChunkCount = &cc
		s.docs[f.DocumentID] = d
	}
	return nil
}

// fakeIndex records writes.
type fakeIndex struct {
	indexed map[string][]search.Chunk
	trims   map[string][2]int
	failDoc string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{indexed: map[string][]search.Chunk{}, trims: map[string][2]int{}}
}

func (f *fakeIndex) Index(ctx context.Context, indexName string, chunks []search.Chunk) ([]search.InsertionRecord, error) {
	for _, ch := range chunks {
		if ch.DocumentID == f.failDoc {
			return nil, errors.New("index write refused")
		}
		f.indexed[ch.DocumentID] = append(f.indexed[ch.DocumentID], ch)
	}
	return nil, nil
}

func (f *fakeIndex) DeleteChunkRange(ctx context.Context, indexName, documentID string, fromChunk, toChunk int) error {
	f.trims[documentID] = [2]int{fromChunk, toChunk}
	return nil
}

// fakeEmbedClient fails for the configured documents' text.
type fakeEmbedClient struct {
	failMarker string
}

func (f *fakeEmbedClient) Embed(ctx context.Context, modelName string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		if f.failMarker != "" && strings.Contains(txt, f.failMarker) {
			return nil, fmt.Errorf("embedding model rejected input")
		}
		out[i] = []float32{float32(len(txt)), 1}
	}
	return out, nil
}

func newTestPipeline(store Store, index SearchIndex, embed EmbeddingClient) *Pipeline {
	return NewPipeline(store, index, embed, nil, nil,
		db.SearchSettings{ID: 1, IndexName: "main_index", ModelName: "test-model"},
		AttemptMetadata{TenantID: "acme", CCPairID: 1, IndexAttemptID: 10, SearchSettingsID: 1},
		Config{ChunkTokens: 64, MaxDocumentChars: 100000, ClassifyMaxChunkTokens: 100},
		slog.Default())
}

func docWithTime(id, text string, updated time.Time) connectors.IndexingDocument {
	sections := []connectors.Section{{Text: text}}
	u := updated
	return connectors.IndexingDocument{
		Document: connectors.Document{
			ID:                 id,
			SemanticIdentifier: id,
			Title:              id,
			Sections:           sections,
			DocUpdatedAt:       &u,
			Source:             "fake",
		},
		ProcessedSections: sections,
	}
}

func TestIndexBatchHappyPath(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{
		docWithTime("d1", "first document body", updated),
		docWithTime("d2", "second document body", updated),
	})
	if err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	if result.TotalDocs != 2 || result.NewDocs != 2 {
		t.Errorf("result = %+v, want 2 total / 2 new", result)
	}
	if len(result.Failures) != 0 {
		t.Errorf("failures = %v, want none", result.Failures)
	}
	if len(index.indexed["d1"]) == 0 || len(index.indexed["d2"]) == 0 {
		t.Error("chunks missing from the index")
	}
	if len(store.finalized) != 2 {
		t.Errorf("finalized %d docs, want 2", len(store.finalized))
	}

	// doc_updated_at advanced only via FinalizeBatch.
	if store.docs["d1"].DocUpdatedAt == nil || !store.docs["d1"].DocUpdatedAt.Equal(updated) {
		t.Error("doc_updated_at not advanced for d1")
	}
}

func TestUnchangedDocumentSkipped(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []connectors.IndexingDocument{docWithTime("d1", "stable body", updated)}

	if _, err := p.IndexBatch(context.Background(), docs); err != nil {
		t.Fatal(err)
	}
	firstWrites := len(index.indexed["d1"])

	// Same doc_updated_at: no re-upsert.
	result, err := p.IndexBatch(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if len(index.indexed["d1"]) != firstWrites {
		t.Error("unchanged document was re-upserted")
	}
	if result.NewDocs != 0 {
		t.Errorf("NewDocs = %d, want 0", result.NewDocs)
	}
}

func TestEmbedFailureIsolation(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{failMarker: "poison"})

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{
		docWithTime("good", "healthy body", updated),
		docWithTime("bad", "poison body", updated),
	})
	if err != nil {
		t.Fatalf("IndexBatch() error: %v", err)
	}

	if len(result.Failures) != 1 || result.Failures[0].DocumentID != "bad" {
		t.Fatalf("failures = %+v, want one for 'bad'", result.Failures)
	}
	if len(index.indexed["good"]) == 0 {
		t.Error("healthy document missing from the index")
	}
	if len(index.indexed["bad"]) != 0 {
		t.Error("failed document leaked into the index")
	}
	if len(store.failures) != 1 || store.failures[0] != "bad" {
		t.Errorf("recorded failures = %v, want [bad]", store.failures)
	}
	// Only the good document's failures resolve.
	for _, id := range store.resolved {
		if id == "bad" {
			t.Error("failed document marked resolved")
		}
	}
}

func TestIndexWriteFailureIsolation(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	index.failDoc = "cursed"
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{
		docWithTime("fine", "fine body", updated),
		docWithTime("cursed", "cursed body", updated),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Failures) != 1 || result.Failures[0].Stage != "index-write" {
		t.Fatalf("failures = %+v, want one index-write failure", result.Failures)
	}
	// The cursed document's metadata must not advance.
	for _, f := range store.finalized {
		if f.DocumentID == "cursed" {
			t.Error("failed document was finalized")
		}
	}
}

func TestTrailingChunksTrimmed(t *testing.T) {
	store := newFakeStore()
	prev := 9
	store.docs["d1"] = db.Document{ID: "d1", ChunkCount: &prev}
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	updated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{
		docWithTime("d1", "now much shorter", updated),
	}); err != nil {
		t.Fatal(err)
	}

	newCount := len(index.indexed["d1"])
	trim, ok := index.trims["d1"]
	if !ok {
		t.Fatal("no trailing-chunk delete issued for shrunk document")
	}
	if trim[0] != newCount || trim[1] != prev {
		t.Errorf("trim range = %v, want [%d,%d)", trim, newCount, prev)
	}
}

func TestEmptyDocumentsDropped(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	empty := connectors.IndexingDocument{
		Document: connectors.Document{ID: "void", Sections: []connectors.Section{{Text: ""}}},
	}
	result, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{empty})
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalDocs != 0 {
		t.Errorf("TotalDocs = %d, want 0 (empty doc dropped)", result.TotalDocs)
	}
}

func TestDocumentSetsAttachedToChunks(t *testing.T) {
	store := newFakeStore()
	store.sets["d1"] = []string{"eng-docs"}
	index := newFakeIndex()
	p := newTestPipeline(store, index, &fakeEmbedClient{})

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := p.IndexBatch(context.Background(), []connectors.IndexingDocument{
		docWithTime("d1", "body", updated),
	}); err != nil {
		t.Fatal(err)
	}

	chunks := index.indexed["d1"]
	if len(chunks) == 0 {
		t.Fatal("no chunks written")
	}
	if len(chunks[0].DocumentSets) != 1 || chunks[0].DocumentSets[0] != "eng-docs" {
		t.Errorf("DocumentSets = %v, want [eng-docs]", chunks[0].DocumentSets)
	}
	if chunks[0].TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", chunks[0].TenantID)
	}
}
