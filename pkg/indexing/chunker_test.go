package indexing

import (
	"strings"
	"testing"

	"github.com/quarryhq/quarry/pkg/connectors"
)

func testDoc(id string, sections ...string) connectors.IndexingDocument {
	secs := make([]connectors.Section, len(sections))
	for i, s := range sections {
		secs[i] = connectors.Section{Text: s}
	}
	return connectors.IndexingDocument{
		Document: connectors.Document{
			ID:                 id,
			SemanticIdentifier: id,
			Title:              "Title of " + id,
			Sections:           secs,
		},
		ProcessedSections: secs,
	}
}

func TestChunkIDsContiguousFromZero(t *testing.T) {
	c := NewChunker(WordTokenizer{}, 20, false)
	doc := testDoc("d1",
		strings.Repeat("alpha beta gamma delta ", 10),
		strings.Repeat("epsilon zeta eta theta ", 10),
	)

	chunks := c.Chunk(doc)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for i, ch := range chunks {
		if ch.ChunkID != i {
			t.Errorf("chunks[%d].ChunkID = %d, want %d", i, ch.ChunkID, i)
		}
		if ch.SourceDocumentID != "d1" {
			t.Errorf("chunks[%d].SourceDocumentID = %q", i, ch.SourceDocumentID)
		}
	}
}

func TestChunkingIsDeterministic(t *testing.T) {
	c := NewChunker(WordTokenizer{}, 30, false)
	doc := testDoc("d1", strings.Repeat("some stable content here ", 40))

	a := c.Chunk(doc)
	b := c.Chunk(doc)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Content != b[i].Content || a[i].ChunkID != b[i].ChunkID {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestTitlePrefixAttached(t *testing.T) {
	c := NewChunker(WordTokenizer{}, 100, false)
	chunks := c.Chunk(testDoc("d1", "hello world"))
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].TitlePrefix != "Title of d1\n" {
		t.Errorf("TitlePrefix = %q", chunks[0].TitlePrefix)
	}
}

func TestMetadataSuffixes(t *testing.T) {
	semantic, keyword := metadataSuffixes(map[string]any{
		"author": "jane",
		"tags":   []string{"infra", "go"},
	})
	if !strings.Contains(semantic, "author: jane") {
		t.Errorf("semantic suffix = %q, want author line", semantic)
	}
	if !strings.Contains(semantic, "tags: infra, go") {
		t.Errorf("semantic suffix = %q, want tags line", semantic)
	}
	if !strings.Contains(keyword, "infra") || !strings.Contains(keyword, "jane") {
		t.Errorf("keyword suffix = %q", keyword)
	}

	// Deterministic ordering across runs.
	again, _ := metadataSuffixes(map[string]any{
		"author": "jane",
		"tags":   []string{"infra", "go"},
	})
	if semantic != again {
		t.Error("metadata suffix ordering is not deterministic")
	}
}

func TestMultipassEmitsLargeChunks(t *testing.T) {
	c := NewChunker(WordTokenizer{}, 10, true)
	doc := testDoc("d1", strings.Repeat("word stream continues forever without pause ", 30))

	chunks := c.Chunk(doc)
	var regular, large int
	for _, ch := range chunks {
		if len(ch.LargeChunkReferenceIDs) > 0 {
			large++
		} else {
			regular++
		}
	}
	for _, ch := range chunks {
		for _, ref := range ch.LargeChunkReferenceIDs {
			if ref < 0 || ref >= regular {
				t.Errorf("large chunk references id %d outside regular range [0,%d)", ref, regular)
			}
		}
	}
	if large == 0 {
		t.Fatal("multipass produced no large chunks")
	}
	// Large chunk ids continue the sequence after regular ids.
	for i, ch := range chunks {
		if ch.ChunkID != i {
			t.Errorf("chunks[%d].ChunkID = %d, want %d", i, ch.ChunkID, i)
		}
	}
}

func TestDefaultBoostFactor(t *testing.T) {
	c := NewChunker(WordTokenizer{}, 100, false)
	chunks := c.Chunk(testDoc("d1", "short content"))
	if chunks[0].BoostFactor != 1.0 {
		t.Errorf("BoostFactor = %v, want 1.0", chunks[0].BoostFactor)
	}
}

func TestWordTokenizerScales(t *testing.T) {
	tok := WordTokenizer{}
	if tok.Count("") != 0 {
		t.Error("empty string should count 0 tokens")
	}
	ten := tok.Count("one two three four five six seven eight nine ten")
	if ten < 10 || ten > 15 {
		t.Errorf("Count(10 words) = %d, want 10..15", ten)
	}
}
