package indexing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/pkg/connectors"
)

// largeChunkSpan is how many regular chunks one large (multipass) chunk
// aggregates.
const largeChunkSpan = 4

// Chunker splits processed documents into token-bounded chunks. When
// multipass is on it additionally emits large chunks that aggregate spans of
// regular chunks for coarse retrieval.
type Chunker struct {
	tokenizer   Tokenizer
	chunkTokens int
	multipass   bool
}

// NewChunker creates a chunker for the given token budget.
func NewChunker(tokenizer Tokenizer, chunkTokens int, multipass bool) *Chunker {
	if chunkTokens <= 0 {
		chunkTokens = 512
	}
	return &Chunker{tokenizer: tokenizer, chunkTokens: chunkTokens, multipass: multipass}
}

// Chunk produces the document's chunks. Regular chunk ids are contiguous
// integers starting at 0; large chunks continue the id sequence and carry
// the ids of the regular chunks they aggregate.
func (c *Chunker) Chunk(doc connectors.IndexingDocument) []Chunk {
	titlePrefix := doc.Title
	if titlePrefix == "" {
		titlePrefix = doc.SemanticIdentifier
	}
	if titlePrefix != "" {
		titlePrefix += "\n"
	}

	semantic, keyword := metadataSuffixes(doc.Metadata)

	var contents []string
	var current strings.Builder
	currentTokens := 0
	flush := func() {
		if current.Len() == 0 {
			return
		}
		contents = append(contents, current.String())
		current.Reset()
		currentTokens = 0
	}

	for _, section := range doc.ProcessedSections {
		if section.Text == "" {
			continue
		}
		for _, piece := range splitOversized(section.Text, c.chunkTokens, c.tokenizer) {
			tokens := c.tokenizer.Count(piece)
			if currentTokens > 0 && currentTokens+tokens > c.chunkTokens {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(piece)
			currentTokens += tokens
		}
	}
	flush()

	chunks := make([]Chunk, 0, len(contents))
	for i, content := range contents {
		chunks = append(chunks, Chunk{
			SourceDocumentID:       doc.ID,
			ChunkID:                i,
			Content:                content,
			TitlePrefix:            titlePrefix,
			MetadataSuffixSemantic: semantic,
			MetadataSuffixKeyword:  keyword,
			BoostFactor:            1.0,
		})
	}

	if c.multipass && len(contents) > largeChunkSpan {
		nextID := len(chunks)
		for start := 0; start < len(contents); start += largeChunkSpan {
			stop := start + largeChunkSpan
			if stop > len(contents) {
				stop = len(contents)
			}
			if stop-start < 2 {
				break
			}
			refs := make([]int, 0, stop-start)
			for i := start; i < stop; i++ {
				refs = append(refs, i)
			}
			chunks = append(chunks, Chunk{
				SourceDocumentID:       doc.ID,
				ChunkID:                nextID,
				Content:                strings.Join(contents[start:stop], "\n"),
				TitlePrefix:            titlePrefix,
				MetadataSuffixSemantic: semantic,
				MetadataSuffixKeyword:  keyword,
				LargeChunkReferenceIDs: refs,
				BoostFactor:            1.0,
			})
			nextID++
		}
	}

	return chunks
}

// splitOversized breaks a single section that exceeds the budget into
// word-boundary pieces that fit.
func splitOversized(text string, budget int, tok Tokenizer) []string {
	if tok.Count(text) <= budget {
		return []string{text}
	}

	words := strings.Fields(text)
	var pieces []string
	var sb strings.Builder
	tokens := 0
	for _, w := range words {
		wt := tok.Count(w)
		if tokens > 0 && tokens+wt > budget {
			pieces = append(pieces, sb.String())
			sb.Reset()
			tokens = 0
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w)
		tokens += wt
	}
	if sb.Len() > 0 {
		pieces = append(pieces, sb.String())
	}
	return pieces
}

// metadataSuffixes renders document metadata into the semantic and keyword
// suffixes appended to chunk content at embedding and query time.
func metadataSuffixes(metadata map[string]any) (semantic, keyword string) {
	if len(metadata) == 0 {
		return "", ""
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var semanticParts, keywordParts []string
	for _, k := range keys {
		switch v := metadata[k].(type) {
		case string:
			semanticParts = append(semanticParts, fmt.Sprintf("%s: %s", k, v))
			keywordParts = append(keywordParts, v)
		case []string:
			semanticParts = append(semanticParts, fmt.Sprintf("%s: %s", k, strings.Join(v, ", ")))
			keywordParts = append(keywordParts, v...)
		case []any:
			var vals []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					vals = append(vals, s)
				}
			}
			if len(vals) > 0 {
				semanticParts = append(semanticParts, fmt.Sprintf("%s: %s", k, strings.Join(vals, ", ")))
				keywordParts = append(keywordParts, vals...)
			}
		}
	}
	if len(semanticParts) == 0 {
		return "", ""
	}
	return "Metadata:\n" + strings.Join(semanticParts, "\n"), strings.Join(keywordParts, " ")
}
