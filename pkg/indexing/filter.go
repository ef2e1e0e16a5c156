package indexing

import (
	"log/slog"

	"github.com/quarryhq/quarry/pkg/connectors"
)

// filterDocuments drops documents with no indexable content and documents
// whose combined text exceeds maxChars. Returns the survivors.
func filterDocuments(docs []connectors.IndexingDocument, maxChars int, logger *slog.Logger) []connectors.IndexingDocument {
	out := make([]connectors.IndexingDocument, 0, len(docs))
	for _, d := range docs {
		if d.IsEmpty() {
			logger.Info("dropping empty document", "document_id", d.ID)
			continue
		}

		total := 0
		for _, s := range d.ProcessedSections {
			total += len(s.Text)
		}
		if maxChars > 0 && total > maxChars {
			logger.Warn("dropping oversized document",
				"document_id", d.ID, "chars", total, "max_chars", maxChars)
			continue
		}
		out = append(out, d)
	}
	return out
}
