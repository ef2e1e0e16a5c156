package connectors

import (
	"context"
	"fmt"
	"log/slog"
)

// VisionSummarizer turns an image into a short text description. Implemented
// by the model-server client; nil disables summarization.
type VisionSummarizer interface {
	SummarizeImage(ctx context.Context, imageURL string) (string, error)
}

// ImageProcessor converts each image section of a document into a text
// section: a model summary when available, a placeholder otherwise. The raw
// sections are kept on the IndexingDocument next to the processed list.
type ImageProcessor struct {
	vision VisionSummarizer
	logger *slog.Logger
}

// NewImageProcessor creates an image processor. vision may be nil.
func NewImageProcessor(vision VisionSummarizer, logger *slog.Logger) *ImageProcessor {
	return &ImageProcessor{vision: vision, logger: logger}
}

// Process returns the document with its processed section list attached.
func (p *ImageProcessor) Process(ctx context.Context, doc Document) IndexingDocument {
	processed := make([]Section, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		if !s.IsImage() {
			processed = append(processed, s)
			continue
		}

		text := fmt.Sprintf("[image: %s]", s.ImageURL)
		if p.vision != nil {
			summary, err := p.vision.SummarizeImage(ctx, s.ImageURL)
			if err != nil {
				p.logger.Warn("image summarization failed, using placeholder",
					"document_id", doc.ID, "image_url", s.ImageURL, "error", err)
			} else if summary != "" {
				text = summary
			}
		}
		processed = append(processed, Section{Link: s.Link, Text: text})
	}
	return IndexingDocument{Document: doc, ProcessedSections: processed}
}
