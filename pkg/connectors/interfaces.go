// Package connectors defines the contract between the orchestrator and
// data-source adapters, and the runtime that drives adapters through
// checkpointed, resumable pulls with partial-failure semantics.
package connectors

import (
	"context"
	"time"
)

// Section is one piece of a document: either text or an image reference.
// Image sections are converted to text (or a placeholder) by the image
// processor before chunking.
type Section struct {
	Link     string `json:"link,omitempty"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// IsImage reports whether the section references an image.
func (s Section) IsImage() bool { return s.ImageURL != "" }

// Document is a source document as yielded by an adapter.
type Document struct {
	ID                 string
	SemanticIdentifier string
	Title              string
	Sections           []Section
	Metadata           map[string]any
	DocUpdatedAt       *time.Time
	PrimaryOwners      []string
	SecondaryOwners    []string
	Source             string
	FromIngestionAPI   bool
}

// IsEmpty reports whether the document carries no indexable content at all;
// such documents are dropped by the pipeline.
func (d *Document) IsEmpty() bool {
	if d.Title != "" || d.SemanticIdentifier != "" {
		return false
	}
	for _, s := range d.Sections {
		if s.Text != "" {
			return false
		}
	}
	return true
}

// IndexingDocument is a Document whose image sections have been processed.
// The raw sections are preserved alongside the processed list.
type IndexingDocument struct {
	Document
	ProcessedSections []Section
}

// SlimDocument is the minimal (id, permissions) record for ACL-only passes.
type SlimDocument struct {
	ID          string
	ExternalACL map[string][]string
}

// ConnectorFailure records a non-fatal failure during a run: either one
// document or one entity (a channel, a space) that could not be fetched.
type ConnectorFailure struct {
	FailedDocumentID string
	FailedEntityID   string
	Message          string
	Err              error
}

func (f ConnectorFailure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

// Unwrap exposes the causal error for errors.Is/As.
func (f ConnectorFailure) Unwrap() error { return f.Err }

// Checkpoint is an opaque, adapter-defined resumable cursor. The core only
// inspects HasMore; everything else round-trips through JSON verbatim.
type Checkpoint interface {
	HasMore() bool
}

// Item is one yield of a document iterator: exactly one of Document or
// Failure is set.
type Item struct {
	Document *Document
	Failure  *ConnectorFailure
}

// DocumentIterator lazily yields items. Next returns (nil, nil) when the
// sequence is exhausted, after which Checkpoint returns the cursor to resume
// from. State lives in the iterator object, not in hidden stack frames.
type DocumentIterator interface {
	Next(ctx context.Context) (*Item, error)
	Checkpoint() Checkpoint
}

// Connector is the base adapter contract.
type Connector interface {
	// LoadCredentials installs the pair's secrets. Returns an error when the
	// credentials the adapter needs are missing or unusable.
	LoadCredentials(credentials map[string]any) error

	// ValidateConnectorSettings verifies the adapter can reach its source.
	// Returns a typed validation error (credential expired, insufficient
	// permissions, validation, unexpected) on failure.
	ValidateConnectorSettings(ctx context.Context) error
}

// CheckpointedConnector is the preferred shape for large sources.
type CheckpointedConnector interface {
	Connector
	BuildDummyCheckpoint() Checkpoint
	ValidateCheckpointJSON(raw string) (Checkpoint, error)
	LoadFromCheckpoint(ctx context.Context, start, end time.Time, ck Checkpoint) DocumentIterator
}

// LoadConnector yields everything it knows, in unspecified order.
type LoadConnector interface {
	Connector
	LoadAll(ctx context.Context) DocumentIterator
}

// PollConnector yields documents changed within [start, end).
type PollConnector interface {
	Connector
	Poll(ctx context.Context, start, end time.Time) DocumentIterator
}

// SlimConnector optionally supports permission-only passes.
type SlimConnector interface {
	Connector
	RetrieveAllSlimDocuments(ctx context.Context, start, end time.Time, cb func([]SlimDocument) error) error
}
