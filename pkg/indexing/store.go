package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarryhq/quarry/internal/db"
)

// Store is the relational-store surface the pipeline needs. Implemented by
// pgStore in production and by fakes in tests.
type Store interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]db.Document, error)
	UpsertDocument(ctx context.Context, id, semanticID string, fromIngestionAPI bool, access json.RawMessage) error
	TagCCPair(ctx context.Context, documentID string, ccPairID int) error
	DocumentSetNames(ctx context.Context, documentID string) ([]string, error)
	RecordFailure(ctx context.Context, documentID string, ccPairID int, indexAttemptID *int, message string) error
	// FinalizeBatch commits every per-document update of one batch in a
	// single transaction, holding per-document advisory locks.
	FinalizeBatch(ctx context.Context, finals []docFinalize, resolveFailureIDs []string) error
}

// pgStore implements Store over a tenant-bound pooled connection.
type pgStore struct {
	conn *pgxpool.Conn
}

// NewStore wraps a tenant-bound connection as the pipeline's Store.
func NewStore(conn *pgxpool.Conn) Store {
	return &pgStore{conn: conn}
}

func (s *pgStore) GetDocuments(ctx context.Context, ids []string) (map[string]db.Document, error) {
	return db.New(s.conn).GetDocuments(ctx, ids)
}

func (s *pgStore) UpsertDocument(ctx context.Context, id, semanticID string, fromIngestionAPI bool, access json.RawMessage) error {
	return db.New(s.conn).UpsertDocumentMetadata(ctx, id, semanticID, fromIngestionAPI, access)
}

func (s *pgStore) TagCCPair(ctx context.Context, documentID string, ccPairID int) error {
	return db.New(s.conn).UpsertDocumentCCPair(ctx, documentID, ccPairID)
}

func (s *pgStore) DocumentSetNames(ctx context.Context, documentID string) ([]string, error) {
	return db.New(s.conn).ListDocumentSetNamesForDocument(ctx, documentID)
}

func (s *pgStore) RecordFailure(ctx context.Context, documentID string, ccPairID int, indexAttemptID *int, message string) error {
	return db.New(s.conn).CreateDocumentFailure(ctx, documentID, ccPairID, indexAttemptID, message)
}

func (s *pgStore) FinalizeBatch(ctx context.Context, finals []docFinalize, resolveFailureIDs []string) error {
	if len(finals) == 0 && len(resolveFailureIDs) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		q := db.New(tx)

		ids := make([]string, len(finals))
		for i, f := range finals {
			ids[i] = f.DocumentID
		}
		// Sorted advisory locks keep the indexer and sync workers from
		// interleaving writes on the same documents.
		if err := q.LockDocuments(ctx, ids); err != nil {
			return fmt.Errorf("locking documents: %w", err)
		}

		for _, f := range finals {
			if err := q.FinalizeIndexedDocument(ctx, f.DocumentID, f.DocUpdatedAt, f.ChunkCount, f.TokenCount); err != nil {
				return fmt.Errorf("finalizing document %s: %w", f.DocumentID, err)
			}
		}

		if err := q.ResolveDocumentFailures(ctx, resolveFailureIDs); err != nil {
			return fmt.Errorf("resolving document failures: %w", err)
		}
		return nil
	})
}
