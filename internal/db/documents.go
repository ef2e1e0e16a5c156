package db

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const documentColumns = `id, semantic_id, boost, hidden, doc_updated_at, last_modified,
	last_synced, chunk_count, from_ingestion_api, access, token_count`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.SemanticID, &d.Boost, &d.Hidden, &d.DocUpdatedAt, &d.LastModified,
		&d.LastSynced, &d.ChunkCount, &d.FromIngestionAPI, &d.Access, &d.TokenCount,
	)
	return d, err
}

// GetDocument fetches one document row, or (zero, false) when absent.
func (q *Queries) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	d, err := scanDocument(q.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	return d, true, nil
}

// GetDocuments fetches the given document rows keyed by id. Missing ids are
// simply absent from the result.
func (q *Queries) GetDocuments(ctx context.Context, ids []string) (map[string]Document, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Document, len(ids))
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// UpsertDocumentMetadata inserts or refreshes a document's metadata row.
// It intentionally does NOT touch doc_updated_at: that column is only
// advanced after the document's chunks are visible in the search index.
func (q *Queries) UpsertDocumentMetadata(ctx context.Context, id, semanticID string, fromIngestionAPI bool, access json.RawMessage) error {
	if access == nil {
		access = json.RawMessage(`{"is_public": true}`)
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO documents (id, semantic_id, from_ingestion_api, access, last_modified)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE
		 SET semantic_id = EXCLUDED.semantic_id, access = EXCLUDED.access`,
		id, semanticID, fromIngestionAPI, access)
	return err
}

// FinalizeIndexedDocument advances doc_updated_at, last_modified, the chunk
// count and the token count in one statement. Bumping last_modified makes the
// document stale for the sync coordinator, which re-propagates metadata.
func (q *Queries) FinalizeIndexedDocument(ctx context.Context, id string, docUpdatedAt *time.Time, chunkCount int, tokenCount int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE documents
		 SET doc_updated_at = COALESCE($2, doc_updated_at),
		     last_modified = now(),
		     chunk_count = $3,
		     token_count = $4
		 WHERE id = $1`,
		id, docUpdatedAt, chunkCount, tokenCount)
	return err
}

// UpsertDocumentCCPair tags the document as belonging to a ccpair and marks
// it indexed for that pair.
func (q *Queries) UpsertDocumentCCPair(ctx context.Context, documentID string, ccPairID int) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO document_by_cc_pair (document_id, cc_pair_id, has_been_indexed)
		 VALUES ($1, $2, true)
		 ON CONFLICT (document_id, cc_pair_id) DO UPDATE SET has_been_indexed = true`,
		documentID, ccPairID)
	return err
}

// CountStaleDocuments counts documents whose metadata has changed since the
// last search-index sync.
func (q *Queries) CountStaleDocuments(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT count(*) FROM documents
		 WHERE last_synced IS NULL OR last_synced < last_modified`).Scan(&n)
	return n, err
}

// ListStaleDocumentIDsForCCPair returns up to limit stale document ids
// belonging to the given ccpair, oldest modification first.
func (q *Queries) ListStaleDocumentIDsForCCPair(ctx context.Context, ccPairID, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT d.id FROM documents d
		 JOIN document_by_cc_pair dc ON dc.document_id = d.id
		 WHERE dc.cc_pair_id = $1
		   AND (d.last_synced IS NULL OR d.last_synced < d.last_modified)
		 ORDER BY d.last_modified ASC
		 LIMIT $2`, ccPairID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// MarkDocumentSynced records that the search index has seen the document's
// current metadata.
func (q *Queries) MarkDocumentSynced(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE documents SET last_synced = now() WHERE id = $1`, id)
	return err
}

// CreateDocumentFailure records a per-document indexing failure.
func (q *Queries) CreateDocumentFailure(ctx context.Context, documentID string, ccPairID int, indexAttemptID *int, message string) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO document_failures (document_id, cc_pair_id, index_attempt_id, failure_message)
		 VALUES ($1, $2, $3, $4)`,
		documentID, ccPairID, indexAttemptID, message)
	return err
}

// ResolveDocumentFailures marks all unresolved failures for the given
// documents as resolved; called after those documents index successfully.
func (q *Queries) ResolveDocumentFailures(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx,
		`UPDATE document_failures SET is_resolved = true
		 WHERE document_id = ANY($1) AND NOT is_resolved`, documentIDs)
	return err
}

// ListUnresolvedFailures returns open failures for a ccpair.
func (q *Queries) ListUnresolvedFailures(ctx context.Context, ccPairID int) ([]DocumentFailure, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, document_id, cc_pair_id, index_attempt_id, failure_message, is_resolved, time_created
		 FROM document_failures WHERE cc_pair_id = $1 AND NOT is_resolved`, ccPairID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentFailure
	for rows.Next() {
		var f DocumentFailure
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.CCPairID, &f.IndexAttemptID,
			&f.FailureMessage, &f.IsResolved, &f.TimeCreated); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LockDocuments takes transaction-scoped advisory locks on the given document
// ids, in sorted order so that concurrent writers cannot deadlock. Must be
// called inside a transaction.
func (q *Queries) LockDocuments(ctx context.Context, documentIDs []string) error {
	sorted := make([]string, len(documentIDs))
	copy(sorted, documentIDs)
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, err := q.db.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
			return err
		}
	}
	return nil
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
