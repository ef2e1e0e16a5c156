package db

import (
	"context"
)

// ListOutdatedDocumentSets returns document sets whose membership changed
// since the search index last saw them.
func (q *Queries) ListOutdatedDocumentSets(ctx context.Context) ([]DocumentSet, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, name, is_up_to_date FROM document_sets WHERE NOT is_up_to_date ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentSet
	for rows.Next() {
		var s DocumentSet
		if err := rows.Scan(&s.ID, &s.Name, &s.IsUpToDate); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetDocumentSet fetches one document set by id.
func (q *Queries) GetDocumentSet(ctx context.Context, id int) (DocumentSet, error) {
	var s DocumentSet
	err := q.db.QueryRow(ctx,
		`SELECT id, name, is_up_to_date FROM document_sets WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.IsUpToDate)
	return s, err
}

// ListDocumentIDsForDocumentSet enumerates the documents whose index entry
// carries the set, via the set's member ccpairs.
func (q *Queries) ListDocumentIDsForDocumentSet(ctx context.Context, documentSetID int) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT DISTINCT dc.document_id
		 FROM document_set_cc_pairs dsc
		 JOIN document_by_cc_pair dc ON dc.cc_pair_id = dsc.cc_pair_id
		 WHERE dsc.document_set_id = $1`, documentSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ListDocumentSetNamesForDocument returns the names of all sets a document
// belongs to, for propagation into the search index.
func (q *Queries) ListDocumentSetNamesForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT DISTINCT ds.name
		 FROM document_sets ds
		 JOIN document_set_cc_pairs dsc ON dsc.document_set_id = ds.id
		 JOIN document_by_cc_pair dc ON dc.cc_pair_id = dsc.cc_pair_id
		 WHERE dc.document_id = $1
		 ORDER BY ds.name`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// MarkDocumentSetUpToDate records that the search index reflects the set.
func (q *Queries) MarkDocumentSetUpToDate(ctx context.Context, id int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE document_sets SET is_up_to_date = true WHERE id = $1`, id)
	return err
}

// DeleteDocumentSet removes a set row and its ccpair links. Used when a
// fenced set turns out to have been deleted mid-sync.
func (q *Queries) DeleteDocumentSet(ctx context.Context, id int) error {
	if _, err := q.db.Exec(ctx,
		`DELETE FROM document_set_cc_pairs WHERE document_set_id = $1`, id); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `DELETE FROM document_sets WHERE id = $1`, id)
	return err
}
