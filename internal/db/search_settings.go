package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const settingsColumns = `id, status, provider_type, model_name, index_name, multipass_indexing`

func scanSettings(row interface{ Scan(...any) error }) (SearchSettings, error) {
	var s SearchSettings
	err := row.Scan(&s.ID, &s.Status, &s.ProviderType, &s.ModelName, &s.IndexName, &s.MultipassIndexing)
	return s, err
}

// GetSearchSettings fetches one index generation by id.
func (q *Queries) GetSearchSettings(ctx context.Context, id int) (SearchSettings, error) {
	return scanSettings(q.db.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE id = $1`, id))
}

// GetCurrentSearchSettings returns the single PRESENT index generation.
func (q *Queries) GetCurrentSearchSettings(ctx context.Context) (SearchSettings, error) {
	return scanSettings(q.db.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE status = 'PRESENT'`))
}

// GetSecondarySearchSettings returns the FUTURE generation if an index
// migration is in progress, or (zero, false) otherwise.
func (q *Queries) GetSecondarySearchSettings(ctx context.Context) (SearchSettings, bool, error) {
	s, err := scanSettings(q.db.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM search_settings WHERE status = 'FUTURE'`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SearchSettings{}, false, nil
		}
		return SearchSettings{}, false, err
	}
	return s, true, nil
}

// ListActiveSearchSettings returns the PRESENT generation plus the FUTURE one
// when a migration is building.
func (q *Queries) ListActiveSearchSettings(ctx context.Context) ([]SearchSettings, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+settingsColumns+` FROM search_settings
		 WHERE status IN ('PRESENT', 'FUTURE') ORDER BY status DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SwapSearchSettings promotes the FUTURE generation to PRESENT and demotes
// the old PRESENT to PAST. Called once every ccpair has finished building the
// secondary index.
func (q *Queries) SwapSearchSettings(ctx context.Context) error {
	if _, err := q.db.Exec(ctx,
		`UPDATE search_settings SET status = 'PAST' WHERE status = 'PRESENT'`); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		`UPDATE search_settings SET status = 'PRESENT' WHERE status = 'FUTURE'`)
	return err
}
