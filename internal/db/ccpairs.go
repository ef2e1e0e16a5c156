package db

import (
	"context"
	"time"
)

const ccpairColumns = `id, name, connector_id, credential_id, status, indexing_trigger,
	access_type, refresh_freq_seconds, last_successful_index_time, in_repeated_error_state`

func scanCCPair(row interface{ Scan(...any) error }) (CCPair, error) {
	var p CCPair
	err := row.Scan(
		&p.ID, &p.Name, &p.ConnectorID, &p.CredentialID, &p.Status,
		&p.IndexingTrigger, &p.AccessType, &p.RefreshFreqSeconds,
		&p.LastSuccessfulIndexTime, &p.InRepeatedErrorState,
	)
	return p, err
}

// GetCCPair fetches one connector-credential pair by id.
func (q *Queries) GetCCPair(ctx context.Context, id int) (CCPair, error) {
	return scanCCPair(q.db.QueryRow(ctx,
		`SELECT `+ccpairColumns+` FROM connector_credential_pairs WHERE id = $1`, id))
}

// ListCCPairs returns all pairs for the current tenant schema.
func (q *Queries) ListCCPairs(ctx context.Context) ([]CCPair, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+ccpairColumns+` FROM connector_credential_pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []CCPair
	for rows.Next() {
		p, err := scanCCPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// GetConnector fetches the connector half of a pair.
func (q *Queries) GetConnector(ctx context.Context, id int) (Connector, error) {
	var c Connector
	err := q.db.QueryRow(ctx,
		`SELECT id, name, source, config FROM connectors WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Source, &c.Config)
	return c, err
}

// GetCredential fetches the credential half of a pair.
func (q *Queries) GetCredential(ctx context.Context, id int) (Credential, error) {
	var c Credential
	err := q.db.QueryRow(ctx,
		`SELECT id, source, secrets FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.Source, &c.Secrets)
	return c, err
}

// SetCCPairIndexingTrigger updates the pair's one-shot indexing trigger.
func (q *Queries) SetCCPairIndexingTrigger(ctx context.Context, id int, trigger IndexingTrigger) error {
	_, err := q.db.Exec(ctx,
		`UPDATE connector_credential_pairs SET indexing_trigger = $2 WHERE id = $1`,
		id, trigger)
	return err
}

// SetCCPairStatus updates the pair's lifecycle status.
func (q *Queries) SetCCPairStatus(ctx context.Context, id int, status CCPairStatus) error {
	_, err := q.db.Exec(ctx,
		`UPDATE connector_credential_pairs SET status = $2 WHERE id = $1`,
		id, status)
	return err
}

// SetCCPairRepeatedErrorState flips the repeated-error flag shown to operators.
func (q *Queries) SetCCPairRepeatedErrorState(ctx context.Context, id int, inError bool) error {
	_, err := q.db.Exec(ctx,
		`UPDATE connector_credential_pairs SET in_repeated_error_state = $2 WHERE id = $1`,
		id, inError)
	return err
}

// SetCCPairLastSuccessfulIndexTime advances the pair's high-water mark after
// a successful attempt.
func (q *Queries) SetCCPairLastSuccessfulIndexTime(ctx context.Context, id int, ts time.Time) error {
	_, err := q.db.Exec(ctx,
		`UPDATE connector_credential_pairs SET last_successful_index_time = $2 WHERE id = $1`,
		id, ts)
	return err
}
