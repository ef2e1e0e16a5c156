package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const attemptColumns = `id, cc_pair_id, search_settings_id, status, from_beginning,
	poll_range_start, poll_range_end, checkpoint_blob, error_msg, full_exception_trace,
	total_docs_indexed, new_docs_indexed, time_created, time_updated`

func scanAttempt(row interface{ Scan(...any) error }) (IndexAttempt, error) {
	var a IndexAttempt
	err := row.Scan(
		&a.ID, &a.CCPairID, &a.SearchSettingsID, &a.Status, &a.FromBeginning,
		&a.PollRangeStart, &a.PollRangeEnd, &a.CheckpointBlob, &a.ErrorMsg,
		&a.FullExceptionTrace, &a.TotalDocsIndexed, &a.NewDocsIndexed,
		&a.TimeCreated, &a.TimeUpdated,
	)
	return a, err
}

// CreateIndexAttempt inserts a NOT_STARTED attempt row.
func (q *Queries) CreateIndexAttempt(ctx context.Context, ccPairID, searchSettingsID int, fromBeginning bool) (IndexAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx,
		`INSERT INTO index_attempts (cc_pair_id, search_settings_id, status, from_beginning)
		 VALUES ($1, $2, 'NOT_STARTED', $3)
		 RETURNING `+attemptColumns,
		ccPairID, searchSettingsID, fromBeginning))
}

// GetIndexAttempt fetches an attempt by id.
func (q *Queries) GetIndexAttempt(ctx context.Context, id int) (IndexAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts WHERE id = $1`, id))
}

// GetLastAttempt returns the most recent attempt for a (pair, settings) unit,
// or (zero, false) when none exists.
func (q *Queries) GetLastAttempt(ctx context.Context, ccPairID, searchSettingsID int) (IndexAttempt, bool, error) {
	a, err := scanAttempt(q.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts
		 WHERE cc_pair_id = $1 AND search_settings_id = $2
		 ORDER BY time_created DESC LIMIT 1`,
		ccPairID, searchSettingsID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IndexAttempt{}, false, nil
		}
		return IndexAttempt{}, false, err
	}
	return a, true, nil
}

// GetPreviousAttempt returns the most recent attempt for the unit other
// than excludeID, or (zero, false) when none exists.
func (q *Queries) GetPreviousAttempt(ctx context.Context, ccPairID, searchSettingsID, excludeID int) (IndexAttempt, bool, error) {
	a, err := scanAttempt(q.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts
		 WHERE cc_pair_id = $1 AND search_settings_id = $2 AND id != $3
		 ORDER BY time_created DESC LIMIT 1`,
		ccPairID, searchSettingsID, excludeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IndexAttempt{}, false, nil
		}
		return IndexAttempt{}, false, err
	}
	return a, true, nil
}

// ListInProgressAttempts returns all attempts currently marked IN_PROGRESS.
func (q *Queries) ListInProgressAttempts(ctx context.Context) ([]IndexAttempt, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+attemptColumns+` FROM index_attempts WHERE status = 'IN_PROGRESS'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []IndexAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// MarkAttemptInProgress transitions NOT_STARTED → IN_PROGRESS. Returns an
// error if the attempt is not in NOT_STARTED (terminal states are immutable).
func (q *Queries) MarkAttemptInProgress(ctx context.Context, id int) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE index_attempts SET status = 'IN_PROGRESS', time_updated = now()
		 WHERE id = $1 AND status = 'NOT_STARTED'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index attempt %d is not in NOT_STARTED", id)
	}
	return nil
}

// SetAttemptPollRange records the time window the attempt will cover.
func (q *Queries) SetAttemptPollRange(ctx context.Context, id int, start, end time.Time) error {
	_, err := q.db.Exec(ctx,
		`UPDATE index_attempts SET poll_range_start = $2, poll_range_end = $3, time_updated = now()
		 WHERE id = $1`, id, start, end)
	return err
}

// SaveAttemptCheckpoint persists the connector's opaque checkpoint blob.
func (q *Queries) SaveAttemptCheckpoint(ctx context.Context, id int, blob string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE index_attempts SET checkpoint_blob = $2, time_updated = now() WHERE id = $1`,
		id, blob)
	return err
}

// UpdateAttemptProgress bumps the running document counters.
func (q *Queries) UpdateAttemptProgress(ctx context.Context, id, totalDocs, newDocs int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE index_attempts
		 SET total_docs_indexed = $2, new_docs_indexed = $3, time_updated = now()
		 WHERE id = $1`, id, totalDocs, newDocs)
	return err
}

// MarkAttemptTerminal transitions an attempt into a terminal status with an
// optional error message and trace. Terminal rows are never overwritten.
func (q *Queries) MarkAttemptTerminal(ctx context.Context, id int, status IndexAttemptStatus, errorMsg, trace string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	var msgParam, traceParam *string
	if errorMsg != "" {
		msgParam = &errorMsg
	}
	if trace != "" {
		traceParam = &trace
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE index_attempts
		 SET status = $2, error_msg = $3, full_exception_trace = $4, time_updated = now()
		 WHERE id = $1 AND status IN ('NOT_STARTED', 'IN_PROGRESS')`,
		id, status, msgParam, traceParam)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index attempt %d already terminal", id)
	}
	return nil
}

// DeleteOldCheckpoints clears checkpoint blobs on terminal attempts older
// than the retention cutoff and returns the number of rows cleaned.
func (q *Queries) DeleteOldCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE index_attempts SET checkpoint_blob = NULL
		 WHERE checkpoint_blob IS NOT NULL
		   AND status IN ('SUCCESS', 'PARTIAL_SUCCESS', 'FAILED', 'CANCELED')
		   AND time_updated < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
