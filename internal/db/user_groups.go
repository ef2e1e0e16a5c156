package db

import "context"

// ListOutdatedUserGroups returns user groups whose membership changed since
// the search index last saw them.
func (q *Queries) ListOutdatedUserGroups(ctx context.Context) ([]UserGroup, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, name, is_up_to_date FROM user_groups WHERE NOT is_up_to_date ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserGroup
	for rows.Next() {
		var g UserGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.IsUpToDate); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetUserGroup fetches one user group by id.
func (q *Queries) GetUserGroup(ctx context.Context, id int) (UserGroup, error) {
	var g UserGroup
	err := q.db.QueryRow(ctx,
		`SELECT id, name, is_up_to_date FROM user_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.IsUpToDate)
	return g, err
}

// ListDocumentIDsForUserGroup enumerates documents whose access entry carries
// the group, via the group's member ccpairs.
func (q *Queries) ListDocumentIDsForUserGroup(ctx context.Context, userGroupID int) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT DISTINCT dc.document_id
		 FROM user_group_cc_pairs ugc
		 JOIN document_by_cc_pair dc ON dc.cc_pair_id = ugc.cc_pair_id
		 WHERE ugc.user_group_id = $1`, userGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ListGroupNamesForDocument returns the user-group names attached to a
// document for the access payload.
func (q *Queries) ListGroupNamesForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT DISTINCT ug.name
		 FROM user_groups ug
		 JOIN user_group_cc_pairs ugc ON ugc.user_group_id = ug.id
		 JOIN document_by_cc_pair dc ON dc.cc_pair_id = ugc.cc_pair_id
		 WHERE dc.document_id = $1
		 ORDER BY ug.name`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// MarkUserGroupUpToDate records that the search index reflects the group.
func (q *Queries) MarkUserGroupUpToDate(ctx context.Context, id int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE user_groups SET is_up_to_date = true WHERE id = $1`, id)
	return err
}

// DeleteUserGroup removes a group row and its ccpair links.
func (q *Queries) DeleteUserGroup(ctx context.Context, id int) error {
	if _, err := q.db.Exec(ctx,
		`DELETE FROM user_group_cc_pairs WHERE user_group_id = $1`, id); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `DELETE FROM user_groups WHERE id = $1`, id)
	return err
}
