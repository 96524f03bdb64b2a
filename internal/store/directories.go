package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// UpsertDirectory creates or updates a directory by id (spec.md §4.1).
// Rejects with ErrArchived if the row is already archived.
func (s *Store) UpsertDirectory(ctx context.Context, d types.Directory) (types.Directory, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var archivedAt sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT archived_at FROM directories WHERE directory_id = ?`, d.DirectoryID).Scan(&archivedAt)
		switch {
		case err == sql.ErrNoRows:
			// creating
		case err != nil:
			return wrapDBError("upsertDirectory: lookup", err)
		case archivedAt.Valid:
			return ErrArchived
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO directories (directory_id, tenant_id, user_id, workspace_id, path, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(directory_id) DO UPDATE SET path = excluded.path`,
			d.DirectoryID, d.TenantID, d.UserID, d.WorkspaceID, d.Path, d.CreatedAt.UnixMilli())
		return wrapDBError("upsertDirectory: write", err)
	})
	if err != nil {
		return types.Directory{}, err
	}

	s.emit(types.Event{Type: types.EventDirectoryUpserted, Scope: d.Scope, Payload: types.ObjectValue(map[string]types.Value{
		"directoryId": types.StringValue(d.DirectoryID),
	})})
	return d, nil
}

// ArchiveDirectory sets archivedAt and cascades: archives every live
// conversation under the directory, emitting conversation-archived per
// row. Idempotent: no-op (and no event) if already archived.
func (s *Store) ArchiveDirectory(ctx context.Context, directoryID string) error {
	now := time.Now().UTC().UnixMilli()
	var archivedConvIDs []string
	var scope types.Scope
	alreadyArchived := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var archivedAt sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT tenant_id, user_id, workspace_id, archived_at FROM directories WHERE directory_id = ?`, directoryID).
			Scan(&scope.TenantID, &scope.UserID, &scope.WorkspaceID, &archivedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return wrapDBError("archiveDirectory: lookup", err)
		}
		if archivedAt.Valid {
			alreadyArchived = true
			return nil // idempotent
		}

		if _, err := tx.ExecContext(ctx, `UPDATE directories SET archived_at = ? WHERE directory_id = ?`, now, directoryID); err != nil {
			return wrapDBError("archiveDirectory: update", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT conversation_id FROM conversations WHERE directory_id = ? AND archived_at IS NULL`, directoryID)
		if err != nil {
			return wrapDBError("archiveDirectory: list conversations", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return wrapDBError("archiveDirectory: scan conversation", err)
			}
			archivedConvIDs = append(archivedConvIDs, id)
		}
		if err := rows.Err(); err != nil {
			return wrapDBError("archiveDirectory: iterate conversations", err)
		}

		if len(archivedConvIDs) > 0 {
			stmt, err := tx.PrepareContext(ctx, `UPDATE conversations SET archived_at = ? WHERE conversation_id = ?`)
			if err != nil {
				return wrapDBError("archiveDirectory: prepare cascade", err)
			}
			defer stmt.Close()
			for _, id := range archivedConvIDs {
				if _, err := stmt.ExecContext(ctx, now, id); err != nil {
					return wrapDBError("archiveDirectory: cascade", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if alreadyArchived {
		return nil
	}

	s.emit(types.Event{Type: types.EventDirectoryArchived, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"directoryId": types.StringValue(directoryID),
	})})
	for _, id := range archivedConvIDs {
		s.emit(types.Event{Type: types.EventConversationArchived, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
			"conversationId": types.StringValue(id),
		})})
	}
	return nil
}

// GetDirectory returns a directory by id, including archived ones.
func (s *Store) GetDirectory(ctx context.Context, directoryID string) (types.Directory, error) {
	var d types.Directory
	var createdAt int64
	var archivedAt sql.NullInt64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT directory_id, tenant_id, user_id, workspace_id, path, created_at, archived_at
		FROM directories WHERE directory_id = ?`, directoryID).
		Scan(&d.DirectoryID, &d.TenantID, &d.UserID, &d.WorkspaceID, &d.Path, &createdAt, &archivedAt)
	if err != nil {
		return types.Directory{}, wrapDBError("getDirectory", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt).UTC()
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64).UTC()
		d.ArchivedAt = &t
	}
	return d, nil
}

// ListDirectories returns every directory in scope, optionally including
// archived rows.
func (s *Store) ListDirectories(ctx context.Context, filter types.Scope, includeArchived bool) ([]types.Directory, error) {
	query := `SELECT directory_id, tenant_id, user_id, workspace_id, path, created_at, archived_at FROM directories WHERE 1=1`
	var args []interface{}
	query, args = appendScopeFilter(query, args, filter)
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("listDirectories", err)
	}
	defer rows.Close()

	var out []types.Directory
	for rows.Next() {
		var d types.Directory
		var createdAt int64
		var archivedAt sql.NullInt64
		if err := rows.Scan(&d.DirectoryID, &d.TenantID, &d.UserID, &d.WorkspaceID, &d.Path, &createdAt, &archivedAt); err != nil {
			return nil, wrapDBError("listDirectories: scan", err)
		}
		d.CreatedAt = time.UnixMilli(createdAt).UTC()
		if archivedAt.Valid {
			t := time.UnixMilli(archivedAt.Int64).UTC()
			d.ArchivedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func appendScopeFilter(query string, args []interface{}, filter types.Scope) (string, []interface{}) {
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	return query, args
}
