package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// UpsertRepository creates or updates a repository by id. Unlike
// UpsertDirectory it does not reject archived rows and emits no event.
func (s *Store) UpsertRepository(ctx context.Context, r types.Repository) (types.Repository, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return types.Repository{}, fmt.Errorf("upsertRepository: marshal metadata: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO repositories (repository_id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repository_id) DO UPDATE SET
				name = excluded.name, remote_url = excluded.remote_url,
				default_branch = excluded.default_branch, metadata = excluded.metadata`,
			r.RepositoryID, r.TenantID, r.UserID, r.WorkspaceID, r.Name, r.RemoteURL, r.DefaultBranch,
			string(metadata), r.CreatedAt.UnixMilli())
		return wrapDBError("upsertRepository", execErr)
	})
	if err != nil {
		return types.Repository{}, err
	}
	return r, nil
}

// ArchiveRepository is idempotent, mirroring ArchiveDirectory.
func (s *Store) ArchiveRepository(ctx context.Context, repositoryID string) error {
	now := time.Now().UTC().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE repositories SET archived_at = ? WHERE repository_id = ? AND archived_at IS NULL`, now, repositoryID)
		if err != nil {
			return wrapDBError("archiveRepository", err)
		}
		_, _ = res.RowsAffected() // idempotent: 0 rows affected is not an error
		return nil
	})
}

// GetRepository returns a repository by id, including archived ones.
func (s *Store) GetRepository(ctx context.Context, repositoryID string) (types.Repository, error) {
	var r types.Repository
	var metadata string
	var createdAt int64
	var archivedAt sql.NullInt64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT repository_id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories WHERE repository_id = ?`, repositoryID).
		Scan(&r.RepositoryID, &r.TenantID, &r.UserID, &r.WorkspaceID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &metadata, &createdAt, &archivedAt)
	if err != nil {
		return types.Repository{}, wrapDBError("getRepository", err)
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64).UTC()
		r.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return types.Repository{}, fmt.Errorf("getRepository: unmarshal metadata: %w", err)
	}
	return r, nil
}

// ListRepositories returns repositories in scope.
func (s *Store) ListRepositories(ctx context.Context, filter types.Scope, includeArchived bool) ([]types.Repository, error) {
	query := `SELECT repository_id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, created_at, archived_at FROM repositories WHERE 1=1`
	var args []interface{}
	query, args = appendScopeFilter(query, args, filter)
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("listRepositories", err)
	}
	defer rows.Close()

	var out []types.Repository
	for rows.Next() {
		var r types.Repository
		var metadata string
		var createdAt int64
		var archivedAt sql.NullInt64
		if err := rows.Scan(&r.RepositoryID, &r.TenantID, &r.UserID, &r.WorkspaceID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &metadata, &createdAt, &archivedAt); err != nil {
			return nil, wrapDBError("listRepositories: scan", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		if archivedAt.Valid {
			t := time.UnixMilli(archivedAt.Int64).UTC()
			r.ArchivedAt = &t
		}
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("listRepositories: unmarshal metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
