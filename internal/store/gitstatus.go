package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// ListDirectoryGitStatuses returns the cached snapshot for every
// directory that has one.
func (s *Store) ListDirectoryGitStatuses(ctx context.Context) ([]types.DirectoryGitSnapshot, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT directory_id, branch, changed_files, additions, deletions,
		       normalized_remote, commit_count, last_commit_at, short_commit_hash, inferred_name, default_branch, observed_at
		FROM directory_git_snapshots`)
	if err != nil {
		return nil, wrapDBError("listDirectoryGitStatuses", err)
	}
	defer rows.Close()

	var out []types.DirectoryGitSnapshot
	for rows.Next() {
		snap, err := scanGitSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// UpsertDirectoryGitStatus appends or replaces the cached snapshot for a
// directory, keyed by directoryId. Callers (internal/gitstatus) are
// expected to have already deduped via DirectoryGitSnapshot.Equal before
// calling this; it always writes and always emits.
func (s *Store) UpsertDirectoryGitStatus(ctx context.Context, snap types.DirectoryGitSnapshot) error {
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now().UTC()
	}
	var scope types.Scope
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if lookErr := tx.QueryRowContext(ctx, `SELECT tenant_id, user_id, workspace_id FROM directories WHERE directory_id = ?`, snap.DirectoryID).
			Scan(&scope.TenantID, &scope.UserID, &scope.WorkspaceID); lookErr != nil {
			return wrapDBError("upsertDirectoryGitStatus: lookup directory", lookErr)
		}

		var lastCommitAt sql.NullInt64
		if snap.Repository.LastCommitAt != nil {
			lastCommitAt = sql.NullInt64{Int64: snap.Repository.LastCommitAt.UnixMilli(), Valid: true}
		}

		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO directory_git_snapshots
				(directory_id, branch, changed_files, additions, deletions, normalized_remote, commit_count, last_commit_at, short_commit_hash, inferred_name, default_branch, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(directory_id) DO UPDATE SET
				branch = excluded.branch, changed_files = excluded.changed_files, additions = excluded.additions,
				deletions = excluded.deletions, normalized_remote = excluded.normalized_remote, commit_count = excluded.commit_count,
				last_commit_at = excluded.last_commit_at, short_commit_hash = excluded.short_commit_hash,
				inferred_name = excluded.inferred_name, default_branch = excluded.default_branch, observed_at = excluded.observed_at`,
			snap.DirectoryID, snap.Summary.Branch, snap.Summary.ChangedFiles, snap.Summary.Additions, snap.Summary.Deletions,
			snap.Repository.NormalizedRemoteURL, snap.Repository.CommitCount, lastCommitAt, snap.Repository.ShortCommitHash,
			snap.Repository.InferredName, snap.Repository.DefaultBranch, snap.ObservedAt.UnixMilli())
		return wrapDBError("upsertDirectoryGitStatus: write", execErr)
	})
	if err != nil {
		return err
	}

	s.emit(types.Event{Type: types.EventDirectoryGitUpdated, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"directoryId": types.StringValue(snap.DirectoryID),
	})})
	return nil
}

func scanGitSnapshot(row rowScanner) (types.DirectoryGitSnapshot, error) {
	var snap types.DirectoryGitSnapshot
	var lastCommitAt sql.NullInt64
	var observedAt int64
	err := row.Scan(&snap.DirectoryID, &snap.Summary.Branch, &snap.Summary.ChangedFiles, &snap.Summary.Additions, &snap.Summary.Deletions,
		&snap.Repository.NormalizedRemoteURL, &snap.Repository.CommitCount, &lastCommitAt, &snap.Repository.ShortCommitHash,
		&snap.Repository.InferredName, &snap.Repository.DefaultBranch, &observedAt)
	if err != nil {
		return types.DirectoryGitSnapshot{}, wrapDBError("scanGitSnapshot", err)
	}
	snap.ObservedAt = time.UnixMilli(observedAt).UTC()
	if lastCommitAt.Valid {
		t := time.UnixMilli(lastCommitAt.Int64).UTC()
		snap.Repository.LastCommitAt = &t
	}
	return snap, nil
}
