package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// CreateConversation inserts a new conversation bound to a directory.
// Rejects with ErrArchived if the directory is archived.
func (s *Store) CreateConversation(ctx context.Context, c types.Conversation) (types.Conversation, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.RuntimeStatus == "" {
		c.RuntimeStatus = types.StatusRunning
		c.RuntimeStatusModel = types.StatusRunning
	}

	adapterState, err := json.Marshal(c.AdapterState)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("createConversation: marshal adapterState: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var archivedAt sql.NullInt64
		dirErr := tx.QueryRowContext(ctx, `SELECT archived_at FROM directories WHERE directory_id = ?`, c.DirectoryID).Scan(&archivedAt)
		if dirErr == sql.ErrNoRows {
			return fmt.Errorf("createConversation: %w", ErrNotFound)
		}
		if dirErr != nil {
			return wrapDBError("createConversation: lookup directory", dirErr)
		}
		if archivedAt.Valid {
			return fmt.Errorf("createConversation: %w", ErrArchived)
		}

		_, insErr := tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_id, tenant_id, user_id, workspace_id, directory_id, title, agent_type, adapter_state, runtime_status, runtime_status_model, runtime_live, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConversationID, c.TenantID, c.UserID, c.WorkspaceID, c.DirectoryID, c.Title, string(c.AgentType),
			string(adapterState), string(c.RuntimeStatus), string(c.RuntimeStatusModel), boolToInt(c.RuntimeLive), c.CreatedAt.UnixMilli())
		return wrapDBError("createConversation: insert", insErr)
	})
	if err != nil {
		return types.Conversation{}, err
	}

	s.emit(types.Event{Type: types.EventConversationUpdated, Scope: c.Scope, Payload: types.ObjectValue(map[string]types.Value{
		"conversationId": types.StringValue(c.ConversationID),
	})})
	return c, nil
}

// UpdateConversation overwrites title/adapterState for an existing, live
// conversation.
func (s *Store) UpdateConversation(ctx context.Context, conversationID, title string, adapterState types.Value) error {
	data, err := json.Marshal(adapterState)
	if err != nil {
		return fmt.Errorf("updateConversation: marshal adapterState: %w", err)
	}
	var scope types.Scope
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE conversations SET title = ?, adapter_state = ?
			WHERE conversation_id = ? AND archived_at IS NULL`,
			title, string(data), conversationID)
		if execErr != nil {
			return wrapDBError("updateConversation", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("updateConversation: %w", ErrNotFound)
		}
		return tx.QueryRowContext(ctx, `SELECT tenant_id, user_id, workspace_id FROM conversations WHERE conversation_id = ?`, conversationID).
			Scan(&scope.TenantID, &scope.UserID, &scope.WorkspaceID)
	})
	if err != nil {
		return err
	}
	s.emit(types.Event{Type: types.EventConversationUpdated, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"conversationId": types.StringValue(conversationID),
	})})
	return nil
}

// UpdateConversationRuntime overwrites runtime fields and is the only
// path that publishes a session-status event (spec.md §4.1). It keeps
// RuntimeStatus and RuntimeStatusModel in lockstep per the resolved
// open question in DESIGN.md.
func (s *Store) UpdateConversationRuntime(ctx context.Context, conversationID string, status types.RuntimeStatus, live bool, attentionReason string) error {
	var scope types.Scope
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE conversations SET runtime_status = ?, runtime_status_model = ?, runtime_live = ?
			WHERE conversation_id = ?`,
			string(status), string(status), boolToInt(live), conversationID)
		if execErr != nil {
			return wrapDBError("updateConversationRuntime", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("updateConversationRuntime: %w", ErrNotFound)
		}
		return tx.QueryRowContext(ctx, `SELECT tenant_id, user_id, workspace_id FROM conversations WHERE conversation_id = ?`, conversationID).
			Scan(&scope.TenantID, &scope.UserID, &scope.WorkspaceID)
	})
	if err != nil {
		return err
	}
	s.emit(types.Event{Type: types.EventSessionStatus, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"conversationId":  types.StringValue(conversationID),
		"status":          types.StringValue(string(status)),
		"live":            types.BoolValue(live),
		"attentionReason": types.StringValue(attentionReason),
	})})
	return nil
}

// ArchiveConversation is idempotent.
func (s *Store) ArchiveConversation(ctx context.Context, conversationID string) error {
	now := time.Now().UTC().UnixMilli()
	var scope types.Scope
	alreadyArchived := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var archivedAt sql.NullInt64
		lookErr := tx.QueryRowContext(ctx, `SELECT tenant_id, user_id, workspace_id, archived_at FROM conversations WHERE conversation_id = ?`, conversationID).
			Scan(&scope.TenantID, &scope.UserID, &scope.WorkspaceID, &archivedAt)
		if lookErr == sql.ErrNoRows {
			return fmt.Errorf("archiveConversation: %w", ErrNotFound)
		}
		if lookErr != nil {
			return wrapDBError("archiveConversation: lookup", lookErr)
		}
		if archivedAt.Valid {
			alreadyArchived = true
			return nil
		}
		_, execErr := tx.ExecContext(ctx, `UPDATE conversations SET archived_at = ? WHERE conversation_id = ?`, now, conversationID)
		return wrapDBError("archiveConversation: update", execErr)
	})
	if err != nil || alreadyArchived {
		return err
	}
	s.emit(types.Event{Type: types.EventConversationArchived, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"conversationId": types.StringValue(conversationID),
	})})
	return nil
}

// DeleteConversation removes the row permanently. Later operations on
// the id fail with ErrNotFound ("conversation-not-found").
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
		if execErr != nil {
			return wrapDBError("deleteConversation", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("deleteConversation: %w", ErrNotFound)
		}
		return nil
	})
	return err
}

// GetConversation returns a conversation by id, including archived ones.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	return s.scanConversation(ctx, s.readDB.QueryRowContext(ctx, `
		SELECT conversation_id, tenant_id, user_id, workspace_id, directory_id, title, agent_type,
		       adapter_state, runtime_status, runtime_status_model, runtime_live, created_at, archived_at
		FROM conversations WHERE conversation_id = ?`, conversationID))
}

// ListConversations returns conversations for a directory (or, if
// directoryID is empty, the whole filter scope), optionally including
// archived rows.
func (s *Store) ListConversations(ctx context.Context, filter types.Scope, directoryID string, includeArchived bool) ([]types.Conversation, error) {
	query := `SELECT conversation_id, tenant_id, user_id, workspace_id, directory_id, title, agent_type,
	                 adapter_state, runtime_status, runtime_status_model, runtime_live, created_at, archived_at
	          FROM conversations WHERE 1=1`
	var args []interface{}
	query, args = appendScopeFilter(query, args, filter)
	if directoryID != "" {
		query += " AND directory_id = ?"
		args = append(args, directoryID)
	}
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("listConversations", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		c, err := s.scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanConversation(ctx context.Context, row rowScanner) (types.Conversation, error) {
	return s.scanConversationRow(row)
}

func (s *Store) scanConversationRow(row rowScanner) (types.Conversation, error) {
	var c types.Conversation
	var agentType, runtimeStatus, runtimeStatusModel, adapterState string
	var runtimeLive int
	var createdAt int64
	var archivedAt sql.NullInt64

	err := row.Scan(&c.ConversationID, &c.TenantID, &c.UserID, &c.WorkspaceID, &c.DirectoryID, &c.Title,
		&agentType, &adapterState, &runtimeStatus, &runtimeStatusModel, &runtimeLive, &createdAt, &archivedAt)
	if err != nil {
		return types.Conversation{}, wrapDBError("scanConversation", err)
	}

	c.AgentType = types.AgentType(agentType)
	c.RuntimeStatus = types.RuntimeStatus(runtimeStatus)
	c.RuntimeStatusModel = types.RuntimeStatus(runtimeStatusModel)
	c.RuntimeLive = runtimeLive != 0
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64).UTC()
		c.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(adapterState), &c.AdapterState); err != nil {
		return types.Conversation{}, fmt.Errorf("scanConversation: unmarshal adapterState: %w", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
