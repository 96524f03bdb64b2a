package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoyers/harness/internal/types"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []types.Event
}

func (r *recordingSink) Publish(e types.Event) { r.events = append(r.events, e) }

func newTestStore(t *testing.T) (*Store, *recordingSink) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "control-plane.sqlite")
	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sink := &recordingSink{}
	s.SetEventSink(sink)
	return s, sink
}

func TestUpsertAndArchiveDirectoryCascades(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestStore(t)

	_, err := s.UpsertDirectory(ctx, types.Directory{DirectoryID: "d1", Path: "/repo"})
	require.NoError(t, err)

	_, err = s.CreateConversation(ctx, types.Conversation{ConversationID: "c1", DirectoryID: "d1", AgentType: types.AgentTerminal})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, types.Conversation{ConversationID: "c2", DirectoryID: "d1", AgentType: types.AgentCodex})
	require.NoError(t, err)

	sink.events = nil // only count events from the archive itself
	require.NoError(t, s.ArchiveDirectory(ctx, "d1"))

	require.Len(t, sink.events, 3)
	require.Equal(t, types.EventDirectoryArchived, sink.events[0].Type)
	require.Equal(t, types.EventConversationArchived, sink.events[1].Type)
	require.Equal(t, types.EventConversationArchived, sink.events[2].Type)

	convs, err := s.ListConversations(ctx, types.Scope{}, "d1", true)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	for _, c := range convs {
		require.NotNil(t, c.ArchivedAt)
	}

	live, err := s.ListConversations(ctx, types.Scope{}, "d1", false)
	require.NoError(t, err)
	require.Empty(t, live)

	// Idempotent: archiving again emits nothing further.
	sink.events = nil
	require.NoError(t, s.ArchiveDirectory(ctx, "d1"))
	require.Empty(t, sink.events)

	_, err = s.CreateConversation(ctx, types.Conversation{ConversationID: "c3", DirectoryID: "d1", AgentType: types.AgentTerminal})
	require.ErrorIs(t, err, ErrArchived)
}

func TestTaskLifecycleAndClaimInvariant(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.UpsertRepository(ctx, types.Repository{RepositoryID: "r1", Name: "repo"})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, types.Task{TaskID: "t1", RepositoryID: "r1", Title: "do thing"})
	require.NoError(t, err)

	require.NoError(t, s.ReadyTask(ctx, "t1"))
	require.NoError(t, s.ClaimTask(ctx, "t1", "ctrl-1", "d1", "feature/x", "main"))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskInProgress, task.Status)
	require.True(t, task.IsClaimed())

	require.NoError(t, s.CompleteTask(ctx, "t1"))
	task, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, task.Status)
	require.False(t, task.IsClaimed())
}

func TestReorderTasksRejectsPartialSet(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestStore(t)

	_, err := s.UpsertRepository(ctx, types.Repository{RepositoryID: "r1", Name: "repo"})
	require.NoError(t, err)
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := s.CreateTask(ctx, types.Task{TaskID: id, RepositoryID: "r1"})
		require.NoError(t, err)
	}

	_, err = s.ReorderTasks(ctx, "r1", []string{"t1", "t2"})
	require.ErrorIs(t, err, ErrConflict)

	sink.events = nil
	reordered, err := s.ReorderTasks(ctx, "r1", []string{"t3", "t1", "t2"})
	require.NoError(t, err)
	require.Equal(t, []string{"t3", "t1", "t2"}, []string{reordered[0].TaskID, reordered[1].TaskID, reordered[2].TaskID})
	require.Equal(t, 0, reordered[0].OrderIndex)
	require.Equal(t, 2, reordered[2].OrderIndex)

	require.Len(t, sink.events, 1)
	require.Equal(t, types.EventTaskReordered, sink.events[0].Type)
}

func TestGitSnapshotEquality(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestStore(t)

	_, err := s.UpsertDirectory(ctx, types.Directory{DirectoryID: "d1", Path: "/repo"})
	require.NoError(t, err)

	snap := types.DirectoryGitSnapshot{DirectoryID: "d1", Summary: types.GitSummary{Branch: "main", ChangedFiles: 1}}
	sink.events = nil
	require.NoError(t, s.UpsertDirectoryGitStatus(ctx, snap))
	require.Len(t, sink.events, 1)

	statuses, err := s.ListDirectoryGitStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.True(t, statuses[0].Equal(snap))
}
