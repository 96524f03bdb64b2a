package gitstatus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

type fakeSnapshotter struct {
	mu    sync.Mutex
	calls int
	snap  *DirectorySnapshot
}

func (f *fakeSnapshotter) ReadGitDirectorySnapshot(ctx context.Context, path string) (*DirectorySnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.snap, nil
}

type fakeLister struct {
	mu        sync.Mutex
	dirs      []types.Directory
	snapshots map[string]types.DirectoryGitSnapshot
	upserts   int
}

func newFakeLister(dirs []types.Directory) *fakeLister {
	return &fakeLister{dirs: dirs, snapshots: make(map[string]types.DirectoryGitSnapshot)}
}

func (l *fakeLister) ListLiveDirectories(ctx context.Context) ([]types.Directory, error) {
	return l.dirs, nil
}

func (l *fakeLister) UpsertDirectoryGitStatus(ctx context.Context, directoryID string, snapshot types.DirectoryGitSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[directoryID] = snapshot
	l.upserts++
	return nil
}

func (l *fakeLister) LastSnapshot(directoryID string) (types.DirectoryGitSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.snapshots[directoryID]
	return s, ok
}

func TestSweepDedupsIdenticalSnapshots(t *testing.T) {
	dirs := []types.Directory{{DirectoryID: "dir-1", Path: "/tmp/dir-1"}}
	lister := newFakeLister(dirs)
	snap := &fakeSnapshotter{snap: &DirectorySnapshot{Summary: types.GitSummary{Branch: "main"}}}

	p := New(Config{MinDirectoryRefreshMs: 1}, snap, lister, nil)

	p.sweep(context.Background())
	require.Equal(t, 1, lister.upserts)

	time.Sleep(5 * time.Millisecond)
	p.sweep(context.Background())
	require.Equal(t, 1, lister.upserts, "identical snapshot should not trigger a second upsert")
}

func TestSweepSkipsDirectoryWithinDebounceWindow(t *testing.T) {
	dirs := []types.Directory{{DirectoryID: "dir-1", Path: "/tmp/dir-1"}}
	lister := newFakeLister(dirs)
	snap := &fakeSnapshotter{snap: &DirectorySnapshot{Summary: types.GitSummary{Branch: "main"}}}

	p := New(Config{MinDirectoryRefreshMs: 10_000}, snap, lister, nil)

	p.sweep(context.Background())
	p.sweep(context.Background())

	snap.mu.Lock()
	defer snap.mu.Unlock()
	require.Equal(t, 1, snap.calls)
}
