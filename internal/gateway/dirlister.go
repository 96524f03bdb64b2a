package gateway

import (
	"context"
	"sync"

	"github.com/jmoyers/harness/internal/store"
	"github.com/jmoyers/harness/internal/types"
)

// storeDirLister implements gitstatus.DirectoryLister over *store.Store,
// caching the last-written snapshot per directory in memory so the
// poller's dedup check (spec.md §4.6) doesn't need a read-before-write
// round trip to SQLite on every tick.
type storeDirLister struct {
	st *store.Store

	mu   sync.RWMutex
	last map[string]types.DirectoryGitSnapshot
}

func newStoreDirLister(st *store.Store) (*storeDirLister, error) {
	l := &storeDirLister{st: st, last: make(map[string]types.DirectoryGitSnapshot)}
	snaps, err := st.ListDirectoryGitStatuses(context.Background())
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		l.last[s.DirectoryID] = s
	}
	return l, nil
}

func (l *storeDirLister) ListLiveDirectories(ctx context.Context) ([]types.Directory, error) {
	return l.st.ListDirectories(ctx, types.Scope{}, false)
}

func (l *storeDirLister) UpsertDirectoryGitStatus(ctx context.Context, directoryID string, snapshot types.DirectoryGitSnapshot) error {
	if err := l.st.UpsertDirectoryGitStatus(ctx, snapshot); err != nil {
		return err
	}
	l.mu.Lock()
	l.last[directoryID] = snapshot
	l.mu.Unlock()
	return nil
}

func (l *storeDirLister) LastSnapshot(directoryID string) (types.DirectoryGitSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.last[directoryID]
	return s, ok
}
