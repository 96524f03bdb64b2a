package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/ptysession"
	"github.com/jmoyers/harness/internal/types"
)

type fakeHandle struct {
	out  chan []byte
	done chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{out: make(chan []byte, 8), done: make(chan struct{})}
}

func (f *fakeHandle) Write(p []byte) (int, error)          { return len(p), nil }
func (f *fakeHandle) Resize(cols, rows int) error          { return nil }
func (f *fakeHandle) Signal(kind ptysession.SignalKind) error { return nil }
func (f *fakeHandle) Snapshot() (ptysession.Snapshot, bool) { return ptysession.Snapshot{}, false }
func (f *fakeHandle) Output() <-chan []byte                { return f.out }
func (f *fakeHandle) Done() <-chan struct{}                { return f.done }
func (f *fakeHandle) ExitCode() (int, string)              { return 0, "" }
func (f *fakeHandle) Close() error                         { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (ff *fakeFactory) Start(ctx context.Context, opts ptysession.StartOptions) (ptysession.Handle, error) {
	h := newFakeHandle()
	ff.mu.Lock()
	ff.handles = append(ff.handles, h)
	ff.mu.Unlock()
	return h, nil
}

type recordingUpdater struct {
	mu      sync.Mutex
	updates []string
}

func (r *recordingUpdater) UpdateConversationRuntime(ctx context.Context, conversationID string, status types.RuntimeStatus, live bool, attentionReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, conversationID+":"+string(status))
	return nil
}

func TestClaimEnforcesSingleController(t *testing.T) {
	ff := &fakeFactory{}
	upd := &recordingUpdater{}
	reg := New(Config{Factory: ff, Store: upd})

	ctx := context.Background()
	state, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}, ptysession.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, "sess-1", state.ID)

	require.NoError(t, reg.Claim("sess-1", Controller{ConnectionID: "conn-a", Type: "human", ID: "alice"}, false))

	err = reg.Claim("sess-1", Controller{ConnectionID: "conn-b", Type: "human", ID: "bob"}, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "claimed by human:alice")

	require.NoError(t, reg.Claim("sess-1", Controller{ConnectionID: "conn-b", Type: "human", ID: "bob"}, true))
	require.NoError(t, reg.CheckController("sess-1", "conn-b"))
	require.Error(t, reg.CheckController("sess-1", "conn-a"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ff := &fakeFactory{}
	reg := New(Config{Factory: ff})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	released, err := reg.Release("sess-1", "conn-a")
	require.NoError(t, err)
	require.False(t, released)

	require.NoError(t, reg.Claim("sess-1", Controller{ConnectionID: "conn-a", Type: "human", ID: "alice"}, false))
	released, err = reg.Release("sess-1", "conn-a")
	require.NoError(t, err)
	require.True(t, released)

	released, err = reg.Release("sess-1", "conn-a")
	require.NoError(t, err)
	require.False(t, released)
}

func TestExitArmsZeroTombstoneImmediately(t *testing.T) {
	ff := &fakeFactory{}
	upd := &recordingUpdater{}
	reg := New(Config{Factory: ff, Store: upd})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	ff.mu.Lock()
	h := ff.handles[0]
	ff.mu.Unlock()
	close(h.done)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("sess-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestExitTombstoneCancelledByRestart(t *testing.T) {
	ff := &fakeFactory{}
	reg := New(Config{Factory: ff, SessionExitTombstoneTTL: time.Hour})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	ff.mu.Lock()
	h := ff.handles[0]
	ff.mu.Unlock()
	close(h.done)

	require.Eventually(t, func() bool {
		st, ok := reg.Get("sess-1")
		return ok && !st.IsLive()
	}, time.Second, 5*time.Millisecond)

	_, err = reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	st, ok := reg.Get("sess-1")
	require.True(t, ok)
	require.True(t, st.IsLive())
}

func TestStartRejectsLiveDuplicate(t *testing.T) {
	ff := &fakeFactory{}
	reg := New(Config{Factory: ff})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	_, err = reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestApplyTelemetryStatusTransitions(t *testing.T) {
	ff := &fakeFactory{}
	upd := &recordingUpdater{}
	reg := New(Config{Factory: ff, Store: upd})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	require.NoError(t, reg.ApplyTelemetryStatus(ctx, "sess-1", types.StatusNeedsInput, "awaiting approval"))
	st, _ := reg.Get("sess-1")
	status, _ := st.Status()
	require.Equal(t, types.StatusNeedsInput, status)

	require.NoError(t, reg.NotifyUserInput(ctx, "sess-1"))
	status, _ = st.Status()
	require.Equal(t, types.StatusRunning, status)
}

func TestStatusHookFiresOnNeedsInput(t *testing.T) {
	ff := &fakeFactory{}
	var mu sync.Mutex
	var seen []types.RuntimeStatus
	reg := New(Config{
		Factory: ff,
		StatusHook: func(sessionID string, status types.RuntimeStatus, reason string) {
			mu.Lock()
			seen = append(seen, status)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.ApplyTelemetryStatus(ctx, "sess-1", types.StatusNeedsInput, "awaiting approval"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.RuntimeStatus{types.StatusNeedsInput}, seen)
}

func TestExitHookFiresAfterProcessExit(t *testing.T) {
	ff := &fakeFactory{}
	done := make(chan string, 1)
	reg := New(Config{
		Factory: ff,
		ExitHook: func(state *SessionState) {
			done <- state.ID
		},
	})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	ff.mu.Lock()
	h := ff.handles[0]
	ff.mu.Unlock()
	close(h.done)

	select {
	case id := <-done:
		require.Equal(t, "sess-1", id)
	case <-time.After(time.Second):
		t.Fatal("exit hook did not fire")
	}
}

func TestInfoAndTerminalSnapshot(t *testing.T) {
	ff := &fakeFactory{}
	reg := New(Config{Factory: ff})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	st, ok := reg.Get("sess-1")
	require.True(t, ok)
	info := st.Info()
	require.Equal(t, "sess-1", info.ID)
	require.Equal(t, "dir-1", info.DirectoryID)
	require.True(t, info.Live)
	require.Equal(t, types.StatusRunning, info.Status)

	_, ok = reg.TerminalSnapshot("sess-1")
	require.False(t, ok, "fakeHandle.Snapshot reports unavailable")

	_, ok = reg.TerminalSnapshot("no-such-session")
	require.False(t, ok)
}

func TestRemoveRejectsLiveSessionAndDropsTombstone(t *testing.T) {
	ff := &fakeFactory{}
	reg := New(Config{Factory: ff, SessionExitTombstoneTTL: time.Minute})

	ctx := context.Background()
	_, err := reg.Start(ctx, "sess-1", "dir-1", types.Scope{}, ptysession.StartOptions{})
	require.NoError(t, err)

	err = reg.Remove("sess-1")
	require.Error(t, err, "still live, must not be removable")

	ff.mu.Lock()
	h := ff.handles[0]
	ff.mu.Unlock()
	close(h.done)

	require.Eventually(t, func() bool {
		st, ok := reg.Get("sess-1")
		return ok && !st.IsLive()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Remove("sess-1"))
	_, ok := reg.Get("sess-1")
	require.False(t, ok)

	require.ErrorIs(t, reg.Remove("sess-1"), ErrNoSuchSession)
}
