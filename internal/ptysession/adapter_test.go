package ptysession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	out      chan []byte
	done     chan struct{}
	wrote    [][]byte
	exitCode int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{out: make(chan []byte, 8), done: make(chan struct{})}
}

func (f *fakeHandle) Write(p []byte) (int, error) { f.wrote = append(f.wrote, p); return len(p), nil }
func (f *fakeHandle) Resize(cols, rows int) error { return nil }
func (f *fakeHandle) Signal(kind SignalKind) error { return nil }
func (f *fakeHandle) Snapshot() (Snapshot, bool)   { return Snapshot{}, false }
func (f *fakeHandle) Output() <-chan []byte        { return f.out }
func (f *fakeHandle) Done() <-chan struct{}        { return f.done }
func (f *fakeHandle) ExitCode() (int, string)      { return f.exitCode, "" }
func (f *fakeHandle) Close() error                 { close(f.done); return nil }

func TestAttachReplaysBacklogStrictlyAfterCursor(t *testing.T) {
	h := newFakeHandle()
	a := NewAdapter(h, 64)

	h.out <- []byte("warmup-1")
	h.out <- []byte("warmup-2")
	time.Sleep(20 * time.Millisecond) // let the pump goroutine drain

	_, ch, backlog, latest := a.Attach(1)
	require.Equal(t, int64(2), latest)
	require.Len(t, backlog, 1)
	require.Equal(t, int64(2), backlog[0].Cursor)
	require.Equal(t, "warmup-2", string(backlog[0].Data))

	h.out <- []byte("live-3")
	select {
	case frame := <-ch:
		require.Equal(t, int64(3), frame.Cursor)
		require.Equal(t, "live-3", string(frame.Data))
	case <-time.After(time.Second):
		t.Fatal("expected live frame to be delivered to the attachment")
	}
}

func TestSlowAttachmentDropsRatherThanBlocks(t *testing.T) {
	h := newFakeHandle()
	a := NewAdapter(h, 64)

	_, ch, _, _ := a.Attach(0)
	_ = ch // never drained

	for i := 0; i < attachBufferSize+10; i++ {
		h.out <- []byte("x")
	}
	time.Sleep(50 * time.Millisecond)

	// The producer must not have blocked: latestCursor should have
	// advanced past the attachment's buffer size.
	require.Equal(t, int64(attachBufferSize+10), a.LatestCursor())
}
