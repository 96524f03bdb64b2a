package ptysession

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// attachBufferSize bounds each attachment's pending-frame queue. Mirrors
// internal/rpc/server_events.go's watcherBufferSize=64 drop-on-overflow
// discipline.
const attachBufferSize = 64

// Adapter wraps a live ptysession.Handle: it owns the backlog ring and
// fans every output chunk out to attached connections, in attach order,
// without ever blocking on a slow subscriber (spec.md §4.2, §5).
type Adapter struct {
	handle Handle
	ring   *backlogRing

	mu          sync.Mutex
	order       []string
	attachments map[string]chan OutputFrame
	closed      bool
	doneCh      chan struct{}
}

// NewAdapter starts the producer loop that drains handle.Output() into
// the backlog ring and fans it out to attachments.
func NewAdapter(handle Handle, backlogSize int) *Adapter {
	a := &Adapter{
		handle:      handle,
		ring:        newBacklogRing(backlogSize),
		attachments: make(map[string]chan OutputFrame),
		doneCh:      make(chan struct{}),
	}
	go a.pump()
	return a
}

func (a *Adapter) pump() {
	defer close(a.doneCh)
	for chunk := range a.handle.Output() {
		frame := a.ring.append(chunk)
		a.fanOut(frame)
	}
}

// fanOut delivers frame to every attachment in attach order. A full
// attachment buffer is dropped, never blocked on — the adapter never
// waits on subscribers (spec.md §5).
func (a *Adapter) fanOut(frame OutputFrame) {
	a.mu.Lock()
	order := append([]string(nil), a.order...)
	a.mu.Unlock()

	for _, id := range order {
		a.mu.Lock()
		ch, ok := a.attachments[id]
		a.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- frame:
		default:
			// slow consumer: drop this frame rather than block the PTY.
		}
	}
}

// Attach registers a new attachment and returns its output channel plus
// the replayed backlog strictly after sinceCursor, plus the latestCursor
// observed at attach time (spec.md §4.2).
func (a *Adapter) Attach(sinceCursor int64) (attachmentID string, ch <-chan OutputFrame, backlog []OutputFrame, latestCursor int64) {
	backlog, latestCursor = a.ring.since(sinceCursor)

	attachmentID = uuid.NewString()
	buffered := make(chan OutputFrame, attachBufferSize)

	a.mu.Lock()
	a.attachments[attachmentID] = buffered
	a.order = append(a.order, attachmentID)
	a.mu.Unlock()

	return attachmentID, buffered, backlog, latestCursor
}

// Detach is idempotent.
func (a *Adapter) Detach(attachmentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.attachments[attachmentID]
	if !ok {
		return
	}
	delete(a.attachments, attachmentID)
	for i, id := range a.order {
		if id == attachmentID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	close(ch)
}

func (a *Adapter) LatestCursor() int64 { return a.ring.latestCursor() }

func (a *Adapter) Write(p []byte) (int, error)         { return a.handle.Write(p) }
func (a *Adapter) Resize(cols, rows int) error         { return a.handle.Resize(cols, rows) }
func (a *Adapter) Signal(kind SignalKind) error        { return a.handle.Signal(kind) }
func (a *Adapter) Snapshot() (Snapshot, bool)          { return a.handle.Snapshot() }
func (a *Adapter) Done() <-chan struct{}               { return a.handle.Done() }
func (a *Adapter) ExitCode() (int, string)             { return a.handle.ExitCode() }

// Close closes the underlying handle and every attachment channel.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ids := append([]string(nil), a.order...)
	a.mu.Unlock()

	for _, id := range ids {
		a.Detach(id)
	}

	if err := a.handle.Close(); err != nil {
		return fmt.Errorf("ptysession: close handle: %w", err)
	}
	return nil
}
