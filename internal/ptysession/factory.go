// Package ptysession wraps the child PTY process library (an external
// collaborator, per spec.md §1) behind a narrow Factory/Handle interface,
// and owns the per-session backlog ring and attach fan-out (spec.md §4.2)
// — the hot path every pty.output chunk travels.
package ptysession

import "context"

// StartOptions configures a new PTY-backed session.
type StartOptions struct {
	Command string
	Args    []string
	Env     []string
	Cols    int
	Rows    int
}

// Snapshot is the last known terminal contents for a session, used by
// session.snapshot.
type Snapshot struct {
	Cols, Rows int
	Lines      []string
	CursorRow  int
	CursorCol  int
}

// Factory produces live sessions. Generalizes the teacher's pluggable
// coop.SessionBackend (ResolveBackend / CoopSessionBackend / tmux
// fallback) to this gateway's PTY abstraction.
type Factory interface {
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Handle is a live PTY-backed process. Every method besides Write/Resize
// is safe to call after the process has exited; Write/Resize return
// ErrClosed once Close has been observed.
type Handle interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Signal(kind SignalKind) error
	Snapshot() (Snapshot, bool)
	// Output returns a channel of raw output chunks. The channel is
	// closed once reading from the process ends; ExitCode's result is
	// valid once Done is closed.
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() (code int, signal string)
	Close() error
}

// SignalKind enumerates the signals session.interrupt, pty.close and
// pty.signal may send to the child process (spec.md §6.1's pty.signal kinds).
type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalTerminate SignalKind = "terminate"
	SignalEOF       SignalKind = "eof"
)
