package ptysession

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Write/Resize once Close has been called.
var ErrClosed = fmt.Errorf("ptysession: handle closed")

// execFactory spawns sessions as real PTY-attached child processes. No
// PTY-allocation library exists anywhere in the corpus (no creack/pty or
// equivalent); this opens /dev/ptmx and drives the standard Linux
// grantpt/unlockpt/ptsname ioctls directly via golang.org/x/sys/unix,
// which is already part of the dependency graph (pulled in transitively
// by viper/term). See DESIGN.md.
type execFactory struct{}

// NewExecFactory returns a Factory that spawns real OS processes attached
// to a freshly allocated pseudo-terminal.
func NewExecFactory() Factory {
	return execFactory{}
}

func (execFactory) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("ptysession: open pty: %w", err)
	}

	if opts.Cols > 0 && opts.Rows > 0 {
		if err := setWinsize(master, opts.Cols, opts.Rows); err != nil {
			master.Close()
			return nil, fmt.Errorf("ptysession: set initial winsize: %w", err)
		}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("ptysession: open slave %s: %w", slavePath, err)
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("ptysession: start %s: %w", opts.Command, err)
	}
	slave.Close() // parent keeps only the master end open

	h := &execHandle{
		cmd:      cmd,
		master:   master,
		cols:     opts.Cols,
		rows:     opts.Rows,
		output:   make(chan []byte, 256),
		doneCh:   make(chan struct{}),
		exitCode: -1,
	}
	go h.readLoop()
	go h.waitLoop()
	return h, nil
}

// openPTY opens /dev/ptmx, unlocks the slave side, and returns the master
// file plus the slave device path.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", err
	}

	if err := unix.IoctlSetInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlockpt: %w", err)
	}

	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("ptsname: %w", err)
	}

	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

func setWinsize(f *os.File, cols, rows int) error {
	ws := &unix.Winsize{Row: uint16(rows), Col: uint16(cols)}
	return unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, ws)
}

// execHandle implements Handle over a real child process attached to a
// PTY master fd.
type execHandle struct {
	cmd    *exec.Cmd
	master *os.File

	mu       sync.Mutex
	cols     int
	rows     int
	closed   bool
	recent   bytes.Buffer // bounded tail used for best-effort Snapshot
	exitCode int
	exitSig  string

	output chan []byte
	doneCh chan struct{}
}

// recentCap bounds the tail buffer Snapshot renders from. There is no
// ANSI/terminal-emulation library anywhere in the corpus, so Snapshot is
// a best-effort "last N bytes, split into lines" view rather than a
// cursor-accurate render (see DESIGN.md).
const recentCap = 64 * 1024

func (h *execHandle) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			h.mu.Lock()
			h.recent.Write(chunk)
			if h.recent.Len() > recentCap {
				trimmed := h.recent.Bytes()[h.recent.Len()-recentCap:]
				h.recent = *bytes.NewBuffer(append([]byte(nil), trimmed...))
			}
			h.mu.Unlock()

			select {
			case h.output <- chunk:
			case <-h.doneCh:
				return
			}
		}
		if err != nil {
			close(h.output)
			return
		}
	}
}

func (h *execHandle) waitLoop() {
	err := h.cmd.Wait()
	h.mu.Lock()
	switch e := err.(type) {
	case nil:
		h.exitCode = 0
	case *exec.ExitError:
		if status, ok := e.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				h.exitCode = -1
				h.exitSig = status.Signal().String()
			} else {
				h.exitCode = status.ExitStatus()
			}
		} else {
			h.exitCode = -1
		}
	default:
		h.exitCode = -1
	}
	h.mu.Unlock()
	h.master.Close()
	close(h.doneCh)
}

func (h *execHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return h.master.Write(p)
}

func (h *execHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return setWinsize(h.master, cols, rows)
}

func (h *execHandle) Signal(kind SignalKind) error {
	switch kind {
	case SignalInterrupt:
		return h.cmd.Process.Signal(syscall.SIGINT)
	case SignalTerminate:
		return h.cmd.Process.Signal(syscall.SIGTERM)
	case SignalEOF:
		_, err := h.master.Write([]byte{0x04})
		return err
	default:
		return fmt.Errorf("ptysession: unknown signal kind %q", kind)
	}
}

// Snapshot renders the retained output tail as lines. It is a best-effort
// approximation, not a cursor-accurate terminal render (see DESIGN.md):
// cursor position is reported at the end of the last line.
func (h *execHandle) Snapshot() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := bytes.Split(h.recent.Bytes(), []byte("\n"))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	cursorRow := len(out) - 1
	cursorCol := 0
	if cursorRow >= 0 {
		cursorCol = len(out[cursorRow])
	}
	return Snapshot{
		Cols:      h.cols,
		Rows:      h.rows,
		Lines:     out,
		CursorRow: cursorRow,
		CursorCol: cursorCol,
	}, true
}

func (h *execHandle) Output() <-chan []byte { return h.output }
func (h *execHandle) Done() <-chan struct{} { return h.doneCh }

func (h *execHandle) ExitCode() (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitSig
}

func (h *execHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	<-h.doneCh
	return nil
}
