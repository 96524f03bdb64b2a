package wire

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// defaultMaxBufferedBytes is maxConnectionBufferedBytes (spec.md §5):
// once a connection's pending outbound queue exceeds this, the
// connection is destroyed rather than allowed to block the gateway.
const defaultMaxBufferedBytes = 4 << 20 // 4 MiB

// Conn wraps one accepted control-plane connection: a blocking Reader
// side read directly by the dispatch loop, and a serialized, bounded
// Writer side fed by Send from any goroutine (command results, pty
// output fan-out, bus delivery all write concurrently).
//
// Grounded on internal/rpc/server.go's handleConnection (bufio reader/
// writer, read/write deadlines) generalized with a send queue so slow
// readers cannot block producers — the teacher's RPC server writes
// synchronously because it only ever has one response in flight per
// request; this gateway's fan-out (stream.event, pty.output) requires a
// queue per connection instead.
type Conn struct {
	id string

	netConn net.Conn
	reader  *Reader

	log *slog.Logger

	mu            sync.Mutex
	queue         [][]byte
	queuedBytes   int
	maxBufferedBytes int
	closed        bool
	destroyed     chan struct{}

	wakeCh chan struct{}
}

// NewConn wraps an accepted net.Conn. ID should uniquely identify the
// connection within the gateway's lifetime (used for controller claims
// and subscription ownership).
func NewConn(id string, netConn net.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		id:               id,
		netConn:          netConn,
		reader:           NewReader(netConn),
		log:              log,
		maxBufferedBytes: defaultMaxBufferedBytes,
		destroyed:        make(chan struct{}),
		wakeCh:           make(chan struct{}, 1),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

// ReadEnvelope blocks until the next line arrives, the connection is
// closed, or it is destroyed for capacity overflow.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	return c.reader.ReadEnvelope()
}

// Send enqueues env for delivery. If the queue would exceed
// maxBufferedBytes, the connection is destroyed instead of blocking
// (spec.md §5/§7's capacity error: "internally destroys connection; no
// error envelope sent").
func (c *Conn) Send(env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("wire: connection %s closed", c.id)
	}
	if c.queuedBytes+len(b) > c.maxBufferedBytes {
		c.mu.Unlock()
		c.destroy()
		return fmt.Errorf("wire: connection %s exceeded buffered-bytes budget", c.id)
	}
	c.queue = append(c.queue, b)
	c.queuedBytes += len(b)
	c.mu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) writeLoop() {
	bw := bufio.NewWriter(c.netConn)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.mu.Unlock()
			select {
			case <-c.wakeCh:
			case <-c.destroyed:
			}
			c.mu.Lock()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.queuedBytes = 0
		c.mu.Unlock()

		_ = c.netConn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		for _, b := range batch {
			if _, err := bw.Write(b); err != nil {
				c.destroy()
				return
			}
		}
		if err := bw.Flush(); err != nil {
			c.destroy()
			return
		}
	}
}

// destroy is the capacity-overflow / protocol-error path: it closes the
// socket immediately without attempting a final flush or error envelope.
func (c *Conn) destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.destroyed)
	_ = c.netConn.Close()
}

// Close closes the connection gracefully, flushing any queued envelopes
// first.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
	close(c.destroyed)
	return c.netConn.Close()
}
