package store

import "sync/atomic"

// eventCursor mints the per-gateway-lifetime, monotonically increasing
// cursors stamped on every observed event (spec.md §4.4: "Cursors are
// per-gateway-lifetime... they do not persist across restart").
type eventCursor struct {
	n int64
}

func newEventCursor() *eventCursor { return &eventCursor{} }

func (c *eventCursor) next() int64 { return atomic.AddInt64(&c.n, 1) }
