package ptysession

import "sync"

// OutputFrame is one PTY output chunk stamped with its backlog cursor.
type OutputFrame struct {
	Cursor int64
	Data   []byte
}

// backlogRing is the per-session append-only cursor ring: spec.md §4.2's
// "per-session append-only cursor and an in-memory ring of output events
// keyed by cursor". No existing teacher abstraction matches this exactly
// (see DESIGN.md); built as a small mutex-guarded struct with an explicit
// slice, in the same idiom as internal/rpc/server_events.go's watcher map
// rather than a channel-of-channels.
type backlogRing struct {
	mu      sync.Mutex
	entries []OutputFrame
	max     int
	cursor  int64
}

func newBacklogRing(maxEntries int) *backlogRing {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &backlogRing{max: maxEntries}
}

// append assigns the next cursor to data and stores it, trimming the
// ring to max entries.
func (r *backlogRing) append(data []byte) OutputFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cursor++
	frame := OutputFrame{Cursor: r.cursor, Data: data}
	r.entries = append(r.entries, frame)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	return frame
}

// since returns every retained frame with cursor strictly greater than
// sinceCursor, in order, plus the current latestCursor.
func (r *backlogRing) since(sinceCursor int64) ([]OutputFrame, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OutputFrame, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Cursor > sinceCursor {
			out = append(out, e)
		}
	}
	return out, r.cursor
}

func (r *backlogRing) latestCursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}
