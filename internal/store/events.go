package store

import "github.com/jmoyers/harness/internal/types"

// EventSink receives one types.Event per successful directory,
// conversation (create/update/archive/runtime), task-reorder, and
// git-status mutation. Repository upsert/archive, task create/transition/
// delete, and conversation delete emit no event.
// The subscription bus is the production implementation; tests may stub
// it out.
type EventSink interface {
	Publish(types.Event)
}

type noopSink struct{}

func (noopSink) Publish(types.Event) {}

// SetEventSink wires the bus (or a test double) as the recipient of
// every observed mutation event. Defaults to a no-op sink so Store is
// usable standalone in tests that don't care about fan-out.
func (s *Store) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = noopSink{}
	}
	s.sink = sink
}

func (s *Store) emit(evt types.Event) {
	evt.Cursor = s.nextCursor()
	if s.sink == nil {
		return
	}
	s.sink.Publish(evt)
}
