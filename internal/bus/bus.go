// Package bus turns domain mutations observed from internal/store (via
// its EventSink) into per-subscriber envelopes: scope-filtered matching,
// a bounded stream journal, and cursor-based replay for new subscriptions
// (spec.md §4.4).
//
// Grounded on internal/eventbus/bus.go (priority-ordered handler
// dispatch, optional SetJetStream external sink — generalized here to
// SetExternalSink) and internal/rpc/http_sse.go (since-cursor replay,
// in-memory fan-out).
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jmoyers/harness/internal/types"
)

// defaultMaxJournalEntries is maxStreamJournalEntries (spec.md §4.4).
const defaultMaxJournalEntries = 4096

// Sink receives every event the bus journals, in addition to local
// subscriber fan-out. Optional; never a prerequisite for correct
// delivery (spec.md: "supplementary, not a prerequisite").
type Sink interface {
	Publish(ctx context.Context, evt types.Event) error
}

type subscription struct {
	id     string
	filter types.ScopeFilter
	ch     chan types.Event
}

// Bus is the in-process event journal and scope-filtered fan-out.
type Bus struct {
	mu      sync.RWMutex
	journal []types.Event
	maxLen  int
	subs    map[string]*subscription

	external Sink
	log      *slog.Logger
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		maxLen: defaultMaxJournalEntries,
		subs:   make(map[string]*subscription),
		log:    log,
	}
}

// SetExternalSink attaches an optional external sink (e.g. NATS
// JetStream). Mirrors eventbus.Bus.SetJetStream.
func (b *Bus) SetExternalSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.external = sink
}

// Publish journals evt and fans it out to every matching subscription.
// Its (ctx, evt) error signature does not match store.EventSink; the
// gateway's busPublisher adapts it.
func (b *Bus) Publish(ctx context.Context, evt types.Event) error {
	b.mu.Lock()
	b.journal = append(b.journal, evt)
	if len(b.journal) > b.maxLen {
		b.journal = b.journal[len(b.journal)-b.maxLen:]
	}
	matches := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(evt) {
			matches = append(matches, sub)
		}
	}
	external := b.external
	b.mu.Unlock()

	for _, sub := range matches {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("bus: dropping event for slow subscriber", "subscriptionId", sub.id, "eventType", evt.Type)
		}
	}

	if external != nil {
		if err := external.Publish(ctx, evt); err != nil {
			b.log.Warn("bus: external sink publish failed", "error", err)
		}
	}
	return nil
}

// Subscribe registers filter and returns a channel delivering every
// future matching event, plus the journal entries matching filter with
// cursor strictly after afterCursor (replay-on-attach, spec.md §4.4).
func (b *Bus) Subscribe(id string, filter types.ScopeFilter, afterCursor int64, bufferSize int) (<-chan types.Event, []types.Event) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	sub := &subscription{id: id, filter: filter, ch: make(chan types.Event, bufferSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = sub

	replay := make([]types.Event, 0)
	for _, evt := range b.journal {
		if evt.Cursor > afterCursor && filter.Matches(evt) {
			replay = append(replay, evt)
		}
	}
	return sub.ch, replay
}

// Unsubscribe removes and closes the subscription's channel. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
