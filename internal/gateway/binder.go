package gateway

import (
	"context"
	"time"

	"github.com/jmoyers/harness/internal/registry"
	"github.com/jmoyers/harness/internal/store"
	"github.com/jmoyers/harness/internal/types"
)

// sessionBinder implements telemetry.Binder and historypoll.Sink: it
// resolves a normalized telemetry event to a live session, records the
// provider thread id against adapter state, and advances the registry's
// runtime status machine (spec.md §4.2/§4.5).
type sessionBinder struct {
	reg *registry.Registry
	st  *store.Store
}

func newSessionBinder(reg *registry.Registry, st *store.Store) *sessionBinder {
	return &sessionBinder{reg: reg, st: st}
}

// ResolveSession tries fallbackSessionID first (the session bound to the
// telemetry token at mint time), then falls back to matching
// providerThreadID against every non-archived conversation's adapter-state
// resumeSessionId (spec.md §4.5).
func (b *sessionBinder) ResolveSession(ctx context.Context, fallbackSessionID, providerThreadID string) (string, bool) {
	if fallbackSessionID != "" {
		if _, ok := b.reg.Get(fallbackSessionID); ok {
			return fallbackSessionID, true
		}
	}
	if providerThreadID == "" {
		return "", false
	}

	convs, err := b.st.ListConversations(ctx, types.Scope{}, "", false)
	if err != nil {
		return "", false
	}
	for _, c := range convs {
		resume, ok := c.AdapterState.Field("resumeSessionId")
		if !ok {
			continue
		}
		if s, ok := resume.String(); ok && s == providerThreadID {
			return c.ConversationID, true
		}
	}
	return "", false
}

// BindThread records {resumeSessionId, lastObservedAt} against sessionID's
// adapter state. No-op when providerThreadID is empty or the conversation
// is not a codex agent.
func (b *sessionBinder) BindThread(ctx context.Context, sessionID, providerThreadID string, observedAt time.Time) {
	if providerThreadID == "" {
		return
	}
	conv, err := b.st.GetConversation(ctx, sessionID)
	if err != nil || conv.AgentType != types.AgentCodex {
		return
	}
	updated := conv.AdapterState.
		WithField("resumeSessionId", types.StringValue(providerThreadID)).
		WithField("lastObservedAt", types.StringValue(observedAt.UTC().Format(time.RFC3339Nano)))
	_ = b.st.UpdateConversation(ctx, sessionID, conv.Title, updated)
}

// Apply publishes evt's normalized statusHint to the registry's runtime
// state machine (spec.md §4.5: "each kind's normalization rules feed the
// same registry.ApplyTelemetryStatus seam").
func (b *sessionBinder) Apply(ctx context.Context, sessionID string, evt types.TelemetryEvent) error {
	return b.reg.ApplyTelemetryStatus(ctx, sessionID, evt.StatusHint, evt.Summary)
}

// IngestHistoryEvent implements historypoll.Sink: history-file lines bind
// and apply exactly like an ingested OTLP event.
func (b *sessionBinder) IngestHistoryEvent(ctx context.Context, evt types.TelemetryEvent) {
	sessionID, ok := b.ResolveSession(ctx, "", evt.ProviderThreadID)
	if !ok {
		return
	}
	b.BindThread(ctx, sessionID, evt.ProviderThreadID, evt.ObservedAt)
	_ = b.Apply(ctx, sessionID, evt)
}
