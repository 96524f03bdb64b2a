package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoyers/harness/internal/ptysession"
	"github.com/jmoyers/harness/internal/types"
)

// ErrNotController is returned by the input-gating methods when the
// calling connection does not hold the session's claim.
var ErrNotController = errors.New("registry: not the controlling connection")

// Claim attempts to give connectionID exclusive control of the session.
// Succeeds if the session is unclaimed, already owned by the same
// controller, or takeover is set. Otherwise it fails with a message
// naming the current controller (spec.md §4.2/§6.1).
func (r *Registry) Claim(sessionID string, c Controller, takeover bool) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: claim %s: %w", sessionID, ErrNoSuchSession)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.controller != nil && state.controller.ConnectionID != c.ConnectionID && !takeover {
		return fmt.Errorf("session is claimed by %s:%s", state.controller.Type, state.controller.ID)
	}
	state.controller = &c
	return nil
}

// Release clears the session's claim if held by connectionID. Idempotent:
// returns released=false (no error) if no controller was set, or if a
// different connection holds the claim.
func (r *Registry) Release(sessionID, connectionID string) (released bool, err error) {
	state, ok := r.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("registry: release %s: %w", sessionID, ErrNoSuchSession)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.controller == nil || state.controller.ConnectionID != connectionID {
		return false, nil
	}
	state.controller = nil
	return true, nil
}

// CheckController returns ErrNotController unless connectionID currently
// holds the session's claim. Gates pty.input/pty.resize/pty.signal/
// session.respond/session.interrupt/session.release (spec.md §6.1).
func (r *Registry) CheckController(sessionID, connectionID string) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: check controller %s: %w", sessionID, ErrNoSuchSession)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.controller == nil || state.controller.ConnectionID != connectionID {
		return ErrNotController
	}
	return nil
}

// ConnectionClosed releases every claim held by connectionID across all
// tracked sessions, implicitly, as spec.md §4.2 requires on disconnect.
func (r *Registry) ConnectionClosed(connectionID string) {
	for _, state := range r.List() {
		state.mu.Lock()
		if state.controller != nil && state.controller.ConnectionID == connectionID {
			state.controller = nil
		}
		state.mu.Unlock()
	}
}

// ErrNoSuchSession is returned for any operation against an unknown or
// already-tombstone-expired session id.
var ErrNoSuchSession = errors.New("registry: no such session")

// Attach proxies to the session's ptysession.Adapter.
func (r *Registry) Attach(sessionID string, sinceCursor int64) (attachmentID string, ch <-chan ptysession.OutputFrame, backlog []ptysession.OutputFrame, latestCursor int64, err error) {
	state, ok := r.Get(sessionID)
	if !ok {
		return "", nil, nil, 0, fmt.Errorf("registry: attach %s: %w", sessionID, ErrNoSuchSession)
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter == nil {
		return "", nil, nil, 0, fmt.Errorf("registry: attach %s: session has exited", sessionID)
	}
	attachmentID, ch, backlog, latestCursor = adapter.Attach(sinceCursor)
	return attachmentID, ch, backlog, latestCursor, nil
}

// Detach proxies to the session's ptysession.Adapter.
func (r *Registry) Detach(sessionID, attachmentID string) {
	state, ok := r.Get(sessionID)
	if !ok {
		return
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter != nil {
		adapter.Detach(attachmentID)
	}
}

// Input, Resize, and Signal require the caller to already hold the claim
// (enforced by the caller via CheckController, typically at the wire
// layer before these are invoked).
func (r *Registry) Input(sessionID string, data []byte) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: input %s: %w", sessionID, ErrNoSuchSession)
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("registry: input %s: session has exited", sessionID)
	}
	_, err := adapter.Write(data)
	return err
}

func (r *Registry) Resize(sessionID string, cols, rows int) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: resize %s: %w", sessionID, ErrNoSuchSession)
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("registry: resize %s: session has exited", sessionID)
	}
	return adapter.Resize(cols, rows)
}

func (r *Registry) Signal(sessionID string, kind ptysession.SignalKind) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: signal %s: %w", sessionID, ErrNoSuchSession)
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("registry: signal %s: session has exited", sessionID)
	}
	return adapter.Signal(kind)
}

// ApplyTelemetryStatus advances the session's runtime state machine in
// response to a normalized telemetry statusHint (spec.md §4.2, §4.5):
// needs-input sets attentionReason; any other hint while in needs-input
// returns the session to running; completed is recorded as observed but
// the session returns to running on the next user input.
func (r *Registry) ApplyTelemetryStatus(ctx context.Context, sessionID string, hint types.RuntimeStatus, attentionReason string) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: telemetry status %s: %w", sessionID, ErrNoSuchSession)
	}

	state.mu.Lock()
	if state.status == types.StatusExited {
		state.mu.Unlock()
		return nil
	}
	switch hint {
	case types.StatusNeedsInput:
		state.status = types.StatusNeedsInput
		state.attentionReason = attentionReason
	case types.StatusCompleted:
		state.status = types.StatusCompleted
		state.attentionReason = ""
	default:
		state.status = types.StatusRunning
		state.attentionReason = ""
	}
	newStatus := state.status
	newReason := state.attentionReason
	state.mu.Unlock()

	r.publishRuntime(ctx, state)
	if r.statusHook != nil {
		r.statusHook(sessionID, newStatus, newReason)
	}
	return nil
}

// NotifyUserInput returns a needs-input or completed session to running,
// as spec.md §4.2 describes ("next turn-start or user-input event").
func (r *Registry) NotifyUserInput(ctx context.Context, sessionID string) error {
	return r.ApplyTelemetryStatus(ctx, sessionID, types.StatusRunning, "")
}
