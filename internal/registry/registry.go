// Package registry owns the set of PTY-backed sessions and the
// invariants of the runtime state machine (spec.md §4.2): the
// running → needs-input → running → completed → running → exited
// transitions, tombstone retention, and at-most-one controller claim.
//
// Generalizes the teacher's cross-backend "discover agent sessions"
// SessionRegistry (internal/registry/registry.go, grounded also on
// internal/coop/monitor.go's AgentMonitor) from polling external state
// to owning it directly in-process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoyers/harness/internal/ptysession"
	"github.com/jmoyers/harness/internal/types"
)

var ErrSessionExists = errors.New("session already exists")

// RuntimeUpdater is the durable-store seam the registry calls through on
// every status transition. Implemented by *store.Store.
type RuntimeUpdater interface {
	UpdateConversationRuntime(ctx context.Context, conversationID string, status types.RuntimeStatus, live bool, attentionReason string) error
}

// Controller identifies the connection currently permitted to mutate a
// session.
type Controller struct {
	ConnectionID string
	Type         string
	ID           string
}

func (c Controller) String() string { return fmt.Sprintf("%s:%s", c.Type, c.ID) }

// SessionState is the in-memory record for one PTY-backed conversation.
type SessionState struct {
	mu sync.Mutex

	ID          string
	DirectoryID string
	Scope       types.Scope

	adapter *ptysession.Adapter
	status  types.RuntimeStatus

	attentionReason string
	lastEventAt     *time.Time
	startedAt       time.Time
	exitedAt        *time.Time
	lastExit        *ExitInfo
	lastSnapshot    *ptysession.Snapshot

	controller *Controller

	tombstoneTimer *time.Timer
}

// ExitInfo records the last process exit observed for a session.
type ExitInfo struct {
	Code   int
	Signal string
}

func (s *SessionState) snapshotLocked() (status types.RuntimeStatus, live bool) {
	return s.status, s.adapter != nil
}

// Registry owns the set of live SessionStates and enforces the lifecycle
// invariants spec.md §4.2 describes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState

	factory ptysession.Factory
	store   RuntimeUpdater
	log     *slog.Logger

	tombstoneTTL time.Duration
	backlogSize  int
	exitHook     func(state *SessionState)
	statusHook   func(sessionID string, status types.RuntimeStatus, attentionReason string)
}

// Config configures a Registry.
type Config struct {
	Factory                 ptysession.Factory
	Store                   RuntimeUpdater
	Logger                  *slog.Logger
	SessionExitTombstoneTTL time.Duration
	BacklogSize             int

	// ExitHook, if set, is called once in its own goroutine-safe context
	// after a session's process exits and its runtime status has been
	// published as exited — the seam the gateway uses to revoke the
	// session's telemetry token, stop its history poller, and fire the
	// session.exited lifecycle hook (spec.md §4.5/§4.7/§4.8).
	ExitHook func(state *SessionState)

	// StatusHook, if set, is called after every telemetry-driven status
	// transition (spec.md §4.2's running/needs-input/completed cycle) —
	// the seam the gateway uses to fire the input.required lifecycle
	// hook.
	StatusHook func(sessionID string, status types.RuntimeStatus, attentionReason string)
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = 1024
	}
	return &Registry{
		sessions:     make(map[string]*SessionState),
		factory:      cfg.Factory,
		store:        cfg.Store,
		log:          cfg.Logger,
		tombstoneTTL: cfg.SessionExitTombstoneTTL,
		backlogSize:  cfg.BacklogSize,
		exitHook:     cfg.ExitHook,
		statusHook:   cfg.StatusHook,
	}
}

// Start begins a new PTY-backed session for id, replacing any tombstone
// currently occupying that id (spec.md §4.2: "pty.start on a tombstone id
// replaces it").
func (r *Registry) Start(ctx context.Context, id, directoryID string, scope types.Scope, opts ptysession.StartOptions) (*SessionState, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		existing.mu.Lock()
		live := existing.status != types.StatusExited
		existing.mu.Unlock()
		if live {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: start %s: session already exists: %w", id, ErrSessionExists)
		}
		existing.cancelTombstone()
	}
	r.mu.Unlock()

	handle, err := r.factory.Start(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("registry: start %s: %w", id, err)
	}
	adapter := ptysession.NewAdapter(handle, r.backlogSize)

	state := &SessionState{
		ID:          id,
		DirectoryID: directoryID,
		Scope:       scope,
		adapter:     adapter,
		status:      types.StatusRunning,
		startedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[id] = state
	r.mu.Unlock()

	go r.watchExit(state)
	r.publishRuntime(ctx, state)
	return state, nil
}

// watchExit blocks until the adapter's underlying handle exits, then
// transitions the session to exited and arms its tombstone timer.
func (r *Registry) watchExit(state *SessionState) {
	<-state.adapter.Done()

	state.mu.Lock()
	code, signal := state.adapter.ExitCode()
	now := time.Now().UTC()
	state.status = types.StatusExited
	state.exitedAt = &now
	state.lastExit = &ExitInfo{Code: code, Signal: signal}
	adapter := state.adapter
	state.adapter = nil
	state.mu.Unlock()

	_ = adapter.Close(context.Background())

	r.armTombstone(state)
	r.publishRuntime(context.Background(), state)

	if r.exitHook != nil {
		r.exitHook(state)
	}
}

// armTombstone schedules removal of an exited session after the
// configured TTL (0 = remove immediately). Cancelled if the session
// transitions out of exited before it fires (Start replaces the id).
func (r *Registry) armTombstone(state *SessionState) {
	if r.tombstoneTTL <= 0 {
		r.mu.Lock()
		delete(r.sessions, state.ID)
		r.mu.Unlock()
		return
	}

	state.mu.Lock()
	state.tombstoneTimer = time.AfterFunc(r.tombstoneTTL, func() {
		r.mu.Lock()
		delete(r.sessions, state.ID)
		r.mu.Unlock()
	})
	state.mu.Unlock()
}

func (s *SessionState) cancelTombstone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tombstoneTimer != nil {
		s.tombstoneTimer.Stop()
		s.tombstoneTimer = nil
	}
}

func (r *Registry) publishRuntime(ctx context.Context, state *SessionState) {
	if r.store == nil {
		return
	}
	state.mu.Lock()
	status, live := state.snapshotLocked()
	reason := state.attentionReason
	state.mu.Unlock()

	if err := r.store.UpdateConversationRuntime(ctx, state.ID, status, live, reason); err != nil {
		r.log.Warn("registry: publish runtime status failed", "session", state.ID, "error", err)
	}
}

// Get returns the live-or-tombstoned session state for id.
func (r *Registry) Get(id string) (*SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every currently tracked session (live and tombstoned).
func (r *Registry) List() []*SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Status returns the (status, live) pair for session.status.
func (s *SessionState) Status() (types.RuntimeStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsLive reports whether the session has an attached adapter (i.e. has
// not exited).
func (s *SessionState) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter != nil && s.status != types.StatusExited
}

// Info is the read-only view of a session's in-memory state used by
// session.list/session.status/session.snapshot (spec.md §6.1/§6.3).
type Info struct {
	ID              string
	DirectoryID     string
	Scope           types.Scope
	Status          types.RuntimeStatus
	Live            bool
	AttentionReason string
	Controller      *Controller
	StartedAt       time.Time
	LastEventAt     *time.Time
	ExitedAt        *time.Time
	Exit            *ExitInfo
}

// Info snapshots s's current fields under lock.
func (s *SessionState) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var controller *Controller
	if s.controller != nil {
		c := *s.controller
		controller = &c
	}
	return Info{
		ID:              s.ID,
		DirectoryID:     s.DirectoryID,
		Scope:           s.Scope,
		Status:          s.status,
		Live:            s.adapter != nil && s.status != types.StatusExited,
		AttentionReason: s.attentionReason,
		Controller:      controller,
		StartedAt:       s.startedAt,
		LastEventAt:     s.lastEventAt,
		ExitedAt:        s.exitedAt,
		Exit:            s.lastExit,
	}
}

// TerminalSnapshot returns the session's last known terminal contents,
// proxying to the live adapter (spec.md §6.1's session.snapshot).
func (r *Registry) TerminalSnapshot(sessionID string) (ptysession.Snapshot, bool) {
	state, ok := r.Get(sessionID)
	if !ok {
		return ptysession.Snapshot{}, false
	}
	state.mu.Lock()
	adapter := state.adapter
	state.mu.Unlock()
	if adapter == nil {
		return ptysession.Snapshot{}, false
	}
	return adapter.Snapshot()
}

// Remove drops a tombstoned (exited) session immediately, cancelling any
// pending tombstone timer. Returns an error if the session is still live
// (spec.md §6.1's session.remove: only exited sessions may be removed).
func (r *Registry) Remove(sessionID string) error {
	state, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("registry: remove %s: %w", sessionID, ErrNoSuchSession)
	}
	state.mu.Lock()
	live := state.status != types.StatusExited
	if state.tombstoneTimer != nil {
		state.tombstoneTimer.Stop()
		state.tombstoneTimer = nil
	}
	state.mu.Unlock()
	if live {
		return fmt.Errorf("registry: remove %s: session is still live", sessionID)
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return nil
}
