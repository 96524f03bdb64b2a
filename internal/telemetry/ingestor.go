// Package telemetry ingests OTLP-shaped HTTP payloads and normalizes
// them into types.TelemetryEvent, binding each to a live session by
// provider thread id (spec.md §4.5/§6.2).
//
// Grounded on cmd/dialog-gateway/main.go's handleWebhook (method check,
// io.ReadAll, JSON decode, sendError helper) for the HTTP handler shape.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// Mode toggles per-kind normalization behavior.
type Mode string

const (
	// ModeLifecycleFast drops response.in_progress log events (spec.md §4.5).
	ModeLifecycleFast Mode = "lifecycle-fast"
	ModeFull          Mode = "full"
)

// Binder resolves a normalized telemetry event to a live session and
// publishes the resulting runtime-status update. Implemented by the
// gateway's registry + adapter-state glue.
type Binder interface {
	// ResolveSession returns the sessionId bound to providerThreadID, via
	// the fallback sessionId first, then adapter-state resumeSessionId
	// matching across non-archived conversations.
	ResolveSession(ctx context.Context, fallbackSessionID, providerThreadID string) (sessionID string, ok bool)
	// BindThread records {resumeSessionId, lastObservedAt} against
	// sessionID's adapter state. No-op for non-codex agents.
	BindThread(ctx context.Context, sessionID, providerThreadID string, observedAt time.Time)
	// Apply publishes the normalized event's statusHint as a
	// runtime-status update for sessionID. No separate session-key-event
	// is emitted for evt.
	Apply(ctx context.Context, sessionID string, evt types.TelemetryEvent) error
}

// Ingestor mints per-session tokens and serves the telemetry HTTP
// surface.
type Ingestor struct {
	mode   Mode
	binder Binder
	log    *slog.Logger

	mu     sync.RWMutex
	tokens map[string]string // token -> fallback sessionId

	dedupMu sync.Mutex
	dedup   map[string]string // sessionId -> last TelemetryEvent.DedupKey()
}

func New(mode Mode, binder Binder, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if mode == "" {
		mode = ModeLifecycleFast
	}
	return &Ingestor{
		mode:   mode,
		binder: binder,
		log:    log,
		tokens: make(map[string]string),
		dedup:  make(map[string]string),
	}
}

// MintToken issues a fresh per-session telemetry token for sessionID.
func (g *Ingestor) MintToken(token, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[token] = sessionID
}

// RevokeToken drops a token, e.g. once its session has exited.
func (g *Ingestor) RevokeToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tokens, token)
}

func (g *Ingestor) sessionForToken(token string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.tokens[token]
	return s, ok
}

// ServeHTTP implements the /v1/{logs|metrics|traces}/{token} surface
// (spec.md §6.2).
func (g *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind, token, ok := parseTelemetryPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	fallbackSessionID, ok := g.sessionForToken(token)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return // client aborted the read: silent, per spec.md §4.5
		}
		sendError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	events, err := g.normalize(kind, body)
	if err != nil {
		sendError(w, fmt.Sprintf("invalid telemetry payload: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, evt := range events {
		g.ingest(ctx, fallbackSessionID, evt)
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Ingestor) ingest(ctx context.Context, fallbackSessionID string, evt types.TelemetryEvent) {
	sessionID, ok := g.binder.ResolveSession(ctx, fallbackSessionID, evt.ProviderThreadID)
	if !ok {
		return
	}

	if g.isDuplicate(sessionID, evt) {
		return
	}

	g.binder.BindThread(ctx, sessionID, evt.ProviderThreadID, evt.ObservedAt)
	if err := g.binder.Apply(ctx, sessionID, evt); err != nil {
		g.log.Warn("telemetry: apply failed", "session", sessionID, "error", err)
	}
}

func (g *Ingestor) isDuplicate(sessionID string, evt types.TelemetryEvent) bool {
	key := evt.DedupKey()
	g.dedupMu.Lock()
	defer g.dedupMu.Unlock()
	if g.dedup[sessionID] == key {
		return true
	}
	g.dedup[sessionID] = key
	return false
}

// parseTelemetryPath splits "/v1/{kind}/{token}" into its parts.
func parseTelemetryPath(path string) (kind, token string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "v1" {
		return "", "", false
	}
	switch parts[1] {
	case "logs", "metrics", "traces":
	default:
		return "", "", false
	}
	return parts[1], parts[2], true
}

func sendError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
