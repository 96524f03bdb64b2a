// Package hooks fans lifecycle events out to configured webhooks and a
// fixed peon-ping endpoint (spec.md §4.8).
//
// Grounded on internal/eventbus/external_handler.go's config shape
// (id/command/events/priority) and internal/notification/dispatch.go's
// sendWebhook (POST with a custom header, status-code check, timeout'd
// http.Client) for the dispatch mechanics; route-keyed handling of
// missing config is grounded on notification.Dispatcher.getRoutes.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Lifecycle event type prefixes dispatched to webhooks (spec.md §4.8).
const (
	EventThread       = "thread"
	EventSession      = "session"
	EventTurn         = "turn"
	EventInputRequired = "input.required"
	EventTool         = "tool"
)

// peonPingCategory maps an event type to the fixed peon-ping endpoint's
// category vocabulary.
var peonPingCategory = map[string]string{
	"thread.started":    "lifecycle",
	"thread.ended":      "lifecycle",
	"session.started":   "lifecycle",
	"session.exited":    "lifecycle",
	"turn.started":      "activity",
	"turn.completed":    "activity",
	"input.required":    "attention",
	"tool.invoked":      "activity",
}

// Webhook is one configured target: dispatch fires only for event types
// in Events (empty Events means "all types").
type Webhook struct {
	ID      string
	URL     string
	Events  []string
	Timeout time.Duration
}

func (w Webhook) matches(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// PeonPingConfig configures the fixed peon-ping endpoint, a single
// always-on webhook distinct from the user-configured list.
type PeonPingConfig struct {
	URL     string
	Timeout time.Duration
}

// Dispatcher fans lifecycle events out to webhooks, best-effort with no
// retry (spec.md §4.8).
type Dispatcher struct {
	webhooks []Webhook
	peonPing *PeonPingConfig
	client   *http.Client
	log      *slog.Logger
}

func NewDispatcher(webhooks []Webhook, peonPing *PeonPingConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		webhooks: webhooks,
		peonPing: peonPing,
		client:   &http.Client{},
		log:      log,
	}
}

// LifecycleEvent is one observed thread/session/turn/tool occurrence.
type LifecycleEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Dispatch fans out evt to every matching webhook and the peon-ping
// endpoint, each with its own timeout, concurrently and best-effort.
func (d *Dispatcher) Dispatch(ctx context.Context, span trace.Span, evt LifecycleEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		d.log.Warn("hooks: marshal lifecycle event failed", "error", err)
		return
	}

	for _, wh := range d.webhooks {
		if !wh.matches(evt.Type) {
			continue
		}
		go d.send(ctx, span, wh.ID, wh.URL, wh.Timeout, body)
	}

	if d.peonPing != nil {
		category := peonPingCategory[evt.Type]
		if category == "" {
			category = "other"
		}
		peonBody, err := json.Marshal(struct {
			LifecycleEvent
			Category string `json:"category"`
		}{evt, category})
		if err != nil {
			d.log.Warn("hooks: marshal peon-ping payload failed", "error", err)
			return
		}
		go d.send(ctx, span, "peon-ping", d.peonPing.URL, d.peonPing.Timeout, peonBody)
	}
}

func (d *Dispatcher) send(ctx context.Context, span trace.Span, id, url string, timeout time.Duration, body []byte) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.log.Warn("hooks: build webhook request failed", "webhook", id, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Harness-Event", "lifecycle")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("hooks: webhook dispatch failed", "webhook", id, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	addWebhookDispatchEvent(span, id, resp.StatusCode, string(respBody))

	if resp.StatusCode >= 300 {
		d.log.Warn("hooks: webhook returned error status", "webhook", id, "status", resp.StatusCode, "body", fmt.Sprintf("%.200s", respBody))
	}
}
