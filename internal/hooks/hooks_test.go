package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captured struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (c *captured) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.calls = append(c.calls, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestDispatchFiltersByEventTypeList(t *testing.T) {
	turnOnly := &captured{}
	turnSrv := httptest.NewServer(turnOnly.handler())
	defer turnSrv.Close()

	allTypes := &captured{}
	allSrv := httptest.NewServer(allTypes.handler())
	defer allSrv.Close()

	d := NewDispatcher([]Webhook{
		{ID: "turn-only", URL: turnSrv.URL, Events: []string{"turn.completed"}, Timeout: time.Second},
		{ID: "all", URL: allSrv.URL, Timeout: time.Second},
	}, nil, nil)

	d.Dispatch(context.Background(), nil, LifecycleEvent{Type: "session.started"})

	require.Eventually(t, func() bool { return allTypes.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, turnOnly.count())
}

func TestDispatchSendsPeonPingWithCategory(t *testing.T) {
	peon := &captured{}
	peonSrv := httptest.NewServer(peon.handler())
	defer peonSrv.Close()

	d := NewDispatcher(nil, &PeonPingConfig{URL: peonSrv.URL, Timeout: time.Second}, nil)
	d.Dispatch(context.Background(), nil, LifecycleEvent{Type: "input.required"})

	require.Eventually(t, func() bool { return peon.count() == 1 }, time.Second, 5*time.Millisecond)
	peon.mu.Lock()
	defer peon.mu.Unlock()
	require.Equal(t, "attention", peon.calls[0]["category"])
}

func TestDispatchIsBestEffortOnWebhookFailure(t *testing.T) {
	d := NewDispatcher([]Webhook{
		{ID: "dead", URL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond},
	}, nil, nil)

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), nil, LifecycleEvent{Type: "tool.invoked"})
		time.Sleep(100 * time.Millisecond)
	})
}
