package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

type fakeBinder struct {
	applied []types.TelemetryEvent
}

func (f *fakeBinder) ResolveSession(ctx context.Context, fallbackSessionID, providerThreadID string) (string, bool) {
	if fallbackSessionID != "" {
		return fallbackSessionID, true
	}
	return "", false
}

func (f *fakeBinder) BindThread(ctx context.Context, sessionID, providerThreadID string, observedAt time.Time) {
}

func (f *fakeBinder) Apply(ctx context.Context, sessionID string, evt types.TelemetryEvent) error {
	f.applied = append(f.applied, evt)
	return nil
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	g := New(ModeLifecycleFast, &fakeBinder{}, nil)
	g.MintToken("tok", "sess-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/logs/tok", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTPUnknownTokenIs404(t *testing.T) {
	g := New(ModeLifecycleFast, &fakeBinder{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/logs/unknown", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPEmptyBatchReturns200(t *testing.T) {
	g := New(ModeLifecycleFast, &fakeBinder{}, nil)
	g.MintToken("tok", "sess-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/logs/tok", strings.NewReader(""))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestNormalizeLogsMapsResponseCompleted(t *testing.T) {
	binder := &fakeBinder{}
	g := New(ModeLifecycleFast, binder, nil)
	g.MintToken("tok", "sess-1")

	body := `{"resourceLogs":[{"scopeLogs":[{"logRecords":[
		{"timeUnixNano":"1700000000000000000","attributes":[
			{"key":"kind","value":{"stringValue":"response.completed"}},
			{"key":"thread.id","value":{"stringValue":"thread-1"}}
		]}
	]}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/logs/tok", strings.NewReader(body))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, binder.applied, 1)
	require.Equal(t, types.StatusCompleted, binder.applied[0].StatusHint)
	require.Equal(t, "thread-1", binder.applied[0].ProviderThreadID)
}

func TestNormalizeLogsDropsInProgressInLifecycleFastMode(t *testing.T) {
	binder := &fakeBinder{}
	g := New(ModeLifecycleFast, binder, nil)
	g.MintToken("tok", "sess-1")

	body := `{"resourceLogs":[{"scopeLogs":[{"logRecords":[
		{"timeUnixNano":"1700000000000000000","attributes":[
			{"key":"kind","value":{"stringValue":"response.in_progress"}}
		]}
	]}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/logs/tok", strings.NewReader(body))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, binder.applied)
}

func TestIngestDedupesIdenticalConsecutiveEvents(t *testing.T) {
	binder := &fakeBinder{}
	g := New(ModeLifecycleFast, binder, nil)
	evt := types.TelemetryEvent{ObservedAt: time.Unix(100, 0), EventName: "codex.user_prompt", ProviderThreadID: "thread-1"}

	g.ingest(context.Background(), "sess-1", evt)
	g.ingest(context.Background(), "sess-1", evt)

	require.Len(t, binder.applied, 1)
}

func TestNormalizeHistoryLineSkipsMalformed(t *testing.T) {
	_, err := NormalizeHistoryLine([]byte("{not json}"))
	require.Error(t, err)

	evt, err := NormalizeHistoryLine([]byte(`{"type":"response.completed","session_id":"s1","timestamp":"2026-07-30T00:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, evt.StatusHint)
	require.Equal(t, types.SourceHistory, evt.Source)
}
