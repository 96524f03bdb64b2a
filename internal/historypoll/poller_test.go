package historypoll

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.TelemetryEvent
}

func (s *recordingSink) IngestHistoryEvent(ctx context.Context, evt types.TelemetryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestTickSkipsMalformedLinesAndParsesWellFormed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		"{not json}\n"+
			`{"type":"user_prompt","session_id":"s1","timestamp":"2026-07-30T00:00:00Z"}`+"\n",
	), 0o644))

	sink := &recordingSink{}
	p := New(path, 1000, sink, nil)

	productive := p.tick(context.Background())
	require.True(t, productive)
	require.Equal(t, 1, sink.count())
}

func TestTickResetsCursorOnShrink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user_prompt","session_id":"s1","timestamp":"2026-07-30T00:00:00Z"}`+"\n"+
			`{"type":"user_prompt","session_id":"s2","timestamp":"2026-07-30T00:00:01Z"}`+"\n",
	), 0o644))

	sink := &recordingSink{}
	p := New(path, 1000, sink, nil)
	require.True(t, p.tick(context.Background()))
	require.Equal(t, 2, sink.count())

	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user_prompt","session_id":"s3","timestamp":"2026-07-30T00:00:02Z"}`+"\n",
	), 0o644))

	require.True(t, p.tick(context.Background()))
	require.Equal(t, 3, sink.count())
}

func TestNextIntervalRespectsBounds(t *testing.T) {
	p := New("unused", 1000, nil, nil)

	for i := 0; i < 50; i++ {
		d := p.nextInterval(true)
		require.GreaterOrEqual(t, d, 550*time.Millisecond)
		require.LessOrEqual(t, d, 1500*time.Millisecond)

		d = p.nextInterval(false)
		require.GreaterOrEqual(t, d, 1200*time.Millisecond)
		require.LessOrEqual(t, d, 2800*time.Millisecond)
	}
}
