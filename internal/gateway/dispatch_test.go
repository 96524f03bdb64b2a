package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/registry"
	"github.com/jmoyers/harness/internal/types"
)

func at(seconds int) *time.Time {
	t := time.Unix(0, 0).UTC().Add(time.Duration(seconds) * time.Second)
	return &t
}

func TestSortSessionsAttentionFirstBucketsByStatus(t *testing.T) {
	infos := []registry.Info{
		{ID: "running-1", Status: types.StatusRunning, StartedAt: time.Unix(0, 0)},
		{ID: "needs-input-1", Status: types.StatusNeedsInput, StartedAt: time.Unix(0, 0)},
		{ID: "exited-1", Status: types.StatusExited, StartedAt: time.Unix(0, 0)},
	}
	sortSessionsAttentionFirst(infos)

	require.Equal(t, []string{"needs-input-1", "running-1", "exited-1"}, ids(infos))
}

func TestSortSessionsAttentionFirstOrdersByLastEventThenStartedThenID(t *testing.T) {
	infos := []registry.Info{
		{ID: "b", Status: types.StatusRunning, LastEventAt: at(10), StartedAt: time.Unix(0, 0)},
		{ID: "a", Status: types.StatusRunning, LastEventAt: at(20), StartedAt: time.Unix(0, 0)},
		{ID: "c", Status: types.StatusRunning, LastEventAt: nil, StartedAt: time.Unix(5, 0)},
		{ID: "d", Status: types.StatusRunning, LastEventAt: nil, StartedAt: time.Unix(1, 0)},
	}
	sortSessionsAttentionFirst(infos)

	// a (latest lastEventAt) before b; both lastEventAt-bearing entries
	// before the two with nil lastEventAt; among the nils, later
	// startedAt first.
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(infos))
}

func TestSortSessionsAttentionFirstBreaksTiesByID(t *testing.T) {
	same := time.Unix(100, 0)
	infos := []registry.Info{
		{ID: "z", Status: types.StatusRunning, StartedAt: same},
		{ID: "y", Status: types.StatusRunning, StartedAt: same},
	}
	sortSessionsAttentionFirst(infos)
	require.Equal(t, []string{"y", "z"}, ids(infos), "ties break by id ascending")
}

func ids(infos []registry.Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}
