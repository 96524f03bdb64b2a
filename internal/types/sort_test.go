package types

import "testing"

func ms(v int64) *int64 { return &v }

func TestSortAttentionFirst(t *testing.T) {
	entries := []SessionListEntry{
		{ID: "running-old", Status: StatusRunning, LastEventAt: ms(100), StartedAt: 1},
		{ID: "needs-input", Status: StatusNeedsInput, LastEventAt: ms(50), StartedAt: 2},
		{ID: "completed", Status: StatusCompleted, LastEventAt: nil, StartedAt: 3},
		{ID: "running-new", Status: StatusRunning, LastEventAt: ms(200), StartedAt: 4},
	}

	SortAttentionFirst(entries)

	want := []string{"needs-input", "running-new", "running-old", "completed"}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.ID
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: want %s, got %s (full order %v)", i, want[i], got[i], got)
		}
	}
}

func TestSortAttentionFirstTieBreaksOnID(t *testing.T) {
	entries := []SessionListEntry{
		{ID: "b", Status: StatusRunning, LastEventAt: ms(1), StartedAt: 1},
		{ID: "a", Status: StatusRunning, LastEventAt: ms(1), StartedAt: 1},
	}
	SortAttentionFirst(entries)
	if entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("expected id-asc tiebreak, got %v", entries)
	}
}
