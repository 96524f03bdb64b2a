package types

import "sort"

// SessionListEntry is the subset of session state session.list needs to
// sort and render; the registry builds these from live SessionState.
type SessionListEntry struct {
	ID            string
	Status        RuntimeStatus
	LastEventAt   *int64 // unix millis, nil if never observed
	StartedAt     int64  // unix millis
}

func attentionBucket(s RuntimeStatus) int {
	switch s {
	case StatusNeedsInput:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// SortAttentionFirst orders entries per spec.md §6.3: needs-input first,
// then running, then others; within a bucket by lastEventAt desc (nulls
// last), then startedAt desc, then id asc. Stable.
func SortAttentionFirst(entries []SessionListEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ba, bb := attentionBucket(a.Status), attentionBucket(b.Status)
		if ba != bb {
			return ba < bb
		}
		if (a.LastEventAt == nil) != (b.LastEventAt == nil) {
			return a.LastEventAt != nil
		}
		if a.LastEventAt != nil && *a.LastEventAt != *b.LastEventAt {
			return *a.LastEventAt > *b.LastEventAt
		}
		if a.StartedAt != b.StartedAt {
			return a.StartedAt > b.StartedAt
		}
		return a.ID < b.ID
	})
}
