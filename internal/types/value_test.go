package types

import (
	"encoding/json"
	"testing"
)

func TestValueRoundTrip(t *testing.T) {
	v := ObjectValue(map[string]Value{
		"resumeSessionId": StringValue("T1"),
		"lastObservedAt":  NumberValue(42),
		"flags":           ArrayValue([]Value{BoolValue(true), NullValue()}),
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round Value
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resume, ok := round.Field("resumeSessionId")
	if !ok {
		t.Fatal("expected resumeSessionId field")
	}
	s, ok := resume.String()
	if !ok || s != "T1" {
		t.Fatalf("expected string T1, got %q ok=%v", s, ok)
	}
}

func TestValueWithField(t *testing.T) {
	base := ObjectValue(map[string]Value{"a": StringValue("1")})
	updated := base.WithField("b", NumberValue(2))

	if _, ok := base.Field("b"); ok {
		t.Fatal("WithField must not mutate the receiver")
	}
	n, ok := updated.Field("b")
	if !ok {
		t.Fatal("expected field b on updated value")
	}
	if num, ok := n.Number(); !ok || num != 2 {
		t.Fatalf("expected 2, got %v", num)
	}
}

func TestDirectoryGitSnapshotEqual(t *testing.T) {
	a := DirectoryGitSnapshot{
		DirectoryID: "d1",
		Summary:     GitSummary{Branch: "main", ChangedFiles: 1, Additions: 2},
	}
	b := a
	b.ObservedAt = a.ObservedAt.Add(1)
	if !a.Equal(b) {
		t.Fatal("snapshots differing only in ObservedAt should be equal")
	}
	b.Summary.ChangedFiles = 2
	if a.Equal(b) {
		t.Fatal("snapshots with differing summaries should not be equal")
	}
}
