package store

import (
	"testing"

	"m87.dev/shared/deploy"
)

func mustRevision(t *testing.T, ids ...string) *deploy.DeploymentRevision {
	t.Helper()
	jobs := make([]deploy.RunSpec, len(ids))
	for i, id := range ids {
		jobs[i] = deploy.RunSpec{RunID: id, Steps: []deploy.Step{{Name: id}}}
	}
	rev := &deploy.DeploymentRevision{Jobs: jobs}
	if err := deploy.FillIDs(rev); err != nil {
		t.Fatalf("FillIDs: %v", err)
	}
	return rev
}

func TestSetDesiredMovesOldToPrevious(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := mustRevision(t, "job-a")
	if changed, err := s.SetDesired(first); err != nil || !changed {
		t.Fatalf("SetDesired(first): changed=%v err=%v", changed, err)
	}

	prev, err := s.LoadPrevious()
	if err != nil {
		t.Fatalf("LoadPrevious: %v", err)
	}
	if prev != nil {
		t.Fatal("expected no previous before a second SetDesired")
	}

	second := mustRevision(t, "job-b")
	if changed, err := s.SetDesired(second); err != nil || !changed {
		t.Fatalf("SetDesired(second): changed=%v err=%v", changed, err)
	}

	prev, err = s.LoadPrevious()
	if err != nil {
		t.Fatalf("LoadPrevious: %v", err)
	}
	if prev == nil || prev.RevisionID != first.RevisionID {
		t.Fatalf("expected previous = first revision, got %+v", prev)
	}

	desired, err := s.LoadDesired()
	if err != nil {
		t.Fatalf("LoadDesired: %v", err)
	}
	if desired.RevisionID != second.RevisionID {
		t.Fatalf("expected desired = second revision, got %+v", desired)
	}
}

func TestSetDesiredIdempotentOnSameHash(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rev := mustRevision(t, "job-a")

	if changed, err := s.SetDesired(rev); err != nil || !changed {
		t.Fatalf("first SetDesired: changed=%v err=%v", changed, err)
	}
	if changed, err := s.SetDesired(rev); err != nil || changed {
		t.Fatalf("second SetDesired (same hash): changed=%v err=%v, want changed=false", changed, err)
	}

	prev, err := s.LoadPrevious()
	if err != nil {
		t.Fatalf("LoadPrevious: %v", err)
	}
	if prev != nil {
		t.Fatal("idempotent SetDesired must not touch previous")
	}
}

func TestSanitizeRunID(t *testing.T) {
	in := `a/b\c:d*e?f"g<h>i|j`
	got := SanitizeRunID(in)
	for _, bad := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		if containsRune(got, bad) {
			t.Fatalf("sanitized id %q still contains %q", got, bad)
		}
	}
}

func containsRune(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestRunStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	alive := true
	st := &deploy.LocalRunState{ConsecutiveAliveFailures: 2, RanSuccessful: true, LastAlive: &alive}

	if err := SaveRunState(dir, st); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}

	got, err := LoadRunState(dir)
	if err != nil {
		t.Fatalf("LoadRunState: %v", err)
	}
	if got.ConsecutiveAliveFailures != 2 || !got.RanSuccessful || got.LastAlive == nil || !*got.LastAlive {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadRunStateMissingReturnsZeroValue(t *testing.T) {
	got, err := LoadRunState(t.TempDir())
	if err != nil {
		t.Fatalf("LoadRunState: %v", err)
	}
	if got.RanSuccessful || got.ConsecutiveAliveFailures != 0 {
		t.Fatalf("expected zero value, got %+v", got)
	}
}
