package supervisor

import (
	"testing"
	"time"

	"m87.dev/shared/deploy"
)

func TestShouldRollbackRespectsStabilizationPeriod(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := &deploy.RollbackPolicy{
		Trigger:                 deploy.RollbackTrigger{Kind: deploy.RollbackAny},
		StabilizationPeriodSecs: 60,
	}
	outcome := ProbeOutcome{FailureEvent: true}

	tooSoon := started.Add(30 * time.Second)
	if ShouldRollback(policy, started, tooSoon, ProbeHealth, outcome, nil) {
		t.Fatal("should not roll back before stabilization period elapses")
	}

	justAfter := started.Add(61 * time.Second)
	if !ShouldRollback(policy, started, justAfter, ProbeHealth, outcome, nil) {
		t.Fatal("should roll back once stabilization period has elapsed")
	}
}

func TestShouldRollbackNever(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	policy := &deploy.RollbackPolicy{Trigger: deploy.RollbackTrigger{Kind: deploy.RollbackNever}}
	outcome := ProbeOutcome{FailureEvent: true}
	if ShouldRollback(policy, started, time.Now().UTC(), ProbeHealth, outcome, nil) {
		t.Fatal("RollbackNever must never trigger")
	}
}

func TestShouldRollbackConsecutiveHonorsNForHealth(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	policy := &deploy.RollbackPolicy{Trigger: deploy.RollbackTrigger{Kind: deploy.RollbackConsecutive, N: 3}}
	now := time.Now().UTC()

	below := ProbeOutcome{FailureEvent: true, AdjustedConsecutive: 2}
	if ShouldRollback(policy, started, now, ProbeHealth, below, nil) {
		t.Fatal("adjusted consecutive below N must not trigger")
	}

	atN := ProbeOutcome{FailureEvent: true, AdjustedConsecutive: 3}
	if !ShouldRollback(policy, started, now, ProbeHealth, atN, nil) {
		t.Fatal("adjusted consecutive at N must trigger")
	}
}

func TestShouldRollbackConsecutiveTreatsLivenessAsAny(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	policy := &deploy.RollbackPolicy{Trigger: deploy.RollbackTrigger{Kind: deploy.RollbackConsecutive, N: 100}}
	now := time.Now().UTC()
	outcome := ProbeOutcome{FailureEvent: true, AdjustedConsecutive: 1}

	if !ShouldRollback(policy, started, now, ProbeLiveness, outcome, nil) {
		t.Fatal("a liveness failure event must trigger RollbackConsecutive regardless of N")
	}
}

func TestShouldRollbackAllDelegatesToAllFailing(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	policy := &deploy.RollbackPolicy{Trigger: deploy.RollbackTrigger{Kind: deploy.RollbackAll}}
	now := time.Now().UTC()
	outcome := ProbeOutcome{FailureEvent: true}

	if ShouldRollback(policy, started, now, ProbeHealth, outcome, func() bool { return false }) {
		t.Fatal("expected false when allFailing reports false")
	}
	if !ShouldRollback(policy, started, now, ProbeHealth, outcome, func() bool { return true }) {
		t.Fatal("expected true when allFailing reports true")
	}
}

func TestShouldRollbackNoFailureEventNeverTriggers(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	policy := &deploy.RollbackPolicy{Trigger: deploy.RollbackTrigger{Kind: deploy.RollbackAny}}
	now := time.Now().UTC()
	outcome := ProbeOutcome{FailureEvent: false}

	if ShouldRollback(policy, started, now, ProbeHealth, outcome, nil) {
		t.Fatal("a non-failure-event probe outcome must never trigger rollback")
	}
}

func TestPerformRollbackNoPreviousReportsFailure(t *testing.T) {
	st, err := testStore(t)
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}

	if err := PerformRollback(st, sink, "rev-current"); err != nil {
		t.Fatalf("PerformRollback returned error: %v", err)
	}

	if len(sink.reports) != 1 || sink.reports[0].Kind != deploy.ReportRollback {
		t.Fatalf("expected one rollback report, got %+v", sink.reports)
	}
	if sink.reports[0].Rollback.Success {
		t.Fatal("expected Success=false when there is no previous revision")
	}
}
