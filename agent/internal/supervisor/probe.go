// Probe semantics (spec §4.9) and the "adjusted consecutive" rollback count,
// supplemented from deployment_manager.rs (lines ~120-123) and
// unit_manager.rs (liveness trigger treated as Any, lines ~716-717).
package supervisor

import (
	"context"
	"time"

	"m87.dev/agent/internal/runner"
	"m87.dev/shared/deploy"
)

// ProbeKind distinguishes the two independent probe bits tracked per unit.
type ProbeKind int

const (
	ProbeLiveness ProbeKind = iota
	ProbeHealth
)

const defaultObserveTimeout = 5 * time.Second

// ProbeOutcome reports what RunProbe did, for the rollback check.
type ProbeOutcome struct {
	// FailureEvent is true iff this call crossed a fails_after boundary —
	// i.e. it is a "failure event" per spec, not just an incremented
	// counter.
	FailureEvent bool
	// AdjustedConsecutive is consecutive_failures / fails_after, the value
	// compared against a RollbackTrigger{Kind: consecutive, N}. Only
	// meaningful when FailureEvent is true.
	AdjustedConsecutive uint32
}

// RunProbe executes one liveness or health probe and updates st in place. A
// success enqueues a RunStateReport if the observed bit changed (or has never
// been reported); a failure enqueues one, after running the report hook,
// each time the consecutive-failure counter reaches a multiple of
// fails_after, whether or not the bit changed. Returns whether this call
// produced a rollback-eligible failure event.
func RunProbe(ctx context.Context, sink Sink, r *runner.Runner, runID, revisionID string, kind ProbeKind, hooks *deploy.ObserveHooks, st *deploy.LocalRunState) ProbeOutcome {
	timeout := hooks.ObserveTimeout
	if timeout == 0 {
		timeout = defaultObserveTimeout
	}

	res, err := r.Run(ctx, hooks.Observe, timeout)
	now := time.Now().UTC()

	if err == nil {
		return onProbeSuccess(sink, runID, revisionID, kind, st, now)
	}
	return onProbeFailure(ctx, sink, r, runID, revisionID, kind, hooks, st, res, now)
}

func onProbeSuccess(sink Sink, runID, revisionID string, kind ProbeKind, st *deploy.LocalRunState, now time.Time) ProbeOutcome {
	tru := true
	var changed bool

	switch kind {
	case ProbeLiveness:
		st.ConsecutiveAliveFailures = 0
		changed = st.LastAlive == nil || !*st.LastAlive
		st.LastAlive = &tru
		st.LastAliveAt = &now
	case ProbeHealth:
		st.ConsecutiveHealthFailures = 0
		changed = st.LastHealth == nil || !*st.LastHealth
		st.LastHealth = &tru
		st.LastHealthAt = &now
	}

	if changed || !st.ReportedOnce {
		rep := deploy.RunStateReport{RunID: runID, RevisionID: revisionID, ReportTime: now}
		switch kind {
		case ProbeLiveness:
			rep.Alive = &tru
		case ProbeHealth:
			rep.Healthy = &tru
			rep.Alive = &tru
		}
		_ = sink.Enqueue(deploy.NewRunStateReport(rep))
		st.ReportedOnce = true
	}

	return ProbeOutcome{}
}

func onProbeFailure(ctx context.Context, sink Sink, r *runner.Runner, runID, revisionID string, kind ProbeKind, hooks *deploy.ObserveHooks, st *deploy.LocalRunState, res *runner.Result, now time.Time) ProbeOutcome {
	falsy := false

	var counter *uint32
	switch kind {
	case ProbeLiveness:
		st.ConsecutiveAliveFailures++
		counter = &st.ConsecutiveAliveFailures
		st.LastAlive = &falsy
		st.LastAliveAt = &now
	case ProbeHealth:
		st.ConsecutiveHealthFailures++
		counter = &st.ConsecutiveHealthFailures
		st.LastHealth = &falsy
		st.LastHealthAt = &now
	}

	failsAfter := hooks.FailsAfterOrDefault()
	if *counter%failsAfter != 0 {
		return ProbeOutcome{}
	}

	logTail := ""
	if res != nil {
		logTail = res.Output
	}
	if !hooks.Report.Empty() {
		reportTimeout := hooks.ReportTimeout
		if reportTimeout == 0 {
			reportTimeout = defaultObserveTimeout
		}
		reportRes, _ := r.Run(ctx, hooks.Report, reportTimeout)
		if reportRes != nil {
			logTail += reportRes.Output
		}
	}

	rep := deploy.RunStateReport{RunID: runID, RevisionID: revisionID, ReportTime: now, LogTail: logTail}
	switch kind {
	case ProbeLiveness:
		rep.Alive = &falsy
	case ProbeHealth:
		rep.Healthy = &falsy
	}
	_ = sink.Enqueue(deploy.NewRunStateReport(rep))
	st.ReportedOnce = true

	return ProbeOutcome{FailureEvent: true, AdjustedConsecutive: *counter / failsAfter}
}
