// Rollback trigger evaluation and action (spec §4.9), supplemented from
// deployment_manager.rs's check_all_units_failing / is_past_stabilization_period
// and unit_manager.rs's liveness-trigger-as-Any special case.
package supervisor

import (
	"time"

	"m87.dev/agent/internal/store"
	"m87.dev/shared/deploy"
)

// ShouldRollback decides whether a just-observed probe failure event should
// arm a rollback, given the policy attached to the current revision and
// when that revision was set as desired.
//
// Liveness failures never track a separate per-n consecutive count (spec
// note, unit_manager.rs): a RollbackConsecutive trigger is treated as
// RollbackAny for liveness probes. Health probes honor the trigger as
// configured.
func ShouldRollback(policy *deploy.RollbackPolicy, deploymentStartedAt, now time.Time, kind ProbeKind, outcome ProbeOutcome, allFailing func() bool) bool {
	if policy == nil || !outcome.FailureEvent {
		return false
	}
	if now.Sub(deploymentStartedAt) < time.Duration(policy.StabilizationPeriodSecs)*time.Second {
		return false
	}

	switch policy.Trigger.Kind {
	case deploy.RollbackNever:
		return false
	case deploy.RollbackAny:
		return true
	case deploy.RollbackAll:
		return allFailing()
	case deploy.RollbackConsecutive:
		if kind == ProbeLiveness {
			return true
		}
		return outcome.AdjustedConsecutive >= policy.Trigger.N
	default:
		return false
	}
}

// CheckAllFailing scans every enabled run-spec in desired that has a
// liveness or health probe configured and reports whether every one of them
// is currently reporting failure. A revision with no probed units never
// satisfies "all failing".
func CheckAllFailing(s *store.Store, desired *deploy.DeploymentRevision) bool {
	considered := 0
	for _, job := range desired.Jobs {
		if !job.Enabled || job.Observe == nil {
			continue
		}
		if job.Observe.Liveness == nil && job.Observe.Health == nil {
			continue
		}
		considered++

		workdir := s.ResolveWorkdir(job)
		st, err := store.LoadRunState(workdir)
		if err != nil {
			return false
		}
		if isFailing(st) {
			continue
		}
		return false
	}
	return considered > 0
}

func isFailing(st *deploy.LocalRunState) bool {
	if st.LastAlive != nil && !*st.LastAlive {
		return true
	}
	if st.LastHealth != nil && !*st.LastHealth {
		return true
	}
	return false
}

// PerformRollback loads the previous revision and, if present, makes it the
// new desired revision — which itself records its own previous, so a
// second failure could roll forward again; the stabilization period is the
// only guard against oscillation. Emitting the RollbackReport is the commit
// point: at-most-once per trigger.
func PerformRollback(s *store.Store, sink Sink, revisionID string) error {
	previous, err := s.LoadPrevious()
	if err != nil {
		return err
	}
	if previous == nil {
		return sink.Enqueue(deploy.NewRollbackReport(deploy.RollbackReport{
			RevisionID: revisionID,
			Success:    false,
			Error:      "no previous",
		}))
	}

	if _, err := s.SetDesired(previous); err != nil {
		return sink.Enqueue(deploy.NewRollbackReport(deploy.RollbackReport{
			RevisionID: revisionID,
			Success:    false,
			Error:      err.Error(),
		}))
	}

	return sink.Enqueue(deploy.NewRollbackReport(deploy.RollbackReport{
		RevisionID: revisionID,
		Success:    true,
	}))
}
