package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"m87.dev/agent/internal/runner"
	"m87.dev/agent/internal/store"
	"m87.dev/shared/deploy"
)

// runDueProbes runs exactly the probes whose next-due instant has passed,
// for every enabled run-spec that configures one. A probe's due instant is
// reset to now+every immediately after it runs, regardless of outcome.
func (sv *Supervisor) runDueProbes(ctx context.Context, desired *deploy.DeploymentRevision) {
	now := time.Now().UTC()

	for _, job := range desired.Jobs {
		if !job.Enabled || job.Observe == nil {
			continue
		}
		workdir := sv.store.ResolveWorkdir(job)
		r := &runner.Runner{Dir: workdir, Env: job.Env}

		if job.Observe.Liveness != nil {
			sv.maybeRunProbe(ctx, r, job, desired, ProbeLiveness, job.Observe.Liveness, now)
		}
		if job.Observe.Health != nil {
			sv.maybeRunProbe(ctx, r, job, desired, ProbeHealth, job.Observe.Health, now)
		}
	}
}

func (sv *Supervisor) maybeRunProbe(ctx context.Context, r *runner.Runner, job deploy.RunSpec, desired *deploy.DeploymentRevision, kind ProbeKind, hooks *deploy.ObserveHooks, now time.Time) {
	sv.mu.Lock()
	due, ok := sv.probeDue[job.RunID]
	if !ok {
		due = make(map[ProbeKind]time.Time)
		sv.probeDue[job.RunID] = due
	}
	nextDue, scheduled := due[kind]
	sv.mu.Unlock()

	if scheduled && now.Before(nextDue) {
		return
	}

	workdir := r.Dir
	st, err := store.LoadRunState(workdir)
	if err != nil {
		sv.logger.Error("load probe state failed", zap.String("run_id", job.RunID), zap.Error(err))
		return
	}

	outcome := RunProbe(ctx, sv.sink, r, job.RunID, desired.RevisionID, kind, hooks, st)

	if err := store.SaveRunState(workdir, st); err != nil {
		sv.logger.Error("save probe state failed", zap.String("run_id", job.RunID), zap.Error(err))
	}

	sv.mu.Lock()
	sv.probeDue[job.RunID][kind] = now.Add(hooks.Every)
	deploymentStartedAt := sv.deploymentStartedAt
	sv.mu.Unlock()

	if outcome.FailureEvent && desired.Rollback != nil {
		allFailing := func() bool { return CheckAllFailing(sv.store, desired) }
		if ShouldRollback(desired.Rollback, deploymentStartedAt, now, kind, outcome, allFailing) {
			if err := PerformRollback(sv.store, sv.sink, desired.RevisionID); err != nil {
				sv.logger.Error("rollback failed", zap.Error(err))
			}
		}
	}
}
