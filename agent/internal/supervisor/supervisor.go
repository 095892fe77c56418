// Package supervisor implements the deployment supervisor (C9): the
// 250ms-tick reconciler over desired vs running run-specs, the per-unit
// step executor (steps.go), liveness/health probes (probe.go), and
// automatic rollback (rollback.go). Ported from
// original_source/m87-client/src/device/deployment_manager.rs; the
// tick-loop shape borrows the teacher's scheduler.Scheduler logging idiom.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"m87.dev/agent/internal/runner"
	"m87.dev/agent/internal/store"
	"m87.dev/shared/deploy"
)

// TickInterval is the primary reconcile loop period (spec §4.9).
const TickInterval = 250 * time.Millisecond

// Supervisor reconciles the store's desired revision against on-disk state.
type Supervisor struct {
	store  *store.Store
	sink   Sink
	logger *zap.Logger

	mu                  sync.Mutex
	lastRevisionID      string
	deploymentStartedAt time.Time
	dirty               map[string]struct{}
	removedSpecs        map[string]deploy.RunSpec
	probeDue            map[string]map[ProbeKind]time.Time
}

// New returns a Supervisor backed by st, emitting reports to sink.
func New(st *store.Store, sink Sink, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		store:        st,
		sink:         sink,
		logger:       logger.Named("supervisor"),
		dirty:        make(map[string]struct{}),
		removedSpecs: make(map[string]deploy.RunSpec),
		probeDue:     make(map[string]map[ProbeKind]time.Time),
	}
}

// SetDesired persists rev as the new desired revision. A no-op if rev's
// hash already matches the current desired revision.
func (sv *Supervisor) SetDesired(rev *deploy.DeploymentRevision) error {
	_, err := sv.store.SetDesired(rev)
	return err
}

// Run ticks every TickInterval until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sv.Tick(ctx); err != nil {
				sv.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one reconcile pass: detect a revision change (recompute the
// dirty set), converge every dirty entry, then run any due probes.
func (sv *Supervisor) Tick(ctx context.Context) error {
	desired, err := sv.store.LoadDesired()
	if err != nil {
		return err
	}
	if desired == nil {
		return nil
	}

	sv.mu.Lock()
	if desired.RevisionID != sv.lastRevisionID {
		previous, err := sv.store.LoadPrevious()
		if err != nil {
			sv.mu.Unlock()
			return err
		}
		newDirty, removed := computeDirty(previous, desired)
		for id := range newDirty {
			sv.dirty[id] = struct{}{}
		}
		for id, spec := range removed {
			sv.removedSpecs[id] = spec
		}
		sv.lastRevisionID = desired.RevisionID
		sv.deploymentStartedAt = time.Now().UTC()
	}
	dirtyIDs := make([]string, 0, len(sv.dirty))
	for id := range sv.dirty {
		dirtyIDs = append(dirtyIDs, id)
	}
	sort.Strings(dirtyIDs)
	sv.mu.Unlock()

	for _, id := range dirtyIDs {
		sv.reconcileOne(ctx, id, desired)
	}

	sv.runDueProbes(ctx, desired)
	return nil
}

func computeDirty(previous, desired *deploy.DeploymentRevision) (dirty map[string]struct{}, removed map[string]deploy.RunSpec) {
	dirty = make(map[string]struct{})
	removed = make(map[string]deploy.RunSpec)

	previousIDs := make(map[string]struct{})
	if previous != nil {
		for _, j := range previous.Jobs {
			previousIDs[j.RunID] = struct{}{}
		}
	}
	desiredIDs := make(map[string]struct{}, len(desired.Jobs))
	for _, j := range desired.Jobs {
		desiredIDs[j.RunID] = struct{}{}
		if _, wasPresent := previousIDs[j.RunID]; !wasPresent {
			dirty[j.RunID] = struct{}{}
		}
	}

	if previous != nil {
		for _, j := range previous.Jobs {
			if _, stillDesired := desiredIDs[j.RunID]; !stillDesired {
				dirty[j.RunID] = struct{}{}
				removed[j.RunID] = j
			}
		}
	}
	return dirty, removed
}

func (sv *Supervisor) reconcileOne(ctx context.Context, runID string, desired *deploy.DeploymentRevision) {
	job, ok := desired.FindJob(runID)
	if !ok {
		sv.reconcileRemoved(ctx, runID, desired.RevisionID)
		return
	}

	workdir := sv.store.ResolveWorkdir(job)
	if err := materialise(workdir, job); err != nil {
		sv.logger.Error("materialise failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	r := &runner.Runner{Dir: workdir, Env: job.Env}

	var success bool
	switch job.RunType {
	case deploy.RunTypeService:
		if job.Enabled {
			success = executeSteps(ctx, sv.sink, r, runID, desired.RevisionID, job.Steps, job.OnFailure)
		} else {
			success = executeSteps(ctx, sv.sink, r, runID, desired.RevisionID, job.Stop, job.OnFailure)
			if success && job.Workdir.Mode == deploy.WorkdirEphemeral {
				os.RemoveAll(workdir)
			}
		}
	case deploy.RunTypeJob:
		if !job.Enabled {
			sv.clearDirty(runID)
			return
		}
		st, err := store.LoadRunState(workdir)
		if err != nil {
			sv.logger.Error("load run state failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if st.RanSuccessful {
			sv.clearDirty(runID)
			return
		}
		success = executeSteps(ctx, sv.sink, r, runID, desired.RevisionID, job.Steps, job.OnFailure)
	case deploy.RunTypeObserve:
		success = true
	}

	outcome := deploy.OutcomeFailed
	if success {
		outcome = deploy.OutcomeSuccess
		st, err := store.LoadRunState(workdir)
		if err == nil {
			st.RanSuccessful = true
			_ = store.SaveRunState(workdir, st)
		}
	}
	_ = sv.sink.Enqueue(deploy.NewRunReport(deploy.RunReport{RunID: runID, RevisionID: desired.RevisionID, Outcome: outcome}))

	sv.clearDirty(runID)
}

func (sv *Supervisor) reconcileRemoved(ctx context.Context, runID, revisionID string) {
	sv.mu.Lock()
	job, ok := sv.removedSpecs[runID]
	sv.mu.Unlock()
	if !ok {
		sv.clearDirty(runID)
		return
	}

	if job.RunType == deploy.RunTypeService {
		workdir := sv.store.ResolveWorkdir(job)
		r := &runner.Runner{Dir: workdir, Env: job.Env}
		success := executeSteps(ctx, sv.sink, r, runID, revisionID, job.Stop, job.OnFailure)
		if success && job.Workdir.Mode == deploy.WorkdirEphemeral {
			os.RemoveAll(workdir)
		}
		outcome := deploy.OutcomeFailed
		if success {
			outcome = deploy.OutcomeSuccess
		}
		_ = sv.sink.Enqueue(deploy.NewRunReport(deploy.RunReport{RunID: runID, RevisionID: revisionID, Outcome: outcome}))
	}

	sv.mu.Lock()
	delete(sv.removedSpecs, runID)
	delete(sv.probeDue, runID)
	sv.mu.Unlock()
	sv.clearDirty(runID)
}

func (sv *Supervisor) clearDirty(runID string) {
	sv.mu.Lock()
	delete(sv.dirty, runID)
	sv.mu.Unlock()
}

// materialise writes job.Files into workdir, creating it if needed.
func materialise(workdir string, job deploy.RunSpec) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return err
	}
	for relPath, content := range job.Files {
		full := filepath.Join(workdir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
