package supervisor

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"m87.dev/agent/internal/store"
	"m87.dev/shared/deploy"
)

func testStore(t *testing.T) (*store.Store, error) {
	t.Helper()
	return store.Open(t.TempDir())
}

func mustRevision(t *testing.T, jobs []deploy.RunSpec, rollback *deploy.RollbackPolicy) *deploy.DeploymentRevision {
	t.Helper()
	rev := &deploy.DeploymentRevision{Jobs: jobs, Rollback: rollback}
	if err := deploy.FillIDs(rev); err != nil {
		t.Fatal(err)
	}
	return rev
}

func TestSupervisorTickReconcilesNewServiceToSuccess(t *testing.T) {
	st, err := testStore(t)
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	logger := zap.NewNop()
	sv := New(st, sink, logger)

	job := deploy.RunSpec{
		RunType: deploy.RunTypeService,
		Enabled: true,
		Workdir: deploy.Workdir{Mode: deploy.WorkdirPersistent},
		Steps:   []deploy.Step{{Name: "start", Run: deploy.ShellCommand("exit 0")}},
	}
	rev := mustRevision(t, []deploy.RunSpec{job}, nil)

	if err := sv.SetDesired(rev); err != nil {
		t.Fatal(err)
	}
	if err := sv.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	foundSuccess := false
	for _, rep := range sink.reports {
		if rep.Kind == deploy.ReportRun && rep.Run.Outcome == deploy.OutcomeSuccess {
			foundSuccess = true
		}
	}
	if !foundSuccess {
		t.Fatalf("expected a successful run report, got %+v", sink.reports)
	}
}

func TestSupervisorTickIsIdempotentAfterConvergence(t *testing.T) {
	st, err := testStore(t)
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	sv := New(st, sink, zap.NewNop())

	job := deploy.RunSpec{
		RunType: deploy.RunTypeService,
		Enabled: true,
		Workdir: deploy.Workdir{Mode: deploy.WorkdirPersistent},
		Steps:   []deploy.Step{{Name: "start", Run: deploy.ShellCommand("exit 0")}},
	}
	rev := mustRevision(t, []deploy.RunSpec{job}, nil)

	if err := sv.SetDesired(rev); err != nil {
		t.Fatal(err)
	}
	if err := sv.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	countAfterFirst := len(sink.reports)

	// A second tick with no change in desired state must not re-run steps —
	// the run-spec was cleared from the dirty set after the first tick.
	if err := sv.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.reports) != countAfterFirst {
		t.Fatalf("expected no new reports on idempotent tick, got %d extra", len(sink.reports)-countAfterFirst)
	}
}

func TestSupervisorTickRemovesDroppedRunSpec(t *testing.T) {
	st, err := testStore(t)
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	sv := New(st, sink, zap.NewNop())

	job := deploy.RunSpec{
		RunType: deploy.RunTypeService,
		Enabled: true,
		Workdir: deploy.Workdir{Mode: deploy.WorkdirPersistent},
		Steps:   []deploy.Step{{Name: "start", Run: deploy.ShellCommand("exit 0")}},
		Stop:    []deploy.Step{{Name: "stop", Run: deploy.ShellCommand("exit 0")}},
	}
	rev1 := mustRevision(t, []deploy.RunSpec{job}, nil)
	if err := sv.SetDesired(rev1); err != nil {
		t.Fatal(err)
	}
	if err := sv.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	rev2 := mustRevision(t, nil, nil)
	if err := sv.SetDesired(rev2); err != nil {
		t.Fatal(err)
	}
	if err := sv.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	foundStopSuccess := false
	for _, rep := range sink.reports {
		if rep.Kind == deploy.ReportRun && rep.Run.RunID == rev1.Jobs[0].RunID && rep.Run.RevisionID == rev2.RevisionID && rep.Run.Outcome == deploy.OutcomeSuccess {
			foundStopSuccess = true
		}
	}
	if !foundStopSuccess {
		t.Fatal("expected a successful stop run report for the removed run-spec")
	}
}

func TestComputeDirtyDetectsNewChangedAndRemoved(t *testing.T) {
	unchanged := deploy.RunSpec{RunType: deploy.RunTypeJob, Steps: []deploy.Step{{Name: "a", Run: deploy.ShellCommand("echo a")}}}
	removedSpec := deploy.RunSpec{RunType: deploy.RunTypeJob, Steps: []deploy.Step{{Name: "b", Run: deploy.ShellCommand("echo b")}}}
	changedBefore := deploy.RunSpec{RunType: deploy.RunTypeJob, Steps: []deploy.Step{{Name: "c", Run: deploy.ShellCommand("echo c1")}}}
	changedAfter := deploy.RunSpec{RunType: deploy.RunTypeJob, Steps: []deploy.Step{{Name: "c", Run: deploy.ShellCommand("echo c2")}}}
	newSpec := deploy.RunSpec{RunType: deploy.RunTypeJob, Steps: []deploy.Step{{Name: "d", Run: deploy.ShellCommand("echo d")}}}

	for _, s := range []*deploy.RunSpec{&unchanged, &removedSpec, &changedBefore, &changedAfter, &newSpec} {
		id, err := deploy.RunSpecID(*s)
		if err != nil {
			t.Fatal(err)
		}
		s.RunID = id
	}

	previous := &deploy.DeploymentRevision{Jobs: []deploy.RunSpec{unchanged, removedSpec, changedBefore}}
	desired := &deploy.DeploymentRevision{Jobs: []deploy.RunSpec{unchanged, changedAfter, newSpec}}

	dirty, removed := computeDirty(previous, desired)

	if _, ok := dirty[unchanged.RunID]; ok {
		t.Fatal("unchanged run-spec must not be dirty")
	}
	if _, ok := dirty[changedAfter.RunID]; !ok {
		t.Fatal("changed run-spec (new content hash) must be dirty")
	}
	if _, ok := dirty[newSpec.RunID]; !ok {
		t.Fatal("new run-spec must be dirty")
	}
	if _, ok := dirty[removedSpec.RunID]; !ok {
		t.Fatal("removed run-spec must be dirty")
	}
	if _, ok := removed[removedSpec.RunID]; !ok {
		t.Fatal("removed run-spec must be present in the removed set")
	}
	if _, ok := dirty[changedBefore.RunID]; !ok {
		t.Fatal("old content hash of a changed run-spec must be dirty")
	}
	if len(dirty) != 4 {
		t.Fatalf("dirty set size = %d, want 4", len(dirty))
	}
}
