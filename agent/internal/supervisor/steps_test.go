package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"m87.dev/agent/internal/runner"
	"m87.dev/shared/deploy"
)

// memSink collects every enqueued report, for assertions.
type memSink struct {
	mu      sync.Mutex
	reports []deploy.DeployReport
}

func (s *memSink) Enqueue(r deploy.DeployReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memSink) steps() []deploy.StepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deploy.StepReport
	for _, r := range s.reports {
		if r.Kind == deploy.ReportStep {
			out = append(out, *r.Step)
		}
	}
	return out
}

func TestRunStepWithRetryExactAttempts(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	r := &runner.Runner{Dir: t.TempDir()}
	step := deploy.Step{
		Name: "always-fails",
		Run:  deploy.ShellCommand("exit 1"),
		Retry: &deploy.RetryPolicy{
			Attempts: 3,
			Backoff:  time.Millisecond,
		},
	}

	_, attempts, err := runStepWithRetry(ctx, sink, r, "run-1", "rev-1", step)
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	reports := sink.steps()
	if len(reports) != 3 {
		t.Fatalf("got %d StepReports, want exactly 3", len(reports))
	}
	for i, rep := range reports {
		if rep.Attempts != i+1 {
			t.Fatalf("report %d: attempts = %d, want %d", i, rep.Attempts, i+1)
		}
	}
}

func TestRunStepWithRetrySucceedsBeforeExhausting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink := &memSink{}
	r := &runner.Runner{Dir: dir}
	// touch a marker file on the second attempt by counting prior runs.
	step := deploy.Step{
		Name: "flaky",
		Run:  deploy.ShellCommand("test -f marker && exit 0 || { touch marker; exit 1; }"),
		Retry: &deploy.RetryPolicy{
			Attempts: 3,
			Backoff:  time.Millisecond,
		},
	}

	_, attempts, err := runStepWithRetry(ctx, sink, r, "run-1", "rev-1", step)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if len(sink.steps()) != 2 {
		t.Fatalf("got %d StepReports, want exactly 2", len(sink.steps()))
	}
}

func TestRunStepWithRetryNotRetryableExitCode(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	r := &runner.Runner{Dir: t.TempDir()}
	step := deploy.Step{
		Name: "fails-with-2",
		Run:  deploy.ShellCommand("exit 2"),
		Retry: &deploy.RetryPolicy{
			Attempts:    5,
			OnExitCodes: []int{7},
		},
	}

	_, attempts, err := runStepWithRetry(ctx, sink, r, "run-1", "rev-1", step)
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (exit code 2 not in retry list)", attempts)
	}
	if len(sink.steps()) != 1 {
		t.Fatalf("got %d StepReports, want exactly 1", len(sink.steps()))
	}
}

func TestExecuteStepsUndoOnFailureOrdersReverse(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink := &memSink{}
	r := &runner.Runner{Dir: dir}

	steps := []deploy.Step{
		{
			Name: "first",
			Run:  deploy.ShellCommand("echo first >> order.log"),
			Undo: &deploy.Undo{Run: deploy.ShellCommand("echo undo-first >> order.log")},
		},
		{
			Name: "second",
			Run:  deploy.ShellCommand("echo second >> order.log"),
			Undo: &deploy.Undo{Run: deploy.ShellCommand("echo undo-second >> order.log")},
		},
		{
			Name: "third-fails",
			Run:  deploy.ShellCommand("exit 1"),
		},
	}

	ok := executeSteps(ctx, sink, r, "run-1", "rev-1", steps, deploy.OnFailure{Undo: deploy.UndoExecutedSteps})
	if ok {
		t.Fatal("expected overall failure")
	}

	reports := sink.steps()
	var undoNames []string
	for _, rep := range reports {
		if rep.IsUndo {
			undoNames = append(undoNames, rep.Name)
		}
	}
	if len(undoNames) != 2 || undoNames[0] != "second" || undoNames[1] != "first" {
		t.Fatalf("undo order = %v, want [second first]", undoNames)
	}
}

func TestExecuteStepsContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	r := &runner.Runner{Dir: t.TempDir()}

	steps := []deploy.Step{
		{Name: "fails", Run: deploy.ShellCommand("exit 1")},
		{Name: "runs-anyway", Run: deploy.ShellCommand("exit 0")},
	}

	executeSteps(ctx, sink, r, "run-1", "rev-1", steps, deploy.OnFailure{ContinueOnFailure: true})

	names := map[string]bool{}
	for _, rep := range sink.steps() {
		names[rep.Name] = true
	}
	if !names["fails"] || !names["runs-anyway"] {
		t.Fatalf("expected both steps reported, got %v", names)
	}
}

func TestExecuteStepsStopsWithoutContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	r := &runner.Runner{Dir: t.TempDir()}

	steps := []deploy.Step{
		{Name: "fails", Run: deploy.ShellCommand("exit 1")},
		{Name: "never-runs", Run: deploy.ShellCommand("exit 0")},
	}

	executeSteps(ctx, sink, r, "run-1", "rev-1", steps, deploy.OnFailure{})

	for _, rep := range sink.steps() {
		if rep.Name == "never-runs" {
			t.Fatal("step after failure should not have run")
		}
	}
}
