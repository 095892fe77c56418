// Step execution semantics (spec §4.9), ported from deployment_manager.rs's
// execute_steps/run_step_with_retry/undo_steps.
package supervisor

import (
	"context"
	"time"

	"m87.dev/agent/internal/runner"
	"m87.dev/shared/deploy"
)

// Sink is anything that durably accepts deploy reports — satisfied by
// *outbox.Outbox.
type Sink interface {
	Enqueue(report deploy.DeployReport) error
}

// runStepWithRetry runs step at most step.Retry.Attempts times (1 if no
// retry policy), sleeping Retry.Backoff between attempts, stopping at the
// first success or at the last allowed attempt. A StepReport is enqueued on
// sink for every attempt, each carrying its own attempts value (spec.md's
// Testable Property scenario 3: a 3-attempt retry emits exactly 3
// StepReports with attempts = 1, 2, 3), not just the final one.
func runStepWithRetry(ctx context.Context, sink Sink, r *runner.Runner, runID, revisionID string, step deploy.Step) (*runner.Result, int, error) {
	attempts := 1
	var backoff time.Duration
	if step.Retry != nil && step.Retry.Attempts > 0 {
		attempts = step.Retry.Attempts
		backoff = step.Retry.Backoff
	}

	var lastRes *runner.Result
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.Run(ctx, step.Run, step.Timeout)
		lastRes, lastErr = res, err
		_ = sink.Enqueue(stepReport(runID, revisionID, step.Name, attempt, res, err, false))

		if err == nil {
			return res, attempt, nil
		}
		if step.Retry != nil && !step.Retry.Retryable(res.ExitCode) {
			return res, attempt, err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return res, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastRes, attempts, lastErr
}

func stepReport(runID, revisionID, name string, attempts int, res *runner.Result, stepErr error, isUndo bool) deploy.DeployReport {
	rep := deploy.StepReport{
		RunID:      runID,
		RevisionID: revisionID,
		Name:       name,
		Attempts:   attempts,
		ReportTime: time.Now().UTC(),
		Success:    stepErr == nil,
		IsUndo:     isUndo,
	}
	if res != nil {
		ec := res.ExitCode
		rep.ExitCode = &ec
		rep.LogTail = res.Output
	}
	if stepErr != nil {
		if res != nil && res.TimedOut {
			rep.Error = "timeout"
		} else {
			rep.Error = stepErr.Error()
		}
	}
	return deploy.NewStepReport(rep)
}

// executeSteps runs steps in order against r, applying onFailure's undo and
// continue-on-failure policy. Returns overall success.
func executeSteps(ctx context.Context, sink Sink, r *runner.Runner, runID, revisionID string, steps []deploy.Step, onFailure deploy.OnFailure) bool {
	var executed []deploy.Step
	overallSuccess := true

	for _, step := range steps {
		_, _, err := runStepWithRetry(ctx, sink, r, runID, revisionID, step)

		if err == nil {
			executed = append(executed, step)
			continue
		}

		overallSuccess = false

		if onFailure.Undo == deploy.UndoExecutedSteps {
			undoSteps(ctx, sink, r, runID, revisionID, executed)
			executed = nil
		}

		if !onFailure.ContinueOnFailure {
			break
		}
	}

	return overallSuccess
}

// undoSteps walks executed in reverse, running each step's Undo.Run (if
// any) under its own timeout. Undo failures are reported but never stop the
// walk — best-effort cleanup beats a half-undone sequence.
func undoSteps(ctx context.Context, sink Sink, r *runner.Runner, runID, revisionID string, executed []deploy.Step) {
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Undo == nil || step.Undo.Run.Empty() {
			continue
		}
		res, err := r.Run(ctx, step.Undo.Run, step.Undo.Timeout)
		_ = sink.Enqueue(stepReport(runID, revisionID, step.Name, 1, res, err, true))
	}
}
