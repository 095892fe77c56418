// Package deploy defines the deployment-revision data model shared by the
// agent's supervisor and the broker: run-specs, steps, probes, rollback
// policy, and the deploy-report tagged union sent over the heartbeat stream.
package deploy

import "time"

// WorkdirMode selects whether a run-spec's working directory survives across
// revisions (persistent) or is deleted after a successful stop (ephemeral).
type WorkdirMode string

const (
	WorkdirPersistent WorkdirMode = "persistent"
	WorkdirEphemeral  WorkdirMode = "ephemeral"
)

// Workdir describes where a run-spec's files are materialised.
type Workdir struct {
	Mode WorkdirMode `json:"mode"`
	Path string      `json:"path,omitempty"`
}

// RunType distinguishes a long-lived service, a one-shot job, and a
// probes-only observe unit.
type RunType string

const (
	RunTypeService RunType = "service"
	RunTypeJob     RunType = "job"
	RunTypeObserve RunType = "observe"
)

// RebootSignal is informational only; the supervisor does not act on it.
type RebootSignal string

const (
	RebootNone    RebootSignal = "none"
	RebootRequest RebootSignal = "request"
	RebootAuto    RebootSignal = "auto"
)

// RetryPolicy bounds how many times a failed step is retried.
type RetryPolicy struct {
	Attempts    int           `json:"attempts"`
	Backoff     time.Duration `json:"backoff"`
	OnExitCodes []int         `json:"on_exit_codes,omitempty"`
}

// Retryable reports whether exitCode should be retried under this policy.
// An empty OnExitCodes list means every non-zero exit code is retryable.
func (r *RetryPolicy) Retryable(exitCode int) bool {
	if exitCode == 0 {
		return false
	}
	if len(r.OnExitCodes) == 0 {
		return true
	}
	for _, c := range r.OnExitCodes {
		if c == exitCode {
			return true
		}
	}
	return false
}

// Undo describes the command run to reverse a step that already succeeded.
type Undo struct {
	Run     Command       `json:"run"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Step is one entry of a run-spec's start or stop sequence.
type Step struct {
	Name    string        `json:"name"`
	Run     Command       `json:"run"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Retry   *RetryPolicy  `json:"retry,omitempty"`
	Undo    *Undo         `json:"undo,omitempty"`
}

// UndoMode selects what happens when a step in the start sequence fails.
type UndoMode string

const (
	UndoNone          UndoMode = "none"
	UndoExecutedSteps UndoMode = "executed_steps"
)

// OnFailure governs behaviour after a step fails.
type OnFailure struct {
	Undo              UndoMode `json:"undo"`
	ContinueOnFailure bool     `json:"continue_on_failure"`
}

// ObserveHooks is the liveness/health probe configuration for a run-spec.
type ObserveHooks struct {
	Every          time.Duration `json:"every"`
	Observe        Command       `json:"observe"`
	Report         Command       `json:"report,omitempty"`
	ObserveTimeout time.Duration `json:"observe_timeout,omitempty"`
	ReportTimeout  time.Duration `json:"report_timeout,omitempty"`
	FailsAfter     uint32        `json:"fails_after,omitempty"`
}

// FailsAfterOrDefault returns FailsAfter, defaulting to 1 per spec.
func (h *ObserveHooks) FailsAfterOrDefault() uint32 {
	if h.FailsAfter == 0 {
		return 1
	}
	return h.FailsAfter
}

// LogsObserve configures whether/how logs are followed for a run-spec.
type LogsObserve struct {
	Follow bool `json:"follow,omitempty"`
	Tail   int  `json:"tail,omitempty"`
}

// Observe bundles the optional logs/liveness/health probe configuration.
type Observe struct {
	Logs     *LogsObserve  `json:"logs,omitempty"`
	Liveness *ObserveHooks `json:"liveness,omitempty"`
	Health   *ObserveHooks `json:"health,omitempty"`
}

// RunSpec is a single unit of work within a revision, identified by a
// content-hash RunID that is stable across re-serialisation.
type RunSpec struct {
	RunID     string            `json:"run_id"`
	RunType   RunType           `json:"run_type"`
	Enabled   bool              `json:"enabled"`
	Workdir   Workdir           `json:"workdir"`
	Files     map[string]string `json:"files,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Steps     []Step            `json:"steps,omitempty"`
	OnFailure OnFailure         `json:"on_failure"`
	Stop      []Step            `json:"stop,omitempty"`
	Observe   *Observe          `json:"observe,omitempty"`
	Reboot    RebootSignal      `json:"reboot,omitempty"`
}

// RollbackTriggerKind selects which condition arms a rollback.
type RollbackTriggerKind string

const (
	RollbackNever       RollbackTriggerKind = "never"
	RollbackAny         RollbackTriggerKind = "any"
	RollbackAll         RollbackTriggerKind = "all"
	RollbackConsecutive RollbackTriggerKind = "consecutive"
)

// RollbackTrigger is the tagged condition that arms an automatic rollback.
// N is only meaningful when Kind is RollbackConsecutive.
type RollbackTrigger struct {
	Kind RollbackTriggerKind `json:"kind"`
	N    uint32              `json:"n,omitempty"`
}

// RollbackPolicy attaches an automatic-rollback rule to a revision.
type RollbackPolicy struct {
	Trigger                RollbackTrigger `json:"trigger"`
	StabilizationPeriodSecs uint32         `json:"stabilization_period_secs"`
}

// DeploymentRevision is an ordered set of run-specs plus an optional
// rollback policy, identified by a content-hash RevisionID.
type DeploymentRevision struct {
	RevisionID string          `json:"revision_id"`
	Jobs       []RunSpec       `json:"jobs"`
	Rollback   *RollbackPolicy `json:"rollback,omitempty"`
}

// FindJob returns the run-spec with the given id, or ok=false.
func (d *DeploymentRevision) FindJob(runID string) (RunSpec, bool) {
	for _, j := range d.Jobs {
		if j.RunID == runID {
			return j, true
		}
	}
	return RunSpec{}, false
}

// LocalRunState is the per-unit, per-workdir state persisted as run_state.json.
type LocalRunState struct {
	ConsecutiveAliveFailures  uint32     `json:"consecutive_alive_failures"`
	ConsecutiveHealthFailures uint32     `json:"consecutive_health_failures"`
	RanSuccessful             bool       `json:"ran_successful"`
	ReportedOnce              bool       `json:"reported_once"`
	LastAlive                 *bool      `json:"last_alive,omitempty"`
	LastHealth                *bool      `json:"last_health,omitempty"`
	LastAliveAt               *time.Time `json:"last_alive_at,omitempty"`
	LastHealthAt              *time.Time `json:"last_health_at,omitempty"`
}
