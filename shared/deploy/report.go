package deploy

import "time"

// ReportKind tags which variant of DeployReport is populated.
type ReportKind string

const (
	ReportDeploymentRevision ReportKind = "deployment_revision"
	ReportRun                ReportKind = "run"
	ReportStep               ReportKind = "step"
	ReportRollback           ReportKind = "rollback"
	ReportRunState           ReportKind = "run_state"
)

// Outcome is the terminal result of a run or deployment-revision application.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// DeploymentRevisionReport is emitted once per applied revision.
type DeploymentRevisionReport struct {
	RevisionID string  `json:"revision_id"`
	Outcome    Outcome `json:"outcome"`
	Dirty      bool    `json:"dirty"`
	Error      string  `json:"error,omitempty"`
}

// RunReport is emitted after a run-spec's steps complete (or fail).
type RunReport struct {
	RunID      string  `json:"run_id"`
	RevisionID string  `json:"revision_id"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// StepReport is emitted after each terminal step outcome, including undos.
type StepReport struct {
	RunID      string    `json:"run_id"`
	RevisionID string    `json:"revision_id"`
	Name       string    `json:"name,omitempty"`
	Attempts   int       `json:"attempts"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	ReportTime time.Time `json:"report_time"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	LogTail    string    `json:"log_tail,omitempty"`
	IsUndo     bool      `json:"is_undo,omitempty"`
}

// RollbackReport is emitted when an automatic rollback fires.
type RollbackReport struct {
	RevisionID  string   `json:"revision_id"`
	Success     bool     `json:"success"`
	UndoneSteps []string `json:"undone_steps,omitempty"`
	Error       string   `json:"error,omitempty"`
	LogTail     string   `json:"log_tail,omitempty"`
}

// RunStateReport carries a probe's liveness or health result: emitted on a
// success that changes the reported state (or is the first report), and on
// every fails_after-th consecutive failure.
type RunStateReport struct {
	RunID      string    `json:"run_id"`
	RevisionID string    `json:"revision_id"`
	Alive      *bool     `json:"alive,omitempty"`
	Healthy    *bool     `json:"healthy,omitempty"`
	ReportTime time.Time `json:"report_time"`
	LogTail    string    `json:"log_tail,omitempty"`
}

// DeployReport is the tagged union carried by HeartbeatRequest.DeployReport
// and stored in outbox entries. Exactly one variant field is populated,
// matching Kind.
type DeployReport struct {
	Kind               ReportKind                `json:"kind"`
	DeploymentRevision *DeploymentRevisionReport `json:"deployment_revision,omitempty"`
	Run                *RunReport                `json:"run,omitempty"`
	Step               *StepReport               `json:"step,omitempty"`
	Rollback           *RollbackReport           `json:"rollback,omitempty"`
	RunState           *RunStateReport           `json:"run_state,omitempty"`
}

func NewDeploymentRevisionReport(r DeploymentRevisionReport) DeployReport {
	return DeployReport{Kind: ReportDeploymentRevision, DeploymentRevision: &r}
}

func NewRunReport(r RunReport) DeployReport {
	return DeployReport{Kind: ReportRun, Run: &r}
}

func NewStepReport(r StepReport) DeployReport {
	return DeployReport{Kind: ReportStep, Step: &r}
}

func NewRollbackReport(r RollbackReport) DeployReport {
	return DeployReport{Kind: ReportRollback, Rollback: &r}
}

func NewRunStateReport(r RunStateReport) DeployReport {
	return DeployReport{Kind: ReportRunState, RunState: &r}
}

// RevisionIDOf returns the revision id carried by whichever variant is set,
// or "" if none is.
func (d DeployReport) RevisionIDOf() string {
	switch d.Kind {
	case ReportDeploymentRevision:
		if d.DeploymentRevision != nil {
			return d.DeploymentRevision.RevisionID
		}
	case ReportRun:
		if d.Run != nil {
			return d.Run.RevisionID
		}
	case ReportStep:
		if d.Step != nil {
			return d.Step.RevisionID
		}
	case ReportRollback:
		if d.Rollback != nil {
			return d.Rollback.RevisionID
		}
	case ReportRunState:
		if d.RunState != nil {
			return d.RunState.RevisionID
		}
	}
	return ""
}
