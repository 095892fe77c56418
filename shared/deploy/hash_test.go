package deploy

import "testing"

func TestRunSpecIDStableAcrossMapOrder(t *testing.T) {
	a := RunSpec{
		RunType: RunTypeService,
		Enabled: true,
		Env:     map[string]string{"A": "1", "B": "2", "C": "3"},
	}
	b := RunSpec{
		RunType: RunTypeService,
		Enabled: true,
		Env:     map[string]string{"C": "3", "A": "1", "B": "2"},
	}

	idA, err := RunSpecID(a)
	if err != nil {
		t.Fatalf("RunSpecID(a): %v", err)
	}
	idB, err := RunSpecID(b)
	if err != nil {
		t.Fatalf("RunSpecID(b): %v", err)
	}
	if idA != idB {
		t.Fatalf("ids differ despite identical content: %s vs %s", idA, idB)
	}
}

func TestRunSpecIDChangesWithContent(t *testing.T) {
	a := RunSpec{RunType: RunTypeJob, Enabled: true}
	b := RunSpec{RunType: RunTypeJob, Enabled: false}

	idA, _ := RunSpecID(a)
	idB, _ := RunSpecID(b)
	if idA == idB {
		t.Fatal("expected different ids for different content")
	}
}

func TestRunSpecIDIgnoresRunID(t *testing.T) {
	a := RunSpec{RunID: "one", RunType: RunTypeJob}
	b := RunSpec{RunID: "two", RunType: RunTypeJob}

	idA, _ := RunSpecID(a)
	idB, _ := RunSpecID(b)
	if idA != idB {
		t.Fatal("RunID must not affect the content hash")
	}
}

func TestRevisionIDStableRegardlessOfConstructionOrder(t *testing.T) {
	jobs := []RunSpec{
		{RunID: "job-a"},
		{RunID: "job-b"},
	}
	policy := &RollbackPolicy{Trigger: RollbackTrigger{Kind: RollbackAny}, StabilizationPeriodSecs: 60}

	id1, err := RevisionID(jobs, policy)
	if err != nil {
		t.Fatalf("RevisionID: %v", err)
	}

	// Same ordered ids, same policy, built via a different path.
	jobsCopy := append([]RunSpec(nil), jobs...)
	policyCopy := &RollbackPolicy{Trigger: RollbackTrigger{Kind: RollbackAny}, StabilizationPeriodSecs: 60}

	id2, err := RevisionID(jobsCopy, policyCopy)
	if err != nil {
		t.Fatalf("RevisionID: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("revision ids differ for identical child id sets: %s vs %s", id1, id2)
	}
}

func TestRevisionIDChangesWithJobOrder(t *testing.T) {
	a := []RunSpec{{RunID: "job-a"}, {RunID: "job-b"}}
	b := []RunSpec{{RunID: "job-b"}, {RunID: "job-a"}}

	idA, _ := RevisionID(a, nil)
	idB, _ := RevisionID(b, nil)
	if idA == idB {
		t.Fatal("revision id must be order-sensitive over the job list")
	}
}

func TestFillIDsIsIdempotent(t *testing.T) {
	rev := &DeploymentRevision{
		Jobs: []RunSpec{
			{RunType: RunTypeService, Enabled: true},
			{RunType: RunTypeJob, Enabled: false},
		},
	}
	if err := FillIDs(rev); err != nil {
		t.Fatalf("FillIDs: %v", err)
	}
	firstRev := rev.RevisionID
	firstJob0 := rev.Jobs[0].RunID

	if err := FillIDs(rev); err != nil {
		t.Fatalf("FillIDs (second pass): %v", err)
	}
	if rev.RevisionID != firstRev || rev.Jobs[0].RunID != firstJob0 {
		t.Fatal("FillIDs must be idempotent")
	}
}

func TestRetryPolicyRetryable(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		exitCode int
		want     bool
	}{
		{"zero never retried", RetryPolicy{}, 0, false},
		{"unrestricted nonzero retried", RetryPolicy{}, 1, true},
		{"restricted match", RetryPolicy{OnExitCodes: []int{2, 3}}, 2, true},
		{"restricted no match", RetryPolicy{OnExitCodes: []int{2, 3}}, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Retryable(tt.exitCode); got != tt.want {
				t.Fatalf("Retryable(%d) = %v, want %v", tt.exitCode, got, tt.want)
			}
		})
	}
}
