package outbox

import (
	"os"
	"path/filepath"
	"testing"

	"m87.dev/shared/deploy"
)

func testReport(runID string) deploy.DeployReport {
	return deploy.NewRunReport(deploy.RunReport{RunID: runID, RevisionID: "rev1", Outcome: deploy.OutcomeSuccess})
}

func TestEnqueueClaimAckExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := ob.Enqueue(testReport("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev, ok, err := ob.Claim()
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := ob.Ack(ev); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := os.Stat(ev.Path); !os.IsNotExist(err) {
		t.Fatal("expected inflight file removed after ack")
	}
	remaining, _ := os.ReadDir(filepath.Join(dir, "events", "pending"))
	if len(remaining) != 0 {
		t.Fatal("expected pending dir empty after claim")
	}
}

func TestClaimThenCrashThenRecoverRedelivers(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ob.Enqueue(testReport("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ev, ok, err := ob.Claim()
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	// Simulate crash: process restarts, never acks. A fresh Outbox handle
	// recovers inflight entries back to pending.
	ob2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (2nd): %v", err)
	}
	if err := ob2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	redelivered, ok, err := ob2.Claim()
	if err != nil || !ok {
		t.Fatalf("Claim after recover: ok=%v err=%v", ok, err)
	}
	if redelivered.Report.Run.RunID != ev.Report.Run.RunID {
		t.Fatalf("redelivered event mismatch: got %+v, want %+v", redelivered.Report, ev.Report)
	}
}

func TestFIFOOrdering(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []string{"a", "b", "c", "d", "e"}
	for _, id := range want {
		if err := ob.Enqueue(testReport(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	var got []string
	for i := 0; i < len(want); i++ {
		ev, ok, err := ob.Claim()
		if err != nil || !ok {
			t.Fatalf("Claim #%d: ok=%v err=%v", i, ok, err)
		}
		got = append(got, ev.Report.Run.RunID)
		if err := ob.Ack(ev); err != nil {
			t.Fatalf("Ack #%d: %v", i, err)
		}
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO order mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestClaimEmptyPending(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok, err := ob.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on empty pending dir")
	}
}
