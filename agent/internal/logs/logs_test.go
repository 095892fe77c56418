package logs

import (
	"context"
	"testing"
	"time"
)

func startManager(t *testing.T) (*Manager, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager()
	go m.Run(ctx)
	return m, cancel
}

func TestFollowDeliversLines(t *testing.T) {
	m, cancel := startManager(t)
	defer cancel()

	sub, err := m.FollowStart(context.Background(), "run-1", []string{"sh", "-c", "echo one; echo two"}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				t.Fatalf("channel closed early, got %v", got)
			}
			got = append(got, line)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("got %v, want [one two]", got)
	}
	m.FollowStop(sub)
}

func TestFollowRefCountsSharedProcess(t *testing.T) {
	m, cancel := startManager(t)
	defer cancel()

	sub1, err := m.FollowStart(context.Background(), "run-shared", []string{"sh", "-c", "sleep 0.3; echo hi"}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := m.FollowStart(context.Background(), "run-shared", []string{"sh", "-c", "sleep 0.3; echo hi"}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Stopping the first subscriber must not prevent the second from still
	// receiving lines from the shared process.
	m.FollowStop(sub1)

	select {
	case line, ok := <-sub2.Lines():
		if !ok || line != "hi" {
			t.Fatalf("second subscriber got (%q, %v), want (hi, true)", line, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second subscriber")
	}
	m.FollowStop(sub2)
}

func TestFollowStopClosesLinesChannel(t *testing.T) {
	m, cancel := startManager(t)
	defer cancel()

	sub, err := m.FollowStart(context.Background(), "run-2", []string{"sh", "-c", "sleep 5"}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.FollowStop(sub)

	select {
	case _, ok := <-sub.Lines():
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSnapshotStopsAtMaxLines(t *testing.T) {
	lines, err := Snapshot(context.Background(), []string{"sh", "-c", "echo a; echo b; echo c; echo d"}, t.TempDir(), nil, 2, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("got %v, want [a b]", lines)
	}
}

func TestStopAllCancelsEveryFollow(t *testing.T) {
	m, cancel := startManager(t)
	defer cancel()

	sub, err := m.FollowStart(context.Background(), "run-3", []string{"sh", "-c", "sleep 5"}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.StopAll()

	select {
	case _, ok := <-sub.Lines():
		if ok {
			t.Fatal("expected channel closed after StopAll")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StopAll to close channel")
	}
}
