package runner

import (
	"context"
	"testing"
	"time"

	"m87.dev/shared/deploy"
)

func TestRunnerShellSuccess(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), deploy.ShellCommand("echo hello"), time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Output == "" {
		t.Fatal("expected output")
	}
}

func TestRunnerShellFailure(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), deploy.ShellCommand("exit 1"), time.Second)
	if err == nil {
		t.Fatal("expected error for exit 1")
	}
}

func TestRunnerArgv(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), deploy.ArgvCommand("true"), time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunnerTimeout(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), deploy.ShellCommand("sleep 5"), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunnerEmptyCommand(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), deploy.Command{}, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "" {
		t.Fatalf("expected zero-value result, got %+v", res)
	}
}

func TestTailBytesTruncates(t *testing.T) {
	big := make([]byte, MaxTailBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	got := tailBytes(big, MaxTailBytes)
	if len(got) != MaxTailBytes {
		t.Fatalf("tail length = %d, want %d", len(got), MaxTailBytes)
	}
}
