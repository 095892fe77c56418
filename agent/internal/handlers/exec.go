package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"m87.dev/shared/wire"
)

// HandleExec services an "exec" stream: the first line after the StreamType
// is an ExecRequest; tty=false pipes stdio directly, tty=true allocates a
// PTY and sets TERM. The result line `{"exit_code": N}\n` is written as a
// plain (non-framed) JSON line per spec §6, then the write side closes.
func HandleExec(ctx context.Context, stream Stream, deps Deps) {
	defer stream.Close()

	br := bufio.NewReader(stream)
	line, err := br.ReadBytes('\n')
	var req wire.ExecRequest
	if err == nil {
		err = json.Unmarshal(line, &req)
	}
	if err != nil {
		deps.Logger.Warn("exec: bad request line", zap.Error(err))
		return
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	if req.TTY {
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	} else {
		cmd.Env = os.Environ()
	}

	// Input already buffered past the request line is read from br first.
	in := struct {
		io.Reader
		io.Writer
		io.Closer
	}{br, stream, stream}
	exitCode := runExec(cmd, in, req.TTY, deps)
	writeExecResult(stream, exitCode)
}

func runExec(cmd *exec.Cmd, stream Stream, tty bool, deps Deps) int {
	if tty {
		f, err := pty.Start(cmd)
		if err != nil {
			deps.Logger.Warn("exec: pty start failed", zap.Error(err))
			return 1
		}
		defer f.Close()

		done := make(chan struct{})
		go func() {
			io.Copy(f, stream)
			close(done)
		}()
		io.Copy(stream, f)
		<-done

		if err := cmd.Wait(); err != nil {
			return exitCodeOf(err)
		}
		return 0
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		deps.Logger.Warn("exec: stdin pipe failed", zap.Error(err))
		return 1
	}
	cmd.Stdout = stream
	cmd.Stderr = stream

	if err := cmd.Start(); err != nil {
		deps.Logger.Warn("exec: start failed", zap.Error(err))
		return 1
	}

	go func() {
		io.Copy(stdin, stream)
		stdin.Close()
	}()

	if err := cmd.Wait(); err != nil {
		return exitCodeOf(err)
	}
	return 0
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func writeExecResult(stream Stream, exitCode int) {
	body, _ := json.Marshal(wire.ExecResult{ExitCode: exitCode})
	stream.Write(append(body, '\n'))
}
