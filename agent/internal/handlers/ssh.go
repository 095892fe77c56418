package handlers

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// HandleSSH services an "ssh" stream: a full golang.org/x/crypto/ssh server
// running over the already-authenticated operator stream. Auth is
// accept-all — the control plane authenticated the operator before this
// stream was ever opened (spec §4.11) — so the only job left for the SSH
// layer is "session" channels: shells and exec commands (with or without a
// PTY) and the sftp subsystem. Every other channel type, direct-tcpip
// included, is rejected.
func HandleSSH(ctx context.Context, stream Stream, deps Deps) {
	defer stream.Close()

	signer, err := loadOrCreateHostKey(deps.SSHHostKeyPath)
	if err != nil {
		deps.Logger.Error("ssh: host key unavailable", zap.Error(err))
		return
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	conn, chans, reqs, err := ssh.NewServerConn(&rwcAddr{Stream: stream}, cfg)
	if err != nil {
		deps.Logger.Warn("ssh: handshake failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveSession(ctx, ch, requests, deps)
		}()
	}
	wg.Wait()
}

// rwcAddr adapts a Stream to net.Conn, which ssh.NewServerConn requires even
// though it never calls the addr/deadline methods on a stream-oriented
// transport like this one — QUIC idle timeouts already cover liveness.
type rwcAddr struct {
	Stream
}

func (rwcAddr) LocalAddr() net.Addr                { return stubAddr{} }
func (rwcAddr) RemoteAddr() net.Addr               { return stubAddr{} }
func (rwcAddr) SetDeadline(time.Time) error         { return nil }
func (rwcAddr) SetReadDeadline(time.Time) error     { return nil }
func (rwcAddr) SetWriteDeadline(time.Time) error    { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "quic-stream" }
func (stubAddr) String() string  { return "quic-stream" }

// session accumulates what a "session" channel has been told before the
// terminal "shell"/"exec" request arrives: a pty-req sets winsize. A
// window-change does not resize the pty: the request loop is blocked in
// runSessionCommand while the command runs and returns once it exits, and
// before that ptyFile is nil.
type session struct {
	ptyRequested bool
	cols, rows   int
	ptyFile      *os.File
}

func serveSession(ctx context.Context, ch ssh.Channel, requests <-chan *ssh.Request, deps Deps) {
	defer ch.Close()

	sess := &session{}

	for req := range requests {
		switch req.Type {
		case "pty-req":
			cols, rows, ok := parsePtyReq(req.Payload)
			if !ok {
				req.Reply(false, nil)
				continue
			}
			sess.ptyRequested = true
			sess.cols, sess.rows = cols, rows
			req.Reply(true, nil)

		case "window-change":
			cols, rows, ok := parsePtyReq(req.Payload)
			if ok && sess.ptyFile != nil {
				pty.Setsize(sess.ptyFile, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
			}

		case "shell", "exec":
			var cmd *exec.Cmd
			if req.Type == "exec" {
				command, _ := parseExecPayload(req.Payload)
				cmd = exec.CommandContext(ctx, "sh", "-c", command)
			} else {
				cmd = exec.CommandContext(ctx, defaultShell())
			}

			runSessionCommand(ch, cmd, sess, deps)
			req.Reply(true, nil)
			return

		case "subsystem":
			name, _ := parseSubsystemPayload(req.Payload)
			if name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			serveSFTP(ch, deps)
			return

		default:
			req.Reply(false, nil)
		}
	}
}

func runSessionCommand(ch ssh.Channel, cmd *exec.Cmd, sess *session, deps Deps) {
	if sess.ptyRequested {
		size := &pty.Winsize{Cols: uint16(sess.cols), Rows: uint16(sess.rows)}
		f, err := pty.StartWithSize(cmd, size)
		if err != nil {
			deps.Logger.Warn("ssh: pty start failed", zap.Error(err))
			sendExitStatus(ch, 1)
			return
		}
		sess.ptyFile = f
		defer f.Close()

		done := make(chan struct{})
		go func() {
			io.Copy(f, ch)
			close(done)
		}()
		io.Copy(ch, f)
		<-done

		exitCode := 0
		if err := cmd.Wait(); err != nil {
			exitCode = exitCodeOf(err)
		}
		sendExitStatus(ch, exitCode)
		return
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(ch, 1)
		return
	}
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	if err := cmd.Start(); err != nil {
		sendExitStatus(ch, 1)
		return
	}
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		exitCode = exitCodeOf(err)
	}
	sendExitStatus(ch, exitCode)
}

func sendExitStatus(ch ssh.Channel, code int) {
	payload := struct{ Status uint32 }{Status: uint32(code)}
	ch.SendRequest("exit-status", false, ssh.Marshal(payload))
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func parsePtyReq(payload []byte) (cols, rows int, ok bool) {
	var req struct {
		Term          string
		Cols, Rows    uint32
		Width, Height uint32
		Modes         string
	}
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return 0, 0, false
	}
	return int(req.Cols), int(req.Rows), true
}

func parseExecPayload(payload []byte) (string, bool) {
	var req struct{ Command string }
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return "", false
	}
	return req.Command, true
}

func parseSubsystemPayload(payload []byte) (string, bool) {
	var req struct{ Name string }
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return "", false
	}
	return req.Name, true
}

func serveSFTP(ch ssh.Channel, deps Deps) {
	root := deps.SFTPRoot
	if root == "" {
		root = "/"
	}
	root, err := filepath.Abs(root)
	if err != nil {
		deps.Logger.Warn("sftp: root unavailable", zap.Error(err))
		return
	}

	h := &jailedHandlers{root: root}
	server := sftp.NewRequestServer(ch, sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	})
	defer server.Close()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		deps.Logger.Debug("sftp: session ended", zap.Error(err))
	}
}

// jailedHandlers implements sftp.Handlers' four sub-interfaces over the
// regular filesystem, with every request path resolved and confined under
// root per spec §6: leading '/' is stripped, '.'/'..' are resolved, and the
// result is joined under root; anything that resolves outside root is
// rejected as PermissionDenied before touching the filesystem.
type jailedHandlers struct {
	root string
}

// resolve maps an SFTP request path (always slash-separated, possibly
// absolute) onto a real path under h.root, refusing any traversal escape.
func (h *jailedHandlers) resolve(reqPath string) (string, error) {
	clean := path.Clean("/" + reqPath)
	full := filepath.Join(h.root, filepath.FromSlash(clean))

	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", sftp.ErrSSHFxPermissionDenied
	}
	return full, nil
}

func (h *jailedHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (h *jailedHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (h *jailedHandlers) Filecmd(r *sftp.Request) error {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return err
	}

	switch r.Method {
	case "Setstat":
		return nil
	case "Rename":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Rename(p, target)
	case "Rmdir":
		return os.Remove(p)
	case "Mkdir":
		return os.Mkdir(p, 0o755)
	case "Remove":
		return os.Remove(p)
	case "Symlink":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Symlink(p, target)
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *jailedHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	switch r.Method {
	case "List":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil
	case "Stat":
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		return listerAt([]os.FileInfo{info}), nil
	case "Readlink":
		target, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}
		return listerAt([]os.FileInfo{namedFileInfo(target)}), nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// listerAt adapts a slice of os.FileInfo to sftp.ListerAt's io.ReaderAt-style
// paging contract.
type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// namedFileInfo wraps a Readlink target as a minimal os.FileInfo so
// Filelist's Readlink case can reuse listerAt.
type namedFileInfo string

func (n namedFileInfo) Name() string       { return string(n) }
func (n namedFileInfo) Size() int64        { return 0 }
func (n namedFileInfo) Mode() os.FileMode  { return 0 }
func (n namedFileInfo) ModTime() time.Time { return time.Time{} }
func (n namedFileInfo) IsDir() bool        { return false }
func (n namedFileInfo) Sys() any           { return nil }

// loadOrCreateHostKey reads an Ed25519 host key from path, generating and
// persisting one (mode 0600) on first run, per spec §4.11.
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if body, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(body)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
