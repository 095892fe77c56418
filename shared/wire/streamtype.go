package wire

// Kind identifies the handler an operator-opened bidirectional stream is
// asking for. It is carried as the "kind" field of the first framed message
// on the stream (see StreamType).
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindExec   Kind = "exec"
	KindLogs   Kind = "logs"
	KindMetrics Kind = "metrics"
	KindTCP    Kind = "tcp"
	KindUDP    Kind = "udp"
	KindSocket Kind = "socket"
)

// StreamType is the first framed message on every operator-opened
// bidirectional stream. Only the fields relevant to Kind are populated;
// unused fields are left zero.
type StreamType struct {
	Kind  Kind   `json:"kind"`
	Token string `json:"token"`

	// logs
	RunID string `json:"run_id,omitempty"`

	// tcp / udp
	Port int    `json:"port,omitempty"`
	Host string `json:"host,omitempty"`

	// socket
	Path string `json:"path,omitempty"`
}

// ExecRequest is the first line on an "exec" stream, after the StreamType.
type ExecRequest struct {
	Command string `json:"command"`
	TTY     bool   `json:"tty"`
}

// ExecResult is written as a plain (non-framed) JSON line, the last line on
// an "exec" stream before the agent closes the write side.
type ExecResult struct {
	ExitCode int `json:"exit_code"`
}

// AddrFamily tags the address shape in a UDP forward header (§6).
type AddrFamily byte

const (
	AddrFamilyV4 AddrFamily = 4
	AddrFamilyV6 AddrFamily = 6
)
