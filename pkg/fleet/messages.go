// Package fleet manages the remote runner fleet: the WebSocket hub runners
// attach to, the dispatcher that sends them commands, and the live output
// buffer the concierge can peek at.
package fleet

// Frame types exchanged with runners. The first client frame must be hello;
// everything after is job traffic or keepalive.
const (
	frameHello       = "hello"
	frameExecRequest = "exec_request"
	frameCancel      = "cancel"
	framePing        = "ping"
	frameExecChunk   = "exec_chunk"
	frameExecDone    = "exec_done"
	frameExecError   = "exec_error"
	framePong        = "pong"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// Frame is the single wire message shape, discriminated by Type. Unused
// fields are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// hello
	RunnerID int64  `json:"runner_id,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// job traffic
	JobID       string `json:"job_id,omitempty"`
	Command     string `json:"command,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Data        string `json:"data,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
}
