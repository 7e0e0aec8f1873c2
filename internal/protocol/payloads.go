// ABOUTME: Typed payloads for every envelope kind, including JobAction variants.
// ABOUTME: Tagged dispatch payloads are a closed set validated at the protocol boundary.

package protocol

import (
	"fmt"
	"time"
)

// HandshakeParams identifies the connecting agent. The first frame on every
// agent connection must be a handshake.
type HandshakeParams struct {
	Namespace string `json:"namespace,omitempty"`
	IP        string `json:"ip"`
	Token     string `json:"token"`
	Version   string `json:"version,omitempty"`
}

// HeartbeatParams is sent by agents on a fixed interval to keep the
// connection live.
type HeartbeatParams struct {
	TimestampMS int64 `json:"timestamp_ms"`
}

// JobAction discriminates what a dispatch asks the agent to do.
type JobAction string

const (
	ActionRun        JobAction = "run"
	ActionKill       JobAction = "kill"
	ActionStartTimer JobAction = "start_timer"
	ActionStopTimer  JobAction = "stop_timer"
	ActionRedeploy   JobAction = "redeploy"
)

// RunParams carries everything needed to start one execution.
type RunParams struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int64             `json:"timeout_sec,omitempty"`
}

// KillParams names a running execution to terminate.
type KillParams struct {
	InstanceID string `json:"instance_id"`
}

// TimerParams names an agent-local schedule to start or stop.
type TimerParams struct {
	ScheduleID string `json:"schedule_id"`
}

// RedeployParams names the executor bundle to refresh on the agent.
type RedeployParams struct {
	ExecutorID string `json:"executor_id"`
}

// DispatchJobParams is the payload of a KindDispatch envelope. Exactly one
// variant field matching Action must be set; the payload is immutable once
// dispatched.
type DispatchJobParams struct {
	JobID      string          `json:"job_id"`
	ExecutorID string          `json:"executor_id,omitempty"`
	Action     JobAction       `json:"action"`
	Run        *RunParams      `json:"run,omitempty"`
	Kill       *KillParams     `json:"kill,omitempty"`
	Timer      *TimerParams    `json:"timer,omitempty"`
	Redeploy   *RedeployParams `json:"redeploy,omitempty"`
}

// Validate checks the action tag and that its variant data is present.
func (p *DispatchJobParams) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("dispatch: job_id is required")
	}
	switch p.Action {
	case ActionRun:
		if p.Run == nil || p.Run.Command == "" {
			return fmt.Errorf("dispatch: run action requires a command")
		}
	case ActionKill:
		if p.Kill == nil || p.Kill.InstanceID == "" {
			return fmt.Errorf("dispatch: kill action requires an instance_id")
		}
	case ActionStartTimer, ActionStopTimer:
		if p.Timer == nil || p.Timer.ScheduleID == "" {
			return fmt.Errorf("dispatch: %s action requires a schedule_id", p.Action)
		}
	case ActionRedeploy:
		if p.Redeploy == nil || p.Redeploy.ExecutorID == "" {
			return fmt.Errorf("dispatch: redeploy action requires an executor_id")
		}
	default:
		return fmt.Errorf("dispatch: unknown action %q", p.Action)
	}
	return nil
}

// SftpReadDirParams lists a directory on the agent host.
type SftpReadDirParams struct {
	Path string `json:"path"`
}

// SftpUploadParams writes data to a path on the agent host. Offset allows
// idempotent chunked retries by the caller; the bridge never retries.
type SftpUploadParams struct {
	Path   string `json:"path"`
	Data   []byte `json:"data"`
	Offset int64  `json:"offset,omitempty"`
}

// SftpDownloadParams reads a byte range from a path on the agent host.
// Length zero means "to end of file".
type SftpDownloadParams struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// SftpRemoveParams deletes a path on the agent host.
type SftpRemoveParams struct {
	Path string `json:"path"`
}

// FileEntry is one row of a read-dir result.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// TunnelOpenParams asks the agent to open one relayed byte stream.
type TunnelOpenParams struct {
	SessionID string `json:"session_id"`
	Purpose   string `json:"purpose"` // "shell" or "sftp"
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// TunnelDataParams carries one opaque chunk for an open session. The relay
// forwards chunks in send order and never interprets them.
type TunnelDataParams struct {
	SessionID string `json:"session_id"`
	Chunk     []byte `json:"chunk"`
}

// TunnelCloseParams tears down one session from either side.
type TunnelCloseParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Response codes. A response either succeeds, fails with an agent-reported
// error, or notifies the peer of relay-side lifecycle events.
const (
	CodeOK          = "ok"
	CodeError       = "error"
	CodeSuperseded  = "superseded"
	CodeUnreachable = "unreachable"
	CodeTimeout     = "timeout"
)

// Response is the payload of a KindResponse envelope, echoing the
// correlation id of the request it answers in the envelope ID.
type Response struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// OK reports whether the response carries a success code.
func (r *Response) OK() bool { return r.Code == CodeOK }
