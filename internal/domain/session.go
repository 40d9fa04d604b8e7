package domain

import "time"

// ConnState is the gateway connection lifecycle state.
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnStatus is the snapshot published on TopicGatewayStatus and returned by
// the bridge's status endpoint.
type ConnStatus struct {
	State            string    `json:"state"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	LastError        string    `json:"last_error,omitempty"`
	ConnectedAt      time.Time `json:"connected_at,omitzero"`
	Sessions         int       `json:"sessions"`
}

// ExecState is the per-session lifecycle state of an exec session.
type ExecState int32

const (
	ExecCreating ExecState = iota
	ExecReady
	ExecClosing
	ExecClosed
)

func (s ExecState) String() string {
	switch s {
	case ExecCreating:
		return "creating"
	case ExecReady:
		return "ready"
	case ExecClosing:
		return "closing"
	case ExecClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExecSpec describes the gateway-side process to start for an exec session.
type ExecSpec struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
}

// ExecEventKind discriminates events on an exec session's feed.
type ExecEventKind string

const (
	ExecEventStdout ExecEventKind = "stdout"
	ExecEventExit   ExecEventKind = "exit"
	ExecEventError  ExecEventKind = "error"
	// ExecEventClosed is emitted exactly once when the session dies locally,
	// whether by explicit close, create failure, or connection loss.
	ExecEventClosed ExecEventKind = "closed"
)

// ExecEvent is the payload published on an exec session's topic.
type ExecEvent struct {
	Kind      ExecEventKind `json:"kind"`
	SessionID string        `json:"session_id"`
	Data      string        `json:"data,omitempty"`      // stdout chunk
	ExitCode  *int          `json:"exit_code,omitempty"` // set for exit events
	Reason    string        `json:"reason,omitempty"`    // set for error/closed events
}
