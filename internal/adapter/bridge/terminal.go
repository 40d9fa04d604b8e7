package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdeck/internal/domain"
)

const termSendQueueDepth = 64

// termClientMsg is what the browser terminal sends.
type termClientMsg struct {
	Type    string            `json:"type"` // create, input, resize, close
	Command string            `json:"command,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Data    string            `json:"data,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
}

// termServerMsg is what the bridge sends back.
type termServerMsg struct {
	Type      string `json:"type"` // created, stdout, exit, error, closed, ping
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleTerminal owns one exec session per WebSocket. The socket's first
// message must be a create; afterwards input/resize flow up and the session's
// event feed flows down. Either side closing tears down both.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("terminal accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "terminal closed")

	ctx := r.Context()

	var first termClientMsg
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = wsjson.Read(readCtx, ws, &first)
	cancel()
	if err != nil || first.Type != "create" {
		_ = wsjson.Write(ctx, ws, termServerMsg{Type: "error", Message: "first message must be create"})
		ws.Close(websocket.StatusPolicyViolation, "expected create")
		return
	}

	sess, err := s.exec.Create(ctx, domain.ExecSpec{
		Command: first.Command,
		Cwd:     first.Cwd,
		Env:     first.Env,
		Cols:    first.Cols,
		Rows:    first.Rows,
	})
	if err != nil {
		_ = wsjson.Write(ctx, ws, termServerMsg{Type: "error", Message: err.Error()})
		ws.Close(websocket.StatusInternalError, "create failed")
		return
	}
	defer func() { _ = s.exec.Close(context.Background(), sess.ID) }()

	sendCh := make(chan termServerMsg, termSendQueueDepth)
	done := make(chan struct{})
	var doneOnce sync.Once
	closeDone := func() { doneOnce.Do(func() { close(done) }) }

	// Subscribe before awaiting readiness so output between ack and
	// subscription is not lost.
	unsub := s.bus.Subscribe(domain.ExecTopic(sess.ID), func(ctx context.Context, ev domain.Event) {
		var ee domain.ExecEvent
		if err := json.Unmarshal(ev.Payload, &ee); err != nil {
			return
		}
		select {
		case sendCh <- translateExecEvent(ee):
		default:
			// Slow tab: drop the connection, never block the bus.
			closeDone()
		}
	})
	defer unsub()

	if err := sess.Await(ctx); err != nil {
		_ = wsjson.Write(ctx, ws, termServerMsg{Type: "error", Message: err.Error()})
		ws.Close(websocket.StatusInternalError, "create failed")
		return
	}
	if err := wsjson.Write(ctx, ws, termServerMsg{Type: "created", SessionID: sess.ID}); err != nil {
		return
	}
	s.logger.Info("terminal attached", "session_id", sess.ID, "remote", r.RemoteAddr)

	go s.terminalReadLoop(ctx, ws, sess.ID, closeDone)

	// Pings keep idle sockets alive through proxies that reap quiet
	// connections, same as the SSE feed's keep-alive comments.
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			ws.Close(websocket.StatusNormalClosure, "session closed")
			return
		case <-keepAlive.C:
			if err := wsjson.Write(ctx, ws, termServerMsg{Type: "ping"}); err != nil {
				return
			}
		case msg := <-sendCh:
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				return
			}
			if msg.Type == "closed" {
				ws.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
		}
	}
}

func (s *Server) terminalReadLoop(ctx context.Context, ws *websocket.Conn, sessionID string, closeDone func()) {
	defer closeDone()
	for {
		var msg termClientMsg
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "input":
			if err := s.exec.Write(ctx, sessionID, msg.Data); err != nil {
				if errors.Is(err, domain.ErrSessionClosed) {
					return
				}
				s.logger.Warn("terminal write failed", "session_id", sessionID, "error", err)
			}
		case "resize":
			if err := s.exec.Resize(ctx, sessionID, msg.Cols, msg.Rows); err != nil {
				s.logger.Debug("terminal resize failed", "session_id", sessionID, "error", err)
			}
		case "close":
			_ = s.exec.Close(ctx, sessionID)
			return
		default:
			s.logger.Debug("ignoring unknown terminal message", "type", msg.Type)
		}
	}
}

func translateExecEvent(ee domain.ExecEvent) termServerMsg {
	switch ee.Kind {
	case domain.ExecEventStdout:
		return termServerMsg{Type: "stdout", Data: ee.Data}
	case domain.ExecEventExit:
		return termServerMsg{Type: "exit", ExitCode: ee.ExitCode}
	case domain.ExecEventError:
		return termServerMsg{Type: "error", Message: ee.Reason}
	default:
		return termServerMsg{Type: "closed", Reason: ee.Reason}
	}
}
