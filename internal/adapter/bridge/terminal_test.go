package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/domain"
	"clawdeck/internal/usecase/eventbus"
)

func dialTerminal(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(httpURL, "http://", "ws://", 1) + "/ws/terminal?token=s3cret"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial terminal: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func readTermMsg(t *testing.T, ws *websocket.Conn) termServerMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg termServerMsg
	if err := wsjson.Read(ctx, ws, &msg); err != nil {
		t.Fatalf("read terminal message: %v", err)
	}
	return msg
}

func TestTerminalSession(t *testing.T) {
	up := &fakeUpstream{}
	ts, bus := newTestServer(t, testBridgeConfig(), up)
	ws := dialTerminal(t, ts.URL)
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, termClientMsg{Type: "create", Command: "bash", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("send create: %v", err)
	}
	created := readTermMsg(t, ws)
	if created.Type != "created" || created.SessionID == "" {
		t.Fatalf("first reply = %+v", created)
	}

	// Output flows from the session feed down the socket.
	payload, _ := json.Marshal(domain.ExecEvent{
		Kind:      domain.ExecEventStdout,
		SessionID: created.SessionID,
		Data:      "$ ",
	})
	bus.Publish(ctx, domain.Event{Topic: domain.ExecTopic(created.SessionID), Payload: payload})

	out := readTermMsg(t, ws)
	if out.Type != "stdout" || out.Data != "$ " {
		t.Errorf("stdout msg = %+v", out)
	}

	// Keystrokes flow up as exec.write calls.
	if err := wsjson.Write(ctx, ws, termClientMsg{Type: "input", Data: "ls\n"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for up.callCount("exec.write") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if up.callCount("exec.write") != 1 {
		t.Error("input never reached the gateway")
	}
}

func TestTerminalRejectsNonCreateFirst(t *testing.T) {
	ts, _ := newTestServer(t, testBridgeConfig(), &fakeUpstream{})
	ws := dialTerminal(t, ts.URL)
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, termClientMsg{Type: "input", Data: "sneaky"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	msg := readTermMsg(t, ws)
	if msg.Type != "error" {
		t.Errorf("reply = %+v, want error", msg)
	}
}

func TestTerminalCreateFailure(t *testing.T) {
	up := &fakeUpstream{
		fn: func(method string, params any) (json.RawMessage, error) {
			return nil, &domain.GatewayError{Code: "EPERM", Message: "exec disabled"}
		},
	}
	ts, _ := newTestServer(t, testBridgeConfig(), up)
	ws := dialTerminal(t, ts.URL)
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, termClientMsg{Type: "create", Command: "bash"}); err != nil {
		t.Fatalf("send create: %v", err)
	}
	msg := readTermMsg(t, ws)
	if msg.Type != "error" || !strings.Contains(msg.Message, "exec disabled") {
		t.Errorf("reply = %+v", msg)
	}
}

func TestTerminalKeepAliveWhenIdle(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	bus := eventbus.New(log)
	up := &fakeUpstream{}
	exec := gateway.NewManager(up, bus, log)
	srv, err := NewServer(testBridgeConfig(), up, exec, bus, log)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.keepAlive = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws := dialTerminal(t, ts.URL)
	if err := wsjson.Write(context.Background(), ws, termClientMsg{Type: "create", Command: "bash"}); err != nil {
		t.Fatalf("send create: %v", err)
	}
	if created := readTermMsg(t, ws); created.Type != "created" {
		t.Fatalf("first reply = %+v", created)
	}

	// A session with no output still produces traffic on the socket.
	for i := 0; i < 2; i++ {
		if msg := readTermMsg(t, ws); msg.Type != "ping" {
			t.Fatalf("idle message %d = %+v, want ping", i, msg)
		}
	}
}

func TestTerminalClosedOnSessionDeath(t *testing.T) {
	up := &fakeUpstream{}
	ts, bus := newTestServer(t, testBridgeConfig(), up)
	ws := dialTerminal(t, ts.URL)
	ctx := context.Background()

	if err := wsjson.Write(ctx, ws, termClientMsg{Type: "create", Command: "bash"}); err != nil {
		t.Fatalf("send create: %v", err)
	}
	created := readTermMsg(t, ws)
	if created.Type != "created" {
		t.Fatalf("first reply = %+v", created)
	}

	payload, _ := json.Marshal(domain.ExecEvent{
		Kind:      domain.ExecEventClosed,
		SessionID: created.SessionID,
		Reason:    "connection lost",
	})
	bus.Publish(ctx, domain.Event{Topic: domain.ExecTopic(created.SessionID), Payload: payload})

	msg := readTermMsg(t, ws)
	if msg.Type != "closed" || msg.Reason != "connection lost" {
		t.Errorf("msg = %+v", msg)
	}
}
