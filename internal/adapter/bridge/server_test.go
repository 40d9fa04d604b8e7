package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/domain"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/usecase/eventbus"
)

// fakeUpstream implements both GatewayClient for the bridge and the call
// interface the exec session manager needs.
type fakeUpstream struct {
	mu         sync.Mutex
	calls      []string
	fn         func(method string, params any) (json.RawMessage, error)
	state      string
	reconnects atomic.Int32
}

func (f *fakeUpstream) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(method, params)
	}
	return json.RawMessage(`{"execId":"e1"}`), nil
}

func (f *fakeUpstream) Status() domain.ConnStatus {
	state := f.state
	if state == "" {
		state = "open"
	}
	return domain.ConnStatus{State: state, ConnectedAt: time.Now()}
}

func (f *fakeUpstream) ReconnectNow() { f.reconnects.Add(1) }

func (f *fakeUpstream) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		Addr:           ":0",
		AuthToken:      "s3cret",
		AuthRatePerMin: 30,
	}
}

func newTestServer(t *testing.T, cfg config.BridgeConfig, up *fakeUpstream) (*httptest.Server, *eventbus.Bus) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	bus := eventbus.New(log)
	exec := gateway.NewManager(up, bus, log)
	srv, err := NewServer(cfg, up, exec, bus, log)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestNewServerRequiresCredentials(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	bus := eventbus.New(log)
	up := &fakeUpstream{}
	exec := gateway.NewManager(up, bus, log)
	_, err := NewServer(config.BridgeConfig{Addr: ":0", AuthRatePerMin: 30}, up, exec, bus, log)
	if err == nil {
		t.Fatal("server built without any credential")
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t, testBridgeConfig(), &fakeUpstream{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["status"] != "ok" || payload["gateway"] != "open" {
		t.Errorf("payload = %v", payload)
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t, testBridgeConfig(), &fakeUpstream{})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/status", "s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Gateway.State != "open" {
		t.Errorf("gateway state = %q", snap.Gateway.State)
	}
}

func TestRPCProxy(t *testing.T) {
	up := &fakeUpstream{
		fn: func(method string, params any) (json.RawMessage, error) {
			if method != "sessions.list" {
				t.Errorf("method = %q", method)
			}
			return json.RawMessage(`[{"id":"s1"}]`), nil
		},
	}
	ts, _ := newTestServer(t, testBridgeConfig(), up)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret",
		rpcRequest{Method: "sessions.list"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.OK || string(out.Result) != `[{"id":"s1"}]` {
		t.Errorf("response = %+v", out)
	}
}

func TestRPCMethodAllowlist(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.RPCAllowedMethods = []string{"status"}
	ts, _ := newTestServer(t, cfg, &fakeUpstream{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret",
		rpcRequest{Method: "exec"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("disallowed method status = %d, want 403", resp.StatusCode)
	}
}

func TestRPCGatewayErrorPassedThrough(t *testing.T) {
	up := &fakeUpstream{
		fn: func(method string, params any) (json.RawMessage, error) {
			return nil, &domain.GatewayError{Code: "NOT_FOUND", Message: "no such session"}
		},
	}
	ts, _ := newTestServer(t, testBridgeConfig(), up)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret",
		rpcRequest{Method: "sessions.get"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Code != "NOT_FOUND" || out.Error != "no such session" {
		t.Errorf("gateway error reinterpreted: %+v", out)
	}
}

func TestRPCBreakerOpensUnderFailure(t *testing.T) {
	up := &fakeUpstream{
		fn: func(method string, params any) (json.RawMessage, error) {
			return nil, domain.ErrNotConnected
		},
	}
	ts, _ := newTestServer(t, testBridgeConfig(), up)

	for i := 0; i < 6; i++ {
		doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret", rpcRequest{Method: "ping"})
	}
	before := up.callCount("ping")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret", rpcRequest{Method: "ping"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	// The open breaker sheds the call before it reaches the gateway.
	if after := up.callCount("ping"); after != before {
		t.Errorf("call leaked through open breaker: %d -> %d", before, after)
	}
}

func TestReconnectEndpoint(t *testing.T) {
	up := &fakeUpstream{}
	ts, _ := newTestServer(t, testBridgeConfig(), up)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/reconnect", "s3cret", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if up.reconnects.Load() != 1 {
		t.Errorf("reconnects = %d", up.reconnects.Load())
	}
}

func TestRPCMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, testBridgeConfig(), &fakeUpstream{})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/rpc", bytes.NewBufferString("{{{"))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/rpc", "s3cret", rpcRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing method status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusSnapshotCountsSessions(t *testing.T) {
	up := &fakeUpstream{}
	log := slog.New(slog.DiscardHandler)
	bus := eventbus.New(log)
	exec := gateway.NewManager(up, bus, log)
	srv, err := NewServer(testBridgeConfig(), up, exec, bus, log)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sess, err := exec.Create(context.Background(), domain.ExecSpec{Command: "bash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sess.Await(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/status", "s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Gateway.Sessions != 1 || len(snap.Sessions) != 1 {
		t.Errorf("snapshot sessions = %d/%d, want 1/1", snap.Gateway.Sessions, len(snap.Sessions))
	}
	if snap.Sessions[0].Command != "bash" {
		t.Errorf("session info = %+v", snap.Sessions[0])
	}
}
