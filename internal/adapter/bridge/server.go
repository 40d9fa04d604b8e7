package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/domain"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/infra/middleware"
)

// GatewayClient is the slice of the connection manager the bridge needs.
type GatewayClient interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Status() domain.ConnStatus
	ReconnectNow()
}

// ExecService is the slice of the exec session manager the bridge needs.
type ExecService interface {
	Create(ctx context.Context, spec domain.ExecSpec) (*gateway.Session, error)
	Write(ctx context.Context, id, data string) error
	Resize(ctx context.Context, id string, cols, rows int) error
	Close(ctx context.Context, id string) error
	Snapshot() []gateway.SessionInfo
	Count() int
}

// Server re-exposes the single multiplexed gateway connection to browser
// tabs: an SSE activity feed, a terminal WebSocket, and a guarded RPC proxy.
type Server struct {
	cfg    config.BridgeConfig
	gw     GatewayClient
	exec   ExecService
	bus    domain.EventBus
	logger *slog.Logger

	auth      *authenticator
	breaker   *gobreaker.CircuitBreaker[json.RawMessage]
	recorder  *statusRecorder
	allowRPC  map[string]bool
	keepAlive time.Duration // idle ping period for SSE and terminal streams
	httpSrv   *http.Server
}

// NewServer wires the bridge. It refuses to run without credentials.
func NewServer(cfg config.BridgeConfig, gw GatewayClient, exec ExecService, bus domain.EventBus, logger *slog.Logger) (*Server, error) {
	auth := newAuthenticator(cfg.AuthToken, cfg.PasswordHash, cfg.AuthRatePerMin)
	if !auth.enabled() {
		return nil, fmt.Errorf("bridge requires auth_token or password_hash")
	}

	var allow map[string]bool
	if len(cfg.RPCAllowedMethods) > 0 {
		allow = make(map[string]bool, len(cfg.RPCAllowedMethods))
		for _, m := range cfg.RPCAllowedMethods {
			allow[m] = true
		}
	}

	s := &Server{
		cfg:       cfg,
		gw:        gw,
		exec:      exec,
		bus:       bus,
		logger:    logger,
		auth:      auth,
		allowRPC:  allow,
		keepAlive: keepAliveInterval,
	}
	s.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "gateway-rpc",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rpc breaker state change", "from", from.String(), "to", to.String())
		},
	})
	s.recorder = newStatusRecorder(cfg.SnapshotSchedule, gw, exec, bus, logger)
	return s, nil
}

// Handler builds the route table. Split out so tests can drive the bridge
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/events", s.auth.require(s.handleEvents))
	mux.HandleFunc("GET /ws/terminal", s.auth.require(s.handleTerminal))
	mux.HandleFunc("POST /api/rpc", s.auth.require(s.handleRPC))
	mux.HandleFunc("GET /api/status", s.auth.require(s.handleStatus))
	mux.HandleFunc("POST /api/reconnect", s.auth.require(s.handleReconnect))

	var h http.Handler = mux
	h = middleware.CORS(s.cfg.AllowedOrigins)(h)
	if s.cfg.RequestsPerMin > 0 {
		h = middleware.RateLimit(s.cfg.RequestsPerMin, s.cfg.RequestsPerMin/4+1)(h)
	}
	return middleware.SecurityHeaders(h)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.recorder.start(); err != nil {
		return fmt.Errorf("start status recorder: %w", err)
	}
	defer s.recorder.stop()

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("bridge shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"gateway": s.gw.Status().State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.current())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.gw.ReconnectNow()
	s.logger.Info("manual reconnect requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
