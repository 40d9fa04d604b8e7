package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"clawdeck/internal/domain"
)

const (
	defaultRPCTimeout = 10 * time.Second
	maxRPCTimeout     = 60 * time.Second
)

type rpcRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type rpcResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// handleRPC proxies one browser request onto the multiplexed connection. The
// circuit breaker sheds load while the gateway is down instead of piling
// doomed calls onto the reconnect loop.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: "malformed request body"})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: "method required"})
		return
	}
	if s.allowRPC != nil && !s.allowRPC[req.Method] {
		writeJSON(w, http.StatusForbidden, rpcResponse{Error: "method not allowed"})
		return
	}

	timeout := defaultRPCTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > maxRPCTimeout {
			timeout = maxRPCTimeout
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := s.breaker.Execute(func() (json.RawMessage, error) {
		return s.gw.Call(ctx, req.Method, req.Params)
	})
	if err != nil {
		status, resp := rpcErrorResponse(err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{OK: true, Result: result})
}

// rpcErrorResponse maps call failures to HTTP statuses. Gateway-reported
// errors ride through verbatim; the browser decides how to present them.
func rpcErrorResponse(err error) (int, rpcResponse) {
	var gwErr *domain.GatewayError
	switch {
	case errors.As(err, &gwErr):
		return http.StatusBadGateway, rpcResponse{Error: gwErr.Message, Code: gwErr.Code}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, rpcResponse{Error: "gateway temporarily unavailable"}
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrConnectionLost):
		return http.StatusServiceUnavailable, rpcResponse{Error: "gateway not connected"}
	case errors.Is(err, domain.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, rpcResponse{Error: "gateway call timed out"}
	default:
		return http.StatusInternalServerError, rpcResponse{Error: err.Error()}
	}
}
