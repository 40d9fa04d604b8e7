package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clawdeck/internal/domain"
)

const defaultCreateTimeout = 2 * time.Second

// caller abstracts the request/response side of Conn so the session manager
// can be tested against a fake.
type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// execIDFields are the reply field names probed, in order, for the
// gateway-assigned exec id. The field name varies across gateway versions;
// this list is a compatibility shim, not open-ended introspection.
var execIDFields = []string{"execId", "exec_id", "sessionId", "id"}

// Session is a local handle for one gateway-side exec session. The local id
// never changes; the gateway-assigned exec id is filled in once the create
// call is acknowledged. Handles are never rebound after a reconnect.
type Session struct {
	ID        string
	Spec      domain.ExecSpec
	CreatedAt time.Time

	state     atomic.Int32 // domain.ExecState
	execID    string       // set before ready closes, read-only after
	createErr error        // set before ready closes on failure
	ready     chan struct{}
	closeOnce sync.Once
}

// State returns the session's current lifecycle state.
func (s *Session) State() domain.ExecState {
	return domain.ExecState(s.state.Load())
}

// Await blocks until the create call resolves. It returns nil once the
// session is Ready, the create error if the gateway rejected or timed out,
// or ctx.Err() if the caller gives up waiting.
func (s *Session) Await(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.createErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionInfo is a point-in-time summary for the status endpoint.
type SessionInfo struct {
	ID        string    `json:"id"`
	ExecID    string    `json:"exec_id,omitempty"`
	State     string    `json:"state"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the exec session table. It implements EventSink: inbound
// exec-tagged events are claimed here, translated, and republished on the
// session's local topic so browser subscribers never see gateway ids.
type Manager struct {
	rpc           caller
	bus           domain.EventBus
	logger        *slog.Logger
	createTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // by local id
	byExec   map[string]*Session // by gateway exec id, Ready sessions only
	closed   bool
}

// NewManager creates an exec session manager on top of rpc.
func NewManager(rpc caller, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		rpc:           rpc,
		bus:           bus,
		logger:        logger,
		createTimeout: defaultCreateTimeout,
		sessions:      make(map[string]*Session),
		byExec:        make(map[string]*Session),
	}
}

// createParams mirrors the gateway's exec-create request body.
type createParams struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
}

// execEventPayload is the wire shape of inbound exec events.
type execEventPayload struct {
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Create registers a session and launches the create call. It returns
// immediately with the handle in Creating state; callers subscribe to the
// session's topic and then Await readiness. Writes against a session whose
// create has not resolved fail fast instead of queuing.
func (m *Manager) Create(ctx context.Context, spec domain.ExecSpec) (*Session, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("exec.create: command required")
	}
	sess := &Session{
		ID:        newID(),
		Spec:      spec,
		CreatedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	sess.state.Store(int32(domain.ExecCreating))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.runCreate(sess)
	return sess, nil
}

func (m *Manager) runCreate(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.createTimeout)
	defer cancel()

	result, err := m.rpc.Call(ctx, "exec", createParams{
		Command: sess.Spec.Command,
		Cwd:     sess.Spec.Cwd,
		Env:     sess.Spec.Env,
		Cols:    sess.Spec.Cols,
		Rows:    sess.Spec.Rows,
	})
	if err != nil {
		m.failCreate(sess, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		m.failCreate(sess, fmt.Errorf("exec.create: decode reply: %w", err))
		return
	}
	execID := probeExecID(fields)
	if execID == "" {
		m.failCreate(sess, fmt.Errorf("exec.create: no exec id in reply"))
		return
	}

	m.mu.Lock()
	stillCreating := sess.State() == domain.ExecCreating && !m.closed
	if stillCreating {
		sess.execID = execID
		sess.state.Store(int32(domain.ExecReady))
		m.byExec[execID] = sess
	}
	m.mu.Unlock()
	close(sess.ready)

	if !stillCreating {
		// Closed locally while the create was in flight; release the orphan
		// remote session best-effort.
		m.remoteClose(execID, nil)
		return
	}
	m.logger.Info("exec session ready", "session_id", sess.ID, "exec_id", execID)
}

func (m *Manager) failCreate(sess *Session, err error) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	sess.state.Store(int32(domain.ExecClosed))
	sess.createErr = err
	close(sess.ready)
	m.logger.Warn("exec session create failed", "session_id", sess.ID, "error", err)
	m.emitClosed(sess, err.Error())
}

// Write sends data to the session's stdin. It waits only for the gateway to
// acknowledge queuing the write, not for the process to consume it.
func (m *Manager) Write(ctx context.Context, id, data string) error {
	sess := m.lookup(id)
	if sess == nil {
		return domain.NewDomainError("exec.write", domain.ErrSessionClosed, id)
	}
	switch sess.State() {
	case domain.ExecCreating:
		return domain.NewDomainError("exec.write", domain.ErrSessionNotReady, id)
	case domain.ExecReady:
	default:
		return domain.NewDomainError("exec.write", domain.ErrSessionClosed, id)
	}
	_, err := m.rpc.Call(ctx, "exec.write", map[string]any{"id": sess.execID, "data": data})
	if err != nil {
		return domain.WrapOp("exec.write", err)
	}
	return nil
}

// Resize updates the remote terminal geometry. Fire-and-forget: geometry is
// not correctness-critical, so call failures are logged and dropped.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows int) error {
	sess := m.lookup(id)
	if sess == nil {
		return domain.NewDomainError("exec.resize", domain.ErrSessionClosed, id)
	}
	switch sess.State() {
	case domain.ExecCreating:
		return domain.NewDomainError("exec.resize", domain.ErrSessionNotReady, id)
	case domain.ExecReady:
	default:
		return domain.NewDomainError("exec.resize", domain.ErrSessionClosed, id)
	}
	execID := sess.execID
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.rpc.Call(rctx, "exec.resize", map[string]any{"id": execID, "cols": cols, "rows": rows}); err != nil {
			m.logger.Debug("exec resize dropped", "session_id", id, "error", err)
		}
	}()
	return nil
}

// Close tears the session down. Idempotent: the session is closed locally
// regardless of whether the gateway acknowledges, and repeat calls are no-ops.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if sess.execID != "" {
			delete(m.byExec, sess.execID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	prev := domain.ExecState(sess.state.Swap(int32(domain.ExecClosing)))
	if prev == domain.ExecReady {
		m.remoteClose(sess.execID, sess)
	} else {
		sess.state.Store(int32(domain.ExecClosed))
	}
	m.emitClosed(sess, "closed")
	return nil
}

// remoteClose releases the gateway half of a session. When sess is non-nil it
// stays in closing until the call resolves, acknowledged or not.
func (m *Manager) remoteClose(execID string, sess *Session) {
	if execID == "" {
		if sess != nil {
			sess.state.Store(int32(domain.ExecClosed))
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.rpc.Call(ctx, "exec.close", map[string]any{"id": execID}); err != nil {
			m.logger.Debug("exec close not acknowledged", "exec_id", execID, "error", err)
		}
		if sess != nil {
			sess.state.Store(int32(domain.ExecClosed))
		}
	}()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot lists live sessions for the status endpoint.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:        sess.ID,
			ExecID:    sess.execID,
			State:     sess.State().String(),
			Command:   sess.Spec.Command,
			CreatedAt: sess.CreatedAt,
		})
	}
	return infos
}

// Shutdown closes every session locally. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.byExec = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.state.Store(int32(domain.ExecClosed))
		m.emitClosed(sess, "shutting down")
	}
}

// HandleEvent claims exec-tagged event frames. Events for unknown exec ids
// are swallowed: after a reconnect the old gateway may still flush output for
// sessions this side has already invalidated.
func (m *Manager) HandleEvent(ctx context.Context, topic string, payload json.RawMessage) bool {
	var execID string
	switch {
	case strings.HasPrefix(topic, "exec."):
		execID = strings.TrimPrefix(topic, "exec.")
	case topic == "exec":
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			m.logger.Warn("dropping undecodable exec event", "error", err)
			return true
		}
		execID = probeExecID(fields)
	default:
		return false
	}

	m.mu.Lock()
	sess := m.byExec[execID]
	m.mu.Unlock()
	if sess == nil {
		m.logger.Debug("dropping event for unknown exec session", "exec_id", execID)
		return true
	}

	var body execEventPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		m.logger.Warn("dropping undecodable exec event", "session_id", sess.ID, "error", err)
		return true
	}

	switch {
	case body.Error != "":
		m.publish(ctx, sess, domain.ExecEvent{
			Kind:      domain.ExecEventError,
			SessionID: sess.ID,
			Reason:    body.Error,
		})
	case body.ExitCode != nil:
		m.publish(ctx, sess, domain.ExecEvent{
			Kind:      domain.ExecEventExit,
			SessionID: sess.ID,
			ExitCode:  body.ExitCode,
		})
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		delete(m.byExec, execID)
		m.mu.Unlock()
		sess.state.Store(int32(domain.ExecClosed))
		m.emitClosed(sess, "process exited")
	default:
		m.publish(ctx, sess, domain.ExecEvent{
			Kind:      domain.ExecEventStdout,
			SessionID: sess.ID,
			Data:      body.Data,
		})
	}
	return true
}

// ConnectionLost invalidates every session. Reconnection is identity
// breaking: old handles are never rebound to a new transport, and each feed
// receives exactly one terminal close event.
func (m *Manager) ConnectionLost(reason error) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.byExec = make(map[string]*Session)
	m.mu.Unlock()
	if len(sessions) == 0 {
		return
	}
	m.logger.Warn("invalidating exec sessions", "count", len(sessions), "reason", reason)
	for _, sess := range sessions {
		sess.state.Store(int32(domain.ExecClosed))
		m.emitClosed(sess, "connection lost")
	}
}

func (m *Manager) publish(ctx context.Context, sess *Session, ev domain.ExecEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal exec event", "session_id", sess.ID, "error", err)
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Topic:     domain.ExecTopic(sess.ID),
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// emitClosed publishes the terminal close event for a session, at most once
// per session regardless of how it died.
func (m *Manager) emitClosed(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		m.publish(context.Background(), sess, domain.ExecEvent{
			Kind:      domain.ExecEventClosed,
			SessionID: sess.ID,
			Reason:    reason,
		})
	})
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func probeExecID(fields map[string]json.RawMessage) string {
	for _, name := range execIDFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
