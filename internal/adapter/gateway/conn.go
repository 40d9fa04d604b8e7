package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"clawdeck/internal/domain"
	"clawdeck/internal/infra/tracer"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
	defaultReconnectBase     = 1 * time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	writeTimeout             = 5 * time.Second
	sendQueueDepth           = 64
)

// EventSink receives inbound event frames before they reach the event bus.
// The exec session manager registers one to claim exec-tagged events.
type EventSink interface {
	// HandleEvent returns true when the sink consumed the event.
	HandleEvent(ctx context.Context, topic string, payload json.RawMessage) bool
	// ConnectionLost is invoked once per connection loss, after every
	// pending call has been rejected.
	ConnectionLost(reason error)
}

// Config holds connection manager settings.
type Config struct {
	URL      string
	Token    string
	Password string
	ClientID string // identifies this dashboard in the handshake

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	Dialer Dialer // defaults to DialWebSocket
}

// epoch is the per-connection lifetime: one transport, one send queue, one
// failure. A reconnect abandons the whole epoch and builds a new one; no
// partial recovery of in-flight state.
type epoch struct {
	tr     Transport
	sendCh chan Frame
	done   chan struct{}
	once   sync.Once
	err    error
}

func (e *epoch) fail(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Conn owns the single transport connection to the gateway and multiplexes
// every logical operation over it. It is the only component that reads or
// writes the transport; callers go through Call or the exec session manager.
type Conn struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger
	corr   *correlator

	state atomic.Int32 // domain.ConnState

	mu          sync.Mutex
	current     *epoch
	attempt     int
	lastErr     string
	connectedAt time.Time

	sinksMu sync.RWMutex
	sinks   []EventSink

	kick   chan struct{} // pokes the backoff sleep for reconnect-now
	closed chan struct{}
	stop   sync.Once
}

// connectParams is the handshake request body. The method name and credential
// shape are fixed by the peer.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        connectAuth   `json:"auth"`
}

type connectClient struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// New creates a connection manager. At least one of Token/Password must be
// configured; otherwise New fails with ErrMissingCredentials and no connect
// attempt is ever made.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) (*Conn, error) {
	if cfg.Token == "" && cfg.Password == "" {
		return nil, domain.ErrMissingCredentials
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url not configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "clawdeck"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialWebSocket
	}

	c := &Conn{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		corr:   newCorrelator(),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	c.state.Store(int32(domain.ConnConnecting))
	return c, nil
}

// RegisterSink adds an event sink consulted for every inbound event frame.
// Must be called before Run.
func (c *Conn) RegisterSink(sink EventSink) {
	c.sinksMu.Lock()
	c.sinks = append(c.sinks, sink)
	c.sinksMu.Unlock()
}

// Run drives the connect/reconnect loop until ctx is cancelled or Close is
// called. It blocks; run it in its own goroutine.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return ctx.Err()
		case <-c.closed:
			c.shutdown(domain.ErrClosed)
			return nil
		default:
		}

		c.setState(ctx, domain.ConnConnecting)
		ep, err := c.connect(ctx)
		if err != nil {
			c.noteFailure(ctx, err)
			c.sleepBackoff(ctx)
			continue
		}

		c.mu.Lock()
		c.current = ep
		c.attempt = 0
		c.lastErr = ""
		c.connectedAt = time.Now()
		c.mu.Unlock()
		// A kick raised while this dial was in flight is satisfied by the
		// connection we just opened; drop it so it cannot skip a later backoff.
		select {
		case <-c.kick:
		default:
		}
		c.setState(ctx, domain.ConnOpen)
		c.logger.Info("gateway connected", "url", c.cfg.URL)

		epCtx, epCancel := context.WithCancel(ctx)
		go c.writeLoop(epCtx, ep)
		go c.readLoop(epCtx, ep)
		go c.heartbeatLoop(epCtx, ep)

		select {
		case <-ctx.Done():
			ep.fail(ctx.Err())
		case <-c.closed:
			ep.fail(domain.ErrClosed)
		case <-ep.done:
		}
		epCancel()
		_ = ep.tr.Close()

		c.mu.Lock()
		c.current = nil
		if ep.err != nil {
			c.lastErr = ep.err.Error()
		}
		c.attempt++
		c.mu.Unlock()

		// Identity-breaking teardown: every outstanding call rejects with
		// ConnectionLost exactly once, and exec sessions are invalidated
		// rather than resumed after the reconnect.
		c.corr.failAll(domain.ErrConnectionLost)
		c.notifyLost(domain.ErrConnectionLost)
		c.setState(ctx, domain.ConnClosed)
		c.logger.Warn("gateway connection lost", "error", ep.err)

		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return ctx.Err()
		case <-c.closed:
			c.shutdown(domain.ErrClosed)
			return nil
		default:
		}
		c.sleepBackoff(ctx)
	}
}

// Close stops the reconnect loop and tears down any live transport.
func (c *Conn) Close() {
	c.stop.Do(func() { close(c.closed) })
}

// ReconnectNow resets the backoff counter and forces an immediate connect
// attempt. If a connection is open it is torn down first; if the loop is
// sleeping between attempts, the sleep is cut short.
func (c *Conn) ReconnectNow() {
	c.mu.Lock()
	c.attempt = 0
	ep := c.current
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	if ep != nil {
		ep.fail(errors.New("reconnect requested"))
	}
}

// Status returns a point-in-time snapshot of the connection.
func (c *Conn) Status() domain.ConnStatus {
	sessions := c.sessionCount()
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnStatus{
		State:            domain.ConnState(c.state.Load()).String(),
		ReconnectAttempt: c.attempt,
		LastError:        c.lastErr,
		ConnectedAt:      c.connectedAt,
		Sessions:         sessions,
	}
}

// sessionCount sums live sessions across registered sinks. Sinks that do not
// track sessions simply contribute nothing.
func (c *Conn) sessionCount() int {
	c.sinksMu.RLock()
	sinks := c.sinks
	c.sinksMu.RUnlock()
	n := 0
	for _, sink := range sinks {
		if counter, ok := sink.(interface{ Count() int }); ok {
			n += counter.Count()
		}
	}
	return n
}

// State returns the current connection state.
func (c *Conn) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

// Call sends a request frame and suspends the calling goroutine until the
// matching response arrives, ctx expires, or the connection is lost.
// Responses are matched by id only; the gateway may answer out of order.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ep := c.current
	c.mu.Unlock()
	if ep == nil || c.State() != domain.ConnOpen {
		return nil, domain.NewDomainError("gateway.call", domain.ErrNotConnected, method)
	}
	return c.call(ctx, ep, method, params)
}

func (c *Conn) call(ctx context.Context, ep *epoch, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.call")
	span.SetAttributes(tracer.StringAttr("rpc.method", method))
	defer span.End()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = data
	}

	id := newID()
	pc, ok := c.corr.register(id)
	if !ok {
		return nil, fmt.Errorf("gateway.call: duplicate request id %s", id)
	}

	frame := Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}
	select {
	case ep.sendCh <- frame:
	case <-ep.done:
		c.corr.drop(id)
		tracer.RecordError(span, domain.ErrConnectionLost)
		return nil, domain.ErrConnectionLost
	case <-ctx.Done():
		c.corr.drop(id)
		return nil, c.ctxError(ctx, method)
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			return nil, res.err
		}
		if !res.frame.OK {
			gwErr := res.frame.Error
			if gwErr == nil {
				gwErr = &domain.GatewayError{Message: "request failed"}
			}
			tracer.RecordError(span, gwErr)
			return nil, gwErr
		}
		tracer.SetOK(span)
		return res.frame.Result, nil
	case <-ctx.Done():
		// Local cancellation does not retract the request already on the
		// wire; the eventual response is dropped by the correlator.
		c.corr.drop(id)
		err := c.ctxError(ctx, method)
		tracer.RecordError(span, err)
		return nil, err
	}
}

func (c *Conn) ctxError(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewDomainError("gateway.call", domain.ErrCallTimeout, method)
	}
	return ctx.Err()
}

// Pending reports the number of in-flight calls. Exposed for the status
// endpoint and tests.
func (c *Conn) Pending() int { return c.corr.size() }

// --- connection lifecycle internals ---

func (c *Conn) connect(ctx context.Context) (*epoch, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	tr, err := c.cfg.Dialer(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := c.handshake(dialCtx, tr); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return &epoch{
		tr:     tr,
		sendCh: make(chan Frame, sendQueueDepth),
		done:   make(chan struct{}),
	}, nil
}

// handshake runs synchronously on the fresh transport, before the epoch
// goroutines exist. Events arriving mid-handshake are skipped.
func (c *Conn) handshake(ctx context.Context, tr Transport) error {
	id := newID()
	params, err := json.Marshal(connectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      connectClient{ID: c.cfg.ClientID, Version: "clawdeck/1.0"},
		Auth:        connectAuth{Token: c.cfg.Token, Password: c.cfg.Password},
	})
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	req := Frame{Type: FrameTypeRequest, ID: id, Method: "connect", Params: params}
	if err := tr.WriteFrame(ctx, req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	for {
		f, err := tr.ReadFrame(ctx)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("dropping malformed frame during handshake", "reason", de.Reason)
				continue
			}
			return fmt.Errorf("read handshake response: %w", err)
		}
		if f.Type != FrameTypeResponse || f.ID != id {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return fmt.Errorf("handshake rejected: %w", f.Error)
			}
			return fmt.Errorf("handshake rejected")
		}
		return nil
	}
}

func (c *Conn) writeLoop(ctx context.Context, ep *epoch) {
	for {
		select {
		case <-ep.done:
			return
		case f := <-ep.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ep.tr.WriteFrame(wctx, f)
			cancel()
			if err != nil {
				ep.fail(fmt.Errorf("write frame: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, ep *epoch) {
	for {
		f, err := ep.tr.ReadFrame(ctx)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				// A single malformed frame never kills the connection.
				c.logger.Warn("dropping malformed frame", "reason", de.Reason)
				continue
			}
			ep.fail(err)
			return
		}

		switch f.Type {
		case FrameTypeResponse:
			if !c.corr.resolve(f) {
				c.logger.Debug("dropping uncorrelated response", "frame_id", f.ID)
			}
		case FrameTypeEvent:
			c.dispatchEvent(ctx, f)
		default:
			c.logger.Debug("ignoring unexpected inbound frame", "type", string(f.Type))
		}
	}
}

func (c *Conn) dispatchEvent(ctx context.Context, f Frame) {
	c.sinksMu.RLock()
	sinks := c.sinks
	c.sinksMu.RUnlock()
	for _, sink := range sinks {
		if sink.HandleEvent(ctx, f.Topic, f.Payload) {
			return
		}
	}
	c.bus.Publish(ctx, domain.Event{
		Topic:     domain.Topic(f.Topic),
		Timestamp: time.Now(),
		Payload:   f.Payload,
	})
}

func (c *Conn) heartbeatLoop(ctx context.Context, ep *epoch) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			_, err := c.call(hbCtx, ep, "ping", nil)
			cancel()
			if err != nil && ctx.Err() == nil {
				ep.fail(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (c *Conn) notifyLost(reason error) {
	c.sinksMu.RLock()
	sinks := c.sinks
	c.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.ConnectionLost(reason)
	}
}

func (c *Conn) noteFailure(ctx context.Context, err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.attempt++
	c.mu.Unlock()
	c.setState(ctx, domain.ConnClosed)
	c.logger.Warn("gateway connect failed", "error", err, "attempt", c.reconnectAttempt())
}

func (c *Conn) reconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// sleepBackoff waits the current backoff delay. Returns false when the sleep
// was interrupted by ReconnectNow or shutdown.
func (c *Conn) sleepBackoff(ctx context.Context) bool {
	delay := retryBackoff(c.reconnectAttempt(), c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.kick:
		return false
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}

func (c *Conn) shutdown(reason error) {
	c.setState(context.Background(), domain.ConnClosing)
	c.corr.failAll(domain.ErrConnectionLost)
	c.notifyLost(reason)
	c.mu.Lock()
	ep := c.current
	c.current = nil
	c.mu.Unlock()
	if ep != nil {
		ep.fail(reason)
		_ = ep.tr.Close()
	}
	c.setState(context.Background(), domain.ConnClosed)
}

func (c *Conn) setState(ctx context.Context, s domain.ConnState) {
	if domain.ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	payload, _ := json.Marshal(c.Status())
	c.bus.Publish(ctx, domain.Event{
		Topic:     domain.TopicGatewayStatus,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// retryBackoff computes exponential backoff with jitter. The pre-jitter delay
// doubles per attempt up to max; jitter adds 0-25%.
func retryBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a fresh ULID. The shared monotonic entropy source keeps ids
// unique even when many are minted within the same millisecond.
func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
