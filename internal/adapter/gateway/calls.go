package gateway

import (
	"sync"
	"time"
)

// callResult carries either a response frame or a terminal error to the
// goroutine suspended in Call.
type callResult struct {
	frame Frame
	err   error
}

// pendingCall tracks one in-flight request.
type pendingCall struct {
	id        string
	createdAt time.Time
	ch        chan callResult // buffered(1); delivered to at most once
}

// correlator owns the pending-call table. Responses are matched purely by id;
// the gateway may answer out of order. A response whose id has no pending
// call (late reply racing a timeout or local cancel) is silently dropped.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCall)}
}

// register creates a pending call for id. Ids are fresh ULIDs so a duplicate
// registration cannot happen in practice; the table still guards the
// invariant by refusing to overwrite.
func (c *correlator) register(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, false
	}
	pc := &pendingCall{
		id:        id,
		createdAt: time.Now(),
		ch:        make(chan callResult, 1),
	}
	c.pending[id] = pc
	return pc, true
}

// resolve delivers an inbound response frame to its pending call, if any.
// Returns false when the id is unknown and the frame was dropped.
func (c *correlator) resolve(f Frame) bool {
	c.mu.Lock()
	pc, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.ch <- callResult{frame: f}
	return true
}

// drop abandons a pending call without delivering anything. Used when the
// caller timed out or cancelled locally; the eventual response will then be
// dropped by resolve.
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll rejects every outstanding call with err, exactly once each, and
// empties the table. Called on connection loss.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callResult{err: err}
	}
}

// size reports the number of in-flight calls.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
