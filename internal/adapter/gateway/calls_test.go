package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawdeck/internal/domain"
)

func TestCorrelatorResolve(t *testing.T) {
	c := newCorrelator()
	pc, ok := c.register("a")
	require.True(t, ok, "register refused fresh id")
	require.True(t, c.resolve(Frame{Type: FrameTypeResponse, ID: "a", OK: true, Result: json.RawMessage(`42`)}))
	select {
	case res := <-pc.ch:
		require.NoError(t, res.err)
		assert.Equal(t, "42", string(res.frame.Result))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, 0, c.size(), "pending table not emptied")
}

func TestCorrelatorDuplicateID(t *testing.T) {
	c := newCorrelator()
	_, ok := c.register("a")
	require.True(t, ok)
	_, ok = c.register("a")
	assert.False(t, ok, "duplicate id accepted")
}

func TestCorrelatorUnknownIDDropped(t *testing.T) {
	c := newCorrelator()
	assert.False(t, c.resolve(Frame{Type: FrameTypeResponse, ID: "ghost", OK: true}))
}

func TestCorrelatorLateResponseAfterDrop(t *testing.T) {
	c := newCorrelator()
	pc, _ := c.register("a")
	c.drop("a")
	assert.False(t, c.resolve(Frame{Type: FrameTypeResponse, ID: "a", OK: true}))
	select {
	case res := <-pc.ch:
		t.Errorf("dropped call received delivery: %+v", res)
	default:
	}
}

func TestCorrelatorFailAll(t *testing.T) {
	c := newCorrelator()
	var pcs []*pendingCall
	for _, id := range []string{"a", "b", "c"} {
		pc, _ := c.register(id)
		pcs = append(pcs, pc)
	}
	c.failAll(domain.ErrConnectionLost)
	for i, pc := range pcs {
		select {
		case res := <-pc.ch:
			assert.ErrorIs(t, res.err, domain.ErrConnectionLost, "call %d", i)
		case <-time.After(time.Second):
			t.Fatalf("call %d: no rejection delivered", i)
		}
	}
	assert.Equal(t, 0, c.size(), "table not emptied after failAll")
	// A second failAll finds an empty table; nobody is rejected twice.
	c.failAll(domain.ErrConnectionLost)
	for i, pc := range pcs {
		select {
		case res := <-pc.ch:
			t.Errorf("call %d rejected twice: %+v", i, res)
		default:
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		id := newID()
		require.False(t, seen[id], "duplicate id %s at iteration %d", id, i)
		seen[id] = true
	}
}
