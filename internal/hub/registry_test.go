// ABOUTME: Tests for the connection registry and its unregister cascade
// ABOUTME: Covers capacity, idempotency, observer ordering, and the idle sweep

package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver captures the cascade notifications it receives.
type recordingObserver struct {
	mu     sync.Mutex
	closed []string
}

func (o *recordingObserver) ConnectionClosed(connID string) {
	o.mu.Lock()
	o.closed = append(o.closed, connID)
	o.mu.Unlock()
}

func (o *recordingObserver) closedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(10, testLogger())

	c := newTestConn("c1")
	require.NoError(t, reg.Register(c))

	got, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Register_Full(t *testing.T) {
	reg := NewRegistry(2, testLogger())

	require.NoError(t, reg.Register(newTestConn("c1")))
	require.NoError(t, reg.Register(newTestConn("c2")))

	assert.ErrorIs(t, reg.Register(newTestConn("c3")), ErrRegistryFull)
	assert.Equal(t, 2, reg.Count())
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry(10, testLogger())

	c := newTestConn("c1")
	require.NoError(t, reg.Register(c))

	reg.Unregister("c1")

	_, ok := reg.Get("c1")
	assert.False(t, ok)
	assert.True(t, c.Closed())

	// Capacity is freed
	require.NoError(t, reg.Register(newTestConn("c2")))
}

func TestRegistry_Unregister_Idempotent(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	obs := &recordingObserver{}
	reg.AddObserver(obs)

	require.NoError(t, reg.Register(newTestConn("c1")))

	reg.Unregister("c1")
	reg.Unregister("c1")
	reg.Unregister("never-existed")

	// The cascade ran exactly once
	assert.Equal(t, []string{"c1"}, obs.closedIDs())
}

func TestRegistry_Unregister_NotifiesAllObservers(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	first := &recordingObserver{}
	second := &recordingObserver{}
	reg.AddObserver(first)
	reg.AddObserver(second)

	require.NoError(t, reg.Register(newTestConn("c1")))
	reg.Unregister("c1")

	assert.Equal(t, []string{"c1"}, first.closedIDs())
	assert.Equal(t, []string{"c1"}, second.closedIDs())
}

func TestRegistry_Unregister_ConcurrentSingleCascade(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	obs := &recordingObserver{}
	reg.AddObserver(obs)

	require.NoError(t, reg.Register(newTestConn("c1")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Unregister("c1")
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"c1"}, obs.closedIDs())
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Register(newTestConn(fmt.Sprintf("c%d", i))))
	}

	assert.Len(t, reg.List(), 3)
}

func TestRegistry_Snapshot(t *testing.T) {
	reg := NewRegistry(10, testLogger())

	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	require.NoError(t, reg.Register(c1))
	require.NoError(t, reg.Register(c2))

	c1.Touch()
	c1.Touch()
	c2.Touch()

	snap := reg.Snapshot()
	assert.Equal(t, 2, snap.Count)
	assert.Equal(t, int64(3), snap.TotalMessages)
}

func TestRegistry_CloseIdle(t *testing.T) {
	reg := NewRegistry(10, testLogger())

	idle := newTestConn("idle")
	fresh := newTestConn("fresh")
	require.NoError(t, reg.Register(idle))
	require.NoError(t, reg.Register(fresh))

	time.Sleep(20 * time.Millisecond)
	fresh.Touch()

	closed := reg.CloseIdle(10 * time.Millisecond)
	assert.Equal(t, 1, closed)

	_, ok := reg.Get("idle")
	assert.False(t, ok)
	_, ok = reg.Get("fresh")
	assert.True(t, ok)
}

func TestRegistry_CloseIdle_ZeroTimeoutDisabled(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	require.NoError(t, reg.Register(newTestConn("c1")))

	assert.Equal(t, 0, reg.CloseIdle(0))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Touch(t *testing.T) {
	reg := NewRegistry(10, testLogger())
	c := newTestConn("c1")
	require.NoError(t, reg.Register(c))

	before := c.LastActivity()
	time.Sleep(time.Millisecond)
	reg.Touch("c1")
	assert.True(t, c.LastActivity().After(before))

	// Unknown id is a no-op
	reg.Touch("ghost")
}
