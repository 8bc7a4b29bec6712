// ABOUTME: Tests for message dispatch: target precedence, fan-out, timeout isolation
// ABOUTME: Uses a scripted fake Invoker so per-target behavior is fully controlled

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker answers each agent id from a script. Unscripted agents
// succeed with a canned output.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string

	// per-agent behavior
	errs   map[string]error
	delays map[string]time.Duration
}

func (f *fakeInvoker) Invoke(ctx context.Context, agentID, command string, params map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	delay := f.delays[agentID]
	err := f.errs[agentID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return "ok:" + agentID, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// collectingNotifier records every agent event it receives.
type collectingNotifier struct {
	mu     sync.Mutex
	events []*AgentEvent
}

func (n *collectingNotifier) NotifyAgentEvent(agentID string, event any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := event.(*AgentEvent); ok {
		n.events = append(n.events, e)
	}
}

func newTestDispatcher(t *testing.T, invoker Invoker, notifier Notifier, agents ...string) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry(testLogger())
	for _, id := range agents {
		_, err := reg.Register(id, id, []string{"general"}, nil)
		require.NoError(t, err)
	}
	d := NewDispatcher(reg, invoker, notifier, DispatcherConfig{
		DirectTimeout:    200 * time.Millisecond,
		BroadcastTimeout: 100 * time.Millisecond,
	}, testLogger())
	return d, reg
}

func TestDispatcher_Route_Direct(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2")

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{AgentID: "a1"})
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].Success)
	assert.Equal(t, "a1", result.Outcomes[0].Target)
	assert.Equal(t, "ok:a1", result.Outcomes[0].Output)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, inv.callCount())
}

func TestDispatcher_Route_DirectUnknown(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1")

	_, err := d.Route(context.Background(), Message{Command: "do"}, Target{AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, 0, inv.callCount())
}

func TestDispatcher_Route_DirectTakesPrecedence(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2", "a3")

	// AgentID wins over capability filter and broadcast
	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{
		AgentID:      "a2",
		Capabilities: []string{"general"},
		Broadcast:    true,
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "a2", result.Outcomes[0].Target)
}

func TestDispatcher_Route_Capability(t *testing.T) {
	inv := &fakeInvoker{}
	reg := NewRegistry(testLogger())
	_, err := reg.Register("a1", "A", []string{"translate"}, nil)
	require.NoError(t, err)
	_, err = reg.Register("a2", "B", []string{"summarize"}, nil)
	require.NoError(t, err)
	_, err = reg.Register("a3", "C", []string{"translate", "summarize"}, nil)
	require.NoError(t, err)

	d := NewDispatcher(reg, inv, nil, DispatcherConfig{}, testLogger())

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{Capabilities: []string{"translate"}})
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, "a1", result.Outcomes[0].Target)
	assert.Equal(t, "a3", result.Outcomes[1].Target)
}

func TestDispatcher_Route_CapabilityNoMatches(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1")

	// Zero matches is an empty result, not an error
	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{Capabilities: []string{"nope"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalTargets)
	assert.Empty(t, result.Outcomes)
}

func TestDispatcher_Route_Broadcast(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2", "a3")

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{Broadcast: true})
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalTargets)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 3, inv.callCount())
}

func TestDispatcher_Route_NoSelector(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1")

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalTargets)
	assert.Equal(t, 0, inv.callCount())
}

func TestDispatcher_PartialFailureIsolation(t *testing.T) {
	inv := &fakeInvoker{errs: map[string]error{"a2": errors.New("boom")}}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2", "a3")

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{Broadcast: true})
	require.NoError(t, err)

	// One failing target does not poison its siblings
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)

	require.Len(t, result.Outcomes, 3)
	assert.True(t, result.Outcomes[0].Success)
	assert.False(t, result.Outcomes[1].Success)
	assert.Equal(t, OutcomeKindInvokeError, result.Outcomes[1].ErrorKind)
	assert.Equal(t, "boom", result.Outcomes[1].Error)
	assert.True(t, result.Outcomes[2].Success)
}

func TestDispatcher_TimeoutClassification(t *testing.T) {
	inv := &fakeInvoker{delays: map[string]time.Duration{"a1": time.Second}}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2")

	start := time.Now()
	result, err := d.Route(context.Background(), Message{Command: "slow"}, Target{Broadcast: true})
	require.NoError(t, err)

	// Each target has its own deadline; the slow one times out while the
	// fast one succeeds, and the whole dispatch is bounded by one budget.
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, result.Outcomes, 2)
	assert.False(t, result.Outcomes[0].Success)
	assert.Equal(t, OutcomeKindTimeout, result.Outcomes[0].ErrorKind)
	assert.True(t, result.Outcomes[1].Success)
}

func TestDispatcher_CanceledClassification(t *testing.T) {
	inv := &fakeInvoker{delays: map[string]time.Duration{"a1": time.Second}}
	d, reg := newTestDispatcher(t, inv, nil, "a1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := d.Route(ctx, Message{Command: "slow"}, Target{AgentID: "a1"})
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	assert.False(t, result.Outcomes[0].Success)
	assert.Equal(t, OutcomeKindCanceled, result.Outcomes[0].ErrorKind)

	// A caller going away is not the agent's fault
	a, ok := reg.Find("a1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, a.Status())
	assert.Equal(t, 0, a.Info().ConsecutiveFailures)
}

func TestDispatcher_UnavailableClassification(t *testing.T) {
	inv := &fakeInvoker{errs: map[string]error{"a1": ErrAgentUnavailable}}
	d, _ := newTestDispatcher(t, inv, nil, "a1")

	result, err := d.Route(context.Background(), Message{Command: "do"}, Target{AgentID: "a1"})
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, OutcomeKindUnavailable, result.Outcomes[0].ErrorKind)
}

func TestDispatcher_UpdatesAgentMetrics(t *testing.T) {
	inv := &fakeInvoker{errs: map[string]error{"a1": errors.New("boom")}}
	d, reg := newTestDispatcher(t, inv, nil, "a1")

	for i := 0; i < 3; i++ {
		_, err := d.Route(context.Background(), Message{Command: "do"}, Target{AgentID: "a1"})
		require.NoError(t, err)
	}

	a, ok := reg.Find("a1")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, a.Status())
	assert.Equal(t, int64(3), a.Metrics().ErrorCount)

	// Failures degrade the agent but never deregister it
	assert.Equal(t, 1, reg.Count())
}

func TestDispatcher_NotifiesObservers(t *testing.T) {
	inv := &fakeInvoker{}
	notifier := &collectingNotifier{}
	d, _ := newTestDispatcher(t, inv, notifier, "a1", "a2")

	_, err := d.Route(context.Background(), Message{Command: "do", Sender: "conn-9"}, Target{Broadcast: true})
	require.NoError(t, err)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 2)
	for _, e := range notifier.events {
		assert.Equal(t, "agent_event", e.Type)
		assert.Equal(t, "do", e.Command)
		assert.Equal(t, "conn-9", e.Sender)
		assert.True(t, e.Outcome.Success)
	}
}

func TestDispatcher_InFlightReturnsToZero(t *testing.T) {
	inv := &fakeInvoker{}
	d, _ := newTestDispatcher(t, inv, nil, "a1", "a2")

	_, err := d.Route(context.Background(), Message{Command: "do"}, Target{Broadcast: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.InFlight())
}
