// ABOUTME: Maps registered agents to their attached delivery connections
// ABOUTME: StreamInvoker delivers invocations over the wire with request-id correlation

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/agent"
)

// Endpoints tracks which live connection, if any, is the delivery
// endpoint for each registered agent. An agent with no endpoint is still
// in the catalog; invoking it fails with agent.ErrAgentUnavailable.
type Endpoints struct {
	mu       sync.RWMutex
	byID     map[string]*Connection // agentID -> endpoint connection
	onDetach func(agentID string)
	logger   *slog.Logger
}

// NewEndpoints creates an empty endpoint table.
func NewEndpoints(logger *slog.Logger) *Endpoints {
	return &Endpoints{
		byID:   make(map[string]*Connection),
		logger: logger,
	}
}

// SetDetachHook installs a callback invoked whenever an endpoint is
// removed by a closing connection. Set once during wiring, before any
// connection is accepted.
func (e *Endpoints) SetDetachHook(fn func(agentID string)) {
	e.onDetach = fn
}

// Attach marks conn as the delivery endpoint for agentID, replacing any
// previous endpoint (a reconnecting agent supersedes its old stream).
func (e *Endpoints) Attach(agentID string, conn *Connection) {
	e.mu.Lock()
	prev := e.byID[agentID]
	e.byID[agentID] = conn
	e.mu.Unlock()

	conn.SetAgentID(agentID)
	if prev != nil && prev.ID != conn.ID {
		e.logger.Info("agent endpoint replaced",
			"agent_id", agentID,
			"old_connection_id", prev.ID,
			"new_connection_id", conn.ID,
		)
	} else {
		e.logger.Info("agent endpoint attached",
			"agent_id", agentID,
			"connection_id", conn.ID,
		)
	}
}

// Lookup returns the endpoint connection for an agent.
func (e *Endpoints) Lookup(agentID string) (*Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn, ok := e.byID[agentID]
	return conn, ok
}

// Count returns the number of attached endpoints.
func (e *Endpoints) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}

// ConnectionClosed implements CloseObserver: a closing connection stops
// being anyone's delivery endpoint.
func (e *Endpoints) ConnectionClosed(connID string) {
	e.mu.Lock()
	var detached []string
	for agentID, conn := range e.byID {
		if conn.ID == connID {
			delete(e.byID, agentID)
			detached = append(detached, agentID)
		}
	}
	e.mu.Unlock()

	for _, agentID := range detached {
		e.logger.Info("agent endpoint detached",
			"agent_id", agentID,
			"connection_id", connID,
		)
		if e.onDetach != nil {
			e.onDetach(agentID)
		}
	}
}

// StreamInvoker implements agent.Invoker by delivering invocations over
// the agent's attached WebSocket connection. Each invocation gets a
// request id; the agent answers with an agent_result frame, which the
// connection's pending-request table correlates back to the waiter.
type StreamInvoker struct {
	endpoints *Endpoints
	logger    *slog.Logger
}

// NewStreamInvoker creates a StreamInvoker over the endpoint table.
func NewStreamInvoker(endpoints *Endpoints, logger *slog.Logger) *StreamInvoker {
	return &StreamInvoker{endpoints: endpoints, logger: logger}
}

// Invoke delivers one invocation and waits for its correlated result or
// the context deadline. The wait is cancelled by: the deadline, the
// agent connection closing, or the result arriving.
func (i *StreamInvoker) Invoke(ctx context.Context, agentID, command string, params map[string]any) (string, error) {
	conn, ok := i.endpoints.Lookup(agentID)
	if !ok {
		return "", fmt.Errorf("%w: no endpoint attached for %s", agent.ErrAgentUnavailable, agentID)
	}

	requestID := uuid.New().String()
	respChan := conn.CreateRequest(requestID)
	defer conn.CloseRequest(requestID)

	err := conn.EnqueueEvent(&AgentInvokeEvent{
		Type:       EventAgentInvoke,
		RequestID:  requestID,
		AgentID:    agentID,
		Command:    command,
		Parameters: params,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", agent.ErrAgentUnavailable, err)
	}

	i.logger.Debug("invocation sent to agent",
		"agent_id", agentID,
		"request_id", requestID,
		"command", command,
	)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, open := <-respChan:
		if !open {
			return "", fmt.Errorf("%w: endpoint closed mid-invocation", agent.ErrAgentUnavailable)
		}
		if res.IsError {
			return "", fmt.Errorf("agent error: %s", res.Output)
		}
		return res.Output, nil
	}
}
