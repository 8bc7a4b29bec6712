// ABOUTME: Routes messages to agents by direct id, capability filter, or broadcast
// ABOUTME: Invokes targets concurrently and aggregates independent per-target outcomes

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome error kinds recorded in DeliveryOutcome.ErrorKind.
const (
	OutcomeKindTimeout     = "timeout"
	OutcomeKindInvokeError = "invoke_error"
	OutcomeKindUnavailable = "agent_unavailable"
	OutcomeKindCanceled    = "canceled"
)

// Invoker is the external agent-invocation collaborator. Implementations
// may deliver over a connected stream or call out to a model-serving
// subsystem; the dispatcher only sees the outcome.
type Invoker interface {
	Invoke(ctx context.Context, agentID, command string, params map[string]any) (string, error)
}

// Notifier fans delegation results out to whoever observes an agent.
type Notifier interface {
	NotifyAgentEvent(agentID string, event any)
}

// Message is the application payload being routed.
type Message struct {
	Command    string
	Parameters map[string]any
	Sender     string
}

// Target selects the agents a message is routed to. When several
// selectors are set, resolution precedence is fixed: direct agent id,
// then capability filter, then broadcast to all.
type Target struct {
	AgentID      string
	Capabilities []string
	Broadcast    bool
}

// DeliveryOutcome records one independent invocation attempt.
type DeliveryOutcome struct {
	Target    string        `json:"target"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Output    string        `json:"output,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// DispatchResult aggregates the ordered per-target outcomes of one route.
type DispatchResult struct {
	Outcomes     []DeliveryOutcome `json:"outcomes"`
	TotalTargets int               `json:"totalTargets"`
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
}

// AgentEvent is the payload fanned out to an agent's observer channel
// after each invocation attempt.
type AgentEvent struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	Command string          `json:"command"`
	Sender  string          `json:"sender,omitempty"`
	Outcome DeliveryOutcome `json:"outcome"`
}

// DispatcherConfig carries the per-invocation deadline policy. The
// defaults match the historical hard-coded values but are configurable.
type DispatcherConfig struct {
	DirectTimeout    time.Duration
	BroadcastTimeout time.Duration
}

// Dispatcher resolves a message's targets against the registry and
// invokes each one independently. One slow or dead agent never blocks or
// cancels its siblings; every invocation carries its own deadline.
type Dispatcher struct {
	registry *Registry
	invoker  Invoker
	notifier Notifier
	cfg      DispatcherConfig
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. notifier may be nil when nothing
// observes agent traffic.
func NewDispatcher(registry *Registry, invoker Invoker, notifier Notifier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.DirectTimeout == 0 {
		cfg.DirectTimeout = 30 * time.Second
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = 15 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		invoker:  invoker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// InFlight returns the number of invocations currently being awaited.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Route resolves the target and invokes the selected agents.
//
// Direct targets fail with ErrAgentNotFound when the id is unknown.
// Capability and broadcast targets never fail on selection: zero matches
// yields an empty result with TotalTargets = 0. Per-target failures are
// recorded in the outcomes, never returned as an error.
func (d *Dispatcher) Route(ctx context.Context, msg Message, target Target) (*DispatchResult, error) {
	switch {
	case target.AgentID != "":
		agent, ok := d.registry.Find(target.AgentID)
		if !ok {
			return nil, ErrAgentNotFound
		}
		outcome := d.invokeOne(ctx, agent, msg, d.cfg.DirectTimeout)
		return aggregate([]DeliveryOutcome{outcome}), nil

	case len(target.Capabilities) > 0:
		return d.fanOut(ctx, msg, d.registry.FindByCapability(target.Capabilities)), nil

	case target.Broadcast:
		return d.fanOut(ctx, msg, d.registry.List()), nil

	default:
		return aggregate(nil), nil
	}
}

// fanOut invokes every target concurrently and waits for all of them.
// Outcome order matches the (id-ordered) target list regardless of
// completion order.
func (d *Dispatcher) fanOut(ctx context.Context, msg Message, targets []*Agent) *DispatchResult {
	if len(targets) == 0 {
		return aggregate(nil)
	}

	outcomes := make([]DeliveryOutcome, len(targets))
	var wg sync.WaitGroup
	for i, agent := range targets {
		wg.Add(1)
		go func(i int, agent *Agent) {
			defer wg.Done()
			outcomes[i] = d.invokeOne(ctx, agent, msg, d.cfg.BroadcastTimeout)
		}(i, agent)
	}
	wg.Wait()

	return aggregate(outcomes)
}

// invokeOne performs a single invocation with its own deadline, updates
// the agent's metrics, and notifies the agent's observers. A timeout
// cancels only this invocation's wait; it is recorded as a failed
// outcome of kind timeout and is never retried here.
func (d *Dispatcher) invokeOne(ctx context.Context, agent *Agent, msg Message, timeout time.Duration) DeliveryOutcome {
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.inFlight.Add(1)
	agent.addLoad(1)
	start := time.Now()

	output, err := d.invoker.Invoke(invokeCtx, agent.ID, msg.Command, msg.Parameters)
	latency := time.Since(start)

	agent.addLoad(-1)
	d.inFlight.Add(-1)

	outcome := DeliveryOutcome{Target: agent.ID, Latency: latency}
	switch {
	case err == nil:
		outcome.Success = true
		outcome.Output = output
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded):
		outcome.ErrorKind = OutcomeKindTimeout
		outcome.Error = "invocation exceeded deadline of " + timeout.String()
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		outcome.ErrorKind = OutcomeKindCanceled
		outcome.Error = "invocation canceled"
	case errors.Is(err, ErrAgentUnavailable):
		outcome.ErrorKind = OutcomeKindUnavailable
		outcome.Error = err.Error()
	default:
		outcome.ErrorKind = OutcomeKindInvokeError
		outcome.Error = err.Error()
	}

	// A canceled parent context (caller went away, hub shutting down)
	// says nothing about the agent's health.
	if outcome.ErrorKind != OutcomeKindCanceled {
		d.registry.UpdateMetrics(agent.ID, latency, outcome.Success)
	}

	if !outcome.Success {
		d.logger.Warn("agent invocation failed",
			"agent_id", agent.ID,
			"command", msg.Command,
			"kind", outcome.ErrorKind,
			"error", outcome.Error,
		)
	}

	if d.notifier != nil {
		d.notifier.NotifyAgentEvent(agent.ID, &AgentEvent{
			Type:    "agent_event",
			AgentID: agent.ID,
			Command: msg.Command,
			Sender:  msg.Sender,
			Outcome: outcome,
		})
	}

	return outcome
}

// ErrAgentUnavailable indicates the invocation collaborator has no way
// to reach the agent right now (e.g. no attached delivery endpoint).
var ErrAgentUnavailable = errors.New("agent unavailable")

// aggregate builds the summary over an ordered outcome list.
func aggregate(outcomes []DeliveryOutcome) *DispatchResult {
	result := &DispatchResult{
		Outcomes:     outcomes,
		TotalTargets: len(outcomes),
	}
	for _, o := range outcomes {
		if o.Success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}
	return result
}
