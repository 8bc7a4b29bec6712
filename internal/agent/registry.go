// ABOUTME: Catalog of registered agents with capabilities, status, load, and metrics
// ABOUTME: Capability lookup uses any-match intersection, not all-match

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateAgent indicates an agent with the same ID is already registered.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoCapabilities indicates a registration with an empty capability set.
var ErrNoCapabilities = errors.New("agent requires at least one capability")

// Status is an agent's health state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// degradeThreshold is the number of consecutive failures that flips an
// agent from active to degraded.
const degradeThreshold = 3

// Metrics holds an agent's rolling invocation statistics.
type Metrics struct {
	MessageCount        int64
	AverageLatency      time.Duration
	ErrorCount          int64
	ConsecutiveFailures int
}

// Agent is one registered unit of capability. Status, load, and metrics
// are guarded by the agent's own mutex so updating one agent never
// blocks lookups of another.
type Agent struct {
	ID           string
	Name         string
	Capabilities []string
	RegisteredAt time.Time
	Metadata     map[string]string

	mu      sync.RWMutex
	status  Status
	load    int64
	metrics Metrics
}

// Status returns the agent's current health state.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SetStatus applies an external health signal.
func (a *Agent) SetStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Load returns the number of in-flight invocations against this agent.
func (a *Agent) Load() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.load
}

// Metrics returns a copy of the agent's rolling statistics.
func (a *Agent) Metrics() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// HasAnyCapability reports whether the agent's capability set intersects
// the requested set.
func (a *Agent) HasAnyCapability(required []string) bool {
	for _, want := range required {
		for _, have := range a.Capabilities {
			if want == have {
				return true
			}
		}
	}
	return false
}

// addLoad adjusts the in-flight counter, clamping at zero.
func (a *Agent) addLoad(delta int64) {
	a.mu.Lock()
	a.load += delta
	if a.load < 0 {
		a.load = 0
	}
	a.mu.Unlock()
}

// recordResult folds one invocation outcome into the rolling metrics.
// Three consecutive failures transition the agent to degraded; any
// success transitions it back to active.
func (a *Agent) recordResult(latency time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.MessageCount++
	// Incremental mean keeps the average without storing samples.
	a.metrics.AverageLatency += (latency - a.metrics.AverageLatency) / time.Duration(a.metrics.MessageCount)

	if success {
		a.metrics.ConsecutiveFailures = 0
		a.status = StatusActive
		return
	}

	a.metrics.ErrorCount++
	a.metrics.ConsecutiveFailures++
	if a.metrics.ConsecutiveFailures >= degradeThreshold {
		a.status = StatusDegraded
	}
}

// Info is an export-safe snapshot of one agent.
type Info struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Capabilities        []string          `json:"capabilities"`
	Status              Status            `json:"status"`
	Load                int64             `json:"load"`
	RegisteredAt        time.Time         `json:"registeredAt"`
	MessageCount        int64             `json:"messageCount"`
	AverageLatencyMS    int64             `json:"averageLatencyMs"`
	ErrorCount          int64             `json:"errorCount"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Info returns a consistent snapshot of the agent.
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		ID:                  a.ID,
		Name:                a.Name,
		Capabilities:        a.Capabilities,
		Status:              a.status,
		Load:                a.load,
		RegisteredAt:        a.RegisteredAt,
		MessageCount:        a.metrics.MessageCount,
		AverageLatencyMS:    a.metrics.AverageLatency.Milliseconds(),
		ErrorCount:          a.metrics.ErrorCount,
		ConsecutiveFailures: a.metrics.ConsecutiveFailures,
		Metadata:            a.Metadata,
	}
}

// Registry is the catalog of known agents. It has no dependency on
// connections: attachment of a delivery endpoint is the hub's concern.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *slog.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// Register adds an agent to the catalog.
// Returns ErrDuplicateAgent if the ID is taken and ErrNoCapabilities if
// the capability set is empty; in both cases the registry is unchanged.
func (r *Registry) Register(id, name string, capabilities []string, metadata map[string]string) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(capabilities) == 0 {
		return nil, ErrNoCapabilities
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return nil, ErrDuplicateAgent
	}

	a := &Agent{
		ID:           id,
		Name:         name,
		Capabilities: append([]string(nil), capabilities...),
		RegisteredAt: time.Now(),
		Metadata:     metadata,
		status:       StatusActive,
	}
	r.agents[id] = a

	r.logger.Info("agent registered",
		"agent_id", id,
		"name", name,
		"capabilities", capabilities,
		"total_agents", len(r.agents),
	)
	return a, nil
}

// Deregister removes an agent from the catalog.
// Failing invocations never deregister an agent; only this explicit call does.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	r.logger.Info("agent deregistered", "agent_id", id, "total_agents", len(r.agents))
	return nil
}

// Find retrieves an agent by ID.
func (r *Registry) Find(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// FindByCapability returns the agents whose capability set intersects the
// requested set (any-match). Results are ordered by agent ID.
func (r *Registry) FindByCapability(required []string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if a.HasAnyCapability(required) {
			out = append(out, a)
		}
	}
	sortAgents(out)
	return out
}

// List returns all registered agents ordered by agent ID.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sortAgents(out)
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdateMetrics folds one invocation outcome into an agent's rolling
// statistics. Unknown agents are ignored (they may have been explicitly
// deregistered while an invocation was in flight).
func (r *Registry) UpdateMetrics(id string, latency time.Duration, success bool) {
	a, ok := r.Find(id)
	if !ok {
		return
	}
	a.recordResult(latency, success)
}

func sortAgents(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}
