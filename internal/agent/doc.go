// Package agent manages the agent catalog and message dispatch.
//
// # Registry
//
// The Registry tracks every registered agent:
//
//	reg := agent.NewRegistry(logger)
//
// Key operations:
//
//   - Register(id, name, capabilities, metadata): Add an agent
//   - Deregister(id): Remove an agent
//   - Find(id): Get a specific agent by id
//   - FindByCapability(caps): Agents matching any of the given capabilities
//   - List(): All agents, ordered by id
//   - UpdateMetrics(id, latency, success): Record a delivery outcome
//
// Agents can also be pre-registered from a TOML manifest at startup; see
// LoadManifest.
//
// # Dispatch
//
// The Dispatcher routes one Message to its targets and aggregates the
// per-target outcomes. Target selection precedence:
//
//  1. AgentID set: exactly that agent, or ErrAgentNotFound
//  2. Capabilities set: every agent matching any listed capability
//  3. Broadcast set: every registered agent
//
// Fan-out is concurrent with one timeout per target, so a timed-out
// agent never inflates another target's budget. The DispatchResult
// carries every outcome plus success/failure counts; a partial failure
// is data, not an error.
//
// # Health
//
// Each delivery outcome feeds the agent's metrics. Three consecutive
// failures mark the agent degraded; the next success restores it.
// Detaching an agent's delivery endpoint marks it offline without
// removing it from the catalog.
package agent
