// ABOUTME: Per-agent observer channels for connections watching agent traffic
// ABOUTME: Lazily created on first subscribe, torn down on last unsubscribe

package hub

import (
	"log/slog"
	"sync"
	"time"
)

// MonitoringChannel is the reserved channel name the MonitoringEmitter
// publishes system_metrics snapshots to.
const MonitoringChannel = "monitoring"

// channel is one agent's observer set, guarded by its own mutex so
// independent channels never block one another.
type channel struct {
	agentID string

	mu      sync.Mutex
	members map[string]struct{}
}

// ChannelManager groups connections observing one logical agent
// (monitoring UIs, delegation watchers). It mirrors RoomManager's
// lifecycle: channels exist only while they have subscribers.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]*channel
	registry *Registry
	logger   *slog.Logger
}

// NewChannelManager creates a ChannelManager delivering through the registry.
func NewChannelManager(registry *Registry, logger *slog.Logger) *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]*channel),
		registry: registry,
		logger:   logger,
	}
}

// Subscribe adds a connection to an agent's observer channel, creating
// the channel lazily. Re-subscribing is a no-op. Returns the subscriber
// count after the subscribe.
func (m *ChannelManager) Subscribe(agentID, connID string) int {
	m.mu.Lock()
	ch, ok := m.channels[agentID]
	if !ok {
		ch = &channel{
			agentID: agentID,
			members: make(map[string]struct{}),
		}
		m.channels[agentID] = ch
		m.logger.Debug("agent channel created", "agent_id", agentID)
	}
	// Same ordering as RoomManager.Join: hold the channel lock before
	// releasing the manager lock to exclude concurrent teardown.
	ch.mu.Lock()
	m.mu.Unlock()

	ch.members[connID] = struct{}{}
	count := len(ch.members)
	ch.mu.Unlock()

	if conn, ok := m.registry.Get(connID); ok {
		conn.AddChannel(agentID)
	}

	m.logger.Debug("channel subscriber added",
		"agent_id", agentID,
		"connection_id", connID,
		"subscriber_count", count,
	)
	return count
}

// Unsubscribe removes a connection from an agent's channel. The channel
// is deleted when its last subscriber leaves. Unsubscribing from a
// missing channel, or one the connection is not in, is a no-op.
func (m *ChannelManager) Unsubscribe(agentID, connID string) int {
	m.mu.RLock()
	ch, ok := m.channels[agentID]
	if !ok {
		m.mu.RUnlock()
		return 0
	}
	ch.mu.Lock()
	m.mu.RUnlock()

	if _, member := ch.members[connID]; !member {
		ch.mu.Unlock()
		return 0
	}
	delete(ch.members, connID)
	count := len(ch.members)
	ch.mu.Unlock()

	if conn, ok := m.registry.Get(connID); ok {
		conn.RemoveChannel(agentID)
	}

	if count == 0 {
		m.deleteIfEmpty(agentID)
	}

	m.logger.Debug("channel subscriber removed",
		"agent_id", agentID,
		"connection_id", connID,
		"subscriber_count", count,
	)
	return count
}

// NotifyAgentEvent fans an event out to everyone watching the agent.
// Used by the dispatcher for delegation results, progress, and failures.
// Dead or slow subscribers are recorded as independent failures.
func (m *ChannelManager) NotifyAgentEvent(agentID string, event any) *BroadcastResult {
	result := &BroadcastResult{}

	m.mu.RLock()
	ch, ok := m.channels[agentID]
	m.mu.RUnlock()
	if !ok {
		return result
	}

	data, err := encodeEvent(event)
	if err != nil {
		m.logger.Error("encoding agent event", "agent_id", agentID, "error", err)
		return result
	}

	ch.mu.Lock()
	targets := membersExcept(ch.members, "")
	ch.mu.Unlock()

	for _, id := range targets {
		start := time.Now()
		outcome := DeliveryOutcome{Target: id}
		if conn, found := m.registry.Get(id); found {
			if err := conn.Enqueue(data); err != nil {
				outcome.Error = err.Error()
			} else {
				outcome.Success = true
			}
		} else {
			outcome.Error = ErrConnectionNotFound.Error()
		}
		outcome.Latency = time.Since(start)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	result.TotalTargets = len(result.Outcomes)
	for _, o := range result.Outcomes {
		if o.Success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}
	return result
}

// Subscribers returns the current subscriber ids of a channel.
func (m *ChannelManager) Subscribers(agentID string) []string {
	m.mu.RLock()
	ch, ok := m.channels[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return membersExcept(ch.members, "")
}

// Count returns the number of live channels.
func (m *ChannelManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// ConnectionClosed implements CloseObserver: the unregister cascade
// drops the connection from every channel it subscribed to.
func (m *ChannelManager) ConnectionClosed(connID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Unsubscribe(id, connID)
	}
}

// deleteIfEmpty removes a channel with no subscribers left, rechecking
// under both locks because a concurrent subscribe may have revived it.
func (m *ChannelManager) deleteIfEmpty(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[agentID]
	if !ok {
		return
	}
	ch.mu.Lock()
	empty := len(ch.members) == 0
	ch.mu.Unlock()
	if empty {
		delete(m.channels, agentID)
		m.logger.Debug("agent channel deleted", "agent_id", agentID)
	}
}
