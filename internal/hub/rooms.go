// ABOUTME: Named ephemeral rooms for multicast between connections
// ABOUTME: Per-room locking so independent rooms never block one another

package hub

import (
	"log/slog"
	"sync"
	"time"
)

// DeliveryOutcome records one independent delivery attempt to a target.
type DeliveryOutcome struct {
	Target  string        `json:"target"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// BroadcastResult aggregates the per-member outcomes of one fan-out.
type BroadcastResult struct {
	Outcomes     []DeliveryOutcome
	TotalTargets int
	SuccessCount int
	FailureCount int
}

// room is one named member set. Its own mutex covers membership mutation
// and broadcast snapshotting, so join/leave/broadcast on the same room
// are mutually exclusive while independent rooms proceed in parallel.
type room struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	members      map[string]struct{}
	messageCount int64
}

// RoomManager groups connections into dynamically created rooms.
// Rooms are ephemeral: the last leave deletes the room outright, and a
// later join creates a fresh one.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	registry *Registry
	logger   *slog.Logger
}

// NewRoomManager creates a RoomManager delivering through the registry.
func NewRoomManager(registry *Registry, logger *slog.Logger) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*room),
		registry: registry,
		logger:   logger,
	}
}

// Join adds a connection to a room, creating the room on first join.
// Re-joining is a no-op beyond the notification. Returns the member count
// after the join. Existing members receive a member_joined event; the
// joiner is excluded unless includeSelf is set.
func (m *RoomManager) Join(roomID, connID string, includeSelf bool) int {
	m.mu.Lock()
	rm, ok := m.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			createdAt: time.Now(),
			members:   make(map[string]struct{}),
		}
		m.rooms[roomID] = rm
		m.logger.Debug("room created", "room_id", roomID)
	}
	// Take the room lock before releasing the manager lock so a
	// concurrent empty-room deletion cannot slip in between.
	rm.mu.Lock()
	m.mu.Unlock()

	_, already := rm.members[connID]
	rm.members[connID] = struct{}{}
	count := len(rm.members)
	targets := membersExcept(rm.members, connID)
	rm.mu.Unlock()

	if !already {
		m.logger.Debug("room member joined",
			"room_id", roomID,
			"connection_id", connID,
			"member_count", count,
		)
	}

	event := &MembershipEvent{
		Type:         EventMemberJoined,
		RoomID:       roomID,
		ConnectionID: connID,
		MemberCount:  count,
	}
	if includeSelf {
		targets = append(targets, connID)
	}
	m.notify(targets, event)

	return count
}

// Leave removes a connection from a room and notifies the remaining
// members. Leaving a room one is not in, or a room that does not exist,
// is a no-op reporting zero affected members. The room is deleted when
// its last member leaves.
func (m *RoomManager) Leave(roomID, connID string) int {
	m.mu.RLock()
	rm, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return 0
	}
	rm.mu.Lock()
	m.mu.RUnlock()

	if _, member := rm.members[connID]; !member {
		rm.mu.Unlock()
		return 0
	}
	delete(rm.members, connID)
	count := len(rm.members)
	targets := membersExcept(rm.members, connID)
	rm.mu.Unlock()

	if count == 0 {
		m.deleteIfEmpty(roomID)
	}

	m.notify(targets, &MembershipEvent{
		Type:         EventMemberLeft,
		RoomID:       roomID,
		ConnectionID: connID,
		MemberCount:  count,
	})

	m.logger.Debug("room member left",
		"room_id", roomID,
		"connection_id", connID,
		"member_count", count,
	)
	return count
}

// Broadcast delivers a payload to every member of a room except the
// optional excluded connection. Each delivery is independent: failures
// are recorded in the result, never raised, and never abort delivery to
// the remaining members. A missing room yields an empty result.
func (m *RoomManager) Broadcast(roomID string, event any, excludeConnID string) *BroadcastResult {
	result := &BroadcastResult{}

	m.mu.RLock()
	rm, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return result
	}

	data, err := encodeEvent(event)
	if err != nil {
		m.logger.Error("encoding room broadcast", "room_id", roomID, "error", err)
		return result
	}

	// Snapshot membership under the room lock, deliver outside it.
	rm.mu.Lock()
	targets := membersExcept(rm.members, excludeConnID)
	rm.messageCount++
	rm.mu.Unlock()

	for _, id := range targets {
		result.Outcomes = append(result.Outcomes, m.deliver(id, data))
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

// deliver attempts one independent delivery and records the outcome.
func (m *RoomManager) deliver(connID string, data []byte) DeliveryOutcome {
	start := time.Now()
	outcome := DeliveryOutcome{Target: connID}

	conn, ok := m.registry.Get(connID)
	if !ok {
		outcome.Error = ErrConnectionNotFound.Error()
		outcome.Latency = time.Since(start)
		return outcome
	}

	if err := conn.Enqueue(data); err != nil {
		outcome.Error = err.Error()
	} else {
		outcome.Success = true
	}
	outcome.Latency = time.Since(start)
	return outcome
}

// IsMember reports whether a connection currently belongs to a room.
func (m *RoomManager) IsMember(roomID, connID string) bool {
	m.mu.RLock()
	rm, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, member := rm.members[connID]
	return member
}

// Members returns the current member ids of a room, or nil if the room
// does not exist.
func (m *RoomManager) Members(roomID string) []string {
	m.mu.RLock()
	rm, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return membersExcept(rm.members, "")
}

// Count returns the number of live rooms.
func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RoomIDs returns the ids of all live rooms.
func (m *RoomManager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// ConnectionClosed implements CloseObserver: the unregister cascade drops
// the connection from every room it belonged to, notifying each room.
func (m *RoomManager) ConnectionClosed(connID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Leave(id, connID)
	}
}

// deleteIfEmpty removes a room that has no members left. Rechecked under
// both locks because a concurrent join may have revived it.
func (m *RoomManager) deleteIfEmpty(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(m.rooms, roomID)
		m.logger.Debug("room deleted", "room_id", roomID)
	}
}

// notify fans a membership event out to the given targets. Dead or slow
// members are skipped; membership events are best-effort.
func (m *RoomManager) notify(targets []string, event any) {
	if len(targets) == 0 {
		return
	}
	data, err := encodeEvent(event)
	if err != nil {
		m.logger.Error("encoding membership event", "error", err)
		return
	}
	for _, id := range targets {
		if conn, ok := m.registry.Get(id); ok {
			_ = conn.Enqueue(data)
		}
	}
}

// membersExcept copies the member set minus one id. Callers hold the
// room lock.
func membersExcept(members map[string]struct{}, exclude string) []string {
	out := make([]string, 0, len(members))
	for id := range members {
		if exclude != "" && id == exclude {
			continue
		}
		out = append(out, id)
	}
	return out
}
