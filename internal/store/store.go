// ABOUTME: Store interface and event types for hub activity persistence
// ABOUTME: Events are fire-and-forget; persistence failures never block delivery

package store

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when a requested event does not exist
var ErrEventNotFound = errors.New("event not found")

// EventKind categorizes a persisted hub event.
type EventKind string

const (
	EventKindConnectionOpened = EventKind("connection_opened")
	EventKindConnectionClosed = EventKind("connection_closed")
	EventKindRoomJoined       = EventKind("room_joined")
	EventKindRoomLeft         = EventKind("room_left")
	EventKindRoomBroadcast    = EventKind("room_broadcast")
	EventKindDirectMessage    = EventKind("direct_message")
	EventKindAgentDispatch    = EventKind("agent_dispatch")
	EventKindAgentRegistered  = EventKind("agent_registered")
)

// Event is one row in the hub activity ledger. The ledger is an audit
// trail, not a replay source: the hub never reads it on the hot path.
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	ConnectionID string    `json:"connectionId,omitempty"`
	RoomID       string    `json:"roomId,omitempty"`
	AgentID      string    `json:"agentId,omitempty"`
	Payload      string    `json:"payload,omitempty"` // optional JSON detail
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists hub activity events.
type Store interface {
	SaveEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, limit int) ([]*Event, error)
	Close() error
}
