// ABOUTME: Wire protocol frames for the hub's WebSocket transport
// ABOUTME: Inbound command decoding/validation and outbound event payload types

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound frame types accepted by the hub.
const (
	FrameSubscribe       = "subscribe"
	FrameUnsubscribe     = "unsubscribe"
	FrameJoinRoom        = "join_room"
	FrameLeaveRoom       = "leave_room"
	FrameBroadcastToRoom = "broadcast_to_room"
	FrameDirectMessage   = "direct_message"
	FrameAgentCommand    = "agent_command"
	FrameSystemQuery     = "system_query"
	FramePing            = "ping"
	FrameAttachAgent     = "attach_agent"
	FrameAgentResult     = "agent_result"
)

// Outbound event types emitted by the hub.
const (
	EventConnectionEstablished = "connection_established"
	EventMemberJoined          = "member_joined"
	EventMemberLeft            = "member_left"
	EventRoomMessage           = "room_message"
	EventMessageSent           = "message_sent"
	EventDirectMessage         = "direct_message"
	EventAgentBroadcast        = "agent_broadcast"
	EventAgentEvent            = "agent_event"
	EventAgentInvoke           = "agent_invoke"
	EventSystemMetrics         = "system_metrics"
	EventSubscribed            = "subscribed"
	EventUnsubscribed          = "unsubscribed"
	EventRoomJoined            = "room_joined"
	EventRoomLeft              = "room_left"
	EventAgentAttached         = "agent_attached"
	EventSystemSnapshot        = "system_snapshot"
	EventPong                  = "pong"
	EventError                 = "error"
)

// Stable error kinds carried in error frames.
const (
	ErrKindProtocol       = "protocol_error"
	ErrKindAgentNotFound  = "agent_not_found"
	ErrKindTimeout        = "timeout"
	ErrKindDuplicateAgent = "duplicate_agent"
	ErrKindNotRoomMember  = "not_room_member"
	ErrKindTargetNotFound = "target_not_found"
	ErrKindInternal       = "internal_error"
)

// ErrMalformedFrame indicates an inbound frame that is not valid JSON or
// is missing required fields. It is reported to the sender only.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single inbound command. Every frame carries a type
// discriminator; the remaining fields are populated per type.
//
// The optional ID field lets clients resend commands under at-least-once
// semantics: a duplicate ID within the dedupe window is acknowledged but
// not re-processed.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Channels           []string       `json:"channels,omitempty"`
	RoomID             string         `json:"roomId,omitempty"`
	Message            string         `json:"message,omitempty"`
	TargetConnectionID string         `json:"targetConnectionId,omitempty"`
	AgentID            string         `json:"agentId,omitempty"`
	Command            string         `json:"command,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	Broadcast          bool           `json:"broadcast,omitempty"`
	Query              string         `json:"query,omitempty"`
	RequestID          string         `json:"requestId,omitempty"`
	Output             string         `json:"output,omitempty"`
	IsError            bool           `json:"isError,omitempty"`
}

// DecodeFrame parses and validates a single inbound frame.
// Returns ErrMalformedFrame (wrapped with detail) for anything the
// handler should answer with a protocol_error frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// validate checks the required fields for each frame type.
func (f *Frame) validate() error {
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if len(f.Channels) == 0 {
			return fmt.Errorf("%w: %s requires channels", ErrMalformedFrame, f.Type)
		}
	case FrameJoinRoom, FrameLeaveRoom:
		if f.RoomID == "" {
			return fmt.Errorf("%w: %s requires roomId", ErrMalformedFrame, f.Type)
		}
	case FrameBroadcastToRoom:
		if f.RoomID == "" {
			return fmt.Errorf("%w: broadcast_to_room requires roomId", ErrMalformedFrame)
		}
		if f.Message == "" {
			return fmt.Errorf("%w: broadcast_to_room requires message", ErrMalformedFrame)
		}
	case FrameDirectMessage:
		if f.TargetConnectionID == "" {
			return fmt.Errorf("%w: direct_message requires targetConnectionId", ErrMalformedFrame)
		}
		if f.Message == "" {
			return fmt.Errorf("%w: direct_message requires message", ErrMalformedFrame)
		}
	case FrameAgentCommand:
		if f.Command == "" {
			return fmt.Errorf("%w: agent_command requires command", ErrMalformedFrame)
		}
		if f.AgentID == "" && len(f.Capabilities) == 0 && !f.Broadcast {
			return fmt.Errorf("%w: agent_command requires agentId, capabilities, or broadcast", ErrMalformedFrame)
		}
	case FrameSystemQuery:
		switch f.Query {
		case "connections", "rooms", "agents":
		default:
			return fmt.Errorf("%w: system_query requires query of connections, rooms, or agents", ErrMalformedFrame)
		}
	case FramePing:
		// No payload.
	case FrameAttachAgent:
		if f.AgentID == "" {
			return fmt.Errorf("%w: attach_agent requires agentId", ErrMalformedFrame)
		}
	case FrameAgentResult:
		if f.RequestID == "" {
			return fmt.Errorf("%w: agent_result requires requestId", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

// ErrorEvent is the outbound error frame. Kind is a stable machine-readable
// identifier; Message is for humans.
type ErrorEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorEvent builds an error frame with the given kind and message.
func NewErrorEvent(kind, message string) *ErrorEvent {
	return &ErrorEvent{Type: EventError, Kind: kind, Message: message}
}

// ConnectionEstablishedEvent greets a freshly accepted connection with its id.
type ConnectionEstablishedEvent struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	ServerTime   string `json:"serverTime"`
}

// MembershipEvent notifies room members about a join or leave.
type MembershipEvent struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	MemberCount  int    `json:"memberCount"`
}

// RoomAckEvent acknowledges the sender's own join or leave.
type RoomAckEvent struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// RoomMessageEvent carries a room broadcast payload to a member.
type RoomMessageEvent struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// DirectMessageEvent carries a point-to-point message to a connection.
type DirectMessageEvent struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// MessageSentEvent acknowledges a broadcast or direct message, reporting
// the per-target aggregate.
type MessageSentEvent struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId,omitempty"`
	TotalTargets int    `json:"totalTargets"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
}

// SubscriptionEvent acknowledges a subscribe or unsubscribe.
type SubscriptionEvent struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// AgentInvokeEvent delivers an invocation to an attached agent connection.
type AgentInvokeEvent struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"requestId"`
	AgentID    string         `json:"agentId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AgentAttachedEvent acknowledges an attach_agent frame.
type AgentAttachedEvent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// PongEvent answers a ping.
type PongEvent struct {
	Type       string `json:"type"`
	ServerTime string `json:"serverTime"`
}

// encodeEvent marshals an outbound event. Marshal failures are programmer
// errors (all payload types are plain structs), so the error is returned
// for logging rather than sent to the peer.
func encodeEvent(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// serverTime formats t the way all outbound frames carry timestamps.
func serverTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
