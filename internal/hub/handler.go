// ABOUTME: Per-connection command handling for decoded wire frames
// ABOUTME: Routes each command to rooms, channels, or the dispatcher and answers the sender

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/store"
)

// DispatchResultEvent reports the aggregate of an agent_command dispatch
// back to the requester.
type DispatchResultEvent struct {
	Type    string                `json:"type"`
	AgentID string                `json:"agentId,omitempty"`
	Command string                `json:"command"`
	Result  *agent.DispatchResult `json:"result"`
}

// SystemSnapshotEvent answers a system_query with a point-in-time view.
type SystemSnapshotEvent struct {
	Type  string `json:"type"`
	Query string `json:"query"`
	Data  any    `json:"data"`
}

// ConnectionSummary is one entry in a "connections" system_query answer.
type ConnectionSummary struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivity"`
	MessageCount int64  `json:"messageCount"`
	AgentID      string `json:"agentId,omitempty"`
}

// RoomSummary is one entry in a "rooms" system_query answer.
type RoomSummary struct {
	ID          string `json:"id"`
	MemberCount int    `json:"memberCount"`
}

// AckEvent acknowledges a duplicate command frame without re-processing it.
type AckEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EventAck is sent for duplicate frame ids under at-least-once resends.
const EventAck = "ack"

// handleFrame processes one raw inbound frame from a connection's read
// pump. Frames are handled in arrival order; a malformed frame yields a
// single error frame to the sender and touches nothing else.
func (h *Hub) handleFrame(c *Connection, data []byte) {
	c.Touch()

	frame, err := DecodeFrame(data)
	if err != nil {
		h.sendError(c, ErrKindProtocol, err.Error())
		return
	}

	// Resent commands (same id within the dedupe window) are
	// acknowledged but not re-processed. Ids are client-chosen, so the
	// key is scoped to the connection: one client's ids never suppress
	// another's frames.
	if frame.ID != "" && h.dedupe.CheckAndMark(c.ID+"\x00"+frame.ID) {
		h.logger.Debug("duplicate frame suppressed", "connection_id", c.ID, "frame_id", frame.ID)
		_ = c.EnqueueEvent(&AckEvent{Type: EventAck, ID: frame.ID})
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		h.handleSubscribe(c, frame)
	case FrameUnsubscribe:
		h.handleUnsubscribe(c, frame)
	case FrameJoinRoom:
		h.handleJoinRoom(c, frame)
	case FrameLeaveRoom:
		h.handleLeaveRoom(c, frame)
	case FrameBroadcastToRoom:
		h.handleBroadcastToRoom(c, frame)
	case FrameDirectMessage:
		h.handleDirectMessage(c, frame)
	case FrameAgentCommand:
		h.handleAgentCommand(c, frame)
	case FrameSystemQuery:
		h.handleSystemQuery(c, frame)
	case FramePing:
		_ = c.EnqueueEvent(&PongEvent{Type: EventPong, ServerTime: serverTime(time.Now())})
	case FrameAttachAgent:
		h.handleAttachAgent(c, frame)
	case FrameAgentResult:
		c.HandleResult(&AgentResult{
			RequestID: frame.RequestID,
			Output:    frame.Output,
			IsError:   frame.IsError,
		})
	}
}

func (h *Hub) handleSubscribe(c *Connection, frame *Frame) {
	for _, name := range frame.Channels {
		h.channels.Subscribe(name, c.ID)
	}
	_ = c.EnqueueEvent(&SubscriptionEvent{Type: EventSubscribed, Channels: frame.Channels})
}

func (h *Hub) handleUnsubscribe(c *Connection, frame *Frame) {
	for _, name := range frame.Channels {
		h.channels.Unsubscribe(name, c.ID)
	}
	_ = c.EnqueueEvent(&SubscriptionEvent{Type: EventUnsubscribed, Channels: frame.Channels})
}

func (h *Hub) handleJoinRoom(c *Connection, frame *Frame) {
	count := h.rooms.Join(frame.RoomID, c.ID, false)
	_ = c.EnqueueEvent(&RoomAckEvent{Type: EventRoomJoined, RoomID: frame.RoomID, MemberCount: count})

	h.persistEvent(&store.Event{
		Kind:         store.EventKindRoomJoined,
		ConnectionID: c.ID,
		RoomID:       frame.RoomID,
	})
}

func (h *Hub) handleLeaveRoom(c *Connection, frame *Frame) {
	count := h.rooms.Leave(frame.RoomID, c.ID)
	_ = c.EnqueueEvent(&RoomAckEvent{Type: EventRoomLeft, RoomID: frame.RoomID, MemberCount: count})

	h.persistEvent(&store.Event{
		Kind:         store.EventKindRoomLeft,
		ConnectionID: c.ID,
		RoomID:       frame.RoomID,
	})
}

func (h *Hub) handleBroadcastToRoom(c *Connection, frame *Frame) {
	if !h.rooms.IsMember(frame.RoomID, c.ID) {
		h.sendError(c, ErrKindNotRoomMember, "broadcast_to_room requires room membership")
		return
	}

	result := h.rooms.Broadcast(frame.RoomID, &RoomMessageEvent{
		Type:    EventRoomMessage,
		RoomID:  frame.RoomID,
		From:    c.ID,
		Message: frame.Message,
	}, c.ID)

	_ = c.EnqueueEvent(&MessageSentEvent{
		Type:         EventMessageSent,
		RoomID:       frame.RoomID,
		TotalTargets: result.TotalTargets,
		SuccessCount: result.SuccessCount,
		FailureCount: result.FailureCount,
	})

	h.persistEvent(&store.Event{
		Kind:         store.EventKindRoomBroadcast,
		ConnectionID: c.ID,
		RoomID:       frame.RoomID,
		Payload:      broadcastPayload(result),
	})
}

func (h *Hub) handleDirectMessage(c *Connection, frame *Frame) {
	target, ok := h.registry.Get(frame.TargetConnectionID)
	if !ok {
		h.sendError(c, ErrKindTargetNotFound, "no such connection: "+frame.TargetConnectionID)
		return
	}

	err := target.EnqueueEvent(&DirectMessageEvent{
		Type:    EventDirectMessage,
		From:    c.ID,
		Message: frame.Message,
	})

	ack := &MessageSentEvent{Type: EventMessageSent, TotalTargets: 1}
	if err != nil {
		ack.FailureCount = 1
	} else {
		ack.SuccessCount = 1
	}
	_ = c.EnqueueEvent(ack)

	h.persistEvent(&store.Event{
		Kind:         store.EventKindDirectMessage,
		ConnectionID: c.ID,
		Payload:      `{"target":"` + frame.TargetConnectionID + `"}`,
	})
}

// handleAgentCommand runs the dispatch asynchronously so a slow agent
// never stalls the sender's read loop; the aggregate comes back as an
// agent_broadcast event when all targets have answered or timed out.
func (h *Hub) handleAgentCommand(c *Connection, frame *Frame) {
	msg := agent.Message{
		Command:    frame.Command,
		Parameters: frame.Parameters,
		Sender:     c.ID,
	}
	target := agent.Target{
		AgentID:      frame.AgentID,
		Capabilities: frame.Capabilities,
		Broadcast:    frame.Broadcast,
	}

	go func() {
		result, err := h.dispatcher.Route(h.dispatchCtx(), msg, target)
		if err != nil {
			if errors.Is(err, agent.ErrAgentNotFound) {
				h.sendError(c, ErrKindAgentNotFound, "no such agent: "+frame.AgentID)
			} else {
				h.sendError(c, ErrKindInternal, err.Error())
			}
			return
		}

		_ = c.EnqueueEvent(&DispatchResultEvent{
			Type:    EventAgentBroadcast,
			AgentID: frame.AgentID,
			Command: frame.Command,
			Result:  result,
		})

		h.persistEvent(&store.Event{
			Kind:         store.EventKindAgentDispatch,
			ConnectionID: c.ID,
			AgentID:      frame.AgentID,
			Payload:      dispatchPayload(result),
		})
	}()
}

func (h *Hub) handleSystemQuery(c *Connection, frame *Frame) {
	var data any
	switch frame.Query {
	case "connections":
		conns := h.registry.List()
		summaries := make([]ConnectionSummary, 0, len(conns))
		for _, conn := range conns {
			summaries = append(summaries, ConnectionSummary{
				ID:           conn.ID,
				CreatedAt:    serverTime(conn.CreatedAt),
				LastActivity: serverTime(conn.LastActivity()),
				MessageCount: conn.MessageCount(),
				AgentID:      conn.AgentID(),
			})
		}
		data = summaries
	case "rooms":
		ids := h.rooms.RoomIDs()
		summaries := make([]RoomSummary, 0, len(ids))
		for _, id := range ids {
			summaries = append(summaries, RoomSummary{ID: id, MemberCount: len(h.rooms.Members(id))})
		}
		data = summaries
	case "agents":
		agents := h.agents.List()
		infos := make([]agent.Info, 0, len(agents))
		for _, a := range agents {
			infos = append(infos, a.Info())
		}
		data = infos
	}

	_ = c.EnqueueEvent(&SystemSnapshotEvent{
		Type:  EventSystemSnapshot,
		Query: frame.Query,
		Data:  data,
	})
}

func (h *Hub) handleAttachAgent(c *Connection, frame *Frame) {
	a, ok := h.agents.Find(frame.AgentID)
	if !ok {
		h.sendError(c, ErrKindAgentNotFound, "no such agent: "+frame.AgentID)
		return
	}

	h.endpoints.Attach(frame.AgentID, c)
	a.SetStatus(agent.StatusActive)
	_ = c.EnqueueEvent(&AgentAttachedEvent{Type: EventAgentAttached, AgentID: frame.AgentID})
}

// sendError reports a failed command to the sender only. The connection
// is never dropped for an application-level error.
func (h *Hub) sendError(c *Connection, kind, message string) {
	if err := c.EnqueueEvent(NewErrorEvent(kind, message)); err != nil {
		h.logger.Debug("error frame undeliverable",
			"connection_id", c.ID,
			"kind", kind,
			"error", err,
		)
	}
}

// persistEvent writes to the ledger fire-and-forget. Failures are
// logged and never block or fail delivery.
func (h *Hub) persistEvent(event *store.Event) {
	if h.store == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SaveEvent(ctx, event); err != nil {
			h.logger.Warn("persisting hub event failed", "kind", event.Kind, "error", err)
		}
	}()
}

// broadcastPayload summarizes a room fan-out for the ledger.
func broadcastPayload(result *BroadcastResult) string {
	data, err := json.Marshal(map[string]int{
		"totalTargets": result.TotalTargets,
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
	})
	if err != nil {
		return ""
	}
	return string(data)
}

// dispatchPayload summarizes an agent dispatch for the ledger.
func dispatchPayload(result *agent.DispatchResult) string {
	data, err := json.Marshal(map[string]int{
		"totalTargets": result.TotalTargets,
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
	})
	if err != nil {
		return ""
	}
	return string(data)
}
