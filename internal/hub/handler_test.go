// ABOUTME: Tests for end-to-end frame handling across rooms, channels, and dispatch
// ABOUTME: Drives handleFrame directly with raw frames and asserts the queued answers

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/dedupe"
)

// newTestHub wires a Hub without HTTP or persistence; handleFrame and
// the registries behave exactly as in production.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := testLogger()

	registry := NewRegistry(100, logger)
	rooms := NewRoomManager(registry, logger)
	channels := NewChannelManager(registry, logger)
	endpoints := NewEndpoints(logger)

	agents := agent.NewRegistry(logger)
	invoker := NewStreamInvoker(endpoints, logger)
	dispatcher := agent.NewDispatcher(agents, invoker, channelNotifier{channels}, agent.DispatcherConfig{
		DirectTimeout:    200 * time.Millisecond,
		BroadcastTimeout: 100 * time.Millisecond,
	}, logger)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	t.Cleanup(baseCancel)

	h := &Hub{
		logger:     logger,
		registry:   registry,
		rooms:      rooms,
		channels:   channels,
		endpoints:  endpoints,
		agents:     agents,
		dispatcher: dispatcher,
		dedupe:     dedupe.New(time.Minute, 1000),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	t.Cleanup(h.dedupe.Close)

	registry.AddObserver(rooms)
	registry.AddObserver(channels)
	registry.AddObserver(endpoints)
	endpoints.SetDetachHook(h.agentEndpointDetached)

	return h
}

func registerConn(t *testing.T, h *Hub, id string) *Connection {
	t.Helper()
	c := newTestConn(id)
	require.NoError(t, h.registry.Register(c))
	return c
}

func TestHandleFrame_Ping(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"ping"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventPong, frame["type"])
	assert.NotEmpty(t, frame["serverTime"])
}

func TestHandleFrame_Malformed(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`not json at all`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventError, frame["type"])
	assert.Equal(t, ErrKindProtocol, frame["kind"])

	// Exactly one error frame, nothing else
	expectNoFrame(t, c)
}

func TestHandleFrame_JoinAndLeaveRoom(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"join_room","roomId":"lobby"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventRoomJoined, frame["type"])
	assert.Equal(t, "lobby", frame["roomId"])
	assert.Equal(t, float64(1), frame["memberCount"])
	assert.True(t, h.rooms.IsMember("lobby", "c1"))

	h.handleFrame(c, []byte(`{"type":"leave_room","roomId":"lobby"}`))

	frame = recvFrame(t, c)
	assert.Equal(t, EventRoomLeft, frame["type"])
	assert.Equal(t, float64(0), frame["memberCount"])
	assert.False(t, h.rooms.IsMember("lobby", "c1"))
}

func TestHandleFrame_BroadcastToRoom(t *testing.T) {
	h := newTestHub(t)
	sender := registerConn(t, h, "c1")
	member := registerConn(t, h, "c2")

	h.handleFrame(sender, []byte(`{"type":"join_room","roomId":"lobby"}`))
	h.handleFrame(member, []byte(`{"type":"join_room","roomId":"lobby"}`))
	recvFrame(t, sender) // room_joined ack
	recvFrame(t, sender) // member_joined for c2
	recvFrame(t, member) // room_joined ack

	h.handleFrame(sender, []byte(`{"type":"broadcast_to_room","roomId":"lobby","message":"hello"}`))

	got := recvFrame(t, member)
	assert.Equal(t, EventRoomMessage, got["type"])
	assert.Equal(t, "c1", got["from"])
	assert.Equal(t, "hello", got["message"])

	ack := recvFrame(t, sender)
	assert.Equal(t, EventMessageSent, ack["type"])
	assert.Equal(t, float64(1), ack["totalTargets"])
	assert.Equal(t, float64(1), ack["successCount"])
}

func TestHandleFrame_BroadcastRequiresMembership(t *testing.T) {
	h := newTestHub(t)
	outsider := registerConn(t, h, "c1")

	h.handleFrame(outsider, []byte(`{"type":"broadcast_to_room","roomId":"lobby","message":"hi"}`))

	frame := recvFrame(t, outsider)
	assert.Equal(t, EventError, frame["type"])
	assert.Equal(t, ErrKindNotRoomMember, frame["kind"])
}

func TestHandleFrame_DirectMessage(t *testing.T) {
	h := newTestHub(t)
	sender := registerConn(t, h, "c1")
	target := registerConn(t, h, "c2")

	h.handleFrame(sender, []byte(`{"type":"direct_message","targetConnectionId":"c2","message":"psst"}`))

	got := recvFrame(t, target)
	assert.Equal(t, EventDirectMessage, got["type"])
	assert.Equal(t, "c1", got["from"])
	assert.Equal(t, "psst", got["message"])

	ack := recvFrame(t, sender)
	assert.Equal(t, EventMessageSent, ack["type"])
	assert.Equal(t, float64(1), ack["successCount"])
}

func TestHandleFrame_DirectMessage_UnknownTarget(t *testing.T) {
	h := newTestHub(t)
	sender := registerConn(t, h, "c1")

	h.handleFrame(sender, []byte(`{"type":"direct_message","targetConnectionId":"ghost","message":"psst"}`))

	frame := recvFrame(t, sender)
	assert.Equal(t, EventError, frame["type"])
	assert.Equal(t, ErrKindTargetNotFound, frame["kind"])
}

func TestHandleFrame_SubscribeUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"subscribe","channels":["researcher","monitoring"]}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventSubscribed, frame["type"])
	assert.Equal(t, []string{"c1"}, h.channels.Subscribers("researcher"))
	assert.Equal(t, []string{"c1"}, h.channels.Subscribers(MonitoringChannel))

	h.handleFrame(c, []byte(`{"type":"unsubscribe","channels":["researcher"]}`))

	frame = recvFrame(t, c)
	assert.Equal(t, EventUnsubscribed, frame["type"])
	assert.Nil(t, h.channels.Subscribers("researcher"))
}

func TestHandleFrame_SystemQuery(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")
	h.handleFrame(c, []byte(`{"type":"join_room","roomId":"lobby"}`))
	recvFrame(t, c)

	h.handleFrame(c, []byte(`{"type":"system_query","query":"rooms"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventSystemSnapshot, frame["type"])
	assert.Equal(t, "rooms", frame["query"])

	rooms, ok := frame["data"].([]any)
	require.True(t, ok)
	require.Len(t, rooms, 1)
	room := rooms[0].(map[string]any)
	assert.Equal(t, "lobby", room["id"])
	assert.Equal(t, float64(1), room["memberCount"])
}

func TestHandleFrame_AttachAgent(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	_, err := h.agents.Register("researcher", "Researcher", []string{"research"}, nil)
	require.NoError(t, err)

	h.handleFrame(c, []byte(`{"type":"attach_agent","agentId":"researcher"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventAgentAttached, frame["type"])
	assert.Equal(t, "researcher", frame["agentId"])

	ep, ok := h.endpoints.Lookup("researcher")
	require.True(t, ok)
	assert.Same(t, c, ep)
}

func TestHandleFrame_AttachAgent_Unregistered(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"attach_agent","agentId":"ghost"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventError, frame["type"])
	assert.Equal(t, ErrKindAgentNotFound, frame["kind"])
}

func TestHandleFrame_AgentCommand(t *testing.T) {
	h := newTestHub(t)
	requester := registerConn(t, h, "c1")
	agentConn := registerConn(t, h, "c2")

	_, err := h.agents.Register("researcher", "Researcher", []string{"research"}, nil)
	require.NoError(t, err)
	h.endpoints.Attach("researcher", agentConn)
	serveAgent(t, agentConn, "findings", false)

	h.handleFrame(requester, []byte(`{"type":"agent_command","agentId":"researcher","command":"lookup"}`))

	frame := recvFrame(t, requester)
	assert.Equal(t, EventAgentBroadcast, frame["type"])
	assert.Equal(t, "lookup", frame["command"])

	result := frame["result"].(map[string]any)
	assert.Equal(t, float64(1), result["successCount"])
	outcomes := result["outcomes"].([]any)
	outcome := outcomes[0].(map[string]any)
	assert.Equal(t, "findings", outcome["output"])
}

func TestHandleFrame_AgentCommand_UnknownAgent(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"agent_command","agentId":"ghost","command":"lookup"}`))

	frame := recvFrame(t, c)
	assert.Equal(t, EventError, frame["type"])
	assert.Equal(t, ErrKindAgentNotFound, frame["kind"])
}

func TestHandleFrame_AgentResult_RoutesToPending(t *testing.T) {
	h := newTestHub(t)
	agentConn := registerConn(t, h, "c1")

	ch := agentConn.CreateRequest("req-1")
	defer agentConn.CloseRequest("req-1")

	h.handleFrame(agentConn, []byte(`{"type":"agent_result","requestId":"req-1","output":"done"}`))

	select {
	case res := <-ch:
		require.NotNil(t, res)
		assert.Equal(t, "done", res.Output)
	case <-time.After(time.Second):
		t.Fatal("result not routed")
	}
}

func TestHandleFrame_DuplicateSuppressed(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"join_room","roomId":"lobby","id":"frame-1"}`))
	frame := recvFrame(t, c)
	assert.Equal(t, EventRoomJoined, frame["type"])

	h.rooms.Leave("lobby", "c1")

	// Resend with the same id: acknowledged, not re-processed
	h.handleFrame(c, []byte(`{"type":"join_room","roomId":"lobby","id":"frame-1"}`))
	frame = recvFrame(t, c)
	assert.Equal(t, EventAck, frame["type"])
	assert.Equal(t, "frame-1", frame["id"])
	assert.False(t, h.rooms.IsMember("lobby", "c1"))
}

func TestHandleFrame_DuplicateIDsScopedPerConnection(t *testing.T) {
	h := newTestHub(t)
	a := registerConn(t, h, "conn-a")
	b := registerConn(t, h, "conn-b")

	h.handleFrame(a, []byte(`{"type":"join_room","roomId":"lobby","id":"1"}`))
	frame := recvFrame(t, a)
	assert.Equal(t, EventRoomJoined, frame["type"])

	// Same client-chosen id from a different connection is not a resend
	h.handleFrame(b, []byte(`{"type":"join_room","roomId":"lobby","id":"1"}`))
	frame = recvFrame(t, b)
	assert.Equal(t, EventRoomJoined, frame["type"])
	assert.True(t, h.rooms.IsMember("lobby", "conn-b"))
}

func TestHandleFrame_TouchesActivity(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.handleFrame(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, int64(1), c.MessageCount())
}

func TestEndpointDetach_MarksAgentOffline(t *testing.T) {
	h := newTestHub(t)
	agentConn := registerConn(t, h, "c1")

	a, err := h.agents.Register("researcher", "Researcher", []string{"research"}, nil)
	require.NoError(t, err)
	h.endpoints.Attach("researcher", agentConn)
	require.Equal(t, agent.StatusActive, a.Status())

	h.registry.Unregister("c1")

	assert.Equal(t, agent.StatusOffline, a.Status())
	_, attached := h.endpoints.Lookup("researcher")
	assert.False(t, attached)

	// Still in the catalog, still routable once it re-attaches
	assert.Equal(t, 1, h.agents.Count())
}

func TestHubSample(t *testing.T) {
	h := newTestHub(t)
	c := registerConn(t, h, "c1")

	h.rooms.Join("lobby", "c1", false)
	h.channels.Subscribe(MonitoringChannel, "c1")
	_, err := h.agents.Register("researcher", "Researcher", []string{"research"}, nil)
	require.NoError(t, err)

	snap := h.Sample()
	assert.Equal(t, EventSystemMetrics, snap.Type)
	assert.Equal(t, 1, snap.Connections)
	assert.Equal(t, 1, snap.Rooms)
	assert.Equal(t, 1, snap.AgentChannels)
	assert.Equal(t, 1, snap.Agents)
	assert.NotEmpty(t, snap.Timestamp)

	h.Publish(snap)
	frame := recvFrame(t, c)
	assert.Equal(t, EventSystemMetrics, frame["type"])
}
