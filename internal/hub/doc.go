// Package hub is the realtime core: websocket connections, rooms,
// observer channels, and the HTTP surface that fronts them.
//
// # Overview
//
// Every peer, human frontend or agent process alike, connects over a
// single websocket and speaks JSON frames with a "type" discriminator.
// The hub fans frames out to rooms, routes commands to agents, and
// answers each command with an explicit acknowledgement or error frame.
//
// # Connection
//
// Connection wraps one websocket with two pump goroutines:
//
//   - ReadPump: reads frames, hands each to the frame handler, and runs
//     the cleanup hook exactly once when the socket dies
//   - WritePump: drains the buffered send channel and keeps the
//     websocket alive with pings
//
// Delivery is non-blocking: Enqueue drops the frame and reports
// ErrSendBufferFull when a slow consumer's buffer is full. One slow
// peer never stalls a broadcast to everyone else.
//
// # Close Cascade
//
// Registry.Unregister is the single teardown path. It marks the
// connection closed (every later Enqueue fails fast), removes it from
// the table, and then notifies each CloseObserver — RoomManager,
// ChannelManager, and Endpoints — so no membership set holds a dead
// connection after Unregister returns. The cascade is idempotent.
//
// # Rooms and Channels
//
// Rooms are named broadcast groups created on first join and deleted on
// last leave. Channels are per-agent observer feeds: subscribing to an
// agent's channel delivers every lifecycle event the dispatcher reports
// for that agent. The reserved "monitoring" channel carries periodic
// system snapshots.
//
// # Agent Endpoints
//
// An agent process attaches its own connection as the delivery endpoint
// for its registered agent id. StreamInvoker sends agent_invoke frames
// down that endpoint and correlates agent_result frames back by request
// id, using the connection's pending-request table.
package hub
