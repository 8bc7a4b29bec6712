// ABOUTME: Hub wiring and lifecycle: registries, dispatcher, HTTP server, shutdown
// ABOUTME: Accepts websocket connections and runs the periodic maintenance loops

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/dedupe"
	"github.com/2389/coven-hub/internal/monitor"
	"github.com/2389/coven-hub/internal/store"
)

// idleSweepInterval is how often the idle-connection sweep runs. The
// configured idle timeout decides which connections it closes.
const idleSweepInterval = 30 * time.Second

// channelNotifier adapts ChannelManager's fan-out (which reports an
// aggregate) to the dispatcher's fire-and-forget notification seam.
type channelNotifier struct {
	channels *ChannelManager
}

func (n channelNotifier) NotifyAgentEvent(agentID string, event any) {
	n.channels.NotifyAgentEvent(agentID, event)
}

// Hub owns every long-lived component and wires them together.
type Hub struct {
	config   *config.Config
	logger   *slog.Logger
	serverID string

	registry  *Registry
	rooms     *RoomManager
	channels  *ChannelManager
	endpoints *Endpoints

	agents     *agent.Registry
	dispatcher *agent.Dispatcher

	store   store.Store
	dedupe  *dedupe.Cache
	emitter *monitor.Emitter

	httpServer *http.Server
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader

	// baseCtx bounds in-flight dispatches; cancelled on shutdown so a
	// slow agent cannot hold the process open past the grace period.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	sweepStop chan struct{}
	sweepDone sync.WaitGroup
}

// New creates a Hub from configuration. Nothing is listening until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	eventStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	registry := NewRegistry(cfg.Hub.MaxConnections, logger.With("component", "registry"))
	rooms := NewRoomManager(registry, logger.With("component", "rooms"))
	channels := NewChannelManager(registry, logger.With("component", "channels"))
	endpoints := NewEndpoints(logger.With("component", "endpoints"))

	agents := agent.NewRegistry(logger.With("component", "agent-registry"))
	invoker := NewStreamInvoker(endpoints, logger.With("component", "invoker"))
	dispatcher := agent.NewDispatcher(agents, invoker, channelNotifier{channels}, agent.DispatcherConfig{
		DirectTimeout:    cfg.Agents.DirectTimeout,
		BroadcastTimeout: cfg.Agents.BroadcastTimeout,
	}, logger.With("component", "dispatcher"))

	baseCtx, baseCancel := context.WithCancel(context.Background())

	h := &Hub{
		config:     cfg,
		logger:     logger.With("component", "hub"),
		serverID:   generateServerID(),
		registry:   registry,
		rooms:      rooms,
		channels:   channels,
		endpoints:  endpoints,
		agents:     agents,
		dispatcher: dispatcher,
		store:      eventStore,
		dedupe:     dedupe.New(5*time.Minute, 100_000), // TTL 5min, max 100k entries
		limiter:    rate.NewLimiter(rate.Limit(cfg.Hub.AcceptRate), cfg.Hub.AcceptBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin policy is an operator concern behind a
			// reverse proxy; the hub accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sweepStop:  make(chan struct{}),
	}

	// Close cascade: rooms, channels, and endpoints each drop the
	// connection from their membership sets when it unregisters.
	registry.AddObserver(rooms)
	registry.AddObserver(channels)
	registry.AddObserver(endpoints)
	endpoints.SetDetachHook(h.agentEndpointDetached)

	if cfg.Agents.ManifestPath != "" {
		manifest, err := agent.LoadManifest(cfg.Agents.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("loading agent manifest: %w", err)
		}
		n, err := manifest.Apply(agents, logger)
		if err != nil {
			return nil, fmt.Errorf("applying agent manifest: %w", err)
		}
		logger.Info("agent manifest loaded", "path", cfg.Agents.ManifestPath, "agents", n)
	}

	if cfg.Monitoring.Enabled {
		h.emitter = monitor.NewEmitter(cfg.Monitoring.Interval, h, h, logger.With("component", "monitor"))
	}

	r := chi.NewRouter()
	r.Get("/ws", h.handleWS)
	r.Get("/health", h.handleHealth)
	r.Get("/health/ready", h.handleReady)
	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", h.handleListAgents)
		r.Post("/agents", h.handleRegisterAgent)
		r.Delete("/agents/{agentID}", h.handleDeregisterAgent)
		r.Get("/events", h.handleListEvents)
	})

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// handleWS upgrades an HTTP request into a hub connection and starts its
// pump goroutines. Accept-path backpressure happens here, before the
// upgrade: a full token bucket answers 429, a full table 503.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if h.config.Hub.MaxConnections > 0 && h.registry.Count() >= h.config.Hub.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.New().String()
	conn := NewConnection(id, wsConn, r.RemoteAddr, h.logger.With("connection_id", id))

	if err := h.registry.Register(conn); err != nil {
		// Lost the race against other accepts for the last table slot.
		h.logger.Warn("rejecting connection", "connection_id", id, "error", err)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}

	go conn.WritePump()
	go conn.ReadPump(h.handleFrame, func() {
		h.connectionClosed(conn)
	})

	_ = conn.EnqueueEvent(&ConnectionEstablishedEvent{
		Type:         EventConnectionEstablished,
		ConnectionID: id,
		ServerTime:   serverTime(time.Now()),
	})

	h.persistEvent(&store.Event{
		Kind:         store.EventKindConnectionOpened,
		ConnectionID: id,
	})
}

// connectionClosed is the read pump's cleanup hook. Unregister runs the
// full cascade; in-flight dispatches to other agents are untouched.
func (h *Hub) connectionClosed(conn *Connection) {
	h.registry.Unregister(conn.ID)
	h.persistEvent(&store.Event{
		Kind:         store.EventKindConnectionClosed,
		ConnectionID: conn.ID,
	})
}

// agentEndpointDetached marks an agent offline when its delivery stream
// goes away. The agent stays in the catalog and can re-attach.
func (h *Hub) agentEndpointDetached(agentID string) {
	if a, ok := h.agents.Find(agentID); ok {
		a.SetStatus(agent.StatusOffline)
	}
}

// dispatchCtx bounds agent dispatches started from frame handlers.
func (h *Hub) dispatchCtx() context.Context {
	return h.baseCtx
}

// Run starts the HTTP server and background loops and blocks until the
// context is cancelled or the server fails.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("starting hub",
		"server_id", h.serverID,
		"http_addr", h.config.Server.HTTPAddr,
		"max_connections", h.config.Hub.MaxConnections,
	)

	if h.emitter != nil {
		h.emitter.Start()
	}

	h.sweepDone.Add(1)
	go h.idleSweepLoop()

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", h.config.Server.HTTPAddr)
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// Shutdown stops accepting, cancels in-flight dispatches, closes every
// connection, and releases the store. Safe to call once.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	if err := h.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	h.baseCancel()

	close(h.sweepStop)
	h.sweepDone.Wait()

	if h.emitter != nil {
		h.emitter.Stop()
	}

	for _, conn := range h.registry.List() {
		h.registry.Unregister(conn.ID)
	}

	h.dedupe.Close()

	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// idleSweepLoop periodically unregisters connections with no activity
// inside the configured idle timeout.
func (h *Hub) idleSweepLoop() {
	defer h.sweepDone.Done()

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.sweepStop:
			return
		case <-ticker.C:
			if n := h.registry.CloseIdle(h.config.Hub.IdleTimeout); n > 0 {
				h.logger.Info("idle sweep closed connections", "count", n)
			}
		}
	}
}

// Sample implements monitor.Source with read-only counts.
func (h *Hub) Sample() monitor.Snapshot {
	return monitor.Snapshot{
		Type:           EventSystemMetrics,
		Connections:    h.registry.Count(),
		Rooms:          h.rooms.Count(),
		AgentChannels:  h.channels.Count(),
		Agents:         h.agents.Count(),
		DispatcherLoad: h.dispatcher.InFlight(),
		Timestamp:      serverTime(time.Now()),
	}
}

// Publish implements monitor.Sink: each snapshot goes to everyone
// subscribed to the monitoring channel.
func (h *Hub) Publish(snap monitor.Snapshot) {
	h.channels.NotifyAgentEvent(MonitoringChannel, &snap)
}

// generateServerID creates a unique identifier for this hub instance.
func generateServerID() string {
	return fmt.Sprintf("coven-hub-%d", time.Now().UnixNano()%1000000)
}
