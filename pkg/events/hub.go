package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Application close codes. 4001 (auth) and 4003 (origin) are issued by the
// HTTP layer before the hub sees the connection.
const (
	CloseShutdown websocket.StatusCode = websocket.StatusGoingAway // 1001
	CloseAuth     websocket.StatusCode = 4001
	CloseOrigin   websocket.StatusCode = 4003
	CloseOverload websocket.StatusCode = 4013
)

// maxMessageBytes bounds inbound client messages.
const maxMessageBytes = 32 * 1024

// heartbeatMissLimit is how many consecutive unanswered pings a client may
// accumulate before it is terminated.
const heartbeatMissLimit = 2

// AccessChecker answers project membership questions for subscribe requests.
// Implemented by services.ProjectService.
type AccessChecker interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// LiveStateProvider builds the reconnection-friendly state snapshot for
// get_live_state requests. Implemented by the live session manager.
type LiveStateProvider interface {
	LiveState(ctx context.Context, sessionID, userID string) (any, error)
}

// HubConfig carries the hub's connection policy.
type HubConfig struct {
	MaxConnections     int
	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	RateLimitPerSecond float64
	RateBurst          int
}

// Hub manages WebSocket connections and per-project channel subscriptions,
// and fans bus events out to subscribers. One Hub instance per process.
type Hub struct {
	cfg    HubConfig
	access AccessChecker

	// liveState is optional; without it get_live_state returns an error
	// message to the client.
	liveState   LiveStateProvider
	liveStateMu sync.RWMutex

	// Active connections: connection_id → *Conn
	connections map[string]*Conn
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids. Project
	// channels are indexed here so fan-out touches only subscribers.
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Conn represents a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup).
type Conn struct {
	ID     string
	UserID string
	sock   *websocket.Conn

	subscriptions map[string]bool
	limiter       *rate.Limiter
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a hub with the given policy.
func NewHub(cfg HubConfig, access AccessChecker) *Hub {
	return &Hub{
		cfg:         cfg,
		access:      access,
		connections: make(map[string]*Conn),
		channels:    make(map[string]map[string]bool),
		shutdownCh:  make(chan struct{}),
	}
}

// SetLiveStateProvider wires the orchestrator's snapshot endpoint. Called
// once during startup, after both hub and manager exist.
func (h *Hub) SetLiveStateProvider(p LiveStateProvider) {
	h.liveStateMu.Lock()
	defer h.liveStateMu.Unlock()
	h.liveState = p
}

// HandleConnection manages the lifecycle of one accepted WebSocket
// connection. Blocks until the connection closes. userID is the verified
// token subject.
func (h *Hub) HandleConnection(parentCtx context.Context, sock *websocket.Conn, userID string) {
	select {
	case <-h.shutdownCh:
		_ = sock.Close(CloseShutdown, "server shutting down")
		return
	default:
	}

	if h.ActiveConnections() >= h.cfg.MaxConnections {
		slog.Warn("WebSocket connection limit reached", "limit", h.cfg.MaxConnections)
		_ = sock.Close(CloseOverload, "too many connections")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Conn{
		ID:            uuid.NewString(),
		UserID:        userID,
		sock:          sock,
		subscriptions: make(map[string]bool),
		limiter:       rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSecond), h.cfg.RateBurst),
		ctx:           ctx,
		cancel:        cancel,
	}
	sock.SetReadLimit(maxMessageBytes)

	h.registerConn(c)
	defer h.unregisterConn(c)

	h.sendJSON(c, map[string]string{
		"type":         MsgConnected,
		"connectionId": c.ID,
	})

	go h.heartbeat(c)

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			h.sendJSON(c, map[string]string{
				"type":    MsgError,
				"message": "rate limit exceeded",
			})
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			h.sendJSON(c, map[string]string{"type": MsgError, "message": "invalid message"})
			continue
		}

		h.handleClientMessage(ctx, c, &msg)
	}
}

// heartbeat pings the client on the configured cadence and terminates it
// after heartbeatMissLimit consecutive unanswered pings.
func (h *Hub) heartbeat(c *Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, h.cfg.HeartbeatInterval)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err == nil {
				misses = 0
				continue
			}
			misses++
			if misses >= heartbeatMissLimit {
				slog.Info("Terminating unresponsive WebSocket client",
					"connection_id", c.ID, "missed_pongs", misses)
				c.cancel()
				_ = c.sock.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (h *Hub) handleClientMessage(ctx context.Context, c *Conn, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		h.handleSubscribe(ctx, c, msg)

	case "unsubscribe":
		channel := resolveChannel(msg)
		if channel == "" {
			h.sendJSON(c, map[string]string{"type": MsgError, "message": "channel or projectId is required"})
			return
		}
		h.unsubscribe(c, channel)
		h.sendJSON(c, map[string]string{"type": MsgUnsubscribed, "channel": channel})

	case "ping":
		h.sendJSON(c, map[string]string{"type": MsgPong})

	case "get_live_state":
		h.handleGetLiveState(ctx, c, msg)

	default:
		h.sendJSON(c, map[string]string{"type": MsgError, "message": "unknown message type"})
	}
}

// handleSubscribe validates project access before recording a subscription.
// A denied subscribe leaves the subscriber set untouched.
func (h *Hub) handleSubscribe(ctx context.Context, c *Conn, msg *ClientMessage) {
	channel := resolveChannel(msg)
	if channel == "" {
		h.sendJSON(c, map[string]string{"type": MsgError, "message": "channel or projectId is required"})
		return
	}

	if projectID, ok := strings.CutPrefix(channel, "project:"); ok {
		member, err := h.access.IsMember(ctx, projectID, c.UserID)
		if err != nil || !member {
			if err != nil {
				slog.Warn("Project access check failed",
					"connection_id", c.ID, "project_id", projectID, "error", err)
			}
			h.sendJSON(c, map[string]string{
				"type":    MsgError,
				"message": "Access denied to project",
				"channel": channel,
			})
			return
		}
	}

	h.subscribe(c, channel)
	h.sendJSON(c, map[string]string{"type": MsgSubscribed, "channel": channel})
}

func (h *Hub) handleGetLiveState(ctx context.Context, c *Conn, msg *ClientMessage) {
	if msg.SessionID == "" {
		h.sendJSON(c, map[string]string{"type": MsgError, "message": "sessionId is required"})
		return
	}
	h.liveStateMu.RLock()
	provider := h.liveState
	h.liveStateMu.RUnlock()
	if provider == nil {
		h.sendJSON(c, map[string]string{"type": MsgError, "message": "live state not available"})
		return
	}

	state, err := provider.LiveState(ctx, msg.SessionID, c.UserID)
	if err != nil {
		h.sendJSON(c, map[string]string{
			"type":    MsgError,
			"message": "failed to load live session state",
		})
		return
	}
	h.sendJSON(c, map[string]any{
		"type":      MsgLiveSessionState,
		"sessionId": msg.SessionID,
		"state":     state,
	})
}

// resolveChannel maps a client message to a channel name. projectId wins
// over a raw channel to keep the access check unambiguous.
func resolveChannel(msg *ClientMessage) string {
	if msg.ProjectID != "" {
		return ProjectChannel(msg.ProjectID)
	}
	return msg.Channel
}

// Run consumes a bus subscription and fans events out until the context is
// cancelled or the subscription closes.
func (h *Hub) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Status():
			if !ok {
				return
			}
			h.broadcastJSON(ProjectChannel(ev.ProjectID), map[string]any{
				"type":    MsgJobUpdate,
				"payload": ev,
			})
		case ev, ok := <-sub.Progress():
			if !ok {
				return
			}
			h.broadcastJSON(ProjectChannel(ev.ProjectID), map[string]any{
				"type":    MsgJobProgress,
				"payload": ev,
			})
		case ev, ok := <-sub.Session():
			if !ok {
				return
			}
			h.broadcastJSON(ProjectChannel(ev.ProjectID), map[string]any{
				"type":    MsgLiveUpdate,
				"payload": ev,
			})
		}
	}
}

// broadcastJSON sends one message to every subscriber of the channel.
func (h *Hub) broadcastJSON(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal broadcast", "channel", channel, "error", err)
		return
	}
	h.Broadcast(channel, data)
}

// Broadcast sends raw bytes to all connections subscribed to the channel.
func (h *Hub) Broadcast(channel string, event []byte) {
	h.channelMu.RLock()
	connIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending, so slow writes never stall register/unregister.
	h.mu.RLock()
	conns := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := h.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

// Shutdown closes every connection with code 1001 and refuses new ones.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdownCh) })

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		_ = c.sock.Close(CloseShutdown, "server shutting down")
	}
}

func (h *Hub) subscribe(c *Conn, channel string) {
	h.channelMu.Lock()
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.ID] = true
	h.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *Conn, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (h *Hub) registerConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregisterConn(c *Conn) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (h *Hub) sendJSON(c *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (h *Hub) sendRaw(c *Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.cfg.WriteTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}
