package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent represents a received WebSocket event.
type WSEvent struct {
	Type     string                 `json:"type"`
	Raw      json.RawMessage        // original JSON
	Parsed   map[string]interface{} // parsed for assertions
	Received time.Time              // when we received it
}

// Payload returns the event's payload object, or nil.
func (e WSEvent) Payload() map[string]interface{} {
	p, _ := e.Parsed["payload"].(map[string]interface{})
	return p
}

// WSClient connects to the /ws endpoint and collects events.
type WSClient struct {
	conn    *websocket.Conn
	events  []WSEvent
	readErr error // final read loop error, set before doneCh closes
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// WSConnect establishes an authenticated WebSocket connection and starts
// collecting events in a background goroutine. token goes in the query
// string, the way non-browser clients authenticate.
func WSConnect(ctx context.Context, wsURL, token string) (*WSClient, error) {
	return WSConnectWithOrigin(ctx, wsURL, token, "")
}

// WSConnectWithOrigin additionally sets the Origin header, for origin
// policy tests.
func WSConnectWithOrigin(ctx context.Context, wsURL, token, origin string) (*WSClient, error) {
	if token != "" {
		wsURL += "?token=" + token
	}
	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{origin}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SubscribeProject sends a subscribe message for the project's channel.
func (c *WSClient) SubscribeProject(projectID string) error {
	return c.send(map[string]string{"type": "subscribe", "projectId": projectID})
}

// GetLiveState requests the reconnection snapshot for a session.
func (c *WSClient) GetLiveState(sessionID string) error {
	return c.send(map[string]string{"type": "get_live_state", "sessionId": sessionID})
}

// Ping sends an application-level ping.
func (c *WSClient) Ping() error {
	return c.send(map[string]string{"type": "ping"})
}

func (c *WSClient) send(msg map[string]string) error {
	data, _ := json.Marshal(msg)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until an event matching the predicate is received, or
// timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an event with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForJobStatus waits for a job_update whose payload matches the stage
// and new status.
func (c *WSClient) WaitForJobStatus(stage, newStatus string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		if e.Type != "job_update" {
			return false
		}
		p := e.Payload()
		return p["stage"] == stage && p["newStatus"] == newStatus
	}, timeout)
}

// CloseStatus waits for the server to close the connection and returns the
// close code, or -1 on timeout.
func (c *WSClient) CloseStatus(timeout time.Duration) websocket.StatusCode {
	select {
	case <-c.doneCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return websocket.CloseStatus(c.readErr)
	case <-time.After(timeout):
		return -1
	}
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns events filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads messages from the WebSocket and appends them to the events
// slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return // connection closed or context cancelled
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // skip malformed messages
		}

		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if t, ok := parsed["type"].(string); ok {
			evt.Type = t
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
