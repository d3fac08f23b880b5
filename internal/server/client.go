// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ClientSettings per-connection transport parameters
type ClientSettings struct {
	MaxMessageSize int64
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	RateBurst      int
	RateInterval   time.Duration
}

// SettingsFromConfig derive ClientSettings from the system config
func SettingsFromConfig(cfg config.SystemConfig) ClientSettings {
	return ClientSettings{
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBufferSize: cfg.WebSocket.SendBufferSize,
		WriteWait:      cfg.WebSocket.WriteWait(),
		PongWait:       cfg.WebSocket.PongWait(),
		PingPeriod:     cfg.WebSocket.PingPeriod(),
		RateBurst:      cfg.RateLimit.Burst,
		RateInterval:   cfg.RateLimit.RefillWindow(),
	}
}

func sanitizeSettings(settings ClientSettings) ClientSettings {
	if settings.MaxMessageSize <= 0 {
		settings.MaxMessageSize = 512
	}
	if settings.SendBufferSize <= 0 {
		settings.SendBufferSize = 256
	}
	if settings.WriteWait <= 0 {
		settings.WriteWait = 10 * time.Second
	}
	if settings.PongWait <= 0 {
		settings.PongWait = 60 * time.Second
	}
	if settings.PingPeriod <= 0 || settings.PingPeriod >= settings.PongWait {
		settings.PingPeriod = settings.PongWait * 9 / 10
	}
	return settings
}

// ClientHooks lifecycle callbacks bound to one connection
type ClientHooks struct {
	// OnOpen runs once the hub accepted the connection. Returning false drops it.
	OnOpen func(c *Client) bool
	// OnMessage handles one inbound frame that passed the rate limiter
	OnMessage func(c *Client, raw []byte)
	// OnClose runs exactly once when the connection leaves the hub
	OnClose func(c *Client, reason string)
}

// Client represents a WebSocket client connection.
// It manages the connection state, outbound queue, hub reference, and the
// identity that was authenticated when the stream was opened.
type Client struct {
	common.Component
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	identity    registry.Identity
	endpoint    string
	settings    ClientSettings
	hooks       ClientHooks
	rateLimiter *rate.Limiter
	lock        sync.Mutex
	closed      bool
}

// NewClient creates a new Client instance for an upgraded connection.
// The client's send channel is buffered to handle message queuing.
func NewClient(
	conn *websocket.Conn,
	hub *Hub,
	addr string,
	identity registry.Identity,
	endpoint string,
	settings ClientSettings,
	hooks ClientHooks,
) *Client {
	settings = sanitizeSettings(settings)
	if conn != nil {
		conn.SetReadLimit(settings.MaxMessageSize)
	}
	id := uuid.New().String()
	return &Client{
		Component: common.Component{LogTags: log.Fields{
			"module":     "server",
			"component":  "client",
			"endpoint":   endpoint,
			"connection": id,
			"peer":       addr,
			"identity":   identity,
		}},
		id:          id,
		conn:        conn,
		send:        make(chan []byte, settings.SendBufferSize),
		hub:         hub,
		addr:        addr,
		identity:    identity,
		endpoint:    endpoint,
		settings:    settings,
		hooks:       hooks,
		rateLimiter: newRateLimiter(settings.RateBurst, settings.RateInterval),
	}
}

// ID unique connection identifier
func (c *Client) ID() string {
	return c.id
}

// Identity the identity authenticated when the stream opened; empty if none
func (c *Client) Identity() registry.Identity {
	return c.identity
}

// Peer remote address of the connection
func (c *Client) Peer() string {
	return c.addr
}

// Endpoint which streaming endpoint the client connected to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send queue one payload for the write pump. It never retries and never
// blocks: a closed connection or a full queue fails immediately.
func (c *Client) Send(payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return registry.ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return registry.ErrSendBufferFull
	}
}

// Close closes the underlying connection; the pumps then wind down and the
// hub runs the close callback.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// markClosed stops accepting payloads and closes the send channel. Returns
// false if the client was already closed.
func (c *Client) markClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait)); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure and returns the close reason
func (c *Client) handleReadError(err error) string {
	if errors.Is(err, websocket.ErrReadLimit) {
		log.WithFields(c.LogTags).Warnf(
			"Message exceeded maximum size of %d bytes", c.settings.MaxMessageSize,
		)
		return "message too big"
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if websocket.IsUnexpectedCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure) {
			log.WithError(err).WithFields(c.LogTags).Warn("Unexpected WebSocket close")
		} else {
			log.WithFields(c.LogTags).Debugf("Client disconnected: %v", err)
		}
		if closeErr.Text != "" {
			return closeErr.Text
		}
		return fmt.Sprintf("close code %d", closeErr.Code)
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.WithFields(c.LogTags).Debugf("Connection closed: %v", err)
		return "connection closed"
	}

	log.WithError(err).WithFields(c.LogTags).Warn("WebSocket read error")
	return err.Error()
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		metrics.InboundRateLimitedTotal.Inc()
		log.WithFields(c.LogTags).Warnf(
			"Rate limit exceeded (%d messages per %s); discarding message",
			c.settings.RateBurst, c.settings.RateInterval,
		)
		return false
	}
	return true
}

func (c *Client) readPump() {
	reason := "connection closed"
	defer func() {
		c.hub.unregisterClient(c, reason)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.WithError(err).WithFields(c.LogTags).Error("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			reason = c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(c, rawMessage)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.WithError(err).WithFields(c.LogTags).Error("Error closing connection in writePump")
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.WithError(err).WithFields(c.LogTags).Error("Error writing message")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.WithError(err).WithFields(c.LogTags).Error("Error writing close message")
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Error writing ping message")
		return false
	}
	return true
}
