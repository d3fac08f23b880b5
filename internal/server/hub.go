// Package server coordinates connection admission, lifecycle callbacks, and
// connection cleanup for the collabchat streaming endpoints via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrHubClosed the hub no longer accepts connections
var ErrHubClosed = errors.New("hub is shut down")

// closeNotice a client leaving the hub, with the reason it left
type closeNotice struct {
	client *Client
	reason string
}

// Hub is the table of live streaming connections. It admits clients, starts
// their pumps, and runs each client's close callback exactly once.
//
// Message routing is not done here: the chat fanout and the edit broadcast
// reach clients through their Send method.
type Hub struct {
	common.Component
	clients    map[*Client]bool
	register   chan *Client
	unregister chan closeNotice
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance. Run must be started
// before clients are attached.
func NewHub(instance string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	component := common.NewComponent("server", "hub")
	component.LogTags["instance"] = instance
	return &Hub{
		Component:  component,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan closeNotice),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Attach hands an upgraded client to the hub. Fails once the hub is shut down,
// in which case the caller still owns the connection.
func (h *Hub) Attach(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// unregisterClient reports a client whose read pump ended
func (h *Hub) unregisterClient(client *Client, reason string) {
	select {
	case h.unregister <- closeNotice{client: client, reason: reason}:
	case <-h.ctx.Done():
		h.remove(client, reason)
	}
}

// Run starts the hub's main event loop, handling client admission and
// removal. This method should be called in a separate goroutine as it runs
// until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.WithFields(h.LogTags).Warn("Received nil client registration; skipping")
				continue
			}
			h.admit(client)

		case notice := <-h.unregister:
			h.remove(notice.client, notice.reason)
		}
	}
}

// admit add the client to the table, run its open callback, then start the
// pumps. A client refused by the callback is closed without starting them.
func (h *Hub) admit(client *Client) {
	h.mutex.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	metrics.ConnectionsActive.WithLabelValues(client.endpoint).Inc()
	log.WithFields(client.LogTags).Infof(
		"Client connected from %s. Total clients: %d", client.addr, clientCount,
	)

	if client.hooks.OnOpen != nil && !client.hooks.OnOpen(client) {
		h.reject(client)
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// reject close a client whose open callback refused it
func (h *Hub) reject(client *Client) {
	h.remove(client, "rejected")
	if client.conn == nil {
		return
	}
	deadline := time.Now().Add(client.settings.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity required")
	if err := client.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		!isExpectedCloseError(err) {
		log.WithError(err).WithFields(client.LogTags).Debug("Unable to send close frame")
	}
	if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.WithError(err).WithFields(client.LogTags).Error("Error closing rejected connection")
	}
}

// remove drop the client from the table. The send queue is closed and the
// close callback runs only for the call that actually removed it.
func (h *Hub) remove(client *Client, reason string) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}
	client.markClosed()
	metrics.ConnectionsActive.WithLabelValues(client.endpoint).Dec()
	log.WithFields(client.LogTags).Infof(
		"Client from %s disconnected (%s). Total clients: %d", client.addr, reason, clientCount,
	)
	if client.hooks.OnClose != nil {
		client.hooks.OnClose(client, reason)
	}
}

// Len number of live connections
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.WithFields(h.LogTags).Info("Shutting down all client connections...")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if err := client.Close(); err != nil && !isExpectedCloseError(err) {
			log.WithError(err).WithFields(client.LogTags).Errorf(
				"Error closing client connection from %s", client.addr,
			)
		}
	}

	log.WithFields(h.LogTags).Infof("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.WithFields(h.LogTags).Info("Initiating hub shutdown...")

	h.cancel()

	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.WithFields(h.LogTags).Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.WithFields(h.LogTags).Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
