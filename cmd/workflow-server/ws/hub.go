// Package ws exposes the broker's event stream over WebSocket and routes
// client commands (user task completions, replay, cancellation) back in.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks live WebSocket clients and registers each one as a broker
// observer for its lifetime.
type Hub struct {
	broker *events.Broker
	log    *logger.Logger
	ctx    context.Context

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(broker *events.Broker, log *logger.Logger) *Hub {
	return &Hub{
		broker:  broker,
		log:     log,
		ctx:     context.Background(),
		clients: make(map[string]*Client),
	}
}

// Serve upgrades the request and pumps events until the client disconnects.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return err
	}

	client := newClient(h, conn, h.log)

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.broker.Register(client)
	h.log.Info("websocket client connected", "client_id", client.id, "clients", h.count())

	go client.writePump()
	client.readPump()
	return nil
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	h.mu.Unlock()

	h.broker.Unregister(client.id)
	close(client.closed)
	h.log.Info("websocket client disconnected", "client_id", client.id, "clients", h.count())
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
