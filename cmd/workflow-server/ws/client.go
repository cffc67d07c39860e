package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 64 * 1024

	// Per-client send buffer; events beyond this during a burst are dropped
	sendBuffer = 512
)

// Client is one WebSocket subscriber. It implements events.Observer so the
// broker can push events straight into its send queue.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	log    *logger.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		log:    log,
	}
}

func (c *Client) ID() string { return c.id }

// Send queues an event for delivery. A slow client loses events rather than
// stalling the broker.
func (c *Client) Send(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return nil
	default:
		c.log.Warn("client send buffer full, dropping event",
			"client_id", c.id, "type", event["type"])
		return nil
	}
}

// readPump consumes inbound frames until the connection drops. Clients use
// it for user task completions, replay, cancel requests, and keepalive.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("unparseable client frame", "client_id", c.id, "error", err)
		return
	}
	frameType, _ := frame["type"].(string)

	switch frameType {
	case events.TypePing:
		_ = c.Send(map[string]any{"type": events.TypePong, "timestamp": time.Now().UnixMilli()})

	case events.TypeUserTaskDone:
		completion := events.UserTaskCompletion{
			TaskID:   str(frame, "taskId"),
			Decision: str(frame, "decision"),
			Comments: str(frame, "comments"),
			User:     str(frame, "user"),
		}
		if completion.TaskID == "" {
			c.log.Warn("user task completion without taskId", "client_id", c.id)
			return
		}
		if !c.hub.broker.CompleteUserTask(completion) {
			c.log.Warn("no task waiting for completion", "task_id", completion.TaskID)
		}

	case events.TypeReplayRequest:
		elementID := str(frame, "elementId")
		if elementID == "" {
			return
		}
		go func() {
			if err := c.hub.broker.Replay(c.hub.ctx, c.id, elementID); err != nil {
				c.log.Warn("replay failed", "client_id", c.id, "element_id", elementID, "error", err)
			}
		}()

	case events.TypeClearHistory:
		elementID := str(frame, "elementId")
		if elementID == "" {
			return
		}
		if err := c.hub.broker.ClearHistory(elementID); err != nil {
			c.log.Warn("clear history failed", "element_id", elementID, "error", err)
		}

	case events.TypeTaskCancelReq:
		elementID := str(frame, "elementId")
		reason := str(frame, "reason")
		if reason == "" {
			reason = "cancelled by user"
		}
		if err := c.hub.broker.RequestCancel(elementID, reason); err != nil {
			c.log.Warn("cancel request rejected", "element_id", elementID, "error", err)
		}

	default:
		c.log.Debug("ignoring client frame", "client_id", c.id, "type", frameType)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. Each event goes out as its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func str(frame map[string]any, key string) string {
	s, _ := frame[key].(string)
	return s
}
