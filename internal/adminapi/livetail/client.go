package livetail

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriptionMessage is sent by a connected client to change which
// event kinds it receives. An empty Kinds list with Action "subscribe"
// means "all kinds".
type subscriptionMessage struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

// ServeWS upgrades the request to a WebSocket connection, registers it
// with the hub, and starts its read/write pumps. The initial
// subscription set comes from the repeatable kind query parameter, if present.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade livetail connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := newClient(clientID, conn, h, h.logger)

	if kinds := r.URL.Query()["kind"]; len(kinds) > 0 {
		for _, kind := range kinds {
			client.Subscribe(kind)
		}
	} else {
		client.mu.Lock()
		client.all = true
		client.mu.Unlock()
	}

	h.register <- client
	h.logger.Info("livetail client connected", zap.String("client_id", clientID))

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("livetail read error", zap.Error(err))
			}
			return
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid livetail subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			if len(sub.Kinds) == 0 {
				c.mu.Lock()
				c.all = true
				c.mu.Unlock()
				continue
			}
			for _, kind := range sub.Kinds {
				c.Subscribe(kind)
			}
		case "unsubscribe":
			for _, kind := range sub.Kinds {
				c.Unsubscribe(kind)
			}
		default:
			c.logger.Warn("unknown livetail subscription action", zap.String("action", sub.Action))
		}
	}
}

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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds kind to the client's subscription set.
func (c *Client) Subscribe(kind string) {
	c.mu.Lock()
	c.kinds[kind] = true
	c.mu.Unlock()
	c.hub.subscribe(c, kind)
}

// Unsubscribe removes kind from the client's subscription set.
func (c *Client) Unsubscribe(kind string) {
	c.mu.Lock()
	delete(c.kinds, kind)
	c.mu.Unlock()
	c.hub.unsubscribe(c, kind)
}
