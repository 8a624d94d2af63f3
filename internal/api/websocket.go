package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to loopback; the UI connects from file:// or a dev
	// origin, so origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub bridges the event bus to websocket clients. Each client gets its own
// bus subscription so a slow socket only loses its own events.
type wsHub struct {
	events *bus.Bus
	logger *logrus.Entry

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	sub  *bus.Subscription
	done chan struct{}
}

func newWSHub(events *bus.Bus, logger *logrus.Entry) *wsHub {
	return &wsHub{
		events:  events,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

// handle upgrades the request and streams attendance-topic envelopes until
// the client goes away.
func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		sub:  h.events.Subscribe(256, bus.TopicAttendance),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{"client": client.id, "clients": count}).Info("Websocket client connected")

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *wsHub) writeLoop(c *wsClient) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case env, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				h.drop(c, err)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c, err)
				return
			}
		}
	}
}

// readLoop exists to notice closes and pongs; inbound frames are discarded.
func (h *wsHub) readLoop(c *wsClient) {
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c, err)
			return
		}
	}
}

func (h *wsHub) drop(c *wsClient, err error) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !present {
		return
	}

	close(c.done)
	c.sub.Close()
	c.conn.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		h.logger.WithError(err).WithField("client", c.id).Warn("Websocket client dropped")
	} else {
		h.logger.WithField("client", c.id).Info("Websocket client disconnected")
	}
}

// closeAll disconnects every client, for server shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c, nil)
	}
}

// clientCount returns the number of attached clients.
func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
