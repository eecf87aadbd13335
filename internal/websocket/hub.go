// Package websocket relays job progress from Redis pub/sub to browser
// connections.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/contrib/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/rehearsekit/backend/internal/model"
)

const progressPattern = "job:*:progress"

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections grouped by job id
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	logger     *log.Logger
	mu         sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// client. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("dropping slow client", "job_id", msg.JobID)
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove closes Send of a registered client. Must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
	close(client.Send)
}

// Register adds a client. Once the hub has stopped the client's Send is
// closed straight away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns how many clients follow a job
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Broadcast queues a raw message for every subscriber of the job
func (h *Hub) Broadcast(jobID string, message []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: message}:
	case <-h.done:
	}
}

// BroadcastProgress wraps a progress notification in the relay envelope.
// Jobs nobody follows are skipped.
func (h *Hub) BroadcastProgress(n model.ProgressNotification) {
	if h.Subscribers(n.JobID) == 0 {
		return
	}
	data, err := json.Marshal(progressMessage{Type: model.WSMessageTypeProgress, ProgressNotification: n})
	if err != nil {
		h.logger.Error("failed to marshal progress message", "err", err)
		return
	}
	h.Broadcast(n.JobID, data)
}

type progressMessage struct {
	Type string `json:"type"`
	model.ProgressNotification
}

// Subscribe relays every job:{id}:progress message to the hub until ctx is
// done. Progress is ephemeral: messages published while nobody listens are
// lost, and a new client starts from the snapshot it gets on connect.
func (h *Hub) Subscribe(ctx context.Context, rdb *redis.Client) error {
	ps := rdb.PSubscribe(ctx, progressPattern)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	h.logger.Info("relaying job progress", "pattern", progressPattern)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n model.ProgressNotification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				h.logger.Warn("dropping malformed progress message", "channel", msg.Channel, "err", err)
				continue
			}
			if id, ok := JobIDFromChannel(msg.Channel); ok && n.JobID == "" {
				n.JobID = id
			}
			h.BroadcastProgress(n)
		}
	}
}

// JobIDFromChannel extracts the id from job:{id}:progress
func JobIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "job:")
	if !ok {
		return "", false
	}
	id, ok = strings.CutSuffix(id, ":progress")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// HandleConnection sends the current job snapshot, then relays progress
// until the client goes away. A finished job gets the snapshot and a normal
// close since nothing more will be published for it.
func (h *Hub) HandleConnection(c *websocket.Conn, snapshot *model.Job) {
	jobID := snapshot.ID.String()
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	first, err := json.Marshal(model.WSSnapshotMessage{Type: model.WSMessageTypeSnapshot, Job: snapshot})
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "job_id", jobID, "err", err)
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}
	if !snapshot.IsActive() {
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
		return
	}

	h.Register(client)
	defer h.Unregister(client)

	// the reader never touches Send, which the hub may close at any time
	pongs := make(chan []byte, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case pong := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "job_id", jobID, "err", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- pong:
			default:
			}
		}
	}
}
