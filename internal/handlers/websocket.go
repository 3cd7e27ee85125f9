package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vad-mining-backend/internal/models"
	"vad-mining-backend/internal/services"
)

const (
	MessageSnapshot = "SNAPSHOT"
	MessageClaimed  = "CLAIMED"
	MessagePing     = "PING"
	MessagePong     = "PONG"
	MessageRefresh  = "REFRESH"
	MessageError    = "ERROR"

	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams advisory balance projections to connected
// clients. It also implements services.Broadcaster so committed claims are
// pushed to the claiming user's sockets.
type WebSocketHandler struct {
	ledger       *services.LedgerService
	hub          *WebSocketHub
	pushInterval time.Duration
}

type WebSocketHub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
}

type Client struct {
	UserID string
	Conn   *websocket.Conn
	mu     sync.Mutex
}

type Message struct {
	Type   string      `json:"type"`
	UserID string      `json:"user_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

func (c *Client) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(msg)
}

func NewWebSocketHandler(pushInterval time.Duration) *WebSocketHandler {
	hub := &WebSocketHub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 100),
		done:       make(chan struct{}),
	}

	go hub.run()

	if pushInterval <= 0 {
		pushInterval = 5 * time.Second
	}

	return &WebSocketHandler{
		hub:          hub,
		pushInterval: pushInterval,
	}
}

// SetLedger breaks the construction cycle: the ledger needs the handler as a
// broadcaster and the handler needs the ledger for snapshots.
func (h *WebSocketHandler) SetLedger(ledger *services.LedgerService) {
	h.ledger = ledger
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	// Fail before upgrading so the client gets a proper HTTP status.
	if _, err := h.ledger.Read(ctx, userID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("failed to upgrade to websocket")
		return
	}

	client := &Client{
		UserID: userID,
		Conn:   conn,
	}

	h.hub.register <- client

	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.unregister <- client
		conn.Close()
	}()

	h.sendSnapshot(ctx, client)
	go h.pushSnapshots(ctx, client, done)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("user_id", userID).Warn("websocket error")
			}
			break
		}

		h.handleMessage(ctx, client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case MessagePing:
		client.send(&Message{
			Type: MessagePong,
			Data: gin.H{"timestamp": time.Now().Unix()},
		})
	case MessageRefresh:
		h.sendSnapshot(ctx, client)
	}
}

func (h *WebSocketHandler) pushSnapshots(ctx context.Context, client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sendSnapshot(ctx, client)
		case <-done:
			return
		}
	}
}

func (h *WebSocketHandler) sendSnapshot(ctx context.Context, client *Client) {
	snapshot, err := h.ledger.Read(ctx, client.UserID)
	if err != nil {
		client.send(&Message{Type: MessageError, Data: gin.H{"error": err.Error()}})
		return
	}

	client.send(&Message{Type: MessageSnapshot, Data: snapshotResponse(snapshot)})
}

func (h *WebSocketHandler) BroadcastClaim(_ context.Context, event models.ClaimedEvent) error {
	msg := &Message{
		Type:   MessageClaimed,
		UserID: event.UserID,
		Data: gin.H{
			"claim_id":   event.ClaimID,
			"reward":     event.Reward.InexactFloat64(),
			"balance":    event.Balance.InexactFloat64(),
			"claimed_at": event.ClaimedAt,
		},
	}

	select {
	case h.hub.broadcast <- msg:
	default:
		logrus.WithField("user_id", event.UserID).Warn("websocket broadcast queue full, dropping claim")
	}
	return nil
}

func (h *WebSocketHandler) BroadcastReferral(context.Context, models.ReferralEvent) error {
	return nil
}

// Close stops the hub loop.
func (h *WebSocketHandler) Close() {
	close(h.hub.done)
}

func (hub *WebSocketHub) run() {
	for {
		select {
		case client := <-hub.register:
			if hub.clients[client.UserID] == nil {
				hub.clients[client.UserID] = make(map[*Client]struct{})
			}
			hub.clients[client.UserID][client] = struct{}{}
			logrus.WithField("user_id", client.UserID).Debug("websocket client registered")

		case client := <-hub.unregister:
			if conns, ok := hub.clients[client.UserID]; ok {
				delete(conns, client)
				if len(conns) == 0 {
					delete(hub.clients, client.UserID)
				}
				logrus.WithField("user_id", client.UserID).Debug("websocket client unregistered")
			}

		case message := <-hub.broadcast:
			hub.broadcastMessage(message)

		case <-hub.done:
			return
		}
	}
}

func (hub *WebSocketHub) broadcastMessage(message *Message) {
	for client := range hub.clients[message.UserID] {
		if err := client.send(message); err != nil {
			logrus.WithError(err).WithField("user_id", message.UserID).Debug("websocket write failed")
		}
	}
}
