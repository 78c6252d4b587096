package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/peerlink/internal/middleware"
	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub routes signaling events between the peers connected to this relay.
// It only forwards: session bytes never pass through it.
type Hub struct {
	presence presence.Store
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	// partners maps each peer to the peer it reported a live session with,
	// so a dropped websocket can be announced to the other side.
	partners map[string]string
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	Username string
	Conn     *websocket.Conn
	Send     chan []byte
}

func NewHub(store presence.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence: store,
		logger:   logger,
		clients:  make(map[string]*Client),
		partners: make(map[string]string),
	}
}

// HandleSignaling upgrades an authenticated request to the signaling socket.
// The relay assigns the peer identity; clients learn it from the welcome event.
func (h *Hub) HandleSignaling(c *gin.Context) {
	username := c.GetString(middleware.ContextUsername)
	if username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	client := &Client{
		ID:       uuid.New().String(),
		Username: username,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
	}

	h.register(client)

	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.presence.Add(ctx, models.OnlineUser{
		PeerID:   client.ID,
		Username: username,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		h.logger.Error("failed to record presence", "peer", client.ID, "err", err)
	}

	h.logger.Info("peer connected", "peer", client.ID, "username", username)

	client.sendMessage(h.logger, models.SignalMessage{
		Type:     models.SignalTypeWelcome,
		PeerID:   client.ID,
		Username: username,
	})
	h.broadcast(models.SignalMessage{
		Type:     models.SignalTypeJoin,
		From:     client.ID,
		Username: username,
	}, client.ID)

	go client.writePump()
	go h.readPump(ctx, client)
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// unregister removes client and returns the partner it had a session with.
func (h *Hub) unregister(client *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, client.ID)
	partner := h.partners[client.ID]
	delete(h.partners, client.ID)
	if partner != "" && h.partners[partner] == client.ID {
		delete(h.partners, partner)
	}
	close(client.Send)
	return partner
}

func (h *Hub) setPartners(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partners[a] = b
	h.partners[b] = a
}

func (h *Hub) clearPartners(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.partners[a] == b {
		delete(h.partners, a)
	}
	if h.partners[b] == a {
		delete(h.partners, b)
	}
}

func (h *Hub) broadcast(msg models.SignalMessage, excludePeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for peerID, client := range h.clients {
		if peerID == excludePeerID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("dropping message, send buffer full", "peer", peerID)
		}
	}
}

// sendTo delivers msg to targetPeerID and reports whether the peer is known.
func (h *Hub) sendTo(msg models.SignalMessage, targetPeerID string) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "err", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[targetPeerID]
	if !exists {
		return false
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("dropping message, send buffer full", "peer", targetPeerID)
	}
	return true
}

// route forwards one inbound event, rewriting the addressing so the receiver
// sees the sender's relay identity.
func (h *Hub) route(from *Client, msg models.SignalMessage) {
	target := msg.Target()
	if target == "" {
		h.replyError(from, "", "missing target peer")
		return
	}
	if target == from.ID {
		h.replyError(from, target, "cannot signal yourself")
		return
	}

	var out models.SignalMessage
	switch msg.Type {
	case models.SignalTypeRequestConnection, models.SignalTypeRequestVideoCall:
		out = models.SignalMessage{Type: msg.Type, From: from.ID, Username: from.Username}

	case models.SignalTypeConnectionAccepted, models.SignalTypeConnectionRejected,
		models.SignalTypeVideoCallAccepted, models.SignalTypeVideoCallRejected:
		out = models.SignalMessage{Type: msg.Type, From: from.ID}

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		out = models.SignalMessage{Type: msg.Type, From: from.ID, SDP: msg.SDP, Candidate: msg.Candidate}

	case models.SignalTypeConnectionSuccessful:
		// Both ends learn that the session is up.
		h.setPartners(from.ID, target)
		h.sendTo(models.SignalMessage{Type: msg.Type, Remote: target}, from.ID)
		out = models.SignalMessage{Type: msg.Type, Remote: from.ID}

	case models.SignalTypePeerDisconnected:
		h.clearPartners(from.ID, target)
		out = models.SignalMessage{Type: msg.Type, Remote: from.ID}

	default:
		h.logger.Warn("unknown message type", "peer", from.ID, "type", msg.Type)
		h.replyError(from, target, "unknown message type")
		return
	}

	if !h.sendTo(out, target) {
		h.logger.Info("target peer not found", "peer", from.ID, "target", target, "type", msg.Type)
		h.replyError(from, target, "peer not found")
	}
}

func (h *Hub) replyError(to *Client, remote, reason string) {
	h.sendTo(models.SignalMessage{
		Type:   models.SignalTypeError,
		Remote: remote,
		Error:  reason,
	}, to.ID)
}

func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer func() {
		partner := h.unregister(c)
		c.Conn.Close()

		if err := h.presence.Remove(ctx, c.ID); err != nil {
			h.logger.Error("failed to remove presence", "peer", c.ID, "err", err)
		}

		if partner != "" {
			h.sendTo(models.SignalMessage{
				Type:   models.SignalTypePeerDisconnected,
				Remote: c.ID,
			}, partner)
		}
		h.broadcast(models.SignalMessage{
			Type:     models.SignalTypeLeave,
			From:     c.ID,
			Username: c.Username,
		}, c.ID)

		h.logger.Info("peer left", "peer", c.ID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "peer", c.ID, "err", err)
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.logger.Warn("failed to parse message", "peer", c.ID, "err", err)
			h.replyError(c, "", "malformed message")
			continue
		}

		h.route(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(logger *slog.Logger, msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal message", "err", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		logger.Warn("dropping message, send buffer full", "peer", c.ID)
	}
}
