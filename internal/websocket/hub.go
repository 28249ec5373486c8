package websocket

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
)

// Hub maintains the set of active clients and routes fleet events to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound events awaiting delivery
	broadcast chan Message

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Logger
	logger *logrus.Logger

	// Prometheus collector, may be nil
	metrics *metrics.Collector

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Statistics
	stats *HubStats
}

// HubStats contains hub statistics
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	TotalConnections int64     `json:"total_connections"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	LastActivity     time.Time `json:"last_activity"`
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logrus.Logger, collector *metrics.Collector) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		metrics:    collector,
		stats: &HubStats{
			LastActivity: time.Now(),
		},
	}
}

// Run starts the hub and handles client registration/unregistration and broadcasting
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.deliver(message)

		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

// Publish queues an event for delivery. Events are dropped rather than
// blocking the publisher when the queue is full.
func (h *Hub) Publish(message Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("message_type", message.Type).Warn("Event queue full, message dropped")
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ConnectedClients = len(h.clients)
	h.stats.LastActivity = time.Now()
	connected := len(h.clients)
	h.mu.Unlock()

	h.metrics.RecordWebSocketConnect(true)
	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"remote_addr":       client.RemoteAddr,
		"connected_clients": connected,
	}).Info("Event stream client connected")

	welcome := Message{
		Type: MessageTypeConnection,
		Data: map[string]interface{}{
			"status":    "connected",
			"client_id": client.ID,
			"topics":    []string{TopicDevices, TopicDiscovery, TopicOperations, TopicGroups},
		},
	}
	client.send <- welcome.ToJSON()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
		h.stats.ConnectedClients = len(h.clients)
		h.stats.LastActivity = time.Now()
	}
	connected := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.RecordWebSocketConnect(false)
		h.logger.WithFields(logrus.Fields{
			"client_id":         client.ID,
			"connected_clients": connected,
		}).Info("Event stream client disconnected")
	}
}

// deliver sends one event to every client subscribed to its topic. A full
// send buffer disconnects the client rather than stalling the hub.
func (h *Hub) deliver(message Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	data := message.ToJSON()
	sent := 0
	for _, client := range clients {
		if message.Topic != "" && !client.wantsTopic(message.Topic) {
			continue
		}
		select {
		case client.send <- data:
			sent++
		default:
			go func(c *Client) { h.unregister <- c }(client)
		}
	}

	h.mu.Lock()
	h.stats.MessagesSent += int64(sent)
	h.stats.LastActivity = time.Now()
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"message_type": message.Type,
		"topic":        message.Topic,
		"clients_sent": sent,
	}).Debug("Event delivered to stream clients")
}

func (h *Hub) sendHeartbeat() {
	h.deliver(Message{
		Type: MessageTypeHeartbeat,
		Data: map[string]interface{}{
			"clients": h.ClientCount(),
		},
	})
}

func (h *Hub) noteReceived() {
	h.mu.Lock()
	h.stats.MessagesReceived++
	h.stats.LastActivity = time.Now()
	h.mu.Unlock()
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() *HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statsCopy := *h.stats
	statsCopy.ConnectedClients = len(h.clients)
	return &statsCopy
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
