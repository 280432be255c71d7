// internal/handler/websocket_types.go
package handler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client represents a WebSocket stream client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan Frame      `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// Frame is one queued outbound WebSocket message
type Frame struct {
	Kind int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// WebSocketMessage represents an outbound JSON message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ClientMessage represents an inbound JSON message
type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ConnectionManager tracks stream clients and fans frames out to them.
// It is the link consumer: OnData broadcasts each inbound chunk as a binary frame.
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
	closed  bool
	logger  *zap.Logger

	chunks  int64
	evicted int64
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
		logger:  logger.With(zap.String("component", "stream_hub")),
	}
}

// Register registers a new client; it reports false once the manager is closed
func (cm *ConnectionManager) Register(client *Client) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.closed {
		return false
	}
	cm.clients[client.ID] = client
	return true
}

// Unregister removes a client and closes its send queue
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.remove(client)
}

func (cm *ConnectionManager) remove(client *Client) {
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// SendTo queues a frame for one client without blocking
func (cm *ConnectionManager) SendTo(client *Client, frame Frame) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}

	select {
	case client.Send <- frame:
		return true
	default:
		cm.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
		return false
	}
}

// Broadcast queues a frame for every client. A client whose queue is full
// is disconnected so it never sees a stream with gaps.
func (cm *ConnectionManager) Broadcast(frame Frame) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for _, client := range cm.clients {
		select {
		case client.Send <- frame:
		default:
			cm.logger.Warn("Client too slow, disconnecting",
				zap.String("client_id", client.ID),
			)
			cm.evicted++
			cm.remove(client)
		}
	}
}

// OnData broadcasts an inbound chunk as a binary frame
func (cm *ConnectionManager) OnData(chunk []byte) {
	cm.mutex.Lock()
	cm.chunks++
	cm.mutex.Unlock()

	cm.Broadcast(Frame{Kind: websocket.BinaryMessage, Data: chunk})
}

// Close disconnects every client and rejects new ones
func (cm *ConnectionManager) Close() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.closed = true
	for _, client := range cm.clients {
		cm.remove(client)
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ChunksBroadcast:  cm.chunks,
		SlowClients:      cm.evicted,
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	ChunksBroadcast  int64     `json:"chunks_broadcast"`
	SlowClients      int64     `json:"slow_clients"`
	Clients          []*Client `json:"clients"`
}
