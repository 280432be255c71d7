// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"usblink-service/internal/service"
	"usblink-service/internal/utils"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	commandTimeout = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// WebSocketHandler serves the link stream: inbound chunks and link events out,
// outbound writes and link commands in
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	link        LinkController
	logger      *utils.ServiceLogger

	mu      sync.Mutex
	closing bool
	workers sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler. An empty origin list
// accepts any origin.
func NewWebSocketHandler(link LinkController, connections *ConnectionManager, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections: connections,
		link:        link,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stream", h.HandleStream)
}

// HandleStream upgrades a link stream connection
func (h *WebSocketHandler) HandleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan Frame, sendQueueSize),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.reject(conn)
		return
	}
	h.workers.Add(2)
	h.mu.Unlock()

	if !h.connections.Register(client) {
		h.workers.Add(-2)
		h.reject(conn)
		return
	}

	h.logger.Info("Stream client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "status",
		Data:      h.link.Status(),
		Timestamp: time.Now(),
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// ForwardEvents relays link events to every client as JSON text frames
// until ctx is cancelled or the event stream ends
func (h *WebSocketHandler) ForwardEvents(ctx context.Context) {
	id, events := h.link.Subscribe()
	defer h.link.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.broadcastMessage(&WebSocketMessage{
				Type:      "event",
				Data:      event,
				Timestamp: event.Timestamp,
			})
		}
	}
}

func (h *WebSocketHandler) reject(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(writeWait))
	conn.Close()
}

// Close disconnects every client and waits for their goroutines
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.connections.Close()
	h.workers.Wait()
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.workers.Done()
		h.logger.Info("Stream client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadLimit(maxMessageSize)
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, payload, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		if kind == websocket.BinaryMessage {
			if err := h.link.Send(payload); err != nil {
				h.sendError(client, "", err)
			}
			continue
		}

		var message ClientMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			h.sendError(client, "", errors.New("invalid message"))
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing frames to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
		h.workers.Done()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(frame.Kind, frame.Data); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client commands
func (h *WebSocketHandler) handleClientMessage(client *Client, message *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch message.Type {
	case "connect":
		attemptID, err := h.link.Connect(ctx)
		if err != nil && !errors.Is(err, service.ErrAttemptInFlight) {
			h.sendError(client, message.RequestID, err)
			return
		}
		h.reply(client, message, gin.H{
			"attempt_id":  attemptID,
			"in_progress": errors.Is(err, service.ErrAttemptInFlight),
		})

	case "disconnect":
		if err := h.link.Disconnect(ctx); err != nil {
			h.sendError(client, message.RequestID, err)
			return
		}
		h.reply(client, message, h.link.Status())

	case "permission":
		var req PermissionRequest
		if err := json.Unmarshal(message.Data, &req); err != nil || req.Granted == nil {
			h.sendError(client, message.RequestID, errors.New("permission requires data.granted"))
			return
		}
		resolved, err := h.link.ResolvePermission(ctx, *req.Granted)
		if err != nil {
			h.sendError(client, message.RequestID, err)
			return
		}
		h.reply(client, message, gin.H{"granted": *req.Granted, "resolved": resolved})

	case "send":
		var req SendRequest
		if err := json.Unmarshal(message.Data, &req); err != nil {
			h.sendError(client, message.RequestID, errors.New("send requires data.data"))
			return
		}
		data, err := decodePayload(req.Data, req.Encoding)
		if err != nil {
			h.sendError(client, message.RequestID, err)
			return
		}
		if err := h.link.Send(data); err != nil {
			h.sendError(client, message.RequestID, err)
			return
		}
		h.reply(client, message, gin.H{"bytes": len(data)})

	case "status":
		h.reply(client, message, h.link.Status())

	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})

	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, message.RequestID, errors.New("unknown message type: "+message.Type))
	}
}

func (h *WebSocketHandler) reply(client *Client, request *ClientMessage, data interface{}) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      request.Type,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: request.RequestID,
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	h.connections.SendTo(client, Frame{Kind: websocket.TextMessage, Data: messageBytes})
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID string, err error) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      gin.H{"error": err.Error()},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// broadcastMessage sends a message to every client
func (h *WebSocketHandler) broadcastMessage(message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.connections.Broadcast(Frame{Kind: websocket.TextMessage, Data: messageBytes})
}

var _ service.Consumer = (*ConnectionManager)(nil)
