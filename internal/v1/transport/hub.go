// Package transport owns the WebSocket edge: authentication, upgrade, the
// per-connection read/write pumps, and routing of inbound envelopes into the
// lifecycle coordinator. Everything below this package is transport-agnostic.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/coordinator"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/ratelimit"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// Hub accepts WebSocket connections and feeds their events into the
// coordinator. It owns no room state; its only registry is the set of live
// connections, kept for shutdown.
type Hub struct {
	coord       *coordinator.Coordinator
	channels    *channels.Registry
	validator   types.TokenValidator
	rateLimiter *ratelimit.RateLimiter
	devMode     bool

	mu      sync.Mutex
	clients map[types.ConnIdType]*Client
}

// NewHub wires the transport edge. rateLimiter may be nil in tests.
func NewHub(coord *coordinator.Coordinator, channelReg *channels.Registry, validator types.TokenValidator, rateLimiter *ratelimit.RateLimiter, devMode bool) *Hub {
	return &Hub{
		coord:       coord,
		channels:    channelReg,
		validator:   validator,
		rateLimiter: rateLimiter,
		devMode:     devMode,
		clients:     make(map[types.ConnIdType]*Client),
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response written by CheckWebSocket
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection registers an established connection and starts its pumps.
// Every connection joins the lobby monitor; room membership follows from the
// events the client sends.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	username := c.Query("username")

	client := &Client{
		conn:        conn,
		hub:         h,
		id:          types.ConnIdType(uuid.New().String()),
		userId:      types.UserIdType(claims.Subject),
		displayName: displayNameFrom(claims, username),
		send:        make(chan []byte, sendQueueSize),
	}
	if h.devMode && username != "" {
		// Dev mode: distinct browser tabs act as distinct users.
		client.userId = types.UserIdType(username)
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.channels.Global().Attach(client, types.RoleTypeAudience)
	metrics.IncConnection()

	logging.Info(c.Request.Context(), "Client connected",
		zap.String("connId", string(client.id)),
		zap.String("userId", string(client.userId)))

	go client.writePump()
	go client.readPump()
}

// route dispatches one inbound envelope to the coordinator operation named by
// its event. Malformed payloads are dropped; the coordinator decides what is
// an error worth telling the client about.
func (h *Hub) route(c *Client, raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logging.Warn(context.Background(), "Malformed envelope",
			zap.String("connId", string(c.id)), zap.Error(err))
		metrics.WebsocketEvents.WithLabelValues("malformed", "error").Inc()
		return
	}

	start := time.Now()
	status := "ok"

	switch env.Event {
	case types.EventCreateRoom:
		var p types.CreateRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		// Token identity is advisory; the payload id wins when present.
		if p.UserId == "" {
			p.UserId = c.userId
		}
		if p.Username == "" {
			p.Username = string(c.displayName)
		}
		_, _, _ = h.coord.CreateRoom(c, p)

	case types.EventJoinRoom:
		var p types.JoinRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		if p.UserId == "" {
			p.UserId = c.userId
		}
		if p.Username == "" {
			p.Username = string(c.displayName)
		}
		h.coord.JoinRoom(c, p)

	case types.EventLeaveRoom:
		h.coord.LeaveRoom(c, true)

	case types.EventUpdateMetronome:
		var p types.UpdateMetronomePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.UpdateMetronome(c, p)

	case types.EventRequestMetronomeState:
		h.coord.RequestMetronomeState(c)

	case types.EventApproveMember:
		var p types.ApprovalDecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.ApproveMember(c, p)

	case types.EventRejectMember:
		var p types.ApprovalDecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.RejectMember(c, p)

	case types.EventSetReady:
		var p types.SetReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.SetReady(c, p)

	case types.EventUpdateInstrument:
		var p types.UpdateInstrumentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.UpdateInstrument(c, p)

	case types.EventSendSynthParams:
		var p types.SendSynthParamsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			status = "error"
			break
		}
		h.coord.SendSynthParams(c, p)

	default:
		logging.Warn(context.Background(), "Unknown event",
			zap.String("connId", string(c.id)), zap.String("event", string(env.Event)))
		status = "unknown"
	}

	metrics.WebsocketEvents.WithLabelValues(string(env.Event), status).Inc()
	metrics.MessageProcessingDuration.WithLabelValues(string(env.Event)).Observe(time.Since(start).Seconds())
}

// handleDisconnect runs exactly once per connection, when its read pump
// exits. The coordinator treats it as an unintentional departure, which
// starts the grace window for whatever room the session was in.
func (h *Hub) handleDisconnect(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.coord.LeaveRoom(c, false)
	h.channels.DetachEverywhere(c.id)
	c.Close()

	logging.Info(context.Background(), "Client disconnected",
		zap.String("connId", string(c.id)),
		zap.String("userId", string(c.userId)))
}

// Shutdown closes every live connection. Pump goroutines exit as their
// connections die.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	logging.Info(ctx, "All client connections closed", zap.Int("count", len(clients)))
	return nil
}
