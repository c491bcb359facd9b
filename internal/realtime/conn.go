package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4 << 20
	sendBufferSize = 64
)

// Authenticator resolves the principal behind an upgrade request.
type Authenticator func(r *http.Request) (principal string, err error)

// Authorizer decides whether principal may join the workspace room.
type Authorizer func(ctx context.Context, principal, workspaceID string) error

// Handler upgrades authenticated requests to websocket connections and
// serves the join/leave/relay protocol on them.
type Handler struct {
	hub          *Hub
	authenticate Authenticator
	authorize    Authorizer
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

func NewHandler(hub *Hub, authenticate Authenticator, authorize Authorizer, allowedOrigin string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:          hub,
		authenticate: authenticate,
		authorize:    authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		principal: principal,
		ws:        ws,
		send:      make(chan Frame, sendBufferSize),
		done:      make(chan struct{}),
	}
	logger := h.logger.With().Str("conn_id", c.id).Str("principal", principal).Logger()
	logger.Debug().Msg("connection opened")

	go c.writeLoop(logger)
	c.readLoop(r.Context(), h, logger)

	h.hub.Disconnect(c)
	c.close()
	logger.Debug().Msg("connection closed")
}

type conn struct {
	id        string
	principal string
	ws        *websocket.Conn
	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) readLoop(ctx context.Context, h *Handler, logger zerolog.Logger) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read failed")
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.Send(Frame{Type: TypeError, Error: "invalid JSON frame"})
				continue
			}
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				c.Send(Frame{Type: TypeError, Error: "invalid frame"})
				continue
			}
			return
		}
		c.handle(ctx, h, frame, logger)
	}
}

func (c *conn) handle(ctx context.Context, h *Handler, frame Frame, logger zerolog.Logger) {
	workspaceID := strings.TrimSpace(frame.ID)
	if workspaceID == "" && frame.Type != "" {
		c.Send(Frame{Type: TypeError, Error: "id is required"})
		return
	}

	switch frame.Type {
	case TypeJoin:
		if err := h.authorize(ctx, c.principal, workspaceID); err != nil {
			logger.Debug().Err(err).Str("workspace_id", workspaceID).Msg("join refused")
			c.Send(Frame{Type: TypeError, ID: workspaceID, Error: "workspace not found"})
			return
		}
		h.hub.Join(c, workspaceID)
		c.Send(Frame{Type: TypeJoined, ID: workspaceID})
	case TypeLeave:
		h.hub.Leave(c, workspaceID)
		c.Send(Frame{Type: TypeLeft, ID: workspaceID})
	case TypeRelayUpdate:
		if err := h.hub.Relay(ctx, c, workspaceID, frame.Patch); err != nil {
			c.Send(Frame{Type: TypeError, ID: workspaceID, Error: err.Error()})
		}
	default:
		c.Send(Frame{Type: TypeError, ID: workspaceID, Error: "unknown message type"})
	}
}

func (c *conn) writeLoop(logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		return strings.EqualFold(origin, allowed)
	}
}
