// Package gateway terminates WebSocket connections: origin and rate-limit
// checks, the auth handshake, the upgrade itself, and routing of decoded
// protocol messages into the hub and rooms.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/hub"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/ratelimit"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

// Subprotocol is the WebSocket subprotocol this service speaks.
const Subprotocol = "quiz-protocol"

// authTimeout bounds how long an upgraded connection may take to present a
// valid token before it is closed.
const authTimeout = 5 * time.Second

var (
	errClientClosed  = errors.New("gateway: client closed")
	errSendQueueFull = errors.New("gateway: send queue full")
)

// Gateway owns the /ws endpoint.
type Gateway struct {
	hub       *hub.Hub
	repo      repository.Store
	validator types.TokenValidator
	limiter   *ratelimit.RateLimiter
	upgrader  websocket.Upgrader
}

// New builds a Gateway. allowedOrigins drives the upgrade origin check;
// limiter may be nil in tests.
func New(h *hub.Hub, repo repository.Store, validator types.TokenValidator, limiter *ratelimit.RateLimiter, allowedOrigins []string) *Gateway {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}

	return &Gateway{
		hub:       h,
		repo:      repo,
		validator: validator,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients send no Origin; tokens still gate access.
					return true
				}
				_, ok := originSet[origin]
				return ok
			},
		},
	}
}

// ServeWs handles GET /ws. The token arrives as a query parameter; the
// connection is upgraded first and closed with 1008 when authentication
// fails, so clients always get a WebSocket-level close code.
func (g *Gateway) ServeWs(c *gin.Context) {
	if g.limiter != nil && !g.limiter.CheckWebSocket(c) {
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))

	token := c.Query("token")
	if token == "" {
		closeAndDrop(conn, websocket.ClosePolicyViolation, "missing token")
		return
	}

	claims, err := g.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket auth failed", zap.Error(err))
		closeAndDrop(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	userID := types.UserIDType(claims.Subject)
	if g.limiter != nil {
		if err := g.limiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			closeAndDrop(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
	}

	client := newClient(conn, g, userID, types.DisplayNameType(claims.DisplayName()))
	g.hub.Register(client)
	metrics.IncConnection()

	logging.Info(c.Request.Context(), "websocket connected", zap.String("user_id", claims.Subject))

	go client.writePump()
	go client.readPump()
}

func closeAndDrop(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// dispatch routes one decoded message. Errors never tear the connection
// down; they come back to the sender as error frames.
func (g *Gateway) dispatch(c *Client, msg *protocol.Message, payload protocol.ClientPayload) {
	switch p := payload.(type) {
	case protocol.CreateRoomPayload:
		g.handleCreateRoom(c, p)
	case protocol.JoinPayload:
		g.handleJoin(c, p)
	case protocol.StartPayload:
		g.withRoom(c, func(r roomHandle) { r.Start(c.userID) })
	case protocol.AnswerPayload:
		g.withRoom(c, func(r roomHandle) { r.Answer(c.userID, p.QuestionIndex, p.Choice) })
	case protocol.LeavePayload:
		g.withRoom(c, func(r roomHandle) {
			r.Leave(c.userID)
			c.setRoom(nil)
		})
	case protocol.KickPayload:
		g.withRoom(c, func(r roomHandle) { r.Kick(c.userID, types.UserIDType(p.UserID), p.Reason) })
	case protocol.PingPayload:
		_ = c.Send(protocol.MustMessage(protocol.TypePong, protocol.PongPayload{Timestamp: p.Timestamp}))
	case protocol.PongPayload:
		// Already counted by resetMissedPings in the read pump.
	default:
		_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeValidation, "unsupported message type"))
	}
}

// roomHandle is the slice of the room API dispatch needs; it keeps the
// closure signatures honest in tests.
type roomHandle interface {
	Start(userID types.UserIDType) bool
	Answer(userID types.UserIDType, questionIndex int, choice string) bool
	Leave(userID types.UserIDType) bool
	Kick(requesterID, targetID types.UserIDType, reason string) bool
}

func (g *Gateway) withRoom(c *Client, fn func(roomHandle)) {
	r := c.Room()
	if r == nil {
		_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "not in a room"))
		return
	}
	fn(r)
}

func (g *Gateway) handleCreateRoom(c *Client, p protocol.CreateRoomPayload) {
	if c.Room() != nil {
		_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "already in a room"))
		return
	}

	ctx := g.requestCtx(c)
	r, err := g.hub.CreateRoom(ctx, p.QuizID, c.userID, p.Settings)
	if err != nil {
		logging.Error(ctx, "room creation failed", zap.Error(err))
		_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "could not create room"))
		return
	}

	if r.Join(c.userID, string(c.displayName)) {
		c.setRoom(r)
	}
}

func (g *Gateway) handleJoin(c *Client, p protocol.JoinPayload) {
	ctx := g.requestCtx(c)

	row, err := g.repo.LookupRoomByPIN(ctx, p.PIN)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeNotFound, "no room with that pin"))
		} else {
			logging.Error(ctx, "pin lookup failed", zap.Error(err))
			_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "could not join room"))
		}
		return
	}

	r, err := g.hub.GetOrLoadRoom(ctx, types.RoomIDType(row.ID))
	if err != nil {
		logging.Error(ctx, "room load failed", zap.Error(err), zap.String("room_id", row.ID))
		_ = c.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "could not join room"))
		return
	}

	displayName := p.DisplayName
	if displayName == "" {
		displayName = string(c.displayName)
	}

	// Bind the connection only once the room has accepted the join; a
	// rejected join must leave the client roomless.
	if r.Join(c.userID, displayName) {
		c.setRoom(r)
	}
}

func (g *Gateway) requestCtx(c *Client) context.Context {
	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.userID))
	return ctx
}
