// Package relay is the websocket gateway: it upgrades client connections,
// decodes wire envelopes and routes them to presence and delivery. Signaling
// frames (video_offer, video_answer, ice_candidate) are relayed verbatim and
// best-effort; call recovery belongs to the endpoints, so the relay never
// retries them.
package relay

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/delivery"
	"github.com/chatlink/chatlink/internal/mailbox"
	"github.com/chatlink/chatlink/internal/presence"
	"github.com/chatlink/chatlink/internal/wire"
	"github.com/chatlink/chatlink/pkg/logger"
	"github.com/chatlink/chatlink/pkg/metrics"
)

// Gateway owns every live websocket and the routing between them.
type Gateway struct {
	registry *presence.Registry
	delivery *delivery.Service
	boxes    *mailbox.Store

	table    *connTable
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewGateway wires the gateway into the registry and delivery service.
func NewGateway(registry *presence.Registry, deliverySvc *delivery.Service, boxes *mailbox.Store) *Gateway {
	g := &Gateway{
		registry: registry,
		delivery: deliverySvc,
		boxes:    boxes,
		table:    newConnTable(),
		log:      logger.WithModule("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}

	registry.SetNotifier(g.broadcastStatus)
	deliverySvc.SetTransport(g)

	return g
}

// Serve upgrades the HTTP request and runs the connection loops. Blocks until
// the connection closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(g, socket, uuid.NewString())
	g.table.addConn(conn)

	go conn.writeLoop()
	conn.readLoop()
}

// Push implements delivery.Transport.
func (g *Gateway) Push(userID, event string, payload any) bool {
	conn, ok := g.table.byUser(userID)
	if !ok {
		return false
	}
	env, err := wire.NewEnvelope(event, 0, payload)
	if err != nil {
		g.log.Error("encode push", zap.String("event", event), zap.Error(err))
		return false
	}
	return conn.enqueue(env)
}

// dispatch routes one inbound envelope. Every branch either completes its
// update or leaves state untouched; a bad payload never half-applies.
func (g *Gateway) dispatch(c *connection, env wire.Envelope) {
	switch env.Event {
	case wire.EventRegister:
		g.handleRegister(c, env)
	case wire.EventHeartbeat:
		g.handleHeartbeat(c, env)
	case wire.EventSendMessage:
		g.handleSend(c, env)
	case wire.EventMessageAck:
		g.handleAck(c, env)
	case wire.EventVideoOffer, wire.EventVideoAnswer, wire.EventIceCandidate:
		g.relaySignal(c, env)
	default:
		g.log.Warn("unsupported event",
			zap.String("event", env.Event),
			zap.String("connection_id", c.id))
	}
}

func (g *Gateway) handleRegister(c *connection, env wire.Envelope) {
	var payload wire.RegisterPayload
	if err := env.Bind(&payload); err != nil {
		g.log.Warn("register: bad payload", zap.Error(err))
		return
	}
	if err := wire.Validate(payload); err != nil {
		g.log.Warn("register: invalid payload", zap.Error(err))
		return
	}

	c.userID = payload.UserID
	g.table.bindUser(c)
	g.boxes.Ensure(payload.UserID)

	snapshot := g.registry.Register(payload.UserID, payload.Username, c.id)

	if env, err := wire.NewEnvelope(wire.EventOnlineUsers, 0, snapshot); err == nil {
		c.enqueue(env)
	}

	var pending []wire.Message
	for _, msg := range g.boxes.For(payload.UserID) {
		if msg.RecipientID == payload.UserID {
			pending = append(pending, msg)
		}
	}
	if len(pending) > 0 {
		if env, err := wire.NewEnvelope(wire.EventPendingMessages, 0, pending); err == nil {
			c.enqueue(env)
		}
	}
}

func (g *Gateway) handleHeartbeat(c *connection, env wire.Envelope) {
	var payload wire.HeartbeatPayload
	if err := env.Bind(&payload); err != nil {
		return
	}
	g.registry.Heartbeat(payload.UserID)
}

func (g *Gateway) handleSend(c *connection, env wire.Envelope) {
	var msg wire.Message
	if err := env.Bind(&msg); err != nil {
		g.log.Warn("send_message: bad payload", zap.Error(err))
		return
	}
	msg.FillDefaults()
	if err := wire.Validate(msg); err != nil {
		g.log.Warn("send_message: invalid payload", zap.Error(err))
		return
	}

	seq := env.Seq
	g.delivery.Send(msg, func(result wire.SendResult) {
		reply, err := wire.NewEnvelope(wire.EventSendResult, seq, result)
		if err != nil {
			return
		}
		c.enqueue(reply)
	})
}

func (g *Gateway) handleAck(c *connection, env wire.Envelope) {
	var ack wire.AckPayload
	if err := env.Bind(&ack); err != nil {
		g.log.Warn("message_ack: bad payload", zap.Error(err))
		return
	}
	if err := wire.Validate(ack); err != nil {
		g.log.Warn("message_ack: invalid payload", zap.Error(err))
		return
	}
	g.delivery.HandleAck(ack)
}

// relaySignal forwards offer/answer/ICE blobs without interpreting them,
// substituting the sender id for the recipient id on the way through.
func (g *Gateway) relaySignal(c *connection, env wire.Envelope) {
	if c.userID == "" {
		g.log.Warn("signal from unregistered connection", zap.String("connection_id", c.id))
		return
	}

	var signal wire.SignalPayload
	if err := env.Bind(&signal); err != nil {
		g.log.Warn("signal: bad payload", zap.String("event", env.Event), zap.Error(err))
		return
	}

	target, ok := g.table.byUser(signal.RecipientID)
	if !ok {
		return
	}

	signal.SenderID = c.userID
	signal.RecipientID = ""

	out, err := wire.NewEnvelope(env.Event, 0, signal)
	if err != nil {
		return
	}
	if target.enqueue(out) {
		metrics.SignalFrames.WithLabelValues(env.Event).Inc()
	}
}

func (g *Gateway) broadcastStatus(status wire.UserStatus, exceptUserID string) {
	env, err := wire.NewEnvelope(wire.EventUserStatus, 0, status)
	if err != nil {
		return
	}
	for _, conn := range g.table.registered() {
		if exceptUserID != "" && conn.userID == exceptUserID {
			continue
		}
		conn.enqueue(env)
	}
}

func (g *Gateway) unregister(c *connection) {
	g.table.removeConn(c)
	g.registry.Disconnect(c.id)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
