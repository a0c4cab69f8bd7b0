// Package ws serves the client WebSocket endpoint: it authenticates the
// upgrade, registers a session with the engine and runs the read loop.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/protocol"
	logx "batchmon/pkg/logx"
)

// Engine is the part of the broadcast engine the endpoint drives.
type Engine interface {
	Connect(id, userID string, roles acl.Roles, codec protocol.Codec, sender registry.Sender) (*registry.Session, error)
	Disconnect(sessionID, reason string) bool
	Subscribe(sessionID string, topics, entities []string, adaptiveMode bool) ([]string, error)
	Unsubscribe(sessionID string, topics []string) ([]string, error)
	Heartbeat(sessionID string) error
	Send(ctx context.Context, sessionID string, msg any) error
	HeartbeatInterval() time.Duration
}

type Config struct {
	// ReadLimit caps one inbound message in bytes.
	ReadLimit int64
	// InboundRate and InboundBurst throttle client messages per connection.
	InboundRate  float64
	InboundBurst int
	// AllowedOrigins empty means same-origin only; "*" allows all.
	AllowedOrigins []string
	// CloseGrace bounds the close handshake on disconnect.
	CloseGrace time.Duration
	// ControlTimeout bounds replies written from the read loop.
	ControlTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = time.Second
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 2 * time.Second
	}
	return c
}

type Handler struct {
	cfg      Config
	engine   Engine
	auth     Authenticator
	log      logx.Logger
	upgrader websocket.Upgrader
	warn     *logx.Throttle
}

func NewHandler(cfg Config, engine Engine, auth Authenticator, log logx.Logger) *Handler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		cfg:    cfg,
		engine: engine,
		auth:   auth,
		log:    log.With(logx.String("comp", "ws")),
		warn:   logx.NewThrottle(10 * time.Second),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{protocol.SubprotocolCBOR, protocol.SubprotocolJSON},
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Debug("upgrade rejected", logx.String("remote", r.RemoteAddr), logx.Err(err))
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	codec := protocol.CodecFor(wsc.Subprotocol())
	c := newConn(wsc, codec.Binary(), h.cfg.CloseGrace)

	sess, err := h.engine.Connect("", id.UserID, id.Roles, codec, c)
	if err != nil {
		h.log.Error("session register failed", logx.String("user", id.UserID), logx.Err(err))
		_ = c.Close()
		return
	}
	log := h.log.With(logx.String("session", sess.ID), logx.String("user", id.UserID))
	log.Info("client connected",
		logx.Strings("roles", id.Roles.Strings()),
		logx.String("codec", codec.Name()),
		logx.String("remote", r.RemoteAddr),
	)

	greeting := protocol.NewConnected(sess.ID, h.engine.HeartbeatInterval())
	if err := h.reply(sess.ID, greeting); err != nil {
		log.Debug("greeting failed", logx.Err(err))
	}

	reason := h.readLoop(wsc, sess, codec, log)
	if h.engine.Disconnect(sess.ID, reason) {
		log.Info("client disconnected", logx.String("reason", reason))
	}
}

func (h *Handler) readLoop(wsc *websocket.Conn, sess *registry.Session, codec protocol.Codec, log logx.Logger) string {
	wsc.SetReadLimit(h.cfg.ReadLimit)
	lim := rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)

	for {
		_, data, err := wsc.ReadMessage()
		if err != nil {
			if sess.Closed() {
				return registry.ReasonSendFailed
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.warn.Do(func() { log.Warn("read failed", logx.Err(err)) })
			}
			return registry.ReasonClientClosed
		}
		if !lim.Allow() {
			_ = h.reply(sess.ID, protocol.NewError("rate limit exceeded"))
			continue
		}

		in, err := codec.Decode(data)
		if err != nil {
			var pe *protocol.ProtocolError
			msg := "malformed message"
			if errors.As(err, &pe) {
				msg = pe.Message
			}
			log.Debug("protocol error", logx.Err(err))
			_ = h.reply(sess.ID, protocol.NewError(msg))
			continue
		}
		h.handle(sess, in, log)
	}
}

func (h *Handler) handle(sess *registry.Session, in protocol.Inbound, log logx.Logger) {
	switch in.Type {
	case protocol.TypeSubscribe:
		got, err := h.engine.Subscribe(sess.ID, in.Topics, in.ExecutionIDs, in.Adaptive())
		if err != nil {
			_ = h.reply(sess.ID, protocol.NewError("subscribe failed"))
			return
		}
		log.Debug("subscribed", logx.Strings("requested", in.Topics), logx.Strings("granted", got))
		_ = h.reply(sess.ID, protocol.NewSubscriptionConfirmed(got))
	case protocol.TypeUnsubscribe:
		got, err := h.engine.Unsubscribe(sess.ID, in.Topics)
		if err != nil {
			_ = h.reply(sess.ID, protocol.NewError("unsubscribe failed"))
			return
		}
		_ = h.reply(sess.ID, protocol.NewUnsubscribeConfirmed(got))
	case protocol.TypeHeartbeat:
		_ = h.engine.Heartbeat(sess.ID)
		ack := protocol.NewHeartbeatAck(time.Now())
		if in.Timestamp != 0 {
			ack.Timestamp = in.Timestamp
		}
		_ = h.reply(sess.ID, ack)
	}
}

func (h *Handler) reply(sessionID string, msg any) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ControlTimeout)
	defer cancel()
	return h.engine.Send(ctx, sessionID, msg)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
