// Package ws is the WebSocket front end: it authenticates connects, registers
// connections, answers built-in frames and hands everything else to the
// message handler registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notifyhub/internal/auth"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/handler"
	"notifyhub/internal/registry"
	"notifyhub/internal/session"
	"notifyhub/pkg/logx"
)

// System frame types.
const (
	TypeConnection = "connection"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

type Config struct {
	Path            string
	ServerID        string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Deps are the collaborators of a Server. Tracker and Bus may be nil.
type Deps struct {
	Auth       auth.Authenticator
	Registry   *registry.Registry
	Handlers   *handler.Registry
	Tracker    *session.Tracker
	SessionTTL time.Duration
	Bus        eventbus.Bus
}

type Server struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	log      logx.Logger
	warn     *logx.Throttle
	now      func() time.Time

	active sync.WaitGroup
}

func NewServer(cfg Config, deps Deps, log logx.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "ws")),
		warn: logx.NewThrottle(time.Minute, 3),
		now:  time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler mounts the server on its configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
			return true
		}
	}
	return false
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logx.Err(err))
		return
	}
	s.active.Add(1)
	defer s.active.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(uuid.NewString(), wsConn, s.cfg.WriteTimeout)
	ident, err := s.deps.Auth.Authenticate(ctx, r.URL.Query().Get("token"))
	if err != nil {
		reason := "Invalid token"
		if errors.Is(err, auth.ErrMissingToken) {
			reason = "Missing token"
		}
		s.log.Info("connect rejected", logx.String("reason", reason), logx.String("remote", r.RemoteAddr))
		_ = c.closeWith(websocket.ClosePolicyViolation, reason)
		return
	}

	info, err := s.deps.Registry.Register(c.id, ident.UserID, ident.Groups, c)
	if err != nil {
		s.log.Error("register failed", logx.Err(err))
		_ = c.closeWith(websocket.CloseInternalServerErr, "register failed")
		return
	}
	log := s.log.With(logx.String("conn", c.id), logx.String("user", ident.UserID))
	defer s.disconnect(c, log)

	s.connected(ctx, c, log)
	log.Info("user connected", logx.Strings("groups", info.Groups))

	frame, _ := dispatch.Encode(TypeConnection, map[string]string{
		"status":        "connected",
		"user_id":       ident.UserID,
		"connection_id": c.id,
	}, s.now())
	if err := c.Send(ctx, frame); err != nil {
		return
	}

	if s.cfg.PingInterval > 0 {
		go s.pingLoop(ctx, c, log)
	}
	s.readLoop(ctx, c, wsConn, ident.UserID, log)
}

func (s *Server) connected(ctx context.Context, c *conn, log logx.Logger) {
	if s.deps.Tracker != nil {
		if err := s.deps.Tracker.RegisterClient(ctx, c.id, s.cfg.ServerID, s.deps.SessionTTL); err != nil && s.warn.Allow("register") {
			log.Warn("session register failed", logx.Err(err))
		}
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ConnectionOpened, Data: c.id})
	}
}

func (s *Server) disconnect(c *conn, log logx.Logger) {
	_ = c.Close()
	s.deps.Registry.UnregisterConn(c.id, c)
	if s.deps.Tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.deps.Tracker.UnregisterClient(ctx, c.id); err != nil && s.warn.Allow("unregister") {
			log.Warn("session unregister failed", logx.Err(err))
		}
		cancel()
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ConnectionClosed, Data: c.id})
	}
	log.Info("user disconnected")
}

func (s *Server) readWait() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 0
	}
	return 2 * s.cfg.PingInterval
}

func (s *Server) extendRead(ws *websocket.Conn) {
	if d := s.readWait(); d > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(d))
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn, ws *websocket.Conn, userID string, log logx.Logger) {
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	s.extendRead(ws)
	ws.SetPongHandler(func(string) error {
		s.extendRead(ws)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("read failed", logx.Err(err))
			}
			return
		}
		s.extendRead(ws)

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(ctx, c, TypeError, map[string]string{"message": "Invalid JSON"})
			continue
		}
		if msg.Type == TypePing {
			s.reply(ctx, c, TypePong, msg.Payload)
			continue
		}

		_, err = s.deps.Handlers.Dispatch(ctx, handler.Message{
			Type:         msg.Type,
			Payload:      msg.Payload,
			UserID:       userID,
			ConnectionID: c.id,
		})
		if err != nil {
			log.Warn("handler failed", logx.String("type", msg.Type), logx.Err(err))
			s.reply(ctx, c, TypeError, map[string]string{"message": "Handler failed", "type": msg.Type})
		}
	}
}

func (s *Server) reply(ctx context.Context, c *conn, messageType string, payload any) {
	frame, err := dispatch.Encode(messageType, payload, s.now())
	if err != nil {
		return
	}
	_ = c.Send(ctx, frame)
}

func (s *Server) pingLoop(ctx context.Context, c *conn, log logx.Logger) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				log.Debug("ping failed", logx.Err(err))
				_ = c.Close()
				return
			}
		}
	}
}

// IsLocal reports whether connID is connected to this instance.
func (s *Server) IsLocal(connID string) bool {
	_, _, ok := s.deps.Registry.Lookup(connID)
	return ok
}

// SendTo writes an encoded frame to one local connection.
func (s *Server) SendTo(ctx context.Context, connID string, frame []byte) error {
	c, _, ok := s.deps.Registry.Lookup(connID)
	if !ok {
		return errConnClosed
	}
	if err := c.Send(ctx, frame); err != nil {
		_ = c.Close()
		s.deps.Registry.UnregisterConn(connID, c)
		return err
	}
	return nil
}

// Shutdown closes every connection and waits for their handlers to finish
// cleanup until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.deps.Registry.CloseAll()
	s.log.Info("closing connections", logx.Int("count", n))

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
