// ABOUTME: WebSocket endpoint that streams session events to UI clients and accepts user input
// ABOUTME: Inbound frames are deduplicated by id so reconnecting clients can resend safely

package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/dedupe"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
)

const (
	sendBufferSize = 512
	frameIDTTL     = 10 * time.Minute
	frameIDMax     = 10_000
)

// Controller is the session surface the UI drives.
type Controller interface {
	ID() string
	SendUserMessage(ctx context.Context, text string) error
	HandleUserAction(ctx context.Context, a conversation.Action) error
	Cancel(ctx context.Context, reason string) (conversation.CancelResult, error)
}

// Subscriber hands out per-client event channels.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, string)
}

// Config wires a Server.
type Config struct {
	Session Controller
	Events  Subscriber
	// State renders the session view sent when a client connects.
	State func() any

	MaxMessageSize int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration

	Logger *slog.Logger
}

// Server handles UI WebSocket connections.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	seen     *dedupe.Cache[string]
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewServer creates a server. Zero durations take conservative defaults.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	return &Server{
		cfg: cfg,
		hub: NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway binds to loopback by default; origin checks belong
			// to whatever fronts it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		seen:   dedupe.New[string](frameIDTTL, frameIDMax),
		logger: cfg.Logger.With("component", "uibridge"),
	}
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	s.wg.Add(1)
	defer s.wg.Done()

	conn := newConnection(ws, sendBufferSize)
	s.hub.register(conn)
	defer s.hub.unregister(conn)
	log := s.logger.With("conn_id", conn.ID)
	log.Info("ui client connected", "remote", c.RealIP())

	evs, _ := s.cfg.Events.Subscribe(conn.ctx, s.cfg.Session.ID())

	var pumps sync.WaitGroup
	pumps.Go(func() { s.writePump(conn) })
	pumps.Go(func() { s.forward(conn, evs) })

	if s.cfg.State != nil {
		s.send(conn, OutFrame{Type: TypeState, State: s.cfg.State()})
	}
	s.readPump(conn)

	conn.cancel()
	pumps.Wait()
	log.Info("ui client disconnected")
	return nil
}

func (s *Server) readPump(conn *Connection) {
	ws := conn.Conn
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleFrame(conn, data)
	}
}

// writePump is the only writer of the socket.
func (s *Server) writePump(conn *Connection) {
	ws := conn.Conn
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-conn.ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", "conn_id", conn.ID, "error", err)
				conn.cancel()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.cancel()
				return
			}
		}
	}
}

func (s *Server) forward(conn *Connection, evs <-chan events.Event) {
	for ev := range evs {
		if !s.send(conn, eventFrame(ev)) {
			return
		}
	}
}

func (s *Server) send(conn *Connection, f OutFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("encoding frame", "type", f.Type, "error", err)
		return true
	}
	if !conn.enqueue(data) {
		s.logger.Debug("frame not delivered", "conn_id", conn.ID, "type", f.Type)
		return false
	}
	return true
}

func (s *Server) handleFrame(conn *Connection, data []byte) {
	if !gjson.ValidBytes(data) {
		s.send(conn, errorFrame("", CodeInvalidFrame, "frame is not valid JSON"))
		return
	}
	frameType := gjson.GetBytes(data, "type").String()
	id := gjson.GetBytes(data, "id").String()

	if id != "" {
		if _, dup := s.seen.LoadOrStore(id, frameType); dup {
			s.send(conn, ackFrame(id, true))
			return
		}
	}

	ctx := conn.ctx
	var err error
	switch frameType {
	case TypeUserMessage:
		var f UserMessageFrame
		if err = json.Unmarshal(data, &f); err == nil {
			if f.Text == "" {
				err = errInvalid("text is required")
			} else {
				err = s.cfg.Session.SendUserMessage(ctx, f.Text)
			}
		}
	case TypeUserAction:
		var f UserActionFrame
		if err = json.Unmarshal(data, &f); err == nil {
			err = s.cfg.Session.HandleUserAction(ctx, conversation.Action{
				ID:      f.ID,
				Kind:    conversation.ActionKind(f.Kind),
				Token:   f.Token,
				Payload: f.Payload,
			})
		}
	case TypeCancel:
		var f CancelFrame
		if err = json.Unmarshal(data, &f); err == nil {
			_, err = s.cfg.Session.Cancel(ctx, f.Reason)
		}
	default:
		err = errInvalid("unknown frame type " + frameType)
	}

	if err != nil {
		if id != "" {
			// A failed frame may be retried under the same id.
			s.seen.Forget(id)
		}
		s.logger.Info("ui frame rejected", "conn_id", conn.ID, "type", frameType, "id", id, "error", err)
		s.send(conn, errorFrame(id, codeOf(err), err.Error()))
		return
	}
	s.send(conn, ackFrame(id, false))
}

type invalidFrameError string

func (e invalidFrameError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidFrameError(msg) }

func codeOf(err error) string {
	var inv invalidFrameError
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &inv), errors.As(err, &syntax), errors.As(err, &typeErr):
		return CodeInvalidFrame
	}
	var te *orcherr.ToolError
	for _, known := range []error{
		orcherr.ErrContinuationMisuse, orcherr.ErrGatingViolation, orcherr.ErrInvalidArguments,
		orcherr.ErrTransport, orcherr.ErrSnapshotCorrupt, orcherr.ErrToolExecution,
	} {
		if errors.Is(err, known) {
			return string(orcherr.CodeOf(err))
		}
	}
	if errors.As(err, &te) {
		return string(te.Code)
	}
	return CodeInternal
}

// Close disconnects every client, waits for their handlers and releases
// the frame id cache.
func (s *Server) Close() {
	s.hub.CloseAll()
	s.wg.Wait()
	s.seen.Close()
}
