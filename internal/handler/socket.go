package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/middleware"
	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/realtime"
	"github.com/eventmarket/messaging/internal/service"
	"github.com/eventmarket/messaging/pkg/logger"
	"github.com/eventmarket/messaging/pkg/metrics"
)

const (
	maxFrameBytes    = 512 << 10
	readWait         = 60 * time.Second
	operationTimeout = 10 * time.Second

	// DefaultAuthTimeout is how long a connection may stay unauthenticated.
	DefaultAuthTimeout = 10 * time.Second
)

// SocketHandler upgrades /ws and speaks the event protocol.
type SocketHandler struct {
	service     *service.MessagingService
	hub         *realtime.Hub
	verifier    middleware.TokenVerifier
	upgrader    websocket.Upgrader
	authTimeout time.Duration
	logger      *logger.Logger
}

// NewSocketHandler creates a new socket handler. checkOrigin may be nil to
// accept any origin.
func NewSocketHandler(
	svc *service.MessagingService,
	hub *realtime.Hub,
	verifier middleware.TokenVerifier,
	authTimeout time.Duration,
	checkOrigin func(r *http.Request) bool,
	log *logger.Logger,
) *SocketHandler {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &SocketHandler{
		service:  svc,
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		authTimeout: authTimeout,
		logger:      log,
	}
}

// socketSession is the per-connection state of one /ws client.
type socketSession struct {
	h    *SocketHandler
	conn *realtime.Connection
	log  *logger.Logger
	base context.Context

	// correlationID ties socket logs to the upgrade request.
	correlationID string
}

// Serve handles GET /ws
func (h *SocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConnection(ws)
	conn.Start()

	s := &socketSession{
		h:    h,
		conn: conn,
		log:  h.logger.WithConnection(conn.ID),
		base: context.WithoutCancel(r.Context()),

		correlationID: middleware.GetCorrelationID(r.Context()),
	}
	s.log.Debug("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	connLog := s.log
	authTimer := time.AfterFunc(h.authTimeout, func() {
		if _, ok := conn.Identity(); !ok {
			connLog.Debug("closing unauthenticated connection")
			conn.Close(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	s.readLoop(ws)
	s.disconnect()
}

func (s *socketSession) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		s.conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		s.conn.Touch()

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(fmt.Errorf("%w: malformed frame", service.ErrInvalidArgument))
			continue
		}
		s.dispatch(frame)
	}
}

func (s *socketSession) disconnect() {
	id, registered := s.conn.Identity()
	s.conn.Close(websocket.CloseNormalClosure, "")
	if !registered {
		return
	}
	if last := s.h.hub.Unregister(s.conn); last {
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		s.h.service.UserOffline(ctx, id)
	}
	s.log.Debug("websocket disconnected", zap.Time("last_active", s.conn.LastActive()))
}

func (s *socketSession) dispatch(frame model.Frame) {
	if frame.Event == model.EventAuthenticate {
		s.authenticate(frame.Data)
		return
	}

	id, ok := s.conn.Identity()
	if !ok {
		s.sendError(fmt.Errorf("%w: authenticate first", service.ErrUnauthenticated))
		return
	}

	ctx, cancel := context.WithTimeout(s.base, operationTimeout)
	defer cancel()

	switch frame.Event {
	case model.EventJoinThread:
		var p model.ThreadPayload
		if !s.decode(frame.Data, &p) {
			return
		}
		if err := s.h.service.AuthorizeThread(ctx, id, p.ThreadID); err != nil {
			s.sendError(err)
			return
		}
		if err := s.h.hub.Join(p.ThreadID, s.conn); err != nil {
			s.sendError(fmt.Errorf("%w: %v", service.ErrUnauthenticated, err))
		}

	case model.EventLeaveThread:
		var p model.ThreadPayload
		if !s.decode(frame.Data, &p) {
			return
		}
		s.h.hub.Leave(p.ThreadID, s.conn)

	case model.EventSendMessage:
		s.sendMessage(ctx, id, frame)

	case model.EventTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.IsTyping == nil {
			return
		}
		metrics.RecordTyping("ws")
		if err := s.h.service.SetTyping(ctx, id, p.ThreadID, *p.IsTyping); err != nil {
			s.log.Debug("typing signal dropped", zap.String("thread_id", p.ThreadID), zap.Error(err))
		}

	case model.EventMarkRead:
		var p model.MarkReadPayload
		if !s.decode(frame.Data, &p) {
			return
		}
		if _, err := s.h.service.MarkRead(ctx, id, p.ThreadID, p.MessageIDs); err != nil {
			s.sendError(err)
		}

	default:
		s.sendError(fmt.Errorf("%w: unknown event %q", service.ErrInvalidArgument, frame.Event))
	}
}

func (s *socketSession) authenticate(data json.RawMessage) {
	var p model.AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.rejectAuth("malformed authenticate payload")
		return
	}

	id, err := s.h.verifier.Verify(p.Token)
	if err != nil {
		s.rejectAuth("invalid token")
		return
	}
	if (p.UserID != "" && p.UserID != id.UserID) || (p.UserType != "" && p.UserType != id.UserType) {
		s.rejectAuth("identity does not match token")
		return
	}

	if current, ok := s.conn.Identity(); ok {
		if current != id {
			s.sendError(fmt.Errorf("%w: connection already authenticated", service.ErrInvalidArgument))
			return
		}
		s.send(model.EventAuthenticated, id)
		return
	}

	first := s.h.hub.Register(s.conn, id)
	s.log = s.log.WithContext(s.correlationID, id.UserID, string(id.UserType))
	s.send(model.EventAuthenticated, id)
	s.log.Debug("websocket authenticated")

	if first {
		ctx, cancel := context.WithTimeout(s.base, operationTimeout)
		defer cancel()
		s.h.service.UserOnline(ctx, id)
	}
}

// rejectAuth reports the failure and closes once the error frame is flushed.
func (s *socketSession) rejectAuth(reason string) {
	s.sendError(fmt.Errorf("%w: %s", service.ErrUnauthenticated, reason))
	s.conn.Shutdown(websocket.ClosePolicyViolation, "authentication failed")
}

func (s *socketSession) sendMessage(ctx context.Context, id model.Identity, frame model.Frame) {
	var p model.SendMessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		s.reply(frame.Ack, nil, fmt.Errorf("%w: malformed send_message payload", service.ErrInvalidArgument))
		return
	}

	msg, err := s.h.service.SendMessage(ctx, id, p.ThreadID, p.Content, p.Attachments)
	s.reply(frame.Ack, msg, err)
}

// reply answers an acked send. Without an ack id only failures are reported.
func (s *socketSession) reply(ack *int64, msg *model.Message, err error) {
	if ack == nil {
		if err != nil {
			s.sendError(err)
		}
		return
	}

	var payload model.AckPayload
	if err != nil {
		payload = model.AckPayload{Success: false, Error: err.Error()}
	} else {
		payload = model.AckPayload{Success: true, ID: msg.ID, Message: msg}
	}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		s.log.Error("failed to encode ack", zap.Error(mErr))
		return
	}
	frame, mErr := json.Marshal(model.Frame{Event: model.EventAck, Data: raw, Ack: ack})
	if mErr != nil {
		s.log.Error("failed to encode ack", zap.Error(mErr))
		return
	}
	_ = s.conn.Send(frame)
}

func (s *socketSession) decode(data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError(fmt.Errorf("%w: malformed payload", service.ErrInvalidArgument))
		return false
	}
	return true
}

func (s *socketSession) sendError(err error) {
	code := service.Code(err)
	if code == "PersistenceFailure" && !errors.Is(err, service.ErrPersistence) {
		s.log.Error("socket operation failed", zap.Error(err))
	}
	s.send(model.EventError, model.ErrorEvent{Code: code, Message: err.Error()})
}

func (s *socketSession) send(event model.EventType, data any) {
	payload, err := model.EncodeEvent(event, data)
	if err != nil {
		s.log.Error("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	_ = s.conn.Send(payload)
}
