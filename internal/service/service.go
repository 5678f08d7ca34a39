// Package service implements the messaging core shared by the websocket and
// HTTP adapters: thread lifecycle, message delivery, read receipts, typing
// and presence.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
	"github.com/eventmarket/messaging/internal/typing"
	"github.com/eventmarket/messaging/pkg/logger"
	"github.com/eventmarket/messaging/pkg/metrics"
)

var tracer = otel.Tracer("github.com/eventmarket/messaging/internal/service")

// Fanout delivers encoded events to live connections.
type Fanout interface {
	Broadcast(threadID string, payload []byte, excludeUserID string) int
	NotifyUser(userID string, payload []byte) int
	BroadcastAll(payload []byte) int
}

// OnlineChecker reports whether a user has a live connection on this instance.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// PresenceStore tracks which users hold a live connection on any instance
// and when each was last seen. Each instance reports a user once when its
// first local connection comes up and once when its last one goes away.
type PresenceStore interface {
	// Connect reports whether the user was offline everywhere before.
	Connect(ctx context.Context, userID string, at time.Time) (first bool, err error)
	// Disconnect reports whether the user is now offline everywhere.
	Disconnect(ctx context.Context, userID string, at time.Time) (last bool, err error)
	Get(ctx context.Context, userID string) (model.Presence, bool, error)
}

// Config holds the collaborators of a MessagingService.
type Config struct {
	Store    store.Store
	Fanout   Fanout
	Online   OnlineChecker
	Typing   typing.Store
	Presence PresenceStore
	Logger   *logger.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

const lockStripes = 64

// MessagingService is the single entry point for every chat operation.
type MessagingService struct {
	store    store.Store
	fanout   Fanout
	online   OnlineChecker
	typing   typing.Store
	presence PresenceStore
	logger   *logger.Logger
	now      func() time.Time

	// Per-thread striped locks keep persist and broadcast of one thread's
	// messages in a single order on this instance.
	locks [lockStripes]sync.Mutex
}

// New creates a MessagingService. Store and Fanout are required.
func New(cfg Config) *MessagingService {
	s := &MessagingService{
		store:    cfg.Store,
		fanout:   cfg.Fanout,
		online:   cfg.Online,
		typing:   cfg.Typing,
		presence: cfg.Presence,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.typing == nil {
		s.typing = typing.NewMemoryStore(s.now)
	}
	if s.presence == nil {
		s.presence = NewMemoryPresence()
	}
	if s.logger == nil {
		s.logger = logger.Global()
	}
	if s.online == nil {
		s.online = nobodyOnline{}
	}
	return s
}

type nobodyOnline struct{}

func (nobodyOnline) IsOnline(string) bool { return false }

func (s *MessagingService) lockThread(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu
}

// loadThread resolves id and checks the caller participates in it.
func (s *MessagingService) loadThread(ctx context.Context, caller model.Identity, threadID string) (*model.Thread, error) {
	if !caller.UserType.Valid() || caller.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if err := validateID("thread", threadID); err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, s.persistenceError("get thread", err)
	}

	if !thread.Participant(caller) {
		return nil, fmt.Errorf("%w: not a participant of thread %s", ErrForbidden, threadID)
	}
	return thread, nil
}

func (s *MessagingService) persistenceError(op string, err error) error {
	s.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func (s *MessagingService) emitRoom(threadID string, event model.EventType, data any, excludeUserID string) int {
	payload, ok := s.encode(event, data)
	if !ok {
		return 0
	}
	metrics.RecordEvent(string(event), "room")
	return s.fanout.Broadcast(threadID, payload, excludeUserID)
}

func (s *MessagingService) emitUser(userID string, event model.EventType, data any) int {
	payload, ok := s.encode(event, data)
	if !ok {
		return 0
	}
	metrics.RecordEvent(string(event), "user")
	return s.fanout.NotifyUser(userID, payload)
}

func (s *MessagingService) emitAll(event model.EventType, data any) int {
	payload, ok := s.encode(event, data)
	if !ok {
		return 0
	}
	metrics.RecordEvent(string(event), "all")
	return s.fanout.BroadcastAll(payload)
}

func (s *MessagingService) encode(event model.EventType, data any) ([]byte, bool) {
	payload, err := model.EncodeEvent(event, data)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return nil, false
	}
	return payload, true
}
