package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/typing"
)

// SetTyping records the caller's typing state and tells the rest of the room.
func (s *MessagingService) SetTyping(ctx context.Context, caller model.Identity, threadID string, isTyping bool) error {
	if _, err := s.loadThread(ctx, caller, threadID); err != nil {
		return err
	}

	sig := typing.Signal{IsTyping: isTyping, Timestamp: s.now().UTC(), UserID: caller.UserID}
	if err := s.typing.Set(ctx, threadID, caller.UserType, sig); err != nil {
		// Typing is best-effort: the broadcast still goes out.
		s.logger.Warn("failed to store typing signal", zap.String("thread_id", threadID), zap.Error(err))
	}

	s.emitRoom(threadID, model.EventTypingIndicator, model.TypingIndicatorEvent{
		ThreadID: threadID,
		UserID:   caller.UserID,
		IsTyping: isTyping,
		UserType: caller.UserType,
	}, caller.UserID)
	return nil
}

// GetTyping reports the other participant's typing state.
func (s *MessagingService) GetTyping(ctx context.Context, caller model.Identity, threadID string) (model.TypingStatus, error) {
	if _, err := s.loadThread(ctx, caller, threadID); err != nil {
		return model.TypingStatus{}, err
	}

	sig, ok, err := s.typing.Get(ctx, threadID, caller.UserType.Other())
	if err != nil {
		s.logger.Warn("failed to read typing signal", zap.String("thread_id", threadID), zap.Error(err))
		return model.TypingStatus{}, nil
	}
	if !ok {
		return model.TypingStatus{}, nil
	}

	at := sig.Timestamp
	return model.TypingStatus{IsTyping: sig.Active(s.now()), LastUpdate: &at}, nil
}

// UserOnline records that the user's first local connection came up. The
// user_status broadcast only goes out when no other instance held the user.
func (s *MessagingService) UserOnline(ctx context.Context, id model.Identity) {
	now := s.now().UTC()
	first, err := s.presence.Connect(ctx, id.UserID, now)
	if err != nil {
		s.logger.Warn("failed to record presence", zap.String("user_id", id.UserID), zap.Error(err))
		first = true
	}
	if first {
		s.emitStatus(id.UserID, true, now)
	}
}

// UserOffline records that the user's last local connection went away. The
// user_status broadcast only goes out when no instance holds the user.
func (s *MessagingService) UserOffline(ctx context.Context, id model.Identity) {
	now := s.now().UTC()
	last, err := s.presence.Disconnect(ctx, id.UserID, now)
	if err != nil {
		s.logger.Warn("failed to record presence", zap.String("user_id", id.UserID), zap.Error(err))
		last = true
	}
	if last {
		s.emitStatus(id.UserID, false, now)
	}
}

func (s *MessagingService) emitStatus(userID string, online bool, at time.Time) {
	s.emitAll(model.EventUserStatus, model.UserStatusEvent{
		UserID:   userID,
		IsOnline: online,
		LastSeen: at,
	})
}

// Presence returns the user's online state and last-seen time. A live
// connection on this instance always counts as online.
func (s *MessagingService) Presence(ctx context.Context, userID string) model.Presence {
	p := model.Presence{UserID: userID, IsOnline: s.online.IsOnline(userID)}

	stored, ok, err := s.presence.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to read presence", zap.String("user_id", userID), zap.Error(err))
		return p
	}
	if ok {
		p.IsOnline = p.IsOnline || stored.IsOnline
		p.LastSeen = stored.LastSeen
	}
	return p
}
