package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
	"github.com/eventmarket/messaging/pkg/metrics"
)

// SendMessage validates, persists and fans out a message. It returns only
// after the message and the recipient's counter increment are durable; on a
// persistence failure nothing is broadcast.
func (s *MessagingService) SendMessage(ctx context.Context, caller model.Identity, threadID, content string, attachments []model.Attachment) (msg *model.Message, err error) {
	ctx, span := tracer.Start(ctx, "MessagingService.SendMessage", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("sender.type", string(caller.UserType)),
	))
	defer func() { endSpan(span, err) }()

	// The block check shares the lock UpdateThread takes.
	mu := s.lockThread(threadID)
	defer mu.Unlock()

	if _, err = s.sendable(ctx, caller, threadID); err != nil {
		return nil, err
	}

	body, err := normalizeContent(content, attachments)
	if err != nil {
		metrics.RecordSendFailure(Code(err))
		return nil, err
	}
	if attachments == nil {
		attachments = []model.Attachment{}
	}

	msg = &model.Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ThreadID:    threadID,
		SenderID:    caller.UserID,
		SenderType:  caller.UserType,
		Content:     body,
		Attachments: attachments,
		Read:        false,
		CreatedAt:   s.now().UTC(),
	}
	summary := preview(msg)

	updated, err := s.store.CreateMessage(ctx, msg, summary)
	if err != nil {
		metrics.RecordSendFailure("PersistenceFailure")
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return nil, s.persistenceError("create message", err)
	}
	metrics.RecordMessage(string(msg.SenderType))

	s.emitRoom(threadID, model.EventNewMessage, model.NewMessageEvent{
		Message:      *msg,
		ThreadID:     threadID,
		UnreadCounts: updated.Counts(),
	}, "")

	recipient := updated.Counterpart(caller.UserType)
	s.emitUser(recipient.UserID, model.EventNewMessageNotification, model.NewMessageNotification{
		ThreadID: threadID,
		SenderID: caller.UserID,
		Preview:  summary,
	})

	s.logger.Debug("message delivered",
		zap.String("thread_id", threadID),
		zap.String("message_id", msg.ID),
		zap.String("sender_id", caller.UserID),
	)
	return msg, nil
}

// AuthorizeSend reports whether caller may post to the thread right now.
// Callers that stage uploads check it before writing any file.
func (s *MessagingService) AuthorizeSend(ctx context.Context, caller model.Identity, threadID string) error {
	_, err := s.sendable(ctx, caller, threadID)
	return err
}

func (s *MessagingService) sendable(ctx context.Context, caller model.Identity, threadID string) (*model.Thread, error) {
	thread, err := s.loadThread(ctx, caller, threadID)
	if err != nil {
		metrics.RecordSendFailure(Code(err))
		return nil, err
	}
	if thread.IsBlocked {
		metrics.RecordSendFailure("Blocked")
		return nil, fmt.Errorf("%w: thread %s is blocked", ErrForbidden, threadID)
	}
	return thread, nil
}

// History returns the thread's messages oldest first. Fetching history
// counts as reading it: the caller's counter is zeroed first.
func (s *MessagingService) History(ctx context.Context, caller model.Identity, threadID string) (messages []model.Message, err error) {
	ctx, span := tracer.Start(ctx, "MessagingService.History", trace.WithAttributes(
		attribute.String("thread.id", threadID),
	))
	defer func() { endSpan(span, err) }()

	if _, err = s.MarkRead(ctx, caller, threadID, nil); err != nil {
		return nil, err
	}

	messages, err = s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, s.persistenceError("list messages", err)
	}
	span.SetAttributes(attribute.Int("messages.count", len(messages)))
	return messages, nil
}

// MarkRead marks the counterpart's messages read (only messageIDs when
// given) and zeroes the caller's unread counter. The counterpart is told via
// messages_read only when at least one message changed state.
func (s *MessagingService) MarkRead(ctx context.Context, caller model.Identity, threadID string, messageIDs []string) (updated int, err error) {
	ctx, span := tracer.Start(ctx, "MessagingService.MarkRead", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("message_ids.count", len(messageIDs)),
	))
	defer func() { endSpan(span, err) }()

	thread, err := s.loadThread(ctx, caller, threadID)
	if err != nil {
		return 0, err
	}
	for _, id := range messageIDs {
		if err := validateID("message", id); err != nil {
			return 0, err
		}
	}

	updated, _, err = s.store.MarkRead(ctx, threadID, caller.UserType, messageIDs, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return 0, s.persistenceError("mark read", err)
	}

	if updated > 0 {
		metrics.RecordReadReceipts(updated)
		other := thread.Counterpart(caller.UserType)
		s.emitUser(other.UserID, model.EventMessagesRead, model.MessagesReadEvent{
			ThreadID: threadID,
			ReaderID: caller.UserID,
		})
	}
	span.SetAttributes(attribute.Int("messages.updated", updated))
	return updated, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
