package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
)

// CreateThread returns the caller's active thread with the counterpart named
// in req, creating it when none exists. created reports which happened.
func (s *MessagingService) CreateThread(ctx context.Context, caller model.Identity, req model.CreateThreadRequest) (*model.Thread, bool, error) {
	if !caller.UserType.Valid() || caller.UserID == "" {
		return nil, false, ErrUnauthenticated
	}

	now := s.now().UTC()
	thread := &model.Thread{
		ID:        uuid.Must(uuid.NewV7()).String(),
		BookingID: req.BookingID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch caller.UserType {
	case model.UserTypeCustomer:
		if req.VendorID == "" {
			return nil, false, fmt.Errorf("%w: vendorId is required", ErrInvalidArgument)
		}
		thread.CustomerID, thread.VendorID = caller.UserID, req.VendorID
	case model.UserTypeVendor:
		if req.CustomerID == "" {
			return nil, false, fmt.Errorf("%w: customerId is required", ErrInvalidArgument)
		}
		thread.CustomerID, thread.VendorID = req.CustomerID, caller.UserID
	}

	result, created, err := s.store.FindOrCreateThread(ctx, thread)
	if err != nil {
		return nil, false, s.persistenceError("find or create thread", err)
	}
	if created {
		s.logger.Info("thread created",
			zap.String("thread_id", result.ID),
			zap.String("customer_id", result.CustomerID),
			zap.String("vendor_id", result.VendorID),
		)
	}
	return result, created, nil
}

// GetThread returns a thread the caller participates in.
func (s *MessagingService) GetThread(ctx context.Context, caller model.Identity, threadID string) (*model.Thread, error) {
	return s.loadThread(ctx, caller, threadID)
}

// AuthorizeThread checks that the caller may subscribe to the thread's room.
func (s *MessagingService) AuthorizeThread(ctx context.Context, caller model.Identity, threadID string) error {
	_, err := s.loadThread(ctx, caller, threadID)
	return err
}

// ListThreads returns the caller's threads with their unread count and the
// presence of the other participant.
func (s *MessagingService) ListThreads(ctx context.Context, caller model.Identity, includeArchived bool) ([]model.ThreadSummary, error) {
	if !caller.UserType.Valid() || caller.UserID == "" {
		return nil, ErrUnauthenticated
	}

	threads, err := s.store.ListThreads(ctx, caller, includeArchived)
	if err != nil {
		return nil, s.persistenceError("list threads", err)
	}

	summaries := make([]model.ThreadSummary, 0, len(threads))
	for i := range threads {
		t := &threads[i]
		other := t.Counterpart(caller.UserType)
		presence := s.Presence(ctx, other.UserID)
		summaries = append(summaries, model.ThreadSummary{
			Thread:      *t,
			UnreadCount: t.UnreadFor(caller.UserType),
			OtherParty: model.PartySummary{
				UserID:   other.UserID,
				UserType: other.UserType,
				IsOnline: presence.IsOnline,
				LastSeen: presence.LastSeen,
			},
		})
	}
	return summaries, nil
}

// UpdateThread toggles the archive and block flags.
func (s *MessagingService) UpdateThread(ctx context.Context, caller model.Identity, threadID string, req model.UpdateThreadRequest) (*model.Thread, error) {
	if req.IsArchived == nil && req.IsBlocked == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidArgument)
	}

	mu := s.lockThread(threadID)
	defer mu.Unlock()

	current, err := s.loadThread(ctx, caller, threadID)
	if err != nil {
		return nil, err
	}
	if req.IsBlocked != nil && !*req.IsBlocked && current.BlockedBy != nil && *current.BlockedBy != caller.UserType {
		return nil, fmt.Errorf("%w: thread was blocked by the other participant", ErrForbidden)
	}

	thread, err := s.store.UpdateThreadFlags(ctx, threadID, store.FlagUpdate{
		Archived: req.IsArchived,
		Blocked:  req.IsBlocked,
		By:       caller.UserType,
	}, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: the participants already have an active thread", ErrInvalidArgument)
	}
	if err != nil {
		return nil, s.persistenceError("update thread", err)
	}
	return thread, nil
}

// UnreadTotal sums the caller's unread counters over active threads.
func (s *MessagingService) UnreadTotal(ctx context.Context, caller model.Identity) (int, error) {
	if !caller.UserType.Valid() || caller.UserID == "" {
		return 0, ErrUnauthenticated
	}
	threads, err := s.store.ListThreads(ctx, caller, false)
	if err != nil {
		return 0, s.persistenceError("list threads", err)
	}
	total := 0
	for i := range threads {
		total += threads[i].UnreadFor(caller.UserType)
	}
	return total, nil
}
