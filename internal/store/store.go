// Package store defines the durable persistence gateway for threads and messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/eventmarket/messaging/internal/model"
)

var (
	// ErrNotFound is returned when a thread does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write would give a customer/vendor
	// pair a second active thread.
	ErrConflict = errors.New("store: active thread exists for pair")
)

// FlagUpdate describes an UpdateThreadFlags call. Nil flags are unchanged.
type FlagUpdate struct {
	Archived *bool
	Blocked  *bool

	// By is the side making the change. Blocking records it as the blocker
	// unless the thread is already blocked; unblocking clears the blocker.
	By model.UserType
}

// Store is the single source of truth for threads and messages.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetThread returns the thread with id or ErrNotFound.
	GetThread(ctx context.Context, id string) (*model.Thread, error)

	// FindOrCreateThread returns the non-archived thread for the pair in t,
	// inserting t when none exists. created reports whether t was inserted.
	FindOrCreateThread(ctx context.Context, t *model.Thread) (thread *model.Thread, created bool, err error)

	// ListThreads returns the threads the identity participates in,
	// most recently active first.
	ListThreads(ctx context.Context, id model.Identity, includeArchived bool) ([]model.Thread, error)

	// UpdateThreadFlags applies upd. Un-archiving a thread whose pair already
	// has another active thread fails with ErrConflict.
	UpdateThreadFlags(ctx context.Context, id string, upd FlagUpdate, at time.Time) (*model.Thread, error)

	// ListMessages returns the thread's messages in creation order.
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)

	// CreateMessage inserts msg, increments the recipient's unread counter and
	// updates the thread preview in one transaction. It returns the updated thread.
	CreateMessage(ctx context.Context, msg *model.Message, preview string) (*model.Thread, error)

	// MarkRead marks messages sent by the reader's counterpart as read
	// (only ids in messageIDs when non-empty) and zeroes the reader's
	// unread counter in one transaction. It returns the number of messages
	// that changed state and the updated thread.
	MarkRead(ctx context.Context, threadID string, reader model.UserType, messageIDs []string, at time.Time) (int, *model.Thread, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// UnreadColumn maps the side whose counter changes to its column name.
func UnreadColumn(side model.UserType) string {
	if side == model.UserTypeVendor {
		return "vendor_unread_count"
	}
	return "customer_unread_count"
}
