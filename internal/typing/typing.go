// Package typing stores short-lived "is typing" signals per thread side.
package typing

import (
	"context"
	"time"

	"github.com/eventmarket/messaging/internal/model"
)

const (
	// StaleAfter is how long a typing signal counts as active.
	StaleAfter = 5 * time.Second

	// PurgeAfter is how long an entry is retained at all.
	PurgeAfter = 10 * time.Second
)

// Signal is the last typing state reported by one side of a thread.
type Signal struct {
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
}

// Active reports whether the signal is set and younger than StaleAfter.
func (s Signal) Active(now time.Time) bool {
	return s.IsTyping && now.Sub(s.Timestamp) < StaleAfter
}

// Store holds the latest signal per (thread, side).
type Store interface {
	Set(ctx context.Context, threadID string, side model.UserType, sig Signal) error

	// Get returns the stored signal; ok is false when nothing is stored
	// or the entry has expired.
	Get(ctx context.Context, threadID string, side model.UserType) (sig Signal, ok bool, err error)
}

// Key is the storage key for a side of a thread.
func Key(threadID string, side model.UserType) string {
	return "thread:" + threadID + ":" + side.Role()
}
