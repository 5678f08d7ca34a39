package typing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventmarket/messaging/internal/model"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHAT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	s, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	threadID := uuid.NewString()
	if _, ok, err := s.Get(ctx, threadID, model.UserTypeVendor); err != nil || ok {
		t.Fatalf("Get(empty) = (%v, %v), want (false, nil)", ok, err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	want := Signal{IsTyping: true, Timestamp: now, UserID: "v1"}
	if err := s.Set(ctx, threadID, model.UserTypeVendor, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get(ctx, threadID, model.UserTypeVendor)
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v), want stored signal", ok, err)
	}
	if got.UserID != want.UserID || !got.Timestamp.Equal(want.Timestamp) || !got.IsTyping {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	ttl, err := s.client.TTL(ctx, Key(threadID, model.UserTypeVendor)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > PurgeAfter {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, PurgeAfter)
	}
}
