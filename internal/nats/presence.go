package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eventmarket/messaging/internal/model"
)

const (
	// PresenceBucket holds the last known presence record per user.
	PresenceBucket = "CHAT_PRESENCE"

	// LiveBucket holds one key per user per instance with a live connection.
	// Keys expire after LiveTTL unless the owning instance refreshes them,
	// so a crashed instance stops counting.
	LiveBucket = "CHAT_PRESENCE_LIVE"
	LiveTTL    = 90 * time.Second
)

// presenceRecord is the value stored per user.
type presenceRecord struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceStore tracks presence across instances in JetStream key-value
// buckets. A user is online while any instance holds a live key for them.
type PresenceStore struct {
	kv       jetstream.KeyValue
	live     jetstream.KeyValue
	instance string

	mu   sync.Mutex
	held map[string]struct{} // users with a live key owned by this instance
}

// EnsurePresenceStore opens the presence buckets, creating them if needed.
func EnsurePresenceStore(ctx context.Context, client *Client) (*PresenceStore, error) {
	js := client.JetStream()

	kv, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      PresenceBucket,
		Description: "Last known presence per chat user",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	live, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      LiveBucket,
		Description: "Live chat connections per user and instance",
		History:     1,
		TTL:         LiveTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}

	return &PresenceStore{
		kv:       kv,
		live:     live,
		instance: uuid.NewString(),
		held:     make(map[string]struct{}),
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Connect marks userID live on this instance. first reports whether no
// other instance held the user.
func (s *PresenceStore) Connect(ctx context.Context, userID string, at time.Time) (bool, error) {
	others, err := s.liveInstances(ctx, userID)
	if err != nil {
		return false, err
	}
	if _, err := s.live.Put(ctx, s.liveKey(userID), []byte(s.instance)); err != nil {
		return false, fmt.Errorf("failed to mark presence live: %w", err)
	}
	s.mu.Lock()
	s.held[userID] = struct{}{}
	s.mu.Unlock()

	if err := s.putRecord(ctx, userID, "online", at); err != nil {
		return false, err
	}
	return others == 0, nil
}

// Disconnect drops this instance's live key for userID. last reports
// whether no instance holds the user any more.
func (s *PresenceStore) Disconnect(ctx context.Context, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	delete(s.held, userID)
	s.mu.Unlock()

	if err := s.live.Delete(ctx, s.liveKey(userID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, fmt.Errorf("failed to clear live presence: %w", err)
	}
	remaining, err := s.liveInstances(ctx, userID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.putRecord(ctx, userID, "offline", at); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the presence of userID across all instances.
func (s *PresenceStore) Get(ctx context.Context, userID string) (model.Presence, bool, error) {
	entry, err := s.kv.Get(ctx, presenceKey(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return model.Presence{}, false, nil
	}
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("failed to read presence: %w", err)
	}
	p, ok, err := decodePresence(userID, entry.Value())
	if err != nil {
		return p, ok, err
	}

	// The record can say online after its instance died; live keys decide.
	live, err := s.liveInstances(ctx, userID)
	if err != nil {
		return model.Presence{}, false, err
	}
	p.IsOnline = live > 0
	return p, true, nil
}

// Run refreshes this instance's live keys until ctx is done.
func (s *PresenceStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = LiveTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			users := make([]string, 0, len(s.held))
			for userID := range s.held {
				users = append(users, userID)
			}
			s.mu.Unlock()
			for _, userID := range users {
				_, _ = s.live.Put(ctx, s.liveKey(userID), []byte(s.instance))
			}
		}
	}
}

func (s *PresenceStore) putRecord(ctx context.Context, userID, status string, at time.Time) error {
	data, err := json.Marshal(presenceRecord{Status: status, LastSeen: at.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	if _, err := s.kv.Put(ctx, presenceKey(userID), data); err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}
	return nil
}

// liveInstances counts live keys for userID held by other instances.
func (s *PresenceStore) liveInstances(ctx context.Context, userID string) (int, error) {
	w, err := s.live.Watch(ctx, livePrefix(userID)+".*", jetstream.IgnoreDeletes(), jetstream.MetaOnly())
	if err != nil {
		return 0, fmt.Errorf("failed to list live presence: %w", err)
	}
	defer w.Stop()

	own := s.liveKey(userID)
	count := 0
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case entry := <-w.Updates():
			// A nil entry marks the end of the current values.
			if entry == nil {
				return count, nil
			}
			if entry.Key() != own {
				count++
			}
		}
	}
}

func (s *PresenceStore) liveKey(userID string) string {
	return livePrefix(userID) + "." + s.instance
}

func decodePresence(userID string, data []byte) (model.Presence, bool, error) {
	var rec presenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Presence{}, false, fmt.Errorf("failed to decode presence: %w", err)
	}
	p := model.Presence{UserID: userID, IsOnline: rec.Status == "online"}
	if rec.LastSeen > 0 {
		at := time.UnixMilli(rec.LastSeen).UTC()
		p.LastSeen = &at
	}
	return p, true, nil
}

// presenceKey maps a user ID onto the key alphabet the bucket accepts.
func presenceKey(userID string) string {
	return "user." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func livePrefix(userID string) string {
	return "live." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}
