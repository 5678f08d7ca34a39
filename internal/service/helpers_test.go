package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
	"github.com/eventmarket/messaging/internal/store/sqlite"
	"github.com/eventmarket/messaging/pkg/logger"
)

var (
	alice  = model.Identity{UserID: "cust-alice", UserType: model.UserTypeCustomer}
	bob    = model.Identity{UserID: "vend-bob", UserType: model.UserTypeVendor}
	mallet = model.Identity{UserID: "cust-mallet", UserType: model.UserTypeCustomer}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type event struct {
	scope   string // room, user or all
	target  string
	exclude string
	name    model.EventType
	data    json.RawMessage
}

// recordingFanout captures every emitted event in order.
type recordingFanout struct {
	mu     sync.Mutex
	events []event
}

func (f *recordingFanout) record(scope, target, exclude string, payload []byte) {
	var frame model.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.events = append(f.events, event{scope: scope, target: target, exclude: exclude, name: frame.Event, data: frame.Data})
	f.mu.Unlock()
}

func (f *recordingFanout) Broadcast(threadID string, payload []byte, excludeUserID string) int {
	f.record("room", threadID, excludeUserID, payload)
	return 1
}

func (f *recordingFanout) NotifyUser(userID string, payload []byte) int {
	f.record("user", userID, "", payload)
	return 1
}

func (f *recordingFanout) BroadcastAll(payload []byte) int {
	f.record("all", "", "", payload)
	return 1
}

func (f *recordingFanout) named(name model.EventType) []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event
	for _, e := range f.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *recordingFanout) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(userID string) bool { return o[userID] }

// flakyStore fails CreateMessage on demand.
type flakyStore struct {
	store.Store
	failCreate bool
}

func (f *flakyStore) CreateMessage(ctx context.Context, msg *model.Message, preview string) (*model.Thread, error) {
	if f.failCreate {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.CreateMessage(ctx, msg, preview)
}

type fixture struct {
	svc    *MessagingService
	store  *flakyStore
	fanout *recordingFanout
	clock  *testClock
	online onlineSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "chat.db")})
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:  &flakyStore{Store: db},
		fanout: &recordingFanout{},
		clock:  newTestClock(),
		online: onlineSet{},
	}
	f.svc = New(Config{
		Store:  f.store,
		Fanout: f.fanout,
		Online: f.online,
		Logger: logger.NewNop(),
		Now:    f.clock.Now,
	})
	return f
}

func (f *fixture) thread(t *testing.T, customer, vendor model.Identity) *model.Thread {
	t.Helper()
	thread, _, err := f.svc.CreateThread(context.Background(), customer, model.CreateThreadRequest{VendorID: vendor.UserID})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return thread
}

func (f *fixture) send(t *testing.T, sender model.Identity, threadID, content string) *model.Message {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), sender, threadID, content, nil)
	if err != nil {
		t.Fatalf("SendMessage(%q): %v", content, err)
	}
	return msg
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}
