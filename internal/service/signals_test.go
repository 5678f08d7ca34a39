package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/pkg/logger"
)

func TestTypingRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)

	if err := f.svc.SetTyping(ctx, alice, thread.ID, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	indicators := f.fanout.named(model.EventTypingIndicator)
	if len(indicators) != 1 || indicators[0].exclude != alice.UserID || indicators[0].target != thread.ID {
		t.Fatalf("typing_indicator events = %+v, want one room event excluding %s", indicators, alice.UserID)
	}
	ev := decode[model.TypingIndicatorEvent](t, indicators[0].data)
	if !ev.IsTyping || ev.UserType != model.UserTypeCustomer || ev.UserID != alice.UserID {
		t.Errorf("typing_indicator = %+v", ev)
	}

	status, err := f.svc.GetTyping(ctx, bob, thread.ID)
	if err != nil {
		t.Fatalf("GetTyping: %v", err)
	}
	if !status.IsTyping || status.LastUpdate == nil {
		t.Errorf("vendor sees %+v, want customer typing", status)
	}

	own, _ := f.svc.GetTyping(ctx, alice, thread.ID)
	if own.IsTyping {
		t.Error("customer sees own typing signal, want the vendor side")
	}

	f.clock.Advance(5100 * time.Millisecond)
	status, _ = f.svc.GetTyping(ctx, bob, thread.ID)
	if status.IsTyping {
		t.Error("typing still active after 5.1s without refresh")
	}

	f.clock.Advance(5 * time.Second)
	status, _ = f.svc.GetTyping(ctx, bob, thread.ID)
	if status.IsTyping || status.LastUpdate != nil {
		t.Errorf("after 10s idle status = %+v, want purged", status)
	}
}

func TestTypingStopSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)

	f.svc.SetTyping(ctx, bob, thread.ID, true)
	f.svc.SetTyping(ctx, bob, thread.ID, false)

	status, _ := f.svc.GetTyping(ctx, alice, thread.ID)
	if status.IsTyping {
		t.Error("typing active after explicit stop")
	}
}

func TestTypingAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)

	if err := f.svc.SetTyping(ctx, mallet, thread.ID, true); !errors.Is(err, ErrForbidden) {
		t.Errorf("SetTyping by outsider = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.GetTyping(ctx, mallet, thread.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("GetTyping by outsider = %v, want ErrForbidden", err)
	}
	if n := len(f.fanout.named(model.EventTypingIndicator)); n != 0 {
		t.Errorf("rejected typing emitted %d events", n)
	}
}

func TestPresenceTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.online[bob.UserID] = true
	f.svc.UserOnline(ctx, bob)

	statuses := f.fanout.named(model.EventUserStatus)
	if len(statuses) != 1 || statuses[0].scope != "all" {
		t.Fatalf("user_status events = %+v, want one broadcast", statuses)
	}
	if ev := decode[model.UserStatusEvent](t, statuses[0].data); !ev.IsOnline || ev.UserID != bob.UserID {
		t.Errorf("user_status = %+v, want bob online", ev)
	}

	p := f.svc.Presence(ctx, bob.UserID)
	if !p.IsOnline || p.LastSeen == nil {
		t.Errorf("Presence = %+v, want online with lastSeen", p)
	}

	f.clock.Advance(time.Minute)
	delete(f.online, bob.UserID)
	f.svc.UserOffline(ctx, bob)

	p = f.svc.Presence(ctx, bob.UserID)
	if p.IsOnline {
		t.Error("Presence online after UserOffline")
	}
	if p.LastSeen == nil || !p.LastSeen.Equal(f.clock.Now()) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, f.clock.Now())
	}

	unknown := f.svc.Presence(ctx, "nobody")
	if unknown.IsOnline || unknown.LastSeen != nil {
		t.Errorf("unknown user presence = %+v", unknown)
	}
}

// failingPresence errors on every call.
type failingPresence struct{}

func (failingPresence) Connect(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("bucket unavailable")
}

func (failingPresence) Disconnect(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("bucket unavailable")
}

func (failingPresence) Get(context.Context, string) (model.Presence, bool, error) {
	return model.Presence{}, false, errors.New("bucket unavailable")
}

func TestPresenceAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryPresence()
	clock := newTestClock()

	instance := func() (*MessagingService, *recordingFanout) {
		fanout := &recordingFanout{}
		return New(Config{
			Store:    newFixture(t).store,
			Fanout:   fanout,
			Online:   onlineSet{},
			Presence: shared,
			Logger:   logger.NewNop(),
			Now:      clock.Now,
		}), fanout
	}
	a, fanoutA := instance()
	b, fanoutB := instance()

	a.UserOnline(ctx, bob)
	b.UserOnline(ctx, bob)
	if n := len(fanoutA.named(model.EventUserStatus)); n != 1 {
		t.Errorf("instance a emitted %d user_status events, want 1", n)
	}
	if n := len(fanoutB.named(model.EventUserStatus)); n != 0 {
		t.Errorf("second instance emitted %d user_status events, want 0", n)
	}

	clock.Advance(time.Minute)
	a.UserOffline(ctx, bob)
	if n := len(fanoutA.named(model.EventUserStatus)); n != 1 {
		t.Errorf("offline on a while b holds bob emitted %d more events", n-1)
	}
	if p := a.Presence(ctx, bob.UserID); !p.IsOnline {
		t.Errorf("Presence via a = %+v, want online through b", p)
	}

	clock.Advance(time.Minute)
	b.UserOffline(ctx, bob)
	statuses := fanoutB.named(model.EventUserStatus)
	if len(statuses) != 1 {
		t.Fatalf("last disconnect emitted %d user_status events, want 1", len(statuses))
	}
	if ev := decode[model.UserStatusEvent](t, statuses[0].data); ev.IsOnline || !ev.LastSeen.Equal(clock.Now()) {
		t.Errorf("user_status = %+v, want offline at %v", ev, clock.Now())
	}
	if p := a.Presence(ctx, bob.UserID); p.IsOnline || p.LastSeen == nil || !p.LastSeen.Equal(clock.Now()) {
		t.Errorf("Presence via a = %+v, want offline at %v", p, clock.Now())
	}
}

func TestPresenceStoreFailureStillBroadcasts(t *testing.T) {
	ctx := context.Background()
	fanout := &recordingFanout{}
	online := onlineSet{bob.UserID: true}
	svc := New(Config{
		Store:    newFixture(t).store,
		Fanout:   fanout,
		Online:   online,
		Presence: failingPresence{},
		Logger:   logger.NewNop(),
	})

	svc.UserOnline(ctx, bob)
	svc.UserOffline(ctx, bob)
	if n := len(fanout.named(model.EventUserStatus)); n != 2 {
		t.Errorf("user_status events = %d, want 2", n)
	}
	if p := svc.Presence(ctx, bob.UserID); !p.IsOnline {
		t.Errorf("Presence = %+v, want local connection to count", p)
	}
}
