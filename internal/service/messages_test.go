package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventmarket/messaging/internal/model"
)

func TestSendMessageDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)
	f.fanout.reset()

	msg := f.send(t, alice, thread.ID, "Hello")
	if msg.Read || msg.SenderType != model.UserTypeCustomer || *msg.Content != "Hello" {
		t.Errorf("message = %+v, want unread customer message Hello", msg)
	}

	got, err := f.svc.GetThread(ctx, bob, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.VendorUnreadCount != 1 || got.CustomerUnreadCount != 0 {
		t.Errorf("counters customer/vendor = %d/%d, want 0/1", got.CustomerUnreadCount, got.VendorUnreadCount)
	}
	if got.LastMessage == nil || *got.LastMessage != "Hello" {
		t.Errorf("LastMessage = %v, want Hello", got.LastMessage)
	}

	rooms := f.fanout.named(model.EventNewMessage)
	if len(rooms) != 1 || rooms[0].scope != "room" || rooms[0].target != thread.ID {
		t.Fatalf("new_message events = %+v, want one room event on %s", rooms, thread.ID)
	}
	payload := decode[model.NewMessageEvent](t, rooms[0].data)
	if payload.Message.ID != msg.ID || payload.UnreadCounts.Vendor != 1 {
		t.Errorf("new_message payload = %+v", payload)
	}

	notes := f.fanout.named(model.EventNewMessageNotification)
	if len(notes) != 1 || notes[0].scope != "user" || notes[0].target != bob.UserID {
		t.Fatalf("notifications = %+v, want one to %s", notes, bob.UserID)
	}
	note := decode[model.NewMessageNotification](t, notes[0].data)
	if note.Preview != "Hello" || note.SenderID != alice.UserID {
		t.Errorf("notification = %+v", note)
	}
}

func TestSendMessagePreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)

	long := strings.Repeat("é", 150)
	f.send(t, alice, thread.ID, long)
	got, _ := f.svc.GetThread(ctx, alice, thread.ID)
	if n := len([]rune(*got.LastMessage)); n != 100 {
		t.Errorf("preview length = %d runes, want 100", n)
	}

	f.fanout.reset()
	attachments := []model.Attachment{{ID: "a1", Type: "image/png", URL: "/uploads/a1.png", Name: "menu.png", Size: 10}}
	msg, err := f.svc.SendMessage(ctx, bob, thread.ID, "   ", attachments)
	if err != nil {
		t.Fatalf("SendMessage with attachment: %v", err)
	}
	if msg.Content != nil {
		t.Errorf("Content = %q, want nil for blank text", *msg.Content)
	}
	note := decode[model.NewMessageNotification](t, f.fanout.named(model.EventNewMessageNotification)[0].data)
	if note.Preview != "📎 menu.png" {
		t.Errorf("Preview = %q, want attachment preview", note.Preview)
	}
}

func TestSendMessageRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)
	blocked := f.thread(t, alice, model.Identity{UserID: "vend-blocked", UserType: model.UserTypeVendor})
	yes := true
	if _, err := f.svc.UpdateThread(ctx, alice, blocked.ID, model.UpdateThreadRequest{IsBlocked: &yes}); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}
	f.fanout.reset()

	tests := []struct {
		name        string
		caller      model.Identity
		threadID    string
		content     string
		attachments []model.Attachment
		want        error
	}{
		{"outsider", mallet, thread.ID, "hi", nil, ErrForbidden},
		{"wrong side", model.Identity{UserID: alice.UserID, UserType: model.UserTypeVendor}, thread.ID, "hi", nil, ErrForbidden},
		{"empty", alice, thread.ID, "", nil, ErrInvalidArgument},
		{"whitespace", alice, thread.ID, " \n\t", nil, ErrInvalidArgument},
		{"invalid utf8", alice, thread.ID, "\xff\xfe", nil, ErrInvalidArgument},
		{"too long", alice, thread.ID, strings.Repeat("a", MaxContentBytes+1), nil, ErrInvalidArgument},
		{"attachment without url", alice, thread.ID, "", []model.Attachment{{Name: "x"}}, ErrInvalidArgument},
		{"malformed id", alice, "not-a-uuid", "hi", nil, ErrInvalidArgument},
		{"missing thread", alice, uuid.NewString(), "hi", nil, ErrNotFound},
		{"blocked", alice, blocked.ID, "hi", nil, ErrForbidden},
		{"anonymous", model.Identity{}, thread.ID, "hi", nil, ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tt.caller, tt.threadID, tt.content, tt.attachments)
			if !errors.Is(err, tt.want) {
				t.Errorf("SendMessage error = %v, want %v", err, tt.want)
			}
		})
	}

	if n := len(f.fanout.events); n != 0 {
		t.Errorf("rejected sends emitted %d events", n)
	}
	got, _ := f.svc.GetThread(ctx, bob, thread.ID)
	if got.VendorUnreadCount != 0 {
		t.Errorf("VendorUnreadCount = %d after rejected sends, want 0", got.VendorUnreadCount)
	}
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)
	f.fanout.reset()

	f.store.failCreate = true
	_, err := f.svc.SendMessage(ctx, alice, thread.ID, "lost", nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("SendMessage error = %v, want ErrPersistence", err)
	}
	if n := len(f.fanout.events); n != 0 {
		t.Errorf("failed send emitted %d events, want 0", n)
	}

	f.store.failCreate = false
	messages, err := f.svc.History(ctx, alice, thread.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("History has %d messages after failed send, want 0", len(messages))
	}
	got, _ := f.svc.GetThread(ctx, bob, thread.ID)
	if got.VendorUnreadCount != 0 || got.LastMessage != nil {
		t.Errorf("thread changed by failed send: %+v", got)
	}
}

func TestSendMessageOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.thread(t, alice, bob)
	t2 := f.thread(t, model.Identity{UserID: "cust-carol", UserType: model.UserTypeCustomer}, bob)
	carol := model.Identity{UserID: "cust-carol", UserType: model.UserTypeCustomer}
	f.fanout.reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			if _, err := f.svc.SendMessage(ctx, sender, t1.ID, fmt.Sprintf("t1-%d", i), nil); err != nil {
				t.Errorf("send t1: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.SendMessage(ctx, carol, t2.ID, fmt.Sprintf("t2-%d", i), nil); err != nil {
				t.Errorf("send t2: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, thread := range []*model.Thread{t1, t2} {
		var broadcast []string
		for _, e := range f.fanout.named(model.EventNewMessage) {
			if e.target == thread.ID {
				broadcast = append(broadcast, decode[model.NewMessageEvent](t, e.data).Message.ID)
			}
		}
		stored, err := f.store.ListMessages(ctx, thread.ID)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(stored) != len(broadcast) {
			t.Fatalf("thread %s: %d stored, %d broadcast", thread.ID, len(stored), len(broadcast))
		}
		for i := range stored {
			if stored[i].ID != broadcast[i] {
				t.Fatalf("thread %s position %d: stored %s, broadcast %s", thread.ID, i, stored[i].ID, broadcast[i])
			}
		}
	}

	got, _ := f.svc.GetThread(ctx, alice, t1.ID)
	if got.CustomerUnreadCount+got.VendorUnreadCount != 20 {
		t.Errorf("t1 counters sum = %d, want 20", got.CustomerUnreadCount+got.VendorUnreadCount)
	}
}

func TestMarkReadZeroesReaderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)

	f.send(t, alice, thread.ID, "one")
	f.send(t, alice, thread.ID, "two")
	f.send(t, bob, thread.ID, "reply")
	f.fanout.reset()

	updated, err := f.svc.MarkRead(ctx, bob, thread.ID, nil)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}

	got, _ := f.svc.GetThread(ctx, bob, thread.ID)
	if got.VendorUnreadCount != 0 || got.CustomerUnreadCount != 1 {
		t.Errorf("counters customer/vendor = %d/%d, want 1/0", got.CustomerUnreadCount, got.VendorUnreadCount)
	}

	reads := f.fanout.named(model.EventMessagesRead)
	if len(reads) != 1 || reads[0].target != alice.UserID {
		t.Fatalf("messages_read events = %+v, want one to %s", reads, alice.UserID)
	}
	if ev := decode[model.MessagesReadEvent](t, reads[0].data); ev.ReaderID != bob.UserID || ev.ThreadID != thread.ID {
		t.Errorf("messages_read = %+v", ev)
	}

	f.fanout.reset()
	updated, err = f.svc.MarkRead(ctx, bob, thread.ID, nil)
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if updated != 0 {
		t.Errorf("second MarkRead updated = %d, want 0", updated)
	}
	if n := len(f.fanout.named(model.EventMessagesRead)); n != 0 {
		t.Errorf("no-op MarkRead emitted %d messages_read events, want 0", n)
	}
}

func TestMarkReadSelected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)
	first := f.send(t, alice, thread.ID, "one")
	f.send(t, alice, thread.ID, "two")

	updated, err := f.svc.MarkRead(ctx, bob, thread.ID, []string{first.ID})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	if _, err := f.svc.MarkRead(ctx, bob, thread.ID, []string{"bogus"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("MarkRead with malformed id = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.MarkRead(ctx, mallet, thread.ID, nil); !errors.Is(err, ErrForbidden) {
		t.Errorf("MarkRead by outsider = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.MarkRead(ctx, mallet, thread.ID, []string{"bogus"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("MarkRead by outsider with malformed id = %v, want ErrForbidden", err)
	}
}

func TestHistoryMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.thread(t, alice, bob)
	f.send(t, alice, thread.ID, "first")
	f.clock.Advance(time.Second)
	f.send(t, alice, thread.ID, "second")
	f.fanout.reset()

	messages, err := f.svc.History(ctx, bob, thread.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 2 || *messages[0].Content != "first" || *messages[1].Content != "second" {
		t.Fatalf("History = %+v, want [first second]", messages)
	}
	for _, m := range messages {
		if !m.Read {
			t.Errorf("message %q not read after history fetch", *m.Content)
		}
	}

	got, _ := f.svc.GetThread(ctx, bob, thread.ID)
	if got.VendorUnreadCount != 0 {
		t.Errorf("VendorUnreadCount = %d, want 0", got.VendorUnreadCount)
	}
	if n := len(f.fanout.named(model.EventMessagesRead)); n != 1 {
		t.Errorf("History emitted %d messages_read, want 1", n)
	}

	if _, err := f.svc.History(ctx, mallet, thread.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("History by outsider = %v, want ErrForbidden", err)
	}
}
