// Package storetest is a conformance suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
)

// Opener returns a fresh, empty store. It registers its own cleanup.
type Opener func(t *testing.T) store.Store

// Run executes the suite against stores returned by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"FindOrCreateIsIdempotent", testFindOrCreateIsIdempotent},
		{"ConcurrentFindOrCreate", testConcurrentFindOrCreate},
		{"ArchivedThreadAllowsNewPair", testArchivedThreadAllowsNewPair},
		{"GetThreadNotFound", testGetThreadNotFound},
		{"CreateMessageUpdatesThread", testCreateMessageUpdatesThread},
		{"CreateMessageMissingThread", testCreateMessageMissingThread},
		{"ListMessagesOrder", testListMessagesOrder},
		{"MarkReadAll", testMarkReadAll},
		{"MarkReadSelected", testMarkReadSelected},
		{"MarkReadMissingThread", testMarkReadMissingThread},
		{"ListThreadsOrderAndArchive", testListThreadsOrderAndArchive},
		{"UpdateThreadFlags", testUpdateThreadFlags},
		{"BlockedByFirstBlocker", testBlockedByFirstBlocker},
		{"UnarchiveConflict", testUnarchiveConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// Breaker makes every later UPDATE of chat_threads fail inside s.
type Breaker func(t *testing.T, s store.Store)

// RunAtomicity checks that writes spanning messages and threads leave
// nothing behind when the thread update fails mid-transaction.
func RunAtomicity(t *testing.T, open Opener, breakThreadUpdates Breaker) {
	ctx := context.Background()
	s := open(t)
	thread := mustThread(t, s, "cust-tx", "vend-tx")
	first := mustSend(t, s, thread, model.UserTypeCustomer, "before", base.Add(time.Second))

	breakThreadUpdates(t, s)

	content := "after"
	msg := &model.Message{
		ID:          newID(),
		ThreadID:    thread.ID,
		SenderID:    thread.CustomerID,
		SenderType:  model.UserTypeCustomer,
		Content:     &content,
		Attachments: []model.Attachment{},
		CreatedAt:   base.Add(2 * time.Second),
	}
	if _, err := s.CreateMessage(ctx, msg, content); err == nil {
		t.Fatal("CreateMessage succeeded with thread updates failing")
	}
	if _, _, err := s.MarkRead(ctx, thread.ID, model.UserTypeVendor, nil, base.Add(3*time.Second)); err == nil {
		t.Fatal("MarkRead succeeded with thread updates failing")
	}

	messages, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != first.ID {
		t.Fatalf("ListMessages returned %d messages, want only the first", len(messages))
	}
	if messages[0].Read {
		t.Error("failed MarkRead left the message read")
	}

	got, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.VendorUnreadCount != 1 || got.CustomerUnreadCount != 0 {
		t.Errorf("counters = customer:%d vendor:%d, want customer:0 vendor:1", got.CustomerUnreadCount, got.VendorUnreadCount)
	}
	if got.LastMessage == nil || *got.LastMessage != "before" {
		t.Errorf("LastMessage = %v, want before", got.LastMessage)
	}
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newThread(customer, vendor string, at time.Time) *model.Thread {
	return &model.Thread{
		ID:         newID(),
		CustomerID: customer,
		VendorID:   vendor,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func mustThread(t *testing.T, s store.Store, customer, vendor string) *model.Thread {
	t.Helper()
	thread, _, err := s.FindOrCreateThread(context.Background(), newThread(customer, vendor, base))
	if err != nil {
		t.Fatalf("FindOrCreateThread: %v", err)
	}
	return thread
}

func mustSend(t *testing.T, s store.Store, thread *model.Thread, sender model.UserType, content string, at time.Time) *model.Message {
	t.Helper()
	senderID := thread.CustomerID
	if sender == model.UserTypeVendor {
		senderID = thread.VendorID
	}
	msg := &model.Message{
		ID:          newID(),
		ThreadID:    thread.ID,
		SenderID:    senderID,
		SenderType:  sender,
		Content:     &content,
		Attachments: []model.Attachment{},
		CreatedAt:   at,
	}
	if _, err := s.CreateMessage(context.Background(), msg, content); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return msg
}

func testFindOrCreateIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, created, err := s.FindOrCreateThread(ctx, newThread("cust-1", "vend-1", base))
	if err != nil {
		t.Fatalf("FindOrCreateThread: %v", err)
	}
	if !created {
		t.Fatal("first FindOrCreateThread: created = false, want true")
	}

	second, created, err := s.FindOrCreateThread(ctx, newThread("cust-1", "vend-1", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("FindOrCreateThread: %v", err)
	}
	if created {
		t.Error("second FindOrCreateThread: created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("second thread ID = %s, want %s", second.ID, first.ID)
	}
	if first.CustomerUnreadCount != 0 || first.VendorUnreadCount != 0 {
		t.Errorf("new thread counters = %d/%d, want 0/0", first.CustomerUnreadCount, first.VendorUnreadCount)
	}
}

func testConcurrentFindOrCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 8

	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			thread, _, err := s.FindOrCreateThread(ctx, newThread("cust-race", "vend-race", base))
			errs[i] = err
			if err == nil {
				ids[i] = thread.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got thread %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func testArchivedThreadAllowsNewPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-a", "vend-a")

	archived := true
	if _, err := s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Archived: &archived}, base); err != nil {
		t.Fatalf("UpdateThreadFlags: %v", err)
	}

	fresh, created, err := s.FindOrCreateThread(ctx, newThread("cust-a", "vend-a", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("FindOrCreateThread: %v", err)
	}
	if !created || fresh.ID == thread.ID {
		t.Errorf("FindOrCreateThread after archive = (%s, %v), want a new thread", fresh.ID, created)
	}
}

func testGetThreadNotFound(t *testing.T, s store.Store) {
	_, err := s.GetThread(context.Background(), newID())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetThread(missing) error = %v, want ErrNotFound", err)
	}
}

func testCreateMessageUpdatesThread(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-m", "vend-m")

	mustSend(t, s, thread, model.UserTypeCustomer, "hello", base.Add(time.Second))
	mustSend(t, s, thread, model.UserTypeCustomer, "anyone there?", base.Add(2*time.Second))
	mustSend(t, s, thread, model.UserTypeVendor, "yes", base.Add(3*time.Second))

	got, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.VendorUnreadCount != 2 {
		t.Errorf("VendorUnreadCount = %d, want 2", got.VendorUnreadCount)
	}
	if got.CustomerUnreadCount != 1 {
		t.Errorf("CustomerUnreadCount = %d, want 1", got.CustomerUnreadCount)
	}
	if got.LastMessage == nil || *got.LastMessage != "yes" {
		t.Errorf("LastMessage = %v, want yes", got.LastMessage)
	}
	if got.LastMessageTime == nil || !got.LastMessageTime.Equal(base.Add(3*time.Second)) {
		t.Errorf("LastMessageTime = %v, want %v", got.LastMessageTime, base.Add(3*time.Second))
	}
}

func testCreateMessageMissingThread(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := "orphan"
	msg := &model.Message{
		ID:         newID(),
		ThreadID:   newID(),
		SenderID:   "cust-x",
		SenderType: model.UserTypeCustomer,
		Content:    &content,
		CreatedAt:  base,
	}
	if _, err := s.CreateMessage(ctx, msg, content); err == nil {
		t.Fatal("CreateMessage into missing thread succeeded, want error")
	}
}

func testListMessagesOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-o", "vend-o")

	var want []string
	for i, text := range []string{"one", "two", "three", "four"} {
		sender := model.UserTypeCustomer
		if i%2 == 1 {
			sender = model.UserTypeVendor
		}
		msg := mustSend(t, s, thread, sender, text, base.Add(time.Duration(i)*time.Millisecond))
		want = append(want, msg.ID)
	}

	messages, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != len(want) {
		t.Fatalf("ListMessages returned %d messages, want %d", len(messages), len(want))
	}
	for i, msg := range messages {
		if msg.ID != want[i] {
			t.Errorf("messages[%d].ID = %s, want %s", i, msg.ID, want[i])
		}
		if msg.Attachments == nil {
			t.Errorf("messages[%d].Attachments is nil, want empty slice", i)
		}
	}

	empty, err := s.ListMessages(ctx, newID())
	if err != nil {
		t.Fatalf("ListMessages(empty): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListMessages(unknown thread) = %d messages, want 0", len(empty))
	}
}

func testMarkReadAll(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-r", "vend-r")

	mustSend(t, s, thread, model.UserTypeCustomer, "c1", base.Add(1*time.Second))
	mustSend(t, s, thread, model.UserTypeCustomer, "c2", base.Add(2*time.Second))
	mustSend(t, s, thread, model.UserTypeVendor, "v1", base.Add(3*time.Second))

	updated, got, err := s.MarkRead(ctx, thread.ID, model.UserTypeVendor, nil, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if updated != 2 {
		t.Errorf("MarkRead updated = %d, want 2", updated)
	}
	if got.VendorUnreadCount != 0 {
		t.Errorf("VendorUnreadCount = %d, want 0", got.VendorUnreadCount)
	}
	if got.CustomerUnreadCount != 1 {
		t.Errorf("CustomerUnreadCount = %d, want 1 (untouched)", got.CustomerUnreadCount)
	}

	messages, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, msg := range messages {
		wantRead := msg.SenderType == model.UserTypeCustomer
		if msg.Read != wantRead {
			t.Errorf("message %q Read = %v, want %v", *msg.Content, msg.Read, wantRead)
		}
	}

	updated, _, err = s.MarkRead(ctx, thread.ID, model.UserTypeVendor, nil, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if updated != 0 {
		t.Errorf("second MarkRead updated = %d, want 0", updated)
	}
}

func testMarkReadSelected(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-s", "vend-s")

	first := mustSend(t, s, thread, model.UserTypeCustomer, "c1", base.Add(1*time.Second))
	mustSend(t, s, thread, model.UserTypeCustomer, "c2", base.Add(2*time.Second))
	own := mustSend(t, s, thread, model.UserTypeVendor, "v1", base.Add(3*time.Second))

	ids := []string{first.ID, own.ID, newID()}
	updated, got, err := s.MarkRead(ctx, thread.ID, model.UserTypeVendor, ids, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if updated != 1 {
		t.Errorf("MarkRead updated = %d, want 1", updated)
	}
	if got.VendorUnreadCount != 0 {
		t.Errorf("VendorUnreadCount = %d, want 0", got.VendorUnreadCount)
	}

	messages, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, msg := range messages {
		wantRead := msg.ID == first.ID
		if msg.Read != wantRead {
			t.Errorf("message %q Read = %v, want %v", *msg.Content, msg.Read, wantRead)
		}
	}
}

func testMarkReadMissingThread(t *testing.T, s store.Store) {
	_, _, err := s.MarkRead(context.Background(), newID(), model.UserTypeCustomer, nil, base)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("MarkRead(missing) error = %v, want ErrNotFound", err)
	}
}

func testListThreadsOrderAndArchive(t *testing.T, s store.Store) {
	ctx := context.Background()

	older := mustThread(t, s, "cust-l", "vend-l1")
	newer := mustThread(t, s, "cust-l", "vend-l2")
	archivedThread := mustThread(t, s, "cust-l", "vend-l3")
	mustThread(t, s, "cust-other", "vend-l1")

	mustSend(t, s, newer, model.UserTypeVendor, "newer", base.Add(2*time.Hour))
	mustSend(t, s, older, model.UserTypeVendor, "older", base.Add(time.Hour))

	archived := true
	if _, err := s.UpdateThreadFlags(ctx, archivedThread.ID, store.FlagUpdate{Archived: &archived}, base); err != nil {
		t.Fatalf("UpdateThreadFlags: %v", err)
	}

	customer := model.Identity{UserID: "cust-l", UserType: model.UserTypeCustomer}
	threads, err := s.ListThreads(ctx, customer, false)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("ListThreads returned %d threads, want 2", len(threads))
	}
	if threads[0].ID != newer.ID || threads[1].ID != older.ID {
		t.Errorf("ListThreads order = [%s %s], want [%s %s]", threads[0].ID, threads[1].ID, newer.ID, older.ID)
	}

	all, err := s.ListThreads(ctx, customer, true)
	if err != nil {
		t.Fatalf("ListThreads(includeArchived): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListThreads(includeArchived) returned %d threads, want 3", len(all))
	}

	vendor := model.Identity{UserID: "vend-l1", UserType: model.UserTypeVendor}
	vendorThreads, err := s.ListThreads(ctx, vendor, false)
	if err != nil {
		t.Fatalf("ListThreads(vendor): %v", err)
	}
	if len(vendorThreads) != 2 {
		t.Errorf("ListThreads(vendor) returned %d threads, want 2", len(vendorThreads))
	}
}

func testUpdateThreadFlags(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-f", "vend-f")

	blocked := true
	got, err := s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Blocked: &blocked, By: model.UserTypeVendor}, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpdateThreadFlags: %v", err)
	}
	if !got.IsBlocked || got.IsArchived {
		t.Errorf("flags = blocked:%v archived:%v, want blocked:true archived:false", got.IsBlocked, got.IsArchived)
	}
	if got.BlockedBy == nil || *got.BlockedBy != model.UserTypeVendor {
		t.Errorf("BlockedBy = %v, want VENDOR", got.BlockedBy)
	}

	unblocked := false
	got, err = s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Blocked: &unblocked, By: model.UserTypeVendor}, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("UpdateThreadFlags: %v", err)
	}
	if got.IsBlocked {
		t.Error("IsBlocked = true after unblocking")
	}
	if got.BlockedBy != nil {
		t.Errorf("BlockedBy = %v after unblocking, want nil", *got.BlockedBy)
	}

	_, err = s.UpdateThreadFlags(ctx, newID(), store.FlagUpdate{Archived: &blocked}, base)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateThreadFlags(missing) error = %v, want ErrNotFound", err)
	}
}

func testBlockedByFirstBlocker(t *testing.T, s store.Store) {
	ctx := context.Background()
	thread := mustThread(t, s, "cust-b", "vend-b")

	blocked := true
	if _, err := s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Blocked: &blocked, By: model.UserTypeCustomer}, base); err != nil {
		t.Fatalf("UpdateThreadFlags(customer): %v", err)
	}
	got, err := s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Blocked: &blocked, By: model.UserTypeVendor}, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpdateThreadFlags(vendor): %v", err)
	}
	if got.BlockedBy == nil || *got.BlockedBy != model.UserTypeCustomer {
		t.Errorf("BlockedBy = %v, want CUSTOMER", got.BlockedBy)
	}

	archived := true
	got, err = s.UpdateThreadFlags(ctx, thread.ID, store.FlagUpdate{Archived: &archived, By: model.UserTypeVendor}, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("UpdateThreadFlags(archive): %v", err)
	}
	if !got.IsBlocked || got.BlockedBy == nil || *got.BlockedBy != model.UserTypeCustomer {
		t.Errorf("archiving changed block state: blocked=%v by=%v", got.IsBlocked, got.BlockedBy)
	}

	fetched, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if fetched.BlockedBy == nil || *fetched.BlockedBy != model.UserTypeCustomer {
		t.Errorf("GetThread BlockedBy = %v, want CUSTOMER", fetched.BlockedBy)
	}
}

func testUnarchiveConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := mustThread(t, s, "cust-u", "vend-u")

	archived := true
	if _, err := s.UpdateThreadFlags(ctx, old.ID, store.FlagUpdate{Archived: &archived}, base); err != nil {
		t.Fatalf("UpdateThreadFlags: %v", err)
	}
	current := mustThread(t, s, "cust-u", "vend-u")
	if current.ID == old.ID {
		t.Fatal("FindOrCreateThread returned the archived thread")
	}

	restored := false
	_, err := s.UpdateThreadFlags(ctx, old.ID, store.FlagUpdate{Archived: &restored}, base.Add(time.Minute))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("UpdateThreadFlags(unarchive) error = %v, want ErrConflict", err)
	}

	got, err := s.GetThread(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !got.IsArchived {
		t.Error("conflicting unarchive left the thread active")
	}
}
