package nats

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/eventmarket/messaging/pkg/logger"
)

type delivery struct {
	kind, target, exclude, payload string
}

type fakeLocal struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (f *fakeLocal) add(d delivery) int {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, d)
	f.mu.Unlock()
	return 1
}

func (f *fakeLocal) Broadcast(threadID string, payload []byte, excludeUserID string) int {
	return f.add(delivery{"room", threadID, excludeUserID, string(payload)})
}

func (f *fakeLocal) NotifyUser(userID string, payload []byte) int {
	return f.add(delivery{"user", userID, "", string(payload)})
}

func (f *fakeLocal) BroadcastAll(payload []byte) int {
	return f.add(delivery{"all", "", "", string(payload)})
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func TestBusPublishesAndDeliversLocally(t *testing.T) {
	local := &fakeLocal{}
	pub := &fakePublisher{}
	bus := newBus(nil, pub, local, logger.NewNop())

	if n := bus.Broadcast("thread-1", []byte(`{"event":"new_message"}`), "cust-1"); n != 1 {
		t.Errorf("Broadcast = %d, want 1 local delivery", n)
	}
	bus.NotifyUser("vend-1", []byte(`{"event":"messages_read"}`))
	bus.BroadcastAll([]byte(`{"event":"user_status"}`))

	if len(local.deliveries) != 3 {
		t.Fatalf("local deliveries = %d, want 3", len(local.deliveries))
	}
	wantSubjects := []string{"chat.fanout.room", "chat.fanout.user", "chat.fanout.all"}
	if len(pub.msgs) != len(wantSubjects) {
		t.Fatalf("published %d envelopes, want %d", len(pub.msgs), len(wantSubjects))
	}
	for i, want := range wantSubjects {
		if pub.msgs[i].subject != want {
			t.Errorf("published[%d] subject = %s, want %s", i, pub.msgs[i].subject, want)
		}
	}

	var env envelope
	if err := json.Unmarshal(pub.msgs[0].data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Origin != bus.origin || env.Target != "thread-1" || env.Exclude != "cust-1" {
		t.Errorf("room envelope = %+v", env)
	}
	if string(env.Payload) != `{"event":"new_message"}` {
		t.Errorf("payload = %s", env.Payload)
	}
}

func TestBusRelaysPeerEnvelopes(t *testing.T) {
	senderPub := &fakePublisher{}
	sender := newBus(nil, senderPub, &fakeLocal{}, logger.NewNop())
	sender.Broadcast("thread-9", []byte(`{"event":"typing_indicator"}`), "vend-2")
	sender.NotifyUser("cust-2", []byte(`{"event":"new_message_notification"}`))
	sender.BroadcastAll([]byte(`{"event":"user_status"}`))

	receiverLocal := &fakeLocal{}
	receiverPub := &fakePublisher{}
	receiver := newBus(nil, receiverPub, receiverLocal, logger.NewNop())
	for _, m := range senderPub.msgs {
		receiver.handle(&nats.Msg{Subject: m.subject, Data: m.data})
	}

	want := []delivery{
		{"room", "thread-9", "vend-2", `{"event":"typing_indicator"}`},
		{"user", "cust-2", "", `{"event":"new_message_notification"}`},
		{"all", "", "", `{"event":"user_status"}`},
	}
	if len(receiverLocal.deliveries) != len(want) {
		t.Fatalf("relayed %d deliveries, want %d", len(receiverLocal.deliveries), len(want))
	}
	for i := range want {
		if receiverLocal.deliveries[i] != want[i] {
			t.Errorf("delivery[%d] = %+v, want %+v", i, receiverLocal.deliveries[i], want[i])
		}
	}
	if len(receiverPub.msgs) != 0 {
		t.Errorf("receiver republished %d envelopes, want 0", len(receiverPub.msgs))
	}
}

func TestBusIgnoresOwnAndInvalidEnvelopes(t *testing.T) {
	local := &fakeLocal{}
	pub := &fakePublisher{}
	bus := newBus(nil, pub, local, logger.NewNop())

	bus.Broadcast("thread-1", []byte(`{}`), "")
	local.deliveries = nil

	bus.handle(&nats.Msg{Subject: pub.msgs[0].subject, Data: pub.msgs[0].data})
	bus.handle(&nats.Msg{Subject: "chat.fanout.room", Data: []byte("not json")})
	bus.handle(&nats.Msg{Subject: "chat.fanout.x", Data: []byte(`{"origin":"peer","kind":"bogus"}`)})

	if len(local.deliveries) != 0 {
		t.Errorf("delivered %d frames from own/invalid envelopes, want 0", len(local.deliveries))
	}
}
