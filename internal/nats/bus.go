package nats

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/pkg/logger"
	"github.com/eventmarket/messaging/pkg/metrics"
)

const (
	// SubjectPrefix is the prefix for all fan-out subjects.
	SubjectPrefix = "chat.fanout"

	kindRoom = "room"
	kindUser = "user"
	kindAll  = "all"
)

// Local is the in-process fan-out the bus mirrors, normally *realtime.Hub.
type Local interface {
	Broadcast(threadID string, payload []byte, excludeUserID string) int
	NotifyUser(userID string, payload []byte) int
	BroadcastAll(payload []byte) int
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// envelope is one relayed delivery.
type envelope struct {
	Origin  string          `json:"origin"`
	Kind    string          `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bus delivers events to local connections and republishes them so every
// other instance delivers them to its own connections too.
type Bus struct {
	local  Local
	pub    publisher
	conn   *nats.Conn
	origin string
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewBus wires local to the client's connection.
func NewBus(client *Client, local Local, log *logger.Logger) *Bus {
	return newBus(client.Conn(), client.Conn(), local, log)
}

func newBus(conn *nats.Conn, pub publisher, local Local, log *logger.Logger) *Bus {
	return &Bus{
		local:  local,
		pub:    pub,
		conn:   conn,
		origin: uuid.NewString(),
		logger: log,
	}
}

// Start subscribes to events published by peer instances.
func (b *Bus) Start() error {
	sub, err := b.conn.Subscribe(SubjectPrefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to fan-out: %w", err)
	}
	b.sub = sub
	b.logger.Info("fan-out bus started", zap.String("origin", b.origin))
	return nil
}

// Stop unsubscribes from peer events.
func (b *Bus) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// Broadcast delivers to the local room and relays to peers. The count is
// local deliveries only.
func (b *Bus) Broadcast(threadID string, payload []byte, excludeUserID string) int {
	n := b.local.Broadcast(threadID, payload, excludeUserID)
	b.publish(envelope{Kind: kindRoom, Target: threadID, Exclude: excludeUserID, Payload: payload})
	return n
}

// NotifyUser delivers to the user's local connections and relays to peers.
func (b *Bus) NotifyUser(userID string, payload []byte) int {
	n := b.local.NotifyUser(userID, payload)
	b.publish(envelope{Kind: kindUser, Target: userID, Payload: payload})
	return n
}

// BroadcastAll delivers to every local connection and relays to peers.
func (b *Bus) BroadcastAll(payload []byte) int {
	n := b.local.BroadcastAll(payload)
	b.publish(envelope{Kind: kindAll, Payload: payload})
	return n
}

func (b *Bus) publish(env envelope) {
	env.Origin = b.origin
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to encode fan-out envelope", zap.Error(err))
		return
	}
	if err := b.pub.Publish(SubjectPrefix+"."+env.Kind, data); err != nil {
		b.logger.Warn("failed to publish fan-out envelope", zap.String("kind", env.Kind), zap.Error(err))
	}
}

func (b *Bus) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("invalid fan-out envelope", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}

	switch env.Kind {
	case kindRoom:
		b.local.Broadcast(env.Target, env.Payload, env.Exclude)
	case kindUser:
		b.local.NotifyUser(env.Target, env.Payload)
	case kindAll:
		b.local.BroadcastAll(env.Payload)
	default:
		b.logger.Warn("unknown fan-out kind", zap.String("kind", env.Kind))
		return
	}
	metrics.FanoutRelayed.WithLabelValues(env.Kind).Inc()
}
