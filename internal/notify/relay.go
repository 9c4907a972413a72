// Package notify relays game events between processes over Redis pub/sub.
// A worker that settles on a shared ledger publishes; every API process
// subscribes and forwards to its connected players.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"commodex/internal/game"
	"commodex/internal/state"
)

const DefaultChannel = "commodex:events"

// Broadcast is the recipient marker for EmitToAll.
const Broadcast = "*"

// Envelope is one relayed event.
type Envelope struct {
	Origin  string          `json:"origin"`
	To      string          `json:"to"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

func encode(origin, to, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}
	return json.Marshal(Envelope{Origin: origin, To: to, Event: event, Payload: raw, SentAt: time.Now().UTC()})
}

func decode(msg string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		return env, errors.Wrap(err, "decode envelope")
	}
	if env.Event == "" || env.To == "" {
		return env, errors.New("envelope missing event or recipient")
	}
	return env, nil
}

// Publisher implements game.Notifier by publishing to a Redis channel.
// Publish failures are logged; delivery is best effort.
type Publisher struct {
	rdb     redis.UniversalClient
	channel string
	origin  string
	log     *zap.Logger
	timeout time.Duration
}

func NewPublisher(rdb redis.UniversalClient, channel, origin string, log *zap.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{rdb: rdb, channel: channel, origin: origin, log: log, timeout: 2 * time.Second}
}

func (p *Publisher) EmitToUser(userID, event string, payload any) {
	p.publish(userID, event, payload)
}

func (p *Publisher) EmitToAll(event string, payload any) {
	p.publish(Broadcast, event, payload)
}

func (p *Publisher) publish(to, event string, payload any) {
	msg, err := encode(p.origin, to, event, payload)
	if err != nil {
		p.log.Error("relay encode", zap.String("event", event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, msg).Err(); err != nil {
		p.log.Warn("relay publish", zap.String("event", event), zap.Error(err))
	}
}

// Projection is the local game state a Subscriber keeps in step with the
// shared ledger.
type Projection interface {
	Reload(ctx context.Context) error
	Snapshot() state.Snapshot
}

// Subscriber forwards relayed events to a local notifier. A relayed state
// update never carries its payload through: the subscriber reloads its own
// projection from the ledger and forwards that snapshot instead.
type Subscriber struct {
	rdb     redis.UniversalClient
	channel string
	origin  string
	target  game.Notifier
	proj    Projection
	log     *zap.Logger
}

func NewSubscriber(rdb redis.UniversalClient, channel, origin string, target game.Notifier, proj Projection, log *zap.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{rdb: rdb, channel: channel, origin: origin, target: target, proj: proj, log: log}
}

// Run blocks until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "subscribe %s", s.channel)
	}
	s.log.Info("event relay subscribed", zap.String("channel", s.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, raw string) {
	env, err := decode(raw)
	if err != nil {
		s.log.Warn("relay drop", zap.Error(err))
		return
	}
	if s.origin != "" && env.Origin == s.origin {
		return
	}
	var payload any = env.Payload
	if env.Event == game.EventGameStateUpdate {
		if s.proj == nil {
			return
		}
		if err := s.proj.Reload(ctx); err != nil {
			s.log.Warn("relay refresh, state update dropped", zap.String("origin", env.Origin), zap.Error(err))
			return
		}
		payload = s.proj.Snapshot()
	}
	if env.To == Broadcast {
		s.target.EmitToAll(env.Event, payload)
		return
	}
	s.target.EmitToUser(env.To, env.Event, payload)
}
