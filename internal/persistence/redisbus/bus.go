// Package redisbus fans message changes out over Redis pub/sub so that
// several server processes sharing one database see each other's writes.
// Rows still live in the wrapped store; only events travel over Redis.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

type Bus struct {
	persistence.Store

	rdb    *redis.Client
	logger *zap.Logger
}

var _ persistence.Store = (*Bus)(nil)

func New(store persistence.Store, rdb *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{Store: store, rdb: rdb, logger: logger}
}

func (b *Bus) InsertMessage(ctx context.Context, msg persistence.NewMessage) (*models.Message, error) {
	stored, err := b.Store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, persistence.Event{Type: persistence.EventInsert, Message: *stored})
	return stored, nil
}

func (b *Bus) UpdateMessage(ctx context.Context, id string, patch persistence.MessagePatch) (*models.Message, error) {
	updated, err := b.Store.UpdateMessage(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, persistence.Event{Type: persistence.EventUpdate, Message: *updated})
	return updated, nil
}

// publish is best effort: the write already committed, and subscribers
// that miss the event recover it on their next history load.
func (b *Bus) publish(ctx context.Context, event persistence.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encode event failed", zap.String("message_id", event.Message.ID), zap.Error(err))
		return
	}
	channel := persistence.ChannelName(event.Message.ConversationID)
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Warn("publish event failed", zap.String("channel", channel), zap.Error(err))
	}
}

type subscription struct {
	spec     persistence.ChannelSpec
	listener persistence.Listener
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	closed   atomic.Bool
	once     sync.Once
}

func (s *subscription) Channel() string { return s.spec.Name() }

func (b *Bus) Subscribe(ctx context.Context, spec persistence.ChannelSpec, listener persistence.Listener) (persistence.Subscription, error) {
	if strings.TrimSpace(spec.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", persistence.ErrInvalid)
	}

	pubsub := b.rdb.Subscribe(ctx, spec.Name())
	// Wait for the subscription confirmation so no publish after this
	// call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", spec.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{spec: spec, listener: listener, pubsub: pubsub, cancel: cancel}
	go b.receive(loopCtx, sub)
	return sub, nil
}

func (b *Bus) Unsubscribe(ctx context.Context, sub persistence.Subscription) error {
	rs, ok := sub.(*subscription)
	if !ok || rs == nil {
		return fmt.Errorf("%w: foreign subscription", persistence.ErrInvalid)
	}
	rs.closed.Store(true)
	rs.cancel()
	return rs.pubsub.Close()
}

func (b *Bus) receive(ctx context.Context, sub *subscription) {
	for {
		msg, err := sub.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || sub.closed.Load() || errors.Is(err, redis.ErrClosed) {
				return
			}
			sub.once.Do(func() {
				if sub.listener.OnError != nil {
					sub.listener.OnError(fmt.Errorf("redisbus: channel %s: %w", sub.spec.Name(), err))
				}
			})
			_ = sub.pubsub.Close()
			return
		}

		var event persistence.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("malformed event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if !sub.spec.Accepts(event.Type) || sub.closed.Load() {
			continue
		}
		if sub.listener.OnEvent != nil {
			sub.listener.OnEvent(event)
		}
	}
}
