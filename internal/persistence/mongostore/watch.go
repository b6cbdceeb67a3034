package mongostore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

type changeEvent struct {
	OperationType string         `bson:"operationType"`
	FullDocument  models.Message `bson:"fullDocument"`
}

type subscription struct {
	spec     persistence.ChannelSpec
	listener persistence.Listener
	cancel   context.CancelFunc
	closed   atomic.Bool
	once     sync.Once
}

func (s *subscription) Channel() string { return s.spec.Name() }

var operationTypes = map[persistence.EventType]string{
	persistence.EventInsert: "insert",
	persistence.EventUpdate: "update",
}

func (s *Store) Subscribe(ctx context.Context, spec persistence.ChannelSpec, listener persistence.Listener) (persistence.Subscription, error) {
	if strings.TrimSpace(spec.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", persistence.ErrInvalid)
	}

	ops := bson.A{}
	for _, eventType := range []persistence.EventType{persistence.EventInsert, persistence.EventUpdate} {
		if spec.Accepts(eventType) {
			ops = append(ops, operationTypes[eventType])
		}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":                bson.M{"$in": ops},
			"fullDocument.conversation_id": spec.ConversationID,
		}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.messages.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: watch %s: %w", spec.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{spec: spec, listener: listener, cancel: cancel}
	go s.watch(loopCtx, stream, sub)

	s.logger.Debug("watching", zap.String("channel", spec.Name()))
	return sub, nil
}

// Unsubscribe stops delivery without waiting for the stream goroutine.
func (s *Store) Unsubscribe(ctx context.Context, sub persistence.Subscription) error {
	ms, ok := sub.(*subscription)
	if !ok || ms == nil {
		return fmt.Errorf("%w: foreign subscription", persistence.ErrInvalid)
	}
	ms.closed.Store(true)
	ms.cancel()
	return nil
}

func (s *Store) watch(ctx context.Context, stream *mongo.ChangeStream, sub *subscription) {
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var change changeEvent
		if err := stream.Decode(&change); err != nil {
			s.logger.Warn("malformed change event", zap.String("channel", sub.spec.Name()), zap.Error(err))
			continue
		}

		eventType := persistence.EventInsert
		if change.OperationType != "insert" {
			eventType = persistence.EventUpdate
		}
		if sub.closed.Load() {
			return
		}
		if sub.listener.OnEvent != nil {
			sub.listener.OnEvent(persistence.Event{Type: eventType, Message: *normalise(change.FullDocument)})
		}
	}

	if ctx.Err() != nil || sub.closed.Load() {
		return
	}
	err := stream.Err()
	if err == nil {
		err = persistence.ErrClosed
	}
	sub.once.Do(func() {
		if sub.listener.OnError != nil {
			sub.listener.OnError(fmt.Errorf("mongostore: channel %s: %w", sub.spec.Name(), err))
		}
	})
}
