package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/persistence"
)

// notification is the payload written by notify_message_change.
type notification struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type subscription struct {
	spec     persistence.ChannelSpec
	listener persistence.Listener
	cancel   context.CancelFunc
	closed   atomic.Bool
	once     sync.Once
}

func (s *subscription) Channel() string { return s.spec.Name() }

// Subscribe holds a pooled connection in LISTEN mode for the lifetime of
// the subscription. The listening goroutine owns the connection and
// returns it to the pool when it exits.
func (s *Store) Subscribe(ctx context.Context, spec persistence.ChannelSpec, listener persistence.Listener) (persistence.Subscription, error) {
	if strings.TrimSpace(spec.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", persistence.ErrInvalid)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: acquire listener: %w", err)
	}

	channel := pgx.Identifier{spec.Name()}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgstore: listen %s: %w", spec.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		spec:     spec,
		listener: listener,
		cancel:   cancel,
	}
	go s.listen(loopCtx, conn, channel, sub)

	s.logger.Debug("listening", zap.String("channel", spec.Name()))
	return sub, nil
}

// Unsubscribe stops delivery at once. It does not wait for the listener
// goroutine, so it is safe to call from inside a listener callback.
func (s *Store) Unsubscribe(ctx context.Context, sub persistence.Subscription) error {
	ps, ok := sub.(*subscription)
	if !ok || ps == nil {
		return fmt.Errorf("%w: foreign subscription", persistence.ErrInvalid)
	}
	ps.closed.Store(true)
	ps.cancel()
	return nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn, channel string, sub *subscription) {
	healthy := true
	defer func() {
		if healthy {
			cleanup, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
			_, err := conn.Exec(cleanup, "UNLISTEN "+channel)
			cancel()
			if err != nil {
				s.logger.Debug("unlisten failed", zap.String("channel", sub.spec.Name()), zap.Error(err))
				conn.Conn().Close(context.Background())
			}
		} else {
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || sub.closed.Load() {
				return
			}
			healthy = false
			s.report(sub, err)
			return
		}

		var payload notification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			s.logger.Warn("malformed notification", zap.String("channel", n.Channel), zap.Error(err))
			continue
		}
		eventType := persistence.EventType(payload.Type)
		if !sub.spec.Accepts(eventType) {
			continue
		}

		msg, err := s.getMessage(ctx, payload.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, persistence.ErrNotFound) {
				s.logger.Debug("notified message vanished", zap.String("message_id", payload.ID))
				continue
			}
			healthy = false
			s.report(sub, err)
			return
		}

		if sub.closed.Load() {
			return
		}
		if sub.listener.OnEvent != nil {
			sub.listener.OnEvent(persistence.Event{Type: eventType, Message: *msg})
		}
	}
}

func (s *Store) report(sub *subscription, err error) {
	sub.once.Do(func() {
		if sub.closed.Load() || sub.listener.OnError == nil {
			return
		}
		sub.listener.OnError(fmt.Errorf("pgstore: channel %s: %w", sub.spec.Name(), err))
	})
}
