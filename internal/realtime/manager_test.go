package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

var errConnect = errors.New("connection refused")

// scriptedStore fails the next `failures` Subscribe calls (-1 fails all of
// them) and records every listener it was handed.
type scriptedStore struct {
	*persistence.MemoryStore

	mu        sync.Mutex
	failures  int
	calls     int
	listeners []persistence.Listener
}

func newScriptedStore(failures int) *scriptedStore {
	return &scriptedStore{MemoryStore: persistence.NewMemoryStore(nil), failures: failures}
}

func (s *scriptedStore) Subscribe(ctx context.Context, spec persistence.ChannelSpec, listener persistence.Listener) (persistence.Subscription, error) {
	s.mu.Lock()
	s.calls++
	s.listeners = append(s.listeners, listener)
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return nil, errConnect
	}
	s.mu.Unlock()
	return s.MemoryStore.Subscribe(ctx, spec, listener)
}

func (s *scriptedStore) subscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedStore) listener(i int) persistence.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[i]
}

func newTestManager(t *testing.T, store persistence.Store) (*Manager, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(store, WithClock(fake), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(m.Cleanup)
	return m, fake
}

func TestSubscribeTwiceKeepsSingleChannel(t *testing.T) {
	store := newScriptedStore(0)
	m, _ := newTestManager(t, store)

	for i := 0; i < 2; i++ {
		if err := m.Subscribe(context.Background(), "conv-1", nil, nil); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if got := store.Subscribers("conv-1"); got != 1 {
		t.Fatalf("expected exactly one backend channel, got %d", got)
	}
	if got := m.Active(); got != 1 {
		t.Fatalf("expected one active conversation, got %d", got)
	}
	if m.State("conv-1") != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", m.State("conv-1"))
	}
}

func TestSubscribeRequiresConversationID(t *testing.T) {
	m, _ := newTestManager(t, newScriptedStore(0))
	if err := m.Subscribe(context.Background(), "  ", nil, nil); !errors.Is(err, ErrMissingConversationID) {
		t.Fatalf("expected missing id error, got %v", err)
	}
}

func TestRetriesWithExponentialDelayThenSubscribes(t *testing.T) {
	store := newScriptedStore(2)
	m, fake := newTestManager(t, store)

	onErrorCalls := 0
	if err := m.Subscribe(context.Background(), "conv-1", nil, func(error) { onErrorCalls++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i, want := range []time.Duration{time.Second, 2 * time.Second} {
		if m.State("conv-1") != StateRetrying {
			t.Fatalf("step %d: expected retrying, got %s", i, m.State("conv-1"))
		}
		delay, ok := fake.NextDeadline()
		if !ok || delay != want {
			t.Fatalf("step %d: expected retry in %s, got %s (pending=%v)", i, want, delay, ok)
		}
		fake.Advance(want)
	}

	if m.State("conv-1") != StateSubscribed {
		t.Fatalf("expected subscribed after third attempt, got %s", m.State("conv-1"))
	}
	if store.subscribeCalls() != 3 {
		t.Fatalf("expected 3 subscribe calls, got %d", store.subscribeCalls())
	}
	if onErrorCalls != 0 {
		t.Fatalf("onError must not run when a retry succeeds")
	}
}

func TestRetriesExhaustedReportsTerminalErrorOnce(t *testing.T) {
	store := newScriptedStore(-1)
	m, fake := newTestManager(t, store)

	var reported []error
	if err := m.Subscribe(context.Background(), "conv-1", nil, func(err error) { reported = append(reported, err) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		fake.Advance(delay)
	}
	fake.Advance(time.Hour)

	if len(reported) != 1 {
		t.Fatalf("expected exactly one terminal error, got %d", len(reported))
	}
	if !errors.Is(reported[0], ErrRetriesExhausted) || !errors.Is(reported[0], errConnect) {
		t.Fatalf("expected terminal error wrapping the cause, got %v", reported[0])
	}
	var terminal *TerminalError
	if !errors.As(reported[0], &terminal) || terminal.Retries != DefaultMaxRetries {
		t.Fatalf("expected TerminalError with %d retries, got %v", DefaultMaxRetries, reported[0])
	}
	if got := store.subscribeCalls(); got != DefaultMaxRetries+1 {
		t.Fatalf("expected %d subscribe calls, got %d", DefaultMaxRetries+1, got)
	}
	if m.State("conv-1") != StateFailed {
		t.Fatalf("expected failed state, got %s", m.State("conv-1"))
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected no pending retry timers, got %d", fake.Pending())
	}
	if m.Active() != 0 {
		t.Fatalf("failed conversation must not hold a channel")
	}
}

func TestResubscribeRecoversFailedConversation(t *testing.T) {
	store := newScriptedStore(1)
	m, _ := newTestManager(t, store)
	m.maxRetries = 0

	failed := 0
	m.Subscribe(context.Background(), "conv-1", nil, func(error) { failed++ })
	if failed != 1 || m.State("conv-1") != StateFailed {
		t.Fatalf("expected immediate failure with zero retries, got %d calls, state %s", failed, m.State("conv-1"))
	}

	if err := m.Subscribe(context.Background(), "conv-1", nil, nil); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if m.State("conv-1") != StateSubscribed {
		t.Fatalf("expected explicit resubscribe to recover, got %s", m.State("conv-1"))
	}
}

func TestChannelDropResetsRetryCounter(t *testing.T) {
	store := newScriptedStore(1)
	m, fake := newTestManager(t, store)

	m.Subscribe(context.Background(), "conv-1", nil, nil)
	fake.Advance(time.Second)
	if m.State("conv-1") != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", m.State("conv-1"))
	}

	// Drop the live channel: the next retry starts from the first delay again.
	store.listener(1).OnError(errors.New("socket closed"))

	delay, ok := fake.NextDeadline()
	if !ok || delay != time.Second {
		t.Fatalf("expected counter reset to first delay, got %s", delay)
	}
	fake.Advance(time.Second)
	if m.State("conv-1") != StateSubscribed {
		t.Fatalf("expected resubscribed after drop, got %s", m.State("conv-1"))
	}
}

func TestUnsubscribeCancelsPendingRetry(t *testing.T) {
	store := newScriptedStore(1)
	m, fake := newTestManager(t, store)

	m.Subscribe(context.Background(), "conv-1", nil, nil)
	if fake.Pending() != 1 {
		t.Fatalf("expected a pending retry timer")
	}

	m.Unsubscribe("conv-1")
	m.Unsubscribe("conv-1")

	if fake.Pending() != 0 {
		t.Fatalf("expected retry timer to be cancelled")
	}
	fake.Advance(time.Minute)
	if store.subscribeCalls() != 1 {
		t.Fatalf("expected no retry after unsubscribe, got %d calls", store.subscribeCalls())
	}
	if m.State("conv-1") != StateUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", m.State("conv-1"))
	}
}

func TestStaleListenerIsIgnoredAfterResubscribe(t *testing.T) {
	store := newScriptedStore(0)
	m, fake := newTestManager(t, store)

	var first, second []string
	m.Subscribe(context.Background(), "conv-1", func(e persistence.Event) { first = append(first, e.Message.ID) }, nil)
	m.Subscribe(context.Background(), "conv-1", func(e persistence.Event) { second = append(second, e.Message.ID) }, nil)

	stale := store.listener(0)
	stale.OnEvent(persistence.Event{Type: persistence.EventInsert, Message: models.Message{ID: "late"}})
	stale.OnError(errors.New("late drop"))

	if len(first) != 0 {
		t.Fatalf("torn-down handler must not receive events")
	}
	if fake.Pending() != 0 {
		t.Fatalf("stale error must not schedule a retry")
	}

	store.listener(1).OnEvent(persistence.Event{Type: persistence.EventInsert, Message: models.Message{ID: "m1"}})
	if len(second) != 1 || second[0] != "m1" {
		t.Fatalf("expected live handler to receive m1, got %v", second)
	}
}

func TestEventsArriveInBackendOrder(t *testing.T) {
	store := newScriptedStore(0)
	m, _ := newTestManager(t, store)

	conv, err := store.InsertConversation(context.Background(), models.Conversation{UserID: "u", AgentID: "a"})
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	received := make(chan string, 4)
	if err := m.Subscribe(context.Background(), conv.ID, func(e persistence.Event) { received <- e.Message.Content }, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, content := range []string{"first", "second", "third"} {
		if _, err := store.InsertMessage(context.Background(), persistence.NewMessage{ConversationID: conv.ID, Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCleanupReleasesEverythingAndDisarmsTimers(t *testing.T) {
	store := newScriptedStore(0)
	m, fake := newTestManager(t, store)

	m.Subscribe(context.Background(), "conv-1", nil, nil)
	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	m.Subscribe(context.Background(), "conv-2", nil, nil)

	m.Cleanup()

	if store.Subscribers("conv-1") != 0 {
		t.Fatalf("expected conv-1 channel released")
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected pending retry cancelled")
	}
	fake.Advance(time.Minute)
	if err := m.Subscribe(context.Background(), "conv-3", nil, nil); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected closed manager error, got %v", err)
	}
}
