// Package realtime keeps live, self-healing message channels for the
// conversations a client is looking at.
//
// A Manager holds at most one channel per conversation. When a channel
// cannot be opened or drops, it is reopened after 1s, 2s, 4s, ... up to
// the retry limit; after that the conversation is marked Failed and the
// caller's error handler runs once. Only an explicit Subscribe recovers a
// failed conversation.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/metrics"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second

	releaseTimeout = 5 * time.Second
)

var (
	ErrMissingConversationID = errors.New("realtime: conversation id is required")
	ErrRetriesExhausted      = errors.New("realtime: retries exhausted")
	ErrManagerClosed         = errors.New("realtime: manager closed")
)

// TerminalError is reported to the error handler when a conversation's
// channel could not be re-established.
type TerminalError struct {
	ConversationID string
	Retries        int
	Err            error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("realtime: conversation %s unreachable after %d retries: %v", e.ConversationID, e.Retries, e.Err)
}

func (e *TerminalError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

type State int

const (
	StateUnsubscribed State = iota
	StateConnecting
	StateSubscribed
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unsubscribed"
	}
}

type (
	MessageHandler func(persistence.Event)
	ErrorHandler   func(error)
)

type Option func(*Manager)

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*entry)

// OnReconnect registers fn to run each time a retry re-establishes the
// channel. Events written while the channel was down are not
// replayed, so callers use it to reload history.
func OnReconnect(fn func()) SubscribeOption {
	return func(e *entry) {
		e.onReconnect = fn
	}
}

func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.baseDelay = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns the conversation → channel map for one client. Separate
// managers never share state.
type Manager struct {
	store      persistence.Store
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	closed  bool
}

// entry is the per-conversation state. generation changes on every
// (re)connect and teardown; callbacks carrying an older generation are
// ignored.
type entry struct {
	conversationID string
	generation     uint64
	state          State
	retries        int
	handle         persistence.Subscription
	timer          clock.Timer
	onMessage      MessageHandler
	onError        ErrorHandler
	onReconnect    func()
	recovering     bool
}

func NewManager(store persistence.Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe replaces any channel for conversationID with a new one and
// routes its insert/update events to onMessage in delivery order.
// Connection failures are retried in the background and only surface
// through onError once retries are exhausted.
func (m *Manager) Subscribe(ctx context.Context, conversationID string, onMessage MessageHandler, onError ErrorHandler, opts ...SubscribeOption) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrMissingConversationID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	var stale persistence.Subscription
	if previous, ok := m.entries[conversationID]; ok {
		stale = m.detachLocked(previous)
	}

	e := &entry{
		conversationID: conversationID,
		onMessage:      onMessage,
		onError:        onError,
	}
	for _, opt := range opts {
		opt(e)
	}
	m.entries[conversationID] = e
	gen := m.beginConnectLocked(e)
	m.mu.Unlock()

	m.release(stale)

	return m.connect(ctx, conversationID, gen)
}

// Unsubscribe releases the conversation's channel and cancels any pending
// retry. Unknown conversations are ignored.
func (m *Manager) Unsubscribe(conversationID string) {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, conversationID)
	stale := m.detachLocked(e)
	m.mu.Unlock()

	m.release(stale)
	m.logger.Debug("conversation unsubscribed", zap.String("conversation_id", conversationID))
}

// Cleanup unsubscribes every conversation. The manager rejects new
// subscriptions afterwards.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stale := make([]persistence.Subscription, 0, len(m.entries))
	for id, e := range m.entries {
		if h := m.detachLocked(e); h != nil {
			stale = append(stale, h)
		}
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, h := range stale {
		m.release(h)
	}
	m.cancel()
}

func (m *Manager) State(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[conversationID]; ok {
		return e.state
	}
	return StateUnsubscribed
}

// Active returns the number of conversations holding an open channel.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.entries {
		if e.handle != nil {
			count++
		}
	}
	return count
}

func (m *Manager) nextGenerationLocked() uint64 {
	m.seq++
	return m.seq
}

func (m *Manager) beginConnectLocked(e *entry) uint64 {
	e.generation = m.nextGenerationLocked()
	e.state = StateConnecting
	return e.generation
}

// detachLocked invalidates e's callbacks, stops its timer and hands back
// the channel to release outside the lock.
func (m *Manager) detachLocked(e *entry) persistence.Subscription {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.state == StateSubscribed {
		metrics.SyncSubscriptionsActive.Dec()
	}
	e.generation = m.nextGenerationLocked()
	e.state = StateUnsubscribed
	h := e.handle
	e.handle = nil
	return h
}

func (m *Manager) current(conversationID string, gen uint64) (*entry, bool) {
	e, ok := m.entries[conversationID]
	if !ok || m.closed || e.generation != gen {
		return nil, false
	}
	return e, true
}

func (m *Manager) connect(ctx context.Context, conversationID string, gen uint64) error {
	spec := persistence.ChannelSpec{
		ConversationID: conversationID,
		Events:         []persistence.EventType{persistence.EventInsert, persistence.EventUpdate},
	}

	handle, err := m.store.Subscribe(ctx, spec, persistence.Listener{
		OnEvent: func(event persistence.Event) { m.deliver(conversationID, gen, event) },
		OnError: func(err error) { m.fail(conversationID, gen, err) },
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			m.abandon(conversationID, gen)
			return err
		}
		m.fail(conversationID, gen, err)
		return nil
	}

	m.mu.Lock()
	e, ok := m.current(conversationID, gen)
	if !ok {
		m.mu.Unlock()
		m.release(handle)
		return nil
	}
	e.handle = handle
	e.state = StateSubscribed
	e.retries = 0
	var onReconnect func()
	if e.recovering {
		onReconnect = e.onReconnect
		e.recovering = false
	}
	metrics.SyncSubscriptionsActive.Inc()
	m.mu.Unlock()

	m.logger.Debug("conversation subscribed",
		zap.String("conversation_id", conversationID),
		zap.String("channel", handle.Channel()),
		zap.Bool("reconnect", onReconnect != nil),
	)
	if onReconnect != nil {
		onReconnect()
	}
	return nil
}

// abandon drops an entry whose caller gave up before the channel opened.
func (m *Manager) abandon(conversationID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.current(conversationID, gen); ok {
		m.detachLocked(e)
		delete(m.entries, conversationID)
	}
}

func (m *Manager) deliver(conversationID string, gen uint64, event persistence.Event) {
	m.mu.Lock()
	e, ok := m.current(conversationID, gen)
	var handler MessageHandler
	if ok {
		handler = e.onMessage
	}
	m.mu.Unlock()

	if !ok || handler == nil {
		return
	}
	metrics.SyncEvents.WithLabelValues(string(event.Type)).Inc()
	handler(event)
}

func (m *Manager) fail(conversationID string, gen uint64, cause error) {
	m.mu.Lock()
	e, ok := m.current(conversationID, gen)
	if !ok {
		m.mu.Unlock()
		return
	}

	stale := e.handle
	e.handle = nil
	if e.state == StateSubscribed {
		metrics.SyncSubscriptionsActive.Dec()
	}

	if e.retries >= m.maxRetries {
		e.state = StateFailed
		e.generation = m.nextGenerationLocked()
		retries := e.retries
		onError := e.onError
		m.mu.Unlock()

		m.release(stale)
		metrics.SyncFailures.Inc()
		m.logger.Error("conversation channel failed",
			zap.String("conversation_id", conversationID),
			zap.Int("retries", retries),
			zap.Error(cause),
		)
		if onError != nil {
			onError(&TerminalError{ConversationID: conversationID, Retries: retries, Err: cause})
		}
		return
	}

	delay := m.baseDelay << e.retries
	e.retries++
	e.state = StateRetrying
	e.recovering = true
	retryGen := m.nextGenerationLocked()
	e.generation = retryGen
	e.timer = m.clock.AfterFunc(delay, func() { m.retry(conversationID, retryGen) })
	attempt := e.retries
	m.mu.Unlock()

	m.release(stale)
	metrics.SyncRetries.Inc()
	m.logger.Warn("conversation channel error, retrying",
		zap.String("conversation_id", conversationID),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", m.maxRetries),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (m *Manager) retry(conversationID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.current(conversationID, gen)
	if !ok || e.state != StateRetrying {
		m.mu.Unlock()
		return
	}
	e.timer = nil
	next := m.beginConnectLocked(e)
	ctx := m.ctx
	m.mu.Unlock()

	_ = m.connect(ctx, conversationID, next)
}

func (m *Manager) release(h persistence.Subscription) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.store.Unsubscribe(ctx, h); err != nil {
		m.logger.Debug("release channel failed", zap.String("channel", h.Channel()), zap.Error(err))
	}
}
