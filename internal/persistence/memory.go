package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/models"
)

// MemoryStore keeps everything in process. Listeners receive events on a
// per-subscription goroutine in commit order, so they may call back into
// the store.
type MemoryStore struct {
	clock clock.Clock

	mu            sync.Mutex
	conversations map[string]models.Conversation
	pairs         map[string]string
	messages      map[string]models.Message
	keys          map[string]string
	agents        map[string]models.Agent
	subs          map[string]map[*memorySubscription]struct{}
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		clock:         c,
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]models.Message),
		keys:          make(map[string]string),
		agents:        make(map[string]models.Agent),
		subs:          make(map[string]map[*memorySubscription]struct{}),
	}
}

func pairKey(userID, agentID string) string {
	return userID + "\x00" + agentID
}

func (s *MemoryStore) InsertConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	if strings.TrimSpace(conv.UserID) == "" || strings.TrimSpace(conv.AgentID) == "" {
		return nil, fmt.Errorf("%w: conversation needs user and agent", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pairs[pairKey(conv.UserID, conv.AgentID)]; exists {
		return nil, ErrConflict
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}

	s.conversations[conv.ID] = conv
	s.pairs[pairKey(conv.UserID, conv.AgentID)] = conv.ID
	return &conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

func (s *MemoryStore) FindConversation(ctx context.Context, userID, agentID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[pairKey(userID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	conv := s.conversations[id]
	return &conv, nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg NewMessage) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	if msg.IdempotencyKey != "" {
		if id, dup := s.keys[msg.IdempotencyKey]; dup {
			existing := s.messages[id]
			return &existing, nil
		}
	}

	now := s.clock.Now().UTC()
	stored := models.Message{
		ID:             NewMessageID(now),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		IdempotencyKey: msg.IdempotencyKey,
		Final:          msg.Final,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[stored.ID] = stored
	if msg.IdempotencyKey != "" {
		s.keys[msg.IdempotencyKey] = stored.ID
	}
	conv.LastActivityAt = now
	s.conversations[conv.ID] = conv

	s.publishLocked(Event{Type: EventInsert, Message: stored})
	return &stored, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated, err := ApplyPatch(current, patch, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.messages[id] = updated

	s.publishLocked(Event{Type: EventUpdate, Message: updated})
	return &updated, nil
}

func (s *MemoryStore) QueryMessages(ctx context.Context, query MessageQuery) ([]models.Message, error) {
	if strings.TrimSpace(query.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalid)
	}

	s.mu.Lock()
	result := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ConversationID == query.ConversationID {
			result = append(result, msg)
		}
	}
	s.mu.Unlock()

	models.SortMessages(result)
	if query.Descending {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}

	if query.Offset > 0 {
		if query.Offset >= len(result) {
			return []models.Message{}, nil
		}
		result = result[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(result) {
		result = result[:query.Limit]
	}
	return result, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &agent, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, query AgentQuery) ([]models.Agent, int64, error) {
	search := strings.ToLower(strings.TrimSpace(query.Search))

	s.mu.Lock()
	matched := make([]models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if search != "" &&
			!strings.Contains(strings.ToLower(agent.Name), search) &&
			!strings.Contains(strings.ToLower(agent.Title), search) {
			continue
		}
		matched = append(matched, agent)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	total := int64(len(matched))

	if query.Offset >= len(matched) {
		return []models.Agent{}, total, nil
	}
	matched = matched[query.Offset:]
	if query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent models.Agent) (*models.Agent, error) {
	if strings.TrimSpace(agent.Name) == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if existing, ok := s.agents[agent.ID]; ok && agent.CreatedAt.IsZero() {
		agent.CreatedAt = existing.CreatedAt
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = s.clock.Now().UTC()
	}
	s.agents[agent.ID] = agent
	return &agent, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, spec ChannelSpec, listener Listener) (Subscription, error) {
	if strings.TrimSpace(spec.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{spec: spec, listener: listener, queue: newEventQueue()}
	go sub.queue.run()

	s.mu.Lock()
	set, ok := s.subs[spec.ConversationID]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		s.subs[spec.ConversationID] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

func (s *MemoryStore) Unsubscribe(ctx context.Context, sub Subscription) error {
	ms, ok := sub.(*memorySubscription)
	if !ok || ms == nil {
		return fmt.Errorf("%w: foreign subscription", ErrInvalid)
	}

	s.mu.Lock()
	if set, ok := s.subs[ms.spec.ConversationID]; ok {
		delete(set, ms)
		if len(set) == 0 {
			delete(s.subs, ms.spec.ConversationID)
		}
	}
	s.mu.Unlock()

	ms.queue.close()
	return nil
}

// Drop severs every live channel of a conversation, reporting err to its
// listeners as a connection failure.
func (s *MemoryStore) Drop(conversationID string, err error) {
	if err == nil {
		err = ErrClosed
	}

	s.mu.Lock()
	set := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.mu.Unlock()

	for sub := range set {
		listener := sub.listener
		sub.queue.push(func() {
			if listener.OnError != nil {
				listener.OnError(err)
			}
		})
		sub.queue.closeAfterDrain()
	}
}

// Subscribers returns the number of live channels for a conversation.
func (s *MemoryStore) Subscribers(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[conversationID])
}

func (s *MemoryStore) publishLocked(event Event) {
	for sub := range s.subs[event.Message.ConversationID] {
		if !sub.spec.Accepts(event.Type) {
			continue
		}
		listener := sub.listener
		evt := event
		sub.queue.push(func() {
			if listener.OnEvent != nil {
				listener.OnEvent(evt)
			}
		})
	}
}

type memorySubscription struct {
	spec     ChannelSpec
	listener Listener
	queue    *eventQueue
}

func (s *memorySubscription) Channel() string { return s.spec.Name() }

// eventQueue is an unbounded FIFO drained by one goroutine.
type eventQueue struct {
	mu       sync.Mutex
	items    []func()
	notify   chan struct{}
	closed   bool
	draining bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(item func()) {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close stops delivery immediately; queued items are discarded.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

// closeAfterDrain rejects new items but delivers those already queued.
func (q *eventQueue) closeAfterDrain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) run() {
	for range q.notify {
		for {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.items) == 0 {
				done := q.draining
				q.mu.Unlock()
				if done {
					return
				}
				break
			}
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			item()
		}
	}
}
