package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

type ChangeKind string

const (
	ChangeAppended  ChangeKind = "appended"
	ChangeUpdated   ChangeKind = "updated"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeDiscarded ChangeKind = "discarded"
	ChangeFailed    ChangeKind = "failed"
)

// Change is published to watchers whenever the timeline moves. Err is set
// only for ChangeFailed.
type Change struct {
	Kind    ChangeKind     `json:"kind"`
	Message models.Message `json:"message"`
	Err     error          `json:"-"`
}

// Timeline is a client's ordered view of one conversation. Optimistic local
// copies are tracked by idempotency key and folded into the durable record
// when either the send acknowledgement or the remote echo arrives, so a
// write is never shown twice.
type Timeline struct {
	conversationID string
	logger         *zap.Logger

	mu       sync.Mutex
	messages []models.Message
	pending  map[string]string
	watchers map[int]chan Change
	nextID   int
}

func NewTimeline(conversationID string, history []models.Message, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	messages := append([]models.Message(nil), history...)
	models.SortMessages(messages)
	return &Timeline{
		conversationID: conversationID,
		logger:         logger,
		messages:       messages,
		pending:        make(map[string]string),
		watchers:       make(map[int]chan Change),
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// Messages returns a snapshot in (CreatedAt, ID) order.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.messages...)
}

// Pending reports how many local messages still await their durable copy.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// AddLocal shows msg before the store has acknowledged it. The message must
// carry an idempotency key.
func (t *Timeline) AddLocal(msg models.Message) models.Message {
	if msg.ConversationID == "" {
		msg.ConversationID = t.conversationID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.ID == "" {
		msg.ID = "local-" + msg.IdempotencyKey
	}

	t.mu.Lock()
	if msg.IdempotencyKey != "" {
		t.pending[msg.IdempotencyKey] = msg.ID
	}
	t.insertLocked(msg)
	t.mu.Unlock()

	t.publish(Change{Kind: ChangeAppended, Message: msg})
	return msg
}

// Confirm folds the store's acknowledgement of a locally added message.
func (t *Timeline) Confirm(key string, stored models.Message) {
	if stored.IdempotencyKey == "" {
		stored.IdempotencyKey = key
	}
	if change, ok := t.fold(stored); ok {
		t.publish(change)
	}
}

// Apply folds a remote event. It reports the resulting change, or false
// when the event was a duplicate or stale.
func (t *Timeline) Apply(event persistence.Event) (Change, bool) {
	if event.Message.ConversationID != "" && event.Message.ConversationID != t.conversationID {
		return Change{}, false
	}
	change, ok := t.fold(event.Message)
	if ok {
		t.publish(change)
	}
	return change, ok
}

// Discard removes a local message whose send failed.
func (t *Timeline) Discard(key string) bool {
	t.mu.Lock()
	localID, ok := t.pending[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, key)
	idx := t.indexLocked(localID)
	var removed models.Message
	if idx >= 0 {
		removed = t.messages[idx]
		t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	}
	t.mu.Unlock()

	t.publish(Change{Kind: ChangeDiscarded, Message: removed})
	return true
}

// Fail tells watchers the live feed is gone for good.
func (t *Timeline) Fail(err error) {
	t.publish(Change{Kind: ChangeFailed, Err: err})
}

// Watch returns a stream of changes and a function that stops it. Slow
// watchers miss changes rather than block the timeline.
func (t *Timeline) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Timeline) fold(incoming models.Message) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key := incoming.IdempotencyKey; key != "" {
		if localID, ok := t.pending[key]; ok {
			delete(t.pending, key)
			if idx := t.indexLocked(localID); idx >= 0 {
				t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
			}
			if idx := t.indexLocked(incoming.ID); idx >= 0 {
				t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
			}
			t.insertLocked(incoming)
			return Change{Kind: ChangeConfirmed, Message: incoming}, true
		}
	}

	idx := t.indexLocked(incoming.ID)
	if idx < 0 {
		t.insertLocked(incoming)
		return Change{Kind: ChangeAppended, Message: incoming}, true
	}

	existing := t.messages[idx]
	if incoming.UpdatedAt.Before(existing.UpdatedAt) {
		return Change{}, false
	}
	if incoming.UpdatedAt.Equal(existing.UpdatedAt) && incoming.Content == existing.Content && incoming.Final == existing.Final {
		return Change{}, false
	}

	if incoming.Content != existing.Content {
		if existing.Final || !strings.HasPrefix(incoming.Content, existing.Content) {
			t.logger.Warn("rejected content rewrite",
				zap.String("conversation_id", t.conversationID),
				zap.String("message_id", existing.ID),
				zap.Bool("final", existing.Final),
			)
			incoming.Content = existing.Content
		}
	}
	if existing.Final {
		incoming.Final = true
	}

	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	t.insertLocked(incoming)
	return Change{Kind: ChangeUpdated, Message: incoming}, true
}

func (t *Timeline) insertLocked(msg models.Message) {
	idx := sort.Search(len(t.messages), func(i int) bool {
		return !models.MessageLess(t.messages[i], msg)
	})
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[idx+1:], t.messages[idx:])
	t.messages[idx] = msg
}

func (t *Timeline) indexLocked(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) publish(change Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.watchers {
		select {
		case ch <- change:
		default:
			t.logger.Debug("timeline watcher lagging, change dropped",
				zap.String("conversation_id", t.conversationID),
				zap.String("kind", string(change.Kind)),
			)
		}
	}
}
