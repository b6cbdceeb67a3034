// Package persistence defines the backend store the conversation core
// talks to, plus an in-memory implementation. Concrete database backends
// live in the pgstore, mongostore and redisbus subpackages.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wuwenbin0122/workforce/internal/models"
)

var (
	ErrNotFound  = errors.New("persistence: not found")
	ErrConflict  = errors.New("persistence: conflict")
	ErrImmutable = errors.New("persistence: message is final")
	ErrInvalid   = errors.New("persistence: invalid record")
	ErrClosed    = errors.New("persistence: subscription closed")
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// Event is one change observed on a conversation channel.
type Event struct {
	Type    EventType      `json:"type"`
	Message models.Message `json:"message"`
}

// ChannelSpec selects the events a subscription receives. An empty
// Events slice means inserts and updates.
type ChannelSpec struct {
	ConversationID string
	Events         []EventType
}

func (s ChannelSpec) Name() string {
	return ChannelName(s.ConversationID)
}

func (s ChannelSpec) Accepts(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, candidate := range s.Events {
		if candidate == eventType {
			return true
		}
	}
	return false
}

// ChannelName is the backend channel used for a conversation's message feed.
func ChannelName(conversationID string) string {
	return "messages:" + conversationID
}

// Listener receives events from an established channel. OnError is called
// at most once, when the channel drops; no events follow it.
type Listener struct {
	OnEvent func(Event)
	OnError func(error)
}

// Subscription is the handle returned by Store.Subscribe.
type Subscription interface {
	Channel() string
}

type NewMessage struct {
	ConversationID string
	Role           models.Role
	Content        string
	Metadata       models.MessageMetadata
	IdempotencyKey string
	Final          bool
}

func (m NewMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalid)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, m.Role)
	}
	return nil
}

// MessagePatch describes the only updates a stored message accepts:
// appending streamed content, attaching metadata, and finalising.
type MessagePatch struct {
	AppendContent string
	Metadata      models.MessageMetadata
	MarkFinal     bool
}

type MessageQuery struct {
	ConversationID string
	Descending     bool
	Offset         int
	Limit          int
}

type AgentQuery struct {
	Search string
	Offset int
	Limit  int
}

// Store is the persistence collaborator: inserts, ordered range queries and
// live per-conversation channels.
type Store interface {
	InsertConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindConversation(ctx context.Context, userID, agentID string) (*models.Conversation, error)

	InsertMessage(ctx context.Context, msg NewMessage) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*models.Message, error)
	QueryMessages(ctx context.Context, query MessageQuery) ([]models.Message, error)

	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, query AgentQuery) ([]models.Agent, int64, error)
	UpsertAgent(ctx context.Context, agent models.Agent) (*models.Agent, error)

	Subscribe(ctx context.Context, spec ChannelSpec, listener Listener) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// NewMessageID returns a ULID stamped with t so that lexical order follows
// creation order.
func NewMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// ApplyPatch returns msg with patch applied at time now.
func ApplyPatch(msg models.Message, patch MessagePatch, now time.Time) (models.Message, error) {
	if patch.AppendContent != "" {
		if msg.Final {
			return msg, ErrImmutable
		}
		msg.Content += patch.AppendContent
	}
	msg.Metadata = msg.Metadata.Merge(patch.Metadata)
	if patch.MarkFinal {
		msg.Final = true
	}
	msg.UpdatedAt = now
	return msg, nil
}

// NormalizeLimit clamps a page size to [1, max], using fallback for zero.
func NormalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > max {
		limit = max
	}
	return limit
}
