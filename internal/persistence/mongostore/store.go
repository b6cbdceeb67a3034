// Package mongostore implements persistence.Store on MongoDB. Live
// channels are change streams on the messages collection, which requires
// a replica set or sharded cluster.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/metrics"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Store struct {
	agents        *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	clock         clock.Clock
	logger        *zap.Logger
}

var _ persistence.Store = (*Store)(nil)

func New(m *db.Mongo, opts ...Option) *Store {
	s := &Store{
		agents:        m.Agents,
		conversations: m.Conversations,
		messages:      m.Messages,
		clock:         clock.Real(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BSON dates carry millisecond precision.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues("mongo", op).Observe(time.Since(start).Seconds())
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return persistence.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", persistence.ErrConflict, err)
	default:
		return err
	}
}

func (s *Store) InsertConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	defer observe("insert_conversation", time.Now())

	if strings.TrimSpace(conv.UserID) == "" || strings.TrimSpace(conv.AgentID) == "" {
		return nil, fmt.Errorf("%w: user and agent are required", persistence.ErrInvalid)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now()
	conv.CreatedAt = now
	conv.LastActivityAt = now

	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		return nil, fmt.Errorf("mongostore: insert conversation: %w", translate(err))
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *Store) FindConversation(ctx context.Context, userID, agentID string) (*models.Conversation, error) {
	defer observe("find_conversation", time.Now())
	return s.findConversation(ctx, bson.M{"user_id": userID, "agent_id": agentID})
}

func (s *Store) findConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.conversations.FindOne(ctx, filter).Decode(&conv); err != nil {
		return nil, fmt.Errorf("mongostore: conversation: %w", translate(err))
	}
	return &conv, nil
}

// InsertMessage is idempotent on IdempotencyKey. The upsert only sets
// fields on insert, so a repeated key returns the first stored document.
func (s *Store) InsertMessage(ctx context.Context, msg persistence.NewMessage) (*models.Message, error) {
	defer observe("insert_message", time.Now())

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return nil, err
	}

	now := s.now()
	doc := models.Message{
		ID:             persistence.NewMessageID(now),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		IdempotencyKey: msg.IdempotencyKey,
		Final:          msg.Final,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var stored models.Message
	if msg.IdempotencyKey == "" {
		if _, err := s.messages.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("mongostore: insert message: %w", translate(err))
		}
		stored = doc
	} else {
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		err := s.messages.FindOneAndUpdate(ctx,
			bson.M{"idempotency_key": msg.IdempotencyKey},
			bson.M{"$setOnInsert": doc},
			opts,
		).Decode(&stored)
		if mongo.IsDuplicateKeyError(err) {
			// Two upserts raced on the unique index; the loser reads the winner.
			err = s.messages.FindOne(ctx, bson.M{"idempotency_key": msg.IdempotencyKey}).Decode(&stored)
		}
		if err != nil {
			return nil, fmt.Errorf("mongostore: insert message: %w", translate(err))
		}
		if stored.ID != doc.ID {
			return normalise(stored), nil
		}
	}

	_, err := s.conversations.UpdateByID(ctx, msg.ConversationID, bson.M{"$max": bson.M{"last_activity_at": now}})
	if err != nil {
		s.logger.Warn("touch conversation failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	return normalise(stored), nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, patch persistence.MessagePatch) (*models.Message, error) {
	defer observe("update_message", time.Now())

	var current models.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&current); err != nil {
		return nil, fmt.Errorf("mongostore: update message %s: %w", id, translate(err))
	}
	next, err := persistence.ApplyPatch(current, patch, s.now())
	if err != nil {
		return nil, err
	}

	// The final flag in the filter stops a concurrent finalise from being
	// overwritten by an append computed against the older copy.
	filter := bson.M{"_id": id, "content": current.Content, "final": current.Final}
	update := bson.M{"$set": bson.M{
		"content":    next.Content,
		"metadata":   next.Metadata,
		"final":      next.Final,
		"updated_at": next.UpdatedAt,
	}}
	res, err := s.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("mongostore: update message %s: %w", id, translate(err))
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("mongostore: update message %s: %w", id, persistence.ErrConflict)
	}
	return normalise(next), nil
}

func (s *Store) QueryMessages(ctx context.Context, query persistence.MessageQuery) ([]models.Message, error) {
	defer observe("query_messages", time.Now())

	if strings.TrimSpace(query.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", persistence.ErrInvalid)
	}

	dir := 1
	if query.Descending {
		dir = -1
	}
	limit := persistence.NormalizeLimit(query.Limit, defaultPageSize, maxPageSize)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}}).
		SetLimit(int64(limit))
	if query.Offset > 0 {
		opts.SetSkip(int64(query.Offset))
	}

	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": query.ConversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: query messages: %w", err)
	}
	defer cursor.Close(ctx)

	messages := make([]models.Message, 0, limit)
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("mongostore: decode messages: %w", err)
	}
	for i := range messages {
		messages[i] = *normalise(messages[i])
	}
	return messages, nil
}

func normalise(m models.Message) *models.Message {
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	defer observe("get_agent", time.Now())

	var agent models.Agent
	if err := s.agents.FindOne(ctx, bson.M{"_id": id}).Decode(&agent); err != nil {
		return nil, fmt.Errorf("mongostore: agent %s: %w", id, translate(err))
	}
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context, query persistence.AgentQuery) ([]models.Agent, int64, error) {
	defer observe("list_agents", time.Now())

	filter := bson.M{}
	if search := strings.TrimSpace(query.Search); search != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(search), "$options": "i"}
		filter["$or"] = bson.A{bson.M{"name": pattern}, bson.M{"title": pattern}}
	}

	total, err := s.agents.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: count agents: %w", err)
	}

	limit := persistence.NormalizeLimit(query.Limit, defaultPageSize, maxPageSize)
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit))
	if query.Offset > 0 {
		opts.SetSkip(int64(query.Offset))
	}

	cursor, err := s.agents.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: list agents: %w", err)
	}
	defer cursor.Close(ctx)

	agents := make([]models.Agent, 0, limit)
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, 0, fmt.Errorf("mongostore: decode agents: %w", err)
	}
	return agents, total, nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) (*models.Agent, error) {
	defer observe("upsert_agent", time.Now())

	if strings.TrimSpace(agent.Name) == "" {
		return nil, fmt.Errorf("%w: agent name is required", persistence.ErrInvalid)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	update := bson.M{
		"$set": bson.M{
			"name":       agent.Name,
			"title":      agent.Title,
			"persona":    agent.Persona,
			"background": agent.Background,
			"model":      agent.Model,
		},
		"$setOnInsert": bson.M{"created_at": createdAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored models.Agent
	if err := s.agents.FindOneAndUpdate(ctx, bson.M{"_id": agent.ID}, update, opts).Decode(&stored); err != nil {
		return nil, fmt.Errorf("mongostore: upsert agent: %w", translate(err))
	}
	return &stored, nil
}
