package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/wuwenbin0122/workforce/internal/utils"
)

const (
	AgentsCollection        = "agents"
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
)

var errMongoNotInitialised = errors.New("mongo: database not initialised")

// Mongo holds the client and the collections backing the mongo store.
// Message change streams need a replica set or sharded cluster.
type Mongo struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Agents        *mongo.Collection
	Conversations *mongo.Collection
	Messages      *mongo.Collection
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping primary: %w", err)
	}

	database := client.Database(cfg.Database)
	return &Mongo{
		Client:        client,
		Database:      database,
		Agents:        database.Collection(AgentsCollection),
		Conversations: database.Collection(ConversationsCollection),
		Messages:      database.Collection(MessagesCollection),
	}, nil
}

// Ping checks that the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return errMongoNotInitialised
	}
	return m.Client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.Client.Disconnect(ctx)
}

type mongoIndex struct {
	name  string
	coll  *mongo.Collection
	model mongo.IndexModel
}

func (m *Mongo) indexes() []mongoIndex {
	return []mongoIndex{
		{"agent name", m.Agents, mongo.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}}},
		{"conversation pair", m.Conversations, mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "agent_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{"message order", m.Messages, mongo.IndexModel{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
		}},
		// Keyless messages are stored without the field, so the partial
		// filter keeps them out of the unique index.
		{"message idempotency key", m.Messages, mongo.IndexModel{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		}},
	}
}

// EnsureCollections creates the indexes the store relies on. It is safe to
// run repeatedly.
func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return errMongoNotInitialised
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, ix := range m.indexes() {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("mongo: ensure %s index: %w", ix.name, err)
		}
	}
	return nil
}
