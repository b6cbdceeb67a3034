package db_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func TestMongoEnsureCollectionsEnforcesIdempotencyKey(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}

	database := "workforce_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	store, err := db.NewMongo(context.Background(), utils.MongoConfig{URI: uri, Database: database, ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	defer func() {
		ctx := context.Background()
		store.Database.Drop(ctx)
		store.Close(ctx)
	}()

	ctx := context.Background()
	if err := store.EnsureCollections(ctx); err != nil {
		t.Fatalf("ensure collections failed: %v", err)
	}

	doc := func() bson.M {
		return bson.M{"_id": uuid.NewString(), "conversation_id": "c1", "idempotency_key": "same", "created_at": time.Now().UTC()}
	}
	if _, err := store.Messages.InsertOne(ctx, doc()); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err = store.Messages.InsertOne(ctx, doc())
	if !mongo.IsDuplicateKeyError(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	// Messages without a key are not constrained.
	for i := 0; i < 2; i++ {
		if _, err := store.Messages.InsertOne(ctx, bson.M{"_id": uuid.NewString(), "conversation_id": "c1"}); err != nil {
			t.Fatalf("keyless insert %d failed: %v", i, err)
		}
	}
}

func TestNewMongoValidatesConfigWithoutDialing(t *testing.T) {
	if _, err := db.NewMongo(context.Background(), utils.MongoConfig{Database: "x"}); err == nil {
		t.Fatalf("expected missing uri error")
	}
	if _, err := db.NewMongo(context.Background(), utils.MongoConfig{URI: "mongodb://localhost:27017"}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
