package mongostore_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/persistence/mongostore"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func openStore(t *testing.T) *mongostore.Store {
	t.Helper()

	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}

	database := "workforce_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	m, err := db.NewMongo(context.Background(), utils.MongoConfig{URI: uri, Database: database, ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		m.Database.Drop(ctx)
		m.Close(ctx)
	})

	if err := m.EnsureCollections(context.Background()); err != nil {
		t.Fatalf("ensure collections failed: %v", err)
	}
	return mongostore.New(m)
}

func TestMongoConversationAndIdempotentInsert(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	conv, err := store.InsertConversation(ctx, models.Conversation{UserID: "u1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := store.InsertConversation(ctx, models.Conversation{UserID: "u1", AgentID: "a1"}); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	msg := persistence.NewMessage{ConversationID: conv.ID, Role: models.RoleUser, Content: "hi", IdempotencyKey: "k1", Final: true}
	first, err := store.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := store.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same document, got %s and %s", first.ID, second.ID)
	}

	rows, err := store.QueryMessages(ctx, persistence.MessageQuery{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "hi" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestMongoInsertIntoUnknownConversation(t *testing.T) {
	store := openStore(t)

	_, err := store.InsertMessage(context.Background(), persistence.NewMessage{ConversationID: "missing", Role: models.RoleUser})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMongoAgentSearch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for _, a := range []models.Agent{{Name: "Designer", Title: "Visual"}, {Name: "Writer", Title: "Copy"}} {
		if _, err := store.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("upsert %s: %v", a.Name, err)
		}
	}

	agents, total, err := store.ListAgents(ctx, persistence.AgentQuery{Search: "visu"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(agents) != 1 || agents[0].Name != "Designer" {
		t.Fatalf("unexpected search result %d %+v", total, agents)
	}
}
