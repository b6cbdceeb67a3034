package redisbus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/persistence/redisbus"
)

func TestBusDeliversEventsAcrossStores(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	shared := persistence.NewMemoryStore(nil)
	writer := redisbus.New(shared, rdb, nil)
	reader := redisbus.New(shared, rdb, nil)

	conv, err := writer.InsertConversation(ctx, models.Conversation{UserID: "u1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	events := make(chan persistence.Event, 4)
	sub, err := reader.Subscribe(ctx, persistence.ChannelSpec{
		ConversationID: conv.ID,
		Events:         []persistence.EventType{persistence.EventInsert},
	}, persistence.Listener{OnEvent: func(e persistence.Event) { events <- e }})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer reader.Unsubscribe(ctx, sub)

	stored, err := writer.InsertMessage(ctx, persistence.NewMessage{ConversationID: conv.ID, Role: models.RoleUser, Content: "over the wire"})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := writer.UpdateMessage(ctx, stored.ID, persistence.MessagePatch{MarkFinal: true}); err != nil {
		t.Fatalf("update message: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != persistence.EventInsert || e.Message.ID != stored.ID || e.Message.Content != "over the wire" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	select {
	case e := <-events:
		t.Fatalf("update should be filtered out, got %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}
