package db_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func TestPostgresEnsureSchemaIsRepeatable(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	pg, err := db.NewPostgres(context.Background(), utils.PostgresConfig{DSN: dsn, ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pg.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := pg.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema pass %d failed: %v", i+1, err)
		}
	}

	agentID := uuid.NewString()
	if _, err := pg.Pool.Exec(ctx, "INSERT INTO agents (id, name) VALUES ($1, $2)", agentID, "schema-check"); err != nil {
		t.Fatalf("failed to insert agent: %v", err)
	}
	defer pg.Pool.Exec(ctx, "DELETE FROM agents WHERE id = $1", agentID)

	convID := uuid.NewString()
	if _, err := pg.Pool.Exec(ctx, "INSERT INTO conversations (id, user_id, agent_id) VALUES ($1, $2, $3)", convID, uuid.NewString(), agentID); err != nil {
		t.Fatalf("failed to insert conversation: %v", err)
	}

	_, err = pg.Pool.Exec(ctx, "INSERT INTO messages (id, conversation_id, role, created_at, updated_at) VALUES ($1, $2, 'robot', NOW(), NOW())", uuid.NewString(), convID)
	if err == nil {
		t.Fatalf("expected role check constraint to reject unknown role")
	}
}
