package bootstrap

import (
	"context"
	"testing"

	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func TestOpenMemoryBackend(t *testing.T) {
	cfg := &utils.Config{Store: utils.StoreConfig{Backend: "memory"}}

	b, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if _, ok := b.Store.(*persistence.MemoryStore); !ok {
		t.Fatalf("expected a memory store, got %T", b.Store)
	}
	if b.Postgres != nil || b.Mongo != nil || len(b.Checks) != 0 {
		t.Fatalf("memory backend should not open databases")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := &utils.Config{Store: utils.StoreConfig{Backend: "sqlite"}}
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
