package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"

	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func main() {
	target := pflag.String("target", "postgres", "schema to migrate: postgres, mongo or all")
	pflag.Parse()

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()

	if *target == "postgres" || *target == "all" {
		migratePostgres(ctx, cfg.Postgres)
	}
	if *target == "mongo" || *target == "all" {
		migrateMongo(ctx, cfg.Mongo)
	}

	fmt.Printf("done at %s\n", time.Now().Format(time.RFC3339))
}

func migratePostgres(ctx context.Context, cfg utils.PostgresConfig) {
	pg, err := db.NewPostgres(ctx, cfg)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	const verify = `SELECT table_name, column_name, data_type FROM information_schema.columns
WHERE table_schema = 'public' AND table_name IN ('users', 'agents', 'conversations', 'messages')
ORDER BY table_name, ordinal_position`
	rows, err := pg.Pool.Query(ctx, verify)
	if err != nil {
		log.Fatalf("verify columns: %v", err)
	}
	defer rows.Close()

	current := ""
	for rows.Next() {
		var table, name, dtype string
		if err := rows.Scan(&table, &name, &dtype); err != nil {
			log.Fatalf("scan: %v", err)
		}
		if table != current {
			fmt.Printf("%s:\n", table)
			current = table
		}
		fmt.Printf("- %s (%s)\n", name, dtype)
	}
	if rows.Err() != nil {
		log.Fatalf("rows: %v", rows.Err())
	}
}

func migrateMongo(ctx context.Context, cfg utils.MongoConfig) {
	m, err := db.NewMongo(ctx, cfg)
	if err != nil {
		log.Fatalf("connect mongo: %v", err)
	}
	defer m.Close(context.Background())

	if err := m.EnsureCollections(ctx); err != nil {
		log.Fatalf("ensure collections: %v", err)
	}
	fmt.Printf("mongo collections ready in %s\n", cfg.Database)
}
