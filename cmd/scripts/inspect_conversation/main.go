package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wuwenbin0122/workforce/internal/bootstrap"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/realtime"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

func main() {
	var (
		id     = pflag.String("id", "", "conversation id")
		user   = pflag.String("user", "", "user id (with --agent, instead of --id)")
		agent  = pflag.String("agent", "", "agent id (with --user, instead of --id)")
		limit  = pflag.Int("limit", 20, "number of most recent messages to print")
		follow = pflag.BoolP("follow", "f", false, "keep printing new and updated messages")
	)
	pflag.Parse()

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()

	var conv *models.Conversation
	switch {
	case *id != "":
		conv, err = backend.Store.GetConversation(ctx, *id)
	case *user != "" && *agent != "":
		conv, err = backend.Store.FindConversation(ctx, *user, *agent)
	default:
		log.Fatalf("pass --id, or --user and --agent")
	}
	if err != nil {
		log.Fatalf("find conversation: %v", err)
	}

	fmt.Printf("conversation %s\n- user: %s\n- agent: %s\n- created: %s\n- last activity: %s\n",
		conv.ID, conv.UserID, conv.AgentID,
		conv.CreatedAt.Format(time.RFC3339), conv.LastActivityAt.Format(time.RFC3339))

	msgs, err := backend.Store.QueryMessages(ctx, persistence.MessageQuery{
		ConversationID: conv.ID,
		Descending:     true,
		Limit:          *limit,
	})
	if err != nil {
		log.Fatalf("query messages: %v", err)
	}
	models.SortMessages(msgs)
	for _, msg := range msgs {
		printMessage("", msg)
	}

	if !*follow {
		return
	}

	manager := realtime.NewManager(backend.Store,
		realtime.WithMaxRetries(cfg.Sync.Attempts),
		realtime.WithBaseDelay(cfg.Sync.BaseDelay),
		realtime.WithLogger(logger.Named("sync")),
	)
	defer manager.Cleanup()

	failed := make(chan error, 1)
	err = manager.Subscribe(ctx, conv.ID,
		func(event persistence.Event) { printMessage(string(event.Type)+" ", event.Message) },
		func(err error) { failed <- err },
	)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	fmt.Println("following; Ctrl-C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-failed:
		log.Printf("channel lost: %v", err)
	}
}

func printMessage(prefix string, msg models.Message) {
	final := ""
	if !msg.Final {
		final = " (streaming)"
	}
	tool := ""
	if msg.Metadata.Tool != "" {
		tool = " [" + msg.Metadata.Tool + "]"
	}
	fmt.Printf("%s%s %-6s%s%s: %s\n", prefix, msg.CreatedAt.Format("15:04:05"), msg.Role, tool, final, msg.Content)
}
