package main

import (
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/capability"
	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/realtime"
	"github.com/wuwenbin0122/workforce/internal/tools"
	"github.com/wuwenbin0122/workforce/internal/usage"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

// newSessionRegistry shares the capability adapters and configuration
// across users; each session gets its own sync manager, router and ledger.
func newSessionRegistry(cfg *utils.Config, store persistence.Store, logger *zap.Logger) (*chat.Registry, error) {
	rules := tools.DefaultRules()
	if cfg.Tools.RulesFile != "" {
		loaded, err := tools.LoadRules(cfg.Tools.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	detector, err := tools.NewDetector(rules)
	if err != nil {
		return nil, err
	}

	var pricing usage.Pricing
	if cfg.Usage.PricingFile != "" {
		pricing, err = usage.LoadPricing(cfg.Usage.PricingFile)
		if err != nil {
			return nil, err
		}
	}

	client := capability.NewClient(capability.Config{
		BaseURL:      cfg.QiniuAI.BaseURL(),
		BackupURL:    cfg.QiniuAI.BackupEndpoint,
		APIKey:       cfg.QiniuAI.APIKey,
		ChatModel:    cfg.QiniuAI.ChatModel,
		ImageModel:   cfg.QiniuAI.ImageModel,
		VideoModel:   cfg.QiniuAI.VideoModel,
		Timeout:      cfg.QiniuAI.Timeout,
		PollInterval: cfg.QiniuAI.PollInterval,
	}, logger.Sugar().Named("capability"))
	if !client.Configured() {
		logger.Warn("QINIU_API_KEY is not set; generation requests will fail as not configured")
	}

	generator := capability.NewChatClient(client)
	adapters := map[tools.ToolType]tools.Adapter{
		tools.ToolImage:      capability.NewImageAdapter(client),
		tools.ToolVideo:      capability.NewVideoAdapter(client),
		tools.ToolSearch:     capability.NewSearchAdapter(client),
		tools.ToolMultiAgent: capability.NewMultiAgentAdapter(generator, capability.StoreResolver{Store: store}),
	}

	watermarks := usage.Watermarks{
		HighTokens:     cfg.Usage.HighTokens,
		CriticalTokens: cfg.Usage.CriticalTokens,
		HighCost:       cfg.Usage.HighCost,
		CriticalCost:   cfg.Usage.CriticalCost,
	}
	if err := watermarks.Validate(); err != nil {
		return nil, err
	}

	return chat.NewRegistry(func(userID string) (*chat.Session, error) {
		userLogger := logger.With(zap.String("user_id", userID))
		return chat.NewSession(userID, chat.Deps{
			Store: store,
			Manager: realtime.NewManager(store,
				realtime.WithMaxRetries(cfg.Sync.Attempts),
				realtime.WithBaseDelay(cfg.Sync.BaseDelay),
				realtime.WithLogger(userLogger.Named("sync")),
			),
			Sender: conversation.NewSender(store, conversation.SenderConfig{
				MaxAttempts: cfg.Sender.Attempts,
				BaseDelay:   cfg.Sender.BaseDelay,
			}, nil, userLogger.Named("sender")),
			Router:    tools.NewRouter(detector, adapters, tools.WithRouterLogger(userLogger.Named("tools"))),
			Ledger:    usage.NewLedger(watermarks, usage.WithLogger(userLogger.Named("usage")), usage.WithPricing(pricing)),
			Generator: generator,
			Logger:    userLogger,
		})
	}, chat.WithIdleTTL(cfg.Sessions.IdleTTL)), nil
}
