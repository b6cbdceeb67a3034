package chat

import (
	"context"

	"github.com/wuwenbin0122/workforce/internal/models"
)

// TextRequest asks an agent for a plain chat reply.
type TextRequest struct {
	Agent   models.Agent
	History []models.Message
	Prompt  string
}

type TextReply struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// TextGenerator produces agent replies for messages that trigger no tool.
type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (*TextReply, error)
}
