package capability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/models"
)

const (
	defaultSummaryThreshold  = 8
	defaultRecentMessageKeep = 4
	maxSummaryRuneLength     = 120
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatAPIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatAPIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage    `json:"usage"`
	Error *apiErrorBody `json:"error,omitempty"`
}

// ChatClient answers as an agent through /chat/completions. Long
// histories are folded into a summary so the prompt stays bounded.
type ChatClient struct {
	client           *Client
	SummaryThreshold int
	RecentKeep       int
	Temperature      float64
	MaxTokens        int
}

func NewChatClient(client *Client) *ChatClient {
	return &ChatClient{
		client:           client,
		SummaryThreshold: defaultSummaryThreshold,
		RecentKeep:       defaultRecentMessageKeep,
	}
}

var _ chat.TextGenerator = (*ChatClient)(nil)

func (c *ChatClient) Generate(ctx context.Context, req chat.TextRequest) (*chat.TextReply, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errEmptyPrompt
	}

	model := strings.TrimSpace(req.Agent.Model)
	if model == "" {
		model = c.client.cfg.ChatModel
	}

	summary, recent := splitHistory(toChatMessages(req.History), c.SummaryThreshold, c.RecentKeep, req.Agent.Name)

	messages := make([]chatMessage, 0, len(recent)+3)
	messages = append(messages, chatMessage{Role: "system", Content: buildSystemPrompt(req.Agent)})
	if summary != "" {
		messages = append(messages, chatMessage{Role: "system", Content: "Conversation so far:\n" + summary})
	}
	messages = append(messages, recent...)
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	var resp chatAPIResponse
	payload := chatAPIRequest{Model: model, Messages: messages, Temperature: c.Temperature, MaxTokens: c.MaxTokens}
	if err := c.client.doJSON(ctx, http.MethodPost, "/chat/completions", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: resp.Error.code(), Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	reply := &chat.TextReply{
		Content:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Provider: providerName,
		Model:    model,
	}
	if resp.Model != "" {
		reply.Model = resp.Model
	}
	if resp.Usage != nil {
		reply.InputTokens = resp.Usage.PromptTokens
		reply.OutputTokens = resp.Usage.CompletionTokens
	}
	return reply, nil
}

func toChatMessages(history []models.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, msg := range history {
		role := "user"
		switch msg.Role {
		case models.RoleAgent:
			role = "assistant"
		case models.RoleSystem:
			role = "system"
		}
		out = append(out, chatMessage{Role: role, Content: msg.Content})
	}
	return out
}

func buildSystemPrompt(agent models.Agent) string {
	name := strings.TrimSpace(agent.Name)
	if name == "" {
		name = "an assistant"
	}
	title := strings.TrimSpace(agent.Title)
	persona := strings.TrimSpace(agent.Persona)
	if persona == "" {
		persona = "calm, precise and friendly"
	}
	background := strings.TrimSpace(agent.Background)
	if background == "" {
		background = "no background provided"
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "You are %s, working as %s for the user.\n", name, title)
	} else {
		fmt.Fprintf(&b, "You are %s, working for the user.\n", name)
	}
	fmt.Fprintf(&b, "- Persona: %s\n", persona)
	fmt.Fprintf(&b, "- Background: %s\n", background)
	b.WriteString("Rules:\n")
	b.WriteString("- Reply in the user's language.\n")
	b.WriteString("- Prefer short paragraphs and lists where they help.\n")
	b.WriteString("- When unsure about a fact, say so and suggest how to verify it.")
	return b.String()
}

func splitHistory(history []chatMessage, threshold, recentKeep int, assistantName string) (string, []chatMessage) {
	cleaned := make([]chatMessage, 0, len(history))
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		cleaned = append(cleaned, chatMessage{Role: role, Content: content})
	}

	if threshold <= 0 || len(cleaned) <= threshold {
		return "", cleaned
	}
	if recentKeep <= 0 {
		recentKeep = defaultRecentMessageKeep
	}
	if recentKeep > len(cleaned) {
		recentKeep = len(cleaned)
	}

	cutoff := len(cleaned) - recentKeep
	return summarise(cleaned[:cutoff], assistantName), append([]chatMessage(nil), cleaned[cutoff:]...)
}

func summarise(messages []chatMessage, assistantName string) string {
	var b strings.Builder
	for i, msg := range messages {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, labelForRole(msg.Role, assistantName), truncateRunes(msg.Content, maxSummaryRuneLength))
	}
	return strings.TrimSpace(b.String())
}

func labelForRole(role, assistantName string) string {
	switch role {
	case "assistant":
		if strings.TrimSpace(assistantName) != "" {
			return assistantName
		}
		return "Assistant"
	case "system":
		return "System"
	default:
		return "User"
	}
}

func truncateRunes(input string, max int) string {
	if max <= 0 || utf8.RuneCountInString(input) <= max {
		return input
	}
	runes := []rune(input)
	return string(runes[:max]) + "…"
}
