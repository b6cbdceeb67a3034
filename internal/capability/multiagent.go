package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/tools"
)

const defaultFanOut = 4

// AgentResolver maps an @mention to an agent.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, mention string) (*models.Agent, error)
}

// StoreResolver resolves mentions by agent name, preferring an exact
// case-insensitive match over a partial one.
type StoreResolver struct {
	Store persistence.Store
}

func (r StoreResolver) ResolveAgent(ctx context.Context, mention string) (*models.Agent, error) {
	agents, _, err := r.Store.ListAgents(ctx, persistence.AgentQuery{Search: mention, Limit: 20})
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if strings.EqualFold(agents[i].Name, mention) {
			return &agents[i], nil
		}
	}
	if len(agents) > 0 {
		return &agents[0], nil
	}
	return nil, fmt.Errorf("agent %q: %w", mention, persistence.ErrNotFound)
}

// MultiAgentAdapter asks every mentioned agent the same question in
// parallel and stitches the answers together in mention order.
type MultiAgentAdapter struct {
	generator chat.TextGenerator
	resolver  AgentResolver
	FanOut    int
}

func NewMultiAgentAdapter(generator chat.TextGenerator, resolver AgentResolver) *MultiAgentAdapter {
	return &MultiAgentAdapter{generator: generator, resolver: resolver, FanOut: defaultFanOut}
}

var _ tools.Adapter = (*MultiAgentAdapter)(nil)

func (a *MultiAgentAdapter) Invoke(ctx context.Context, params tools.Params, progress tools.ProgressFunc) (*tools.Artifact, error) {
	if a.generator == nil || a.resolver == nil {
		return nil, fmt.Errorf("%w: multi-agent needs a text generator and agent directory", tools.ErrNotConfigured)
	}
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, errEmptyPrompt
	}
	if len(params.Agents) == 0 {
		return nil, fmt.Errorf("no agents mentioned")
	}

	total := len(params.Agents)
	replies := make([]*chat.TextReply, total)
	agents := make([]*models.Agent, total)

	var mu sync.Mutex
	done := 0
	report(progress, 0, fmt.Sprintf("asking %d agents", total))

	g, gctx := errgroup.WithContext(ctx)
	limit := a.FanOut
	if limit <= 0 {
		limit = defaultFanOut
	}
	g.SetLimit(limit)

	for i, mention := range params.Agents {
		i, mention := i, mention
		g.Go(func() error {
			agent, err := a.resolver.ResolveAgent(gctx, mention)
			if err != nil {
				return err
			}
			reply, err := a.generator.Generate(gctx, chat.TextRequest{Agent: *agent, Prompt: prompt})
			if err != nil {
				return fmt.Errorf("%s: %w", agent.Name, err)
			}
			agents[i] = agent
			replies[i] = reply

			mu.Lock()
			done++
			percent := done * 100 / total
			report(progress, percent, fmt.Sprintf("%s answered", agent.Name))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	artifact := &tools.Artifact{Provider: providerName, Extra: map[string]any{"agents": params.Agents}}
	var b strings.Builder
	for i, reply := range replies {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "**%s**: %s", agents[i].Name, strings.TrimSpace(reply.Content))
		artifact.InputTokens += reply.InputTokens
		artifact.OutputTokens += reply.OutputTokens
		artifact.Cost += reply.Cost
		if artifact.Model == "" {
			artifact.Model = reply.Model
		}
	}
	artifact.Text = b.String()
	return artifact, nil
}
