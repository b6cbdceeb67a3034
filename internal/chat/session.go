package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/realtime"
	"github.com/wuwenbin0122/workforce/internal/tools"
	"github.com/wuwenbin0122/workforce/internal/usage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryPage      = 200
	resyncTimeout       = 10 * time.Second
)

var (
	ErrMissingUser   = errors.New("chat: acting user is required")
	ErrEmptyMessage  = errors.New("chat: message is empty")
	ErrForbidden     = errors.New("chat: conversation belongs to another user")
	ErrNoGenerator   = errors.New("chat: no text generator configured")
	ErrSessionClosed = errors.New("chat: session closed")
)

// Deps are the collaborators of a Session. Only Store is required.
type Deps struct {
	Store     persistence.Store
	Manager   *realtime.Manager
	Sender    *conversation.Sender
	Router    *tools.Router
	Ledger    *usage.Ledger
	Generator TextGenerator
	Logger    *zap.Logger
}

type SubmitResult struct {
	UserMessage *models.Message `json:"user_message"`
	Reply       *models.Message `json:"reply,omitempty"`
	Tool        *tools.Result   `json:"tool,omitempty"`
	UsageLevel  usage.Level     `json:"usage_level"`
}

type openTimeline struct {
	timeline *conversation.Timeline
	refs     int
}

// Session is one acting user's view of the product: the conversations they
// have open, the tools they can trigger and the usage they accumulate.
type Session struct {
	userID       string
	store        persistence.Store
	manager      *realtime.Manager
	sender       *conversation.Sender
	router       *tools.Router
	ledger       *usage.Ledger
	generator    TextGenerator
	logger       *zap.Logger
	historyLimit int

	mu     sync.Mutex
	open   map[string]*openTimeline
	closed bool
}

type Option func(*Session)

func WithHistoryLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func NewSession(userID string, deps Deps, opts ...Option) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	if deps.Store == nil {
		return nil, errors.New("chat: store is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", userID))

	s := &Session{
		userID:       userID,
		store:        deps.Store,
		manager:      deps.Manager,
		sender:       deps.Sender,
		router:       deps.Router,
		ledger:       deps.Ledger,
		generator:    deps.Generator,
		logger:       logger,
		historyLimit: defaultHistoryLimit,
		open:         make(map[string]*openTimeline),
	}
	if s.manager == nil {
		s.manager = realtime.NewManager(deps.Store, realtime.WithLogger(logger))
	}
	if s.sender == nil {
		s.sender = conversation.NewSender(deps.Store, conversation.SenderConfig{}, nil, logger)
	}
	if s.router == nil {
		s.router = tools.NewRouter(tools.DefaultDetector(), nil, tools.WithRouterLogger(logger))
	}
	if s.ledger == nil {
		s.ledger = usage.NewLedger(usage.Watermarks{}, usage.WithLogger(logger))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Router() *tools.Router { return s.router }

func (s *Session) Manager() *realtime.Manager { return s.manager }

func (s *Session) Usage() usage.Snapshot { return s.ledger.Snapshot() }

// Start returns the user's conversation with agentID, creating it if this is
// their first contact.
func (s *Session) Start(ctx context.Context, agentID string) (*models.Conversation, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("chat: agent %s: %w", agentID, err)
	}
	return conversation.EnsureConversation(ctx, s.store, s.userID, agentID)
}

// Open subscribes to live updates and loads recent history into the
// returned timeline. Opens are reference counted; each must be paired with
// Close. Opening a conversation whose channel has failed subscribes again.
func (s *Session) Open(ctx context.Context, conversationID string) (*conversation.Timeline, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if ot, ok := s.open[conversationID]; ok {
		ot.refs++
		s.mu.Unlock()
		if s.manager.State(conversationID) == realtime.StateFailed {
			if err := s.attach(ctx, ot.timeline); err != nil {
				s.Close(conversationID)
				return nil, err
			}
		}
		return ot.timeline, nil
	}
	timeline := conversation.NewTimeline(conversationID, nil, s.logger)
	s.open[conversationID] = &openTimeline{timeline: timeline, refs: 1}
	s.mu.Unlock()

	if err := s.attach(ctx, timeline); err != nil {
		s.Close(conversationID)
		return nil, err
	}
	return timeline, nil
}

// attach subscribes before loading history so nothing written in between
// is missed; the timeline drops the duplicates.
func (s *Session) attach(ctx context.Context, timeline *conversation.Timeline) error {
	conversationID := timeline.ConversationID()
	err := s.manager.Subscribe(ctx, conversationID,
		func(event persistence.Event) { timeline.Apply(event) },
		func(err error) { timeline.Fail(err) },
		realtime.OnReconnect(func() { s.resync(timeline) }),
	)
	if err != nil {
		return fmt.Errorf("chat: subscribe %s: %w", conversationID, err)
	}
	return s.backfill(ctx, timeline)
}

func (s *Session) backfill(ctx context.Context, timeline *conversation.Timeline) error {
	history, err := s.recentHistory(ctx, timeline.ConversationID())
	if err != nil {
		return err
	}
	for _, msg := range history {
		timeline.Apply(persistence.Event{Type: persistence.EventInsert, Message: msg})
	}
	return nil
}

// resync runs after the channel comes back; writes made while it was down
// only reach the timeline through history.
func (s *Session) resync(timeline *conversation.Timeline) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := s.backfill(ctx, timeline); err != nil {
		s.logger.Warn("history reload after reconnect failed",
			zap.String("conversation_id", timeline.ConversationID()),
			zap.Error(err),
		)
	}
}

// History pages the stored messages of one of the user's conversations.
func (s *Session) History(ctx context.Context, conversationID string, query persistence.MessageQuery) ([]models.Message, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	query.ConversationID = conversationID
	query.Limit = persistence.NormalizeLimit(query.Limit, s.historyLimit, maxHistoryPage)
	if query.Offset < 0 {
		query.Offset = 0
	}
	msgs, err := s.store.QueryMessages(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", conversationID, err)
	}
	return msgs, nil
}

// Close releases one Open. The live channel closes with the last one.
func (s *Session) Close(conversationID string) {
	s.mu.Lock()
	ot, ok := s.open[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ot.refs--
	last := ot.refs <= 0
	if last {
		delete(s.open, conversationID)
	}
	s.mu.Unlock()

	if last {
		s.manager.Unsubscribe(conversationID)
	}
}

// Submit sends the user's text, then either runs the detected tool or asks
// the agent for a reply. The user message is stored even when the follow-up
// fails; the error carries the tool classification when there is one.
func (s *Session) Submit(ctx context.Context, conversationID, text string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	timeline := s.timeline(conversationID)
	key := conversation.NewIdempotencyKey()
	if timeline != nil {
		timeline.AddLocal(models.Message{
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        text,
			IdempotencyKey: key,
			Final:          true,
		})
	}

	userMsg, err := s.sender.Send(ctx, conversationID, models.RoleUser, text, models.MessageMetadata{},
		conversation.WithIdempotencyKey(key), conversation.AsFinal())
	if err != nil {
		if timeline != nil {
			timeline.Discard(key)
		}
		return nil, err
	}
	if timeline != nil {
		timeline.Confirm(key, *userMsg)
	}

	result := &SubmitResult{UserMessage: userMsg, UsageLevel: s.ledger.Level()}

	toolResult, err := s.router.Handle(ctx, text)
	if err != nil {
		return result, err
	}
	if toolResult != nil {
		result.Tool = toolResult
		reply, err := s.persistToolResult(ctx, conversationID, toolResult)
		if err != nil {
			return result, err
		}
		result.Reply = reply
	} else {
		reply, err := s.reply(ctx, conv, userMsg, text)
		if err != nil {
			return result, err
		}
		result.Reply = reply
	}

	if timeline != nil && result.Reply != nil {
		timeline.Apply(persistence.Event{Type: persistence.EventInsert, Message: *result.Reply})
	}
	result.UsageLevel = s.ledger.Level()
	return result, nil
}

// idle reports whether nothing is open and no tool is running.
func (s *Session) idle() bool {
	s.mu.Lock()
	open := len(s.open)
	s.mu.Unlock()
	return open == 0 && !s.router.IsGenerating()
}

// Shutdown closes every live channel. The session cannot be used after.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.open = make(map[string]*openTimeline)
	s.mu.Unlock()
	s.manager.Cleanup()
}

func (s *Session) persistToolResult(ctx context.Context, conversationID string, res *tools.Result) (*models.Message, error) {
	artifact := res.Artifact
	if artifact == nil {
		artifact = &tools.Artifact{}
	}

	content := strings.TrimSpace(artifact.Text)
	if content == "" {
		content = fmt.Sprintf("Here is the %s you asked for.", strings.ReplaceAll(string(res.Tool), "_", " "))
		for _, url := range artifact.URLs {
			content += "\n" + url
		}
	}

	extra := map[string]any{"prompt": res.Params.Prompt}
	if res.Params.AspectRatio != "" {
		extra["aspect_ratio"] = res.Params.AspectRatio
	}
	if res.Params.Resolution != "" {
		extra["resolution"] = res.Params.Resolution
	}
	if res.Params.Duration > 0 {
		extra["duration"] = res.Params.Duration
	}
	for k, v := range artifact.Extra {
		extra[k] = v
	}

	metadata := models.MessageMetadata{
		Tool:         string(res.Tool),
		Provider:     artifact.Provider,
		Model:        artifact.Model,
		InputTokens:  artifact.InputTokens,
		OutputTokens: artifact.OutputTokens,
		Cost:         artifact.Cost,
		ArtifactURLs: artifact.URLs,
		Extra:        extra,
	}
	s.record(metadata)

	return s.sender.Send(ctx, conversationID, models.RoleAgent, content, metadata, conversation.AsFinal())
}

func (s *Session) reply(ctx context.Context, conv *models.Conversation, userMsg *models.Message, text string) (*models.Message, error) {
	if s.generator == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGenerator, tools.ErrNotConfigured)
	}

	agent, err := s.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return nil, fmt.Errorf("chat: agent %s: %w", conv.AgentID, err)
	}

	history, err := s.recentHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	filtered := history[:0]
	for _, msg := range history {
		if msg.ID != userMsg.ID {
			filtered = append(filtered, msg)
		}
	}

	out, err := s.generator.Generate(ctx, TextRequest{Agent: *agent, History: filtered, Prompt: text})
	if err != nil {
		s.logger.Warn("text generation failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil, fmt.Errorf("chat: generate reply: %w", err)
	}

	metadata := models.MessageMetadata{
		Provider:     out.Provider,
		Model:        out.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Cost:         out.Cost,
	}
	s.record(metadata)

	return s.sender.Send(ctx, conv.ID, models.RoleAgent, out.Content, metadata, conversation.AsFinal())
}

func (s *Session) record(md models.MessageMetadata) {
	if md.Provider == "" && md.InputTokens == 0 && md.OutputTokens == 0 && md.Cost == 0 {
		return
	}
	if _, err := s.ledger.Record(md.Provider, md.Model, md.InputTokens, md.OutputTokens, md.Cost); err != nil {
		s.logger.Warn("usage not recorded", zap.Error(err))
	}
}

func (s *Session) conversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: conversation %s: %w", conversationID, err)
	}
	if conv.UserID != s.userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *Session) timeline(conversationID string) *conversation.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ot, ok := s.open[conversationID]; ok {
		return ot.timeline
	}
	return nil
}

// recentHistory returns the newest historyLimit messages in ascending order.
func (s *Session) recentHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := s.store.QueryMessages(ctx, persistence.MessageQuery{
		ConversationID: conversationID,
		Descending:     true,
		Limit:          s.historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: load history %s: %w", conversationID, err)
	}
	models.SortMessages(msgs)
	return msgs, nil
}
