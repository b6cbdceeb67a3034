package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/metrics"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

var (
	ErrInvalidMessage = errors.New("conversation: invalid message")
	ErrSendFailed     = errors.New("conversation: send failed")
)

// SendError is returned once every insert attempt has failed. It unwraps
// to both ErrSendFailed and the last underlying cause.
type SendError struct {
	ConversationID string
	Attempts       int
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("conversation: send to %s failed after %d attempts: %v", e.ConversationID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

type SenderConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Sender appends messages with bounded retries. Between attempt k and k+1
// it waits BaseDelay * 2^(k-1).
type Sender struct {
	store       persistence.Store
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

func NewSender(store persistence.Store, cfg SenderConfig, c clock.Clock, logger *zap.Logger) *Sender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:       store,
		clock:       c,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
}

type sendOptions struct {
	idempotencyKey string
	final          bool
}

type SendOption func(*sendOptions)

// WithIdempotencyKey pins the key forwarded to the store. Without it a new
// key is generated per Send and shared by its retries.
func WithIdempotencyKey(key string) SendOption {
	return func(o *sendOptions) { o.idempotencyKey = strings.TrimSpace(key) }
}

func AsFinal() SendOption {
	return func(o *sendOptions) { o.final = true }
}

// NewIdempotencyKey returns a fresh client-side message key.
func NewIdempotencyKey() string {
	return ulid.Make().String()
}

// Send stores a message and returns the durable record.
func (s *Sender) Send(ctx context.Context, conversationID string, role models.Role, content string, metadata models.MessageMetadata, opts ...SendOption) (*models.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, role)
	}

	options := sendOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.idempotencyKey == "" {
		options.idempotencyKey = NewIdempotencyKey()
	}

	record := persistence.NewMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		IdempotencyKey: options.idempotencyKey,
		Final:          options.final,
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		stored, err := s.store.InsertMessage(ctx, record)
		if err == nil {
			metrics.SendAttempts.WithLabelValues("ok").Inc()
			return stored, nil
		}
		metrics.SendAttempts.WithLabelValues("error").Inc()
		lastErr = err

		if errors.Is(err, persistence.ErrInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == s.maxAttempts {
			break
		}

		delay := s.baseDelay << (attempt - 1)
		s.logger.Warn("message insert failed, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(delay):
		}
	}

	metrics.SendFailures.Inc()
	s.logger.Error("message insert gave up",
		zap.String("conversation_id", conversationID),
		zap.Int("attempts", s.maxAttempts),
		zap.Error(lastErr),
	)
	return nil, &SendError{ConversationID: conversationID, Attempts: s.maxAttempts, Err: lastErr}
}

// EnsureConversation returns the conversation between userID and agentID,
// creating it on first use. Concurrent creators converge on one row.
func EnsureConversation(ctx context.Context, store persistence.Store, userID, agentID string) (*models.Conversation, error) {
	userID = strings.TrimSpace(userID)
	agentID = strings.TrimSpace(agentID)
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: user and agent are required", ErrInvalidMessage)
	}

	conv, err := store.FindConversation(ctx, userID, agentID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	conv, err = store.InsertConversation(ctx, models.Conversation{UserID: userID, AgentID: agentID})
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, persistence.ErrConflict) {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	conv, err = store.FindConversation(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("find conversation after conflict: %w", err)
	}
	return conv, nil
}
