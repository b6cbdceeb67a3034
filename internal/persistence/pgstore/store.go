// Package pgstore implements persistence.Store on PostgreSQL. Live
// channels use LISTEN/NOTIFY fed by the messages trigger that
// db.Postgres.EnsureSchema installs.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/metrics"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	unlistenTimeout = 5 * time.Second

	messageColumns = `id, conversation_id, role, content, metadata, COALESCE(idempotency_key, ''), final, created_at, updated_at`
	agentColumns   = `id, name, title, persona, background, model, created_at`
)

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Store struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger *zap.Logger
}

var _ persistence.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, clock: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", persistence.ErrConflict, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", persistence.ErrNotFound, pgErr.ConstraintName)
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return fmt.Errorf("%w: %s", persistence.ErrInvalid, pgErr.Message)
		}
	}
	return err
}

func (s *Store) InsertConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	defer observe("insert_conversation", time.Now())

	if strings.TrimSpace(conv.UserID) == "" || strings.TrimSpace(conv.AgentID) == "" {
		return nil, fmt.Errorf("%w: user and agent are required", persistence.ErrInvalid)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now()
	conv.CreatedAt = now
	conv.LastActivityAt = now

	const q = `INSERT INTO conversations (id, user_id, agent_id, created_at, last_activity_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, conv.ID, conv.UserID, conv.AgentID, conv.CreatedAt, conv.LastActivityAt); err != nil {
		return nil, fmt.Errorf("pgstore: insert conversation: %w", translate(err))
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer observe("get_conversation", time.Now())

	const q = `SELECT id, user_id, agent_id, created_at, last_activity_at FROM conversations WHERE id = $1`
	return s.scanConversation(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) FindConversation(ctx context.Context, userID, agentID string) (*models.Conversation, error) {
	defer observe("find_conversation", time.Now())

	const q = `SELECT id, user_id, agent_id, created_at, last_activity_at FROM conversations WHERE user_id = $1 AND agent_id = $2`
	return s.scanConversation(s.pool.QueryRow(ctx, q, userID, agentID))
}

func (s *Store) scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.AgentID, &conv.CreatedAt, &conv.LastActivityAt); err != nil {
		return nil, fmt.Errorf("pgstore: conversation: %w", translate(err))
	}
	return &conv, nil
}

// InsertMessage is idempotent on IdempotencyKey: a repeated key returns the
// row stored by the first call.
func (s *Store) InsertMessage(ctx context.Context, msg persistence.NewMessage) (*models.Message, error) {
	defer observe("insert_message", time.Now())

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode metadata: %w", err)
	}

	now := s.now()
	var stored *models.Message
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `INSERT INTO messages (id, conversation_id, role, content, metadata, idempotency_key, final, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $8)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + messageColumns

		row := tx.QueryRow(ctx, insert,
			persistence.NewMessageID(now), msg.ConversationID, string(msg.Role), msg.Content,
			metadata, msg.IdempotencyKey, msg.Final, now)
		m, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			const existing = `SELECT ` + messageColumns + ` FROM messages WHERE idempotency_key = $1`
			m, err = scanMessage(tx.QueryRow(ctx, existing, msg.IdempotencyKey))
			if err != nil {
				return err
			}
			stored = m
			return nil
		}
		if err != nil {
			return err
		}

		const touch = `UPDATE conversations SET last_activity_at = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, touch, msg.ConversationID, now); err != nil {
			return err
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: insert message: %w", translate(err))
	}
	return stored, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, patch persistence.MessagePatch) (*models.Message, error) {
	defer observe("update_message", time.Now())

	var updated *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err := persistence.ApplyPatch(*current, patch, s.now())
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(next.Metadata)
		if err != nil {
			return err
		}

		const q = `UPDATE messages SET content = $2, metadata = $3, final = $4, updated_at = $5 WHERE id = $1`
		if _, err := tx.Exec(ctx, q, id, next.Content, metadata, next.Final, next.UpdatedAt); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: update message %s: %w", id, translate(err))
	}
	return updated, nil
}

func (s *Store) QueryMessages(ctx context.Context, query persistence.MessageQuery) ([]models.Message, error) {
	defer observe("query_messages", time.Now())

	order := "ASC"
	if query.Descending {
		order = "DESC"
	}
	limit := persistence.NormalizeLimit(query.Limit, defaultPageSize, maxPageSize)
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`SELECT %s FROM messages WHERE conversation_id = $1 ORDER BY created_at %s, id %s LIMIT $2 OFFSET $3`, messageColumns, order, order)
	rows, err := s.pool.Query(ctx, q, query.ConversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query messages: %w", translate(err))
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate messages: %w", err)
	}
	return messages, nil
}

func (s *Store) getMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m        models.Message
		role     string
		metadata []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &metadata, &m.IdempotencyKey, &m.Final, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	defer observe("get_agent", time.Now())

	var a models.Agent
	err := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Title, &a.Persona, &a.Background, &a.Model, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: agent %s: %w", id, translate(err))
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, query persistence.AgentQuery) ([]models.Agent, int64, error) {
	defer observe("list_agents", time.Now())

	where := ""
	args := []any{}
	if search := strings.TrimSpace(query.Search); search != "" {
		where = `WHERE name ILIKE $1 OR title ILIKE $1`
		args = append(args, "%"+search+"%")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgstore: count agents: %w", err)
	}

	limit := persistence.NormalizeLimit(query.Limit, defaultPageSize, maxPageSize)
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	n := len(args)
	q := fmt.Sprintf(`SELECT %s FROM agents %s ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`, agentColumns, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgstore: list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]models.Agent, 0, limit)
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Title, &a.Persona, &a.Background, &a.Model, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgstore: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgstore: iterate agents: %w", err)
	}
	return agents, total, nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) (*models.Agent, error) {
	defer observe("upsert_agent", time.Now())

	if strings.TrimSpace(agent.Name) == "" {
		return nil, fmt.Errorf("%w: agent name is required", persistence.ErrInvalid)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = s.now()
	}

	const q = `INSERT INTO agents (id, name, title, persona, background, model, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, title = EXCLUDED.title, persona = EXCLUDED.persona,
    background = EXCLUDED.background, model = EXCLUDED.model
RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, agent.ID, agent.Name, agent.Title, agent.Persona, agent.Background, agent.Model, agent.CreatedAt).
		Scan(&agent.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: upsert agent: %w", translate(err))
	}
	return &agent, nil
}
