package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/workforce/internal/models"
)

// UserStore persists accounts. Username and email lookups are case
// insensitive.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.User
	byName  map[string]*models.User
	byEmail map[string]*models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]*models.User),
		byName:  make(map[string]*models.User),
		byEmail: make(map[string]*models.User),
	}
}

func (m *MemoryUserStore) Create(ctx context.Context, user *models.User) error {
	nameKey := strings.ToLower(user.Username)
	emailKey := normalizeEmail(user.Email)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[nameKey]; exists {
		return ErrUserExists
	}
	if emailKey != "" {
		if _, exists := m.byEmail[emailKey]; exists {
			return ErrEmailExists
		}
	}

	stored := *user
	m.byID[stored.ID] = &stored
	m.byName[nameKey] = &stored
	if emailKey != "" {
		m.byEmail[emailKey] = &stored
	}
	return nil
}

func (m *MemoryUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return m.find(m.byID, id)
}

func (m *MemoryUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.find(m.byName, strings.ToLower(strings.TrimSpace(username)))
}

func (m *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	key := normalizeEmail(email)
	if key == "" {
		return nil, ErrUserNotFound
	}
	return m.find(m.byEmail, key)
}

func (m *MemoryUserStore) find(index map[string]*models.User, key string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := index[key]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// PostgresUserStore keeps accounts in the users table created by
// db.Postgres.EnsureSchema.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

const userColumns = `id, username, COALESCE(email, ''), password, created_at, updated_at`

func (p *PostgresUserStore) Create(ctx context.Context, user *models.User) error {
	const q = `INSERT INTO users (id, username, email, password, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`
	_, err := p.pool.Exec(ctx, q, user.ID, user.Username, normalizeEmail(user.Email), user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		if strings.Contains(pgErr.ConstraintName, "email") {
			return ErrEmailExists
		}
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("auth: insert user: %w", err)
	}
	return nil
}

func (p *PostgresUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return p.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (p *PostgresUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, strings.TrimSpace(username))
}

func (p *PostgresUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email))
}

func (p *PostgresUserStore) findOne(ctx context.Context, query string, arg string) (*models.User, error) {
	var user models.User
	err := p.pool.QueryRow(ctx, query, arg).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query user: %w", err)
	}
	return &user, nil
}
