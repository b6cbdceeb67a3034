package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/models"
)

const (
	DefaultTokenTTL          = 24 * time.Hour
	DefaultMinPasswordLength = 6
)

var (
	ErrSecretRequired     = errors.New("auth: jwt secret required")
	ErrUserExists         = errors.New("auth: username already taken")
	ErrEmailExists        = errors.New("auth: email already registered")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUsernameRequired   = errors.New("auth: username is required")
	ErrPasswordTooWeak    = errors.New("auth: password too short")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput identifies the account by username or email.
type LoginInput struct {
	Identifier string
	Password   string
}

type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	User      models.User
}

type Option func(*Service)

// WithUserStore replaces the default in-memory account store.
func WithUserStore(store UserStore) Option {
	return func(s *Service) {
		if store != nil {
			s.users = store
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithMinPasswordLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minPassword = n
		}
	}
}

// WithBcryptCost lowers the hashing cost, mostly for tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// Service owns hiring-side accounts: it registers users, checks their
// passwords and issues the bearer tokens that name the acting user of
// every conversation request.
type Service struct {
	tokens      tokenSigner
	users       UserStore
	clock       clock.Clock
	minPassword int
	cost        int
}

func NewService(secret string, ttl time.Duration, opts ...Option) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &Service{
		tokens:      tokenSigner{key: []byte(secret), ttl: ttl},
		users:       NewMemoryUserStore(),
		clock:       clock.Real(),
		minPassword: DefaultMinPasswordLength,
		cost:        bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	account, err := s.newAccount(input)
	if err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, account); err != nil {
		return nil, err
	}
	return s.tokens.issue(account, s.clock.Now())
}

func (s *Service) newAccount(input RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(input.Username)
	switch {
	case username == "":
		return nil, ErrUsernameRequired
	case len([]rune(strings.TrimSpace(input.Password))) < s.minPassword:
		return nil, fmt.Errorf("%w: need at least %d characters", ErrPasswordTooWeak, s.minPassword)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	created := s.clock.Now().UTC()
	return &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(input.Email),
		PasswordHash: string(hash),
		CreatedAt:    created,
		UpdatedAt:    created,
	}, nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	account, err := s.lookup(ctx, strings.TrimSpace(input.Identifier))
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(input.Password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.tokens.issue(account, s.clock.Now())
}

// lookup tries the identifier as a username first, then as an email.
// Unknown identifiers and blank input both read as bad credentials.
func (s *Service) lookup(ctx context.Context, identifier string) (*models.User, error) {
	if identifier == "" {
		return nil, ErrInvalidCredentials
	}
	finders := []func(context.Context, string) (*models.User, error){
		s.users.FindByUsername,
		s.users.FindByEmail,
	}
	for _, find := range finders {
		account, err := find(ctx, identifier)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, ErrInvalidCredentials
}

// User returns the sanitized account behind a verified subject.
func (s *Service) User(ctx context.Context, id string) (*models.User, error) {
	account, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	clean := account.Sanitize()
	return &clean, nil
}

// VerifyToken checks signature, expiry and issuer and returns the claims.
func (s *Service) VerifyToken(token string) (*Claims, error) {
	return s.tokens.verify(token, s.clock.Now)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
