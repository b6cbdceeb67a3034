package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/workforce/internal/auth"
	"github.com/wuwenbin0122/workforce/internal/clock"
)

func TestAuthServiceRegisterAndLogin(t *testing.T) {
	svc, err := auth.NewService("test-secret", time.Hour, auth.WithBcryptCost(4))
	if err != nil {
		t.Fatalf("unexpected error creating auth service: %v", err)
	}

	registerResult, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: "alice",
		Email:    "Alice@Example.com",
		Password: "s3cret!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}
	if registerResult.Token == "" || registerResult.User.ID == "" {
		t.Fatalf("expected token and user id, got %+v", registerResult)
	}
	if registerResult.User.PasswordHash != "" {
		t.Fatalf("expected sanitized user")
	}

	claims, err := svc.VerifyToken(registerResult.Token)
	if err != nil {
		t.Fatalf("verify token failed: %v", err)
	}
	if claims.Subject != registerResult.User.ID {
		t.Fatalf("expected token subject %s, got %s", registerResult.User.ID, claims.Subject)
	}

	if _, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: "ALICE",
		Password: "another!",
	}); !errors.Is(err, auth.ErrUserExists) {
		t.Fatalf("expected duplicate username error, got %v", err)
	}
	if _, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: "bob",
		Email:    "alice@example.com",
		Password: "another!",
	}); !errors.Is(err, auth.ErrEmailExists) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}

	loginResult, err := svc.Login(context.Background(), auth.LoginInput{Identifier: "alice@example.com", Password: "s3cret!"})
	if err != nil {
		t.Fatalf("login by email returned error: %v", err)
	}
	if loginResult.User.Username != "alice" {
		t.Fatalf("expected login user to be alice, got %s", loginResult.User.Username)
	}

	if _, err := svc.Login(context.Background(), auth.LoginInput{Identifier: "alice", Password: "wrong"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials error, got %v", err)
	}
	if _, err := svc.Login(context.Background(), auth.LoginInput{Identifier: "nobody", Password: "whatever"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	user, err := svc.User(context.Background(), registerResult.User.ID)
	if err != nil || user.Username != "alice" {
		t.Fatalf("expected lookup by id, got %+v, %v", user, err)
	}
}

func TestAuthServiceRejectsWeakInput(t *testing.T) {
	if _, err := auth.NewService("  ", time.Hour); !errors.Is(err, auth.ErrSecretRequired) {
		t.Fatalf("expected secret error, got %v", err)
	}

	svc, _ := auth.NewService("secret", time.Hour)
	if _, err := svc.Register(context.Background(), auth.RegisterInput{Password: "longenough"}); !errors.Is(err, auth.ErrUsernameRequired) {
		t.Fatalf("expected username error, got %v", err)
	}
	if _, err := svc.Register(context.Background(), auth.RegisterInput{Username: "carol", Password: "123"}); !errors.Is(err, auth.ErrPasswordTooWeak) {
		t.Fatalf("expected weak password error, got %v", err)
	}
}

func TestVerifyTokenExpiry(t *testing.T) {
	fake := clock.Fake(time.Now())
	svc, _ := auth.NewService("secret", time.Minute, auth.WithClock(fake))

	result, err := svc.Register(context.Background(), auth.RegisterInput{Username: "dave", Password: "password"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	fake.Advance(2 * time.Minute)
	if _, err := svc.VerifyToken(result.Token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other, _ := auth.NewService("different", time.Hour)
	if _, err := other.VerifyToken(result.Token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestTokenCarriesUsernameAndPasswordPolicyIsConfigurable(t *testing.T) {
	svc, _ := auth.NewService("secret", time.Hour, auth.WithMinPasswordLength(10), auth.WithBcryptCost(4))

	if _, err := svc.Register(context.Background(), auth.RegisterInput{Username: "frank", Password: "ninechars"}); !errors.Is(err, auth.ErrPasswordTooWeak) {
		t.Fatalf("expected weak password error below the configured length, got %v", err)
	}

	result, err := svc.Register(context.Background(), auth.RegisterInput{Username: "frank", Password: "tencharsok"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	claims, err := svc.VerifyToken(result.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Username != "frank" || claims.Issuer != "workforce" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := svc.VerifyToken("not.a.token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestRequireUserMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := auth.NewService("secret", time.Hour)
	result, err := svc.Register(context.Background(), auth.RegisterInput{Username: "erin", Password: "password"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	router := gin.New()
	router.GET("/me", auth.RequireUser(svc), func(c *gin.Context) {
		c.String(http.StatusOK, auth.UserID(c))
	})

	cases := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"missing", "/me", "", http.StatusUnauthorized},
		{"garbage", "/me", "Bearer nope", http.StatusUnauthorized},
		{"header", "/me", "Bearer " + result.Token, http.StatusOK},
		{"query", "/me?token=" + result.Token, "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusOK && rec.Body.String() != result.User.ID {
				t.Fatalf("expected acting user %s, got %q", result.User.ID, rec.Body.String())
			}
		})
	}
}
