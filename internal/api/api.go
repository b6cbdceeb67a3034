package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/auth"
	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/conversation"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/tools"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	authService *auth.Service
	store       persistence.Store
	sessions    *chat.Registry
	logger      *zap.SugaredLogger
	checks      map[string]HealthCheck
}

func NewHandler(authService *auth.Service, store persistence.Store, sessions *chat.Registry, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		authService: authService,
		store:       store,
		sessions:    sessions,
		logger:      logger,
		checks:      make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency reported by /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(metricsMiddleware())

	router.GET("/health", h.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	protected := apiGroup.Group("", auth.RequireUser(h.authService))
	protected.GET("/auth/me", h.handleMe)

	protected.GET("/agents", h.handleListAgents)
	protected.GET("/agents/:id", h.handleGetAgent)

	protected.POST("/conversations", h.handleStartConversation)
	protected.GET("/conversations/:id/messages", h.handleListMessages)
	protected.POST("/conversations/:id/messages", h.handleSendMessage)
	protected.GET("/conversations/:id/stream", h.handleStream)

	protected.GET("/tools/status", h.handleToolStatus)
	protected.GET("/usage", h.handleUsage)
}

type registerRequest struct {
	Username string
	Email    string
	Password string
}

type loginRequest struct {
	Identifier string
	Password   string
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameRequired), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case errors.Is(err, auth.ErrUserExists), errors.Is(err, auth.ErrEmailExists):
			writeError(c, http.StatusConflict, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if req.Identifier == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "identifier and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(c, http.StatusUnauthorized, err.Error(), err)
			return
		}
		writeError(c, http.StatusInternalServerError, "failed to login", err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

func (h *Handler) handleMe(c *gin.Context) {
	user, err := h.authService.User(c.Request.Context(), auth.UserID(c))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(c, http.StatusNotFound, err.Error(), err)
			return
		}
		writeError(c, http.StatusInternalServerError, "failed to load user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"createdAt": user.CreatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	label := "ok"
	if status != http.StatusOK {
		label = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       label,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"createdAt": result.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": result.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, errorBody(message, err))
}

func errorBody(message string, err error) gin.H {
	body := gin.H{"error": message, "details": err.Error()}
	var dispatchErr *tools.DispatchError
	if errors.As(err, &dispatchErr) {
		body["kind"] = dispatchErr.Kind
		body["retryable"] = dispatchErr.Retryable()
	}
	return body
}

// statusFromError maps domain errors onto HTTP statuses.
func statusFromError(err error) int {
	var dispatchErr *tools.DispatchError
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalid), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrImmutable), errors.Is(err, persistence.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &dispatchErr):
		switch dispatchErr.Kind {
		case tools.KindBusy:
			return http.StatusConflict
		case tools.KindQuota:
			return http.StatusTooManyRequests
		case tools.KindContentPolicy:
			return http.StatusUnprocessableEntity
		case tools.KindConfiguration:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, chat.ErrNoGenerator), errors.Is(err, conversation.ErrSendFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
