// Package capability talks to the Qiniu OpenAI-compatible API: text chat
// for agent replies and the generation endpoints behind each tool.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/tools"
)

const (
	defaultBaseURL      = "https://openai.qiniu.com/v1"
	defaultHTTPTimeout  = 20 * time.Second
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 5 * time.Minute
	providerName        = "qiniu"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL      string
	BackupURL    string
	APIKey       string
	ChatModel    string
	ImageModel   string
	VideoModel   string
	Timeout      time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type Option func(*Client)

func WithHTTPClient(doer httpDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// Client holds the shared HTTP plumbing. Requests go to BaseURL and fall
// back to BackupURL when the primary cannot be reached at all.
type Client struct {
	cfg    Config
	http   httpDoer
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BackupURL = strings.TrimRight(strings.TrimSpace(cfg.BackupURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.ChatModel == "" {
		cfg.ChatModel = "deepseek-v3"
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "gemini-2.5-flash-image"
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = "veo-3.0-generate-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		clock:  clock.Real(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

// APIError is a non-2xx answer from the provider. It unwraps to the tools
// sentinel matching its status and code, if any.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("qiniu api error (%d, %s): %s", e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("qiniu api error (%d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("qiniu api error (%d, %s)", e.StatusCode, e.Code)
	}
}

func (e *APIError) Unwrap() error {
	code := strings.ToLower(e.Code + " " + e.Message)
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return tools.ErrNotConfigured
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusPaymentRequired ||
		strings.Contains(code, "quota") || strings.Contains(code, "insufficient"):
		return tools.ErrQuotaExceeded
	case strings.Contains(code, "content_policy") || strings.Contains(code, "sensitive") ||
		strings.Contains(code, "moderation") || strings.Contains(code, "safety"):
		return tools.ErrContentBlocked
	default:
		return nil
	}
}

type apiErrorBody struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

type errorEnvelope struct {
	Error *apiErrorBody `json:"error,omitempty"`
}

func (b *apiErrorBody) code() string {
	if b == nil {
		return ""
	}
	code := ""
	switch v := b.Code.(type) {
	case string:
		code = v
	case float64:
		code = fmt.Sprintf("%.0f", v)
	}
	if code == "" {
		code = b.Type
	}
	return strings.TrimSpace(code)
}

func buildAPIError(statusCode int, body []byte) error {
	var envelope errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		apiErr := &APIError{
			StatusCode: statusCode,
			Code:       envelope.Error.code(),
			Message:    strings.TrimSpace(envelope.Error.Message),
		}
		if apiErr.Code != "" || apiErr.Message != "" {
			return apiErr
		}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = http.StatusText(statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return &APIError{StatusCode: statusCode, Message: snippet}
}

// doJSON sends payload (nil for GET) to path and decodes the response into
// out.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if !c.Configured() {
		return fmt.Errorf("%w: QINIU_API_KEY is not set", tools.ErrNotConfigured)
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", path, err)
		}
	}

	endpoints := []string{c.cfg.BaseURL}
	if c.cfg.BackupURL != "" && c.cfg.BackupURL != c.cfg.BaseURL {
		endpoints = append(endpoints, c.cfg.BackupURL)
	}

	var lastErr error
	for _, base := range endpoints {
		respBody, status, err := c.roundTrip(ctx, method, base+path, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warnw("qiniu endpoint unreachable", "endpoint", base, "path", path, "error", err)
			lastErr = err
			continue
		}
		if status < 200 || status >= 300 {
			return buildAPIError(status, respBody)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("call %s: %w", path, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

var errEmptyPrompt = errors.New("prompt is empty")
