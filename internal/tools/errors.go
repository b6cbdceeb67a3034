package tools

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindQuota         ErrorKind = "quota"
	KindContentPolicy ErrorKind = "content-policy"
	KindUnknown       ErrorKind = "unknown"
	KindBusy          ErrorKind = "busy"
)

// Adapters wrap these so the router can classify failures without parsing
// provider messages.
var (
	ErrNotConfigured  = errors.New("capability not configured")
	ErrQuotaExceeded  = errors.New("capability quota exceeded")
	ErrContentBlocked = errors.New("content blocked by safety policy")
	ErrBusy           = errors.New("a generation is already in progress")
	ErrAdapterPanic   = errors.New("capability adapter panicked")
)

// DispatchError is returned by Router.Handle for every failed invocation.
type DispatchError struct {
	Kind ErrorKind
	Tool ToolType
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("tools: %s dispatch failed (%s): %v", e.Tool, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether re-invoking could plausibly succeed.
func (e *DispatchError) Retryable() bool {
	return e.Kind == KindUnknown || e.Kind == KindBusy
}

// Classify maps an adapter error to an ErrorKind. Sentinels win; provider
// message wording is the fallback.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var dispatchErr *DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		return dispatchErr.Kind
	case errors.Is(err, ErrNotConfigured):
		return KindConfiguration
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrContentBlocked):
		return KindContentPolicy
	case errors.Is(err, ErrBusy):
		return KindBusy
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAnyText(msg, "api key", "apikey", "not configured", "unauthorized", "credential", "forbidden"):
		return KindConfiguration
	case containsAnyText(msg, "quota", "rate limit", "too many requests", "insufficient balance", "billing"):
		return KindQuota
	case containsAnyText(msg, "content policy", "safety", "moderation", "sensitive", "inappropriate"):
		return KindContentPolicy
	default:
		return KindUnknown
	}
}

func containsAnyText(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
