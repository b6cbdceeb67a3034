package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/clock"
	"github.com/wuwenbin0122/workforce/internal/metrics"
)

// ProgressFunc receives percent in [0,100] and a short status line.
type ProgressFunc func(percent int, status string)

// Artifact is what a capability produced.
type Artifact struct {
	URLs         []string       `json:"urls,omitempty"`
	Text         string         `json:"text,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	InputTokens  int64          `json:"input_tokens,omitempty"`
	OutputTokens int64          `json:"output_tokens,omitempty"`
	Cost         float64        `json:"cost,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

//go:generate mockgen -destination=toolsmock/adapter.go -package=toolsmock github.com/wuwenbin0122/workforce/internal/tools Adapter

// Adapter invokes one capability. progress may be called zero or more
// times before Invoke returns.
type Adapter interface {
	Invoke(ctx context.Context, params Params, progress ProgressFunc) (*Artifact, error)
}

// Result is a successful dispatch.
type Result struct {
	Invocation uint64        `json:"invocation"`
	Tool       ToolType      `json:"tool"`
	Params     Params        `json:"params"`
	Artifact   *Artifact     `json:"artifact"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

const defaultHistoryLimit = 100

type RouterOption func(*Router)

func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRouterClock(c clock.Clock) RouterOption {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithHistoryLimit caps the in-memory history; older results are dropped
// first.
func WithHistoryLimit(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// Router turns detected intents into capability invocations. One dispatch
// runs at a time; a second Handle while generating fails with KindBusy.
type Router struct {
	detector     *Detector
	adapters     map[ToolType]Adapter
	hub          *ProgressHub
	logger       *zap.Logger
	clock        clock.Clock
	historyLimit int

	mu         sync.Mutex
	generating bool
	progress   int
	invocation uint64
	history    []Result
}

func NewRouter(detector *Detector, adapters map[ToolType]Adapter, opts ...RouterOption) *Router {
	if detector == nil {
		detector = DefaultDetector()
	}
	r := &Router{
		detector:     detector,
		adapters:     make(map[ToolType]Adapter, len(adapters)),
		hub:          NewProgressHub(),
		logger:       zap.NewNop(),
		clock:        clock.Real(),
		historyLimit: defaultHistoryLimit,
	}
	for tool, adapter := range adapters {
		if adapter != nil {
			r.adapters[tool] = adapter
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Detector() *Detector { return r.detector }

func (r *Router) Progress() *ProgressHub { return r.hub }

func (r *Router) IsGenerating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generating
}

// CurrentProgress is the last reported percentage of the running dispatch,
// or 0 when idle.
func (r *Router) CurrentProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Router) History() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.history...)
}

// Handle detects a tool in message and runs it. It returns nil, nil when the
// message is ordinary chat.
func (r *Router) Handle(ctx context.Context, message string) (*Result, error) {
	detection := r.detector.Detect(message)
	if !detection.ShouldGenerate {
		return nil, nil
	}
	return r.Dispatch(ctx, detection.ToolType, detection.Params)
}

// Dispatch runs tool with params directly, skipping detection.
func (r *Router) Dispatch(ctx context.Context, tool ToolType, params Params) (result *Result, err error) {
	adapter, ok := r.adapters[tool]
	if !ok {
		metrics.ToolDispatches.WithLabelValues(string(tool), string(KindConfiguration)).Inc()
		return nil, &DispatchError{Kind: KindConfiguration, Tool: tool, Err: fmt.Errorf("%w: no adapter for %s", ErrNotConfigured, tool)}
	}

	invocation, ok := r.begin()
	if !ok {
		metrics.ToolDispatches.WithLabelValues(string(tool), string(KindBusy)).Inc()
		return nil, &DispatchError{Kind: KindBusy, Tool: tool, Err: ErrBusy}
	}
	defer r.finish(invocation, tool)

	started := r.clock.Now()
	log := r.logger.With(zap.String("tool", string(tool)), zap.Uint64("invocation", invocation))
	log.Info("dispatching tool", zap.String("prompt", truncate(params.Prompt, 80)))

	artifact, err := r.invoke(ctx, adapter, params, r.progressFunc(invocation, tool))
	elapsed := r.clock.Now().Sub(started)
	metrics.ToolDuration.WithLabelValues(string(tool)).Observe(elapsed.Seconds())

	if err != nil {
		kind := Classify(err)
		metrics.ToolDispatches.WithLabelValues(string(tool), string(kind)).Inc()
		log.Warn("tool dispatch failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil, &DispatchError{Kind: kind, Tool: tool, Err: err}
	}

	metrics.ToolDispatches.WithLabelValues(string(tool), "ok").Inc()
	res := Result{
		Invocation: invocation,
		Tool:       tool,
		Params:     params,
		Artifact:   artifact,
		StartedAt:  started,
		Duration:   elapsed,
	}
	r.appendHistory(res)
	log.Info("tool dispatch finished", zap.Duration("elapsed", elapsed))
	return &res, nil
}

func (r *Router) invoke(ctx context.Context, adapter Adapter, params Params, progress ProgressFunc) (artifact *Artifact, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			artifact = nil
			err = fmt.Errorf("%w: %v", ErrAdapterPanic, rec)
		}
	}()
	artifact, err = adapter.Invoke(ctx, params, progress)
	if err == nil && artifact == nil {
		artifact = &Artifact{}
	}
	return artifact, err
}

func (r *Router) begin() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generating {
		return 0, false
	}
	r.invocation++
	r.generating = true
	r.progress = 0
	return r.invocation, true
}

// finish and progressFunc publish while holding r.mu so no report can land
// after the Done event.
func (r *Router) finish(invocation uint64, tool ToolType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generating = false
	r.progress = 0
	r.hub.publish(ProgressEvent{Invocation: invocation, Tool: tool, Percent: 0, Done: true})
}

// progressFunc drops reports that arrive after the dispatch ended or that
// would move the percentage backwards.
func (r *Router) progressFunc(invocation uint64, tool ToolType) ProgressFunc {
	return func(percent int, status string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.generating || r.invocation != invocation || percent < r.progress {
			return
		}
		r.progress = percent
		r.hub.publish(ProgressEvent{Invocation: invocation, Tool: tool, Percent: percent, Status: status})
	}
}

func (r *Router) appendHistory(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, res)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append([]Result(nil), r.history[over:]...)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
