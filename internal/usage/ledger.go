package usage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/metrics"
	"github.com/wuwenbin0122/workforce/internal/models"
)

var (
	ErrNegativeUsage     = errors.New("usage: token counts and cost must not be negative")
	ErrInvalidWatermarks = errors.New("usage: invalid watermarks")
)

type Level int

const (
	LevelNormal Level = iota
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch string(text) {
	case "normal":
		*l = LevelNormal
	case "high":
		*l = LevelHigh
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("usage: unknown level %q", text)
	}
	return nil
}

// Watermarks are inclusive thresholds on session totals. A zero field is
// disabled.
type Watermarks struct {
	HighTokens     int64
	CriticalTokens int64
	HighCost       float64
	CriticalCost   float64
}

// Validate requires non-negative thresholds and, where both are enabled,
// high at or below critical.
func (w Watermarks) Validate() error {
	if w.HighTokens < 0 || w.CriticalTokens < 0 || w.HighCost < 0 || w.CriticalCost < 0 {
		return fmt.Errorf("%w: negative threshold", ErrInvalidWatermarks)
	}
	if w.HighTokens > 0 && w.CriticalTokens > 0 && w.HighTokens > w.CriticalTokens {
		return fmt.Errorf("%w: high tokens %d above critical %d", ErrInvalidWatermarks, w.HighTokens, w.CriticalTokens)
	}
	if w.HighCost > 0 && w.CriticalCost > 0 && w.HighCost > w.CriticalCost {
		return fmt.Errorf("%w: high cost %g above critical %g", ErrInvalidWatermarks, w.HighCost, w.CriticalCost)
	}
	return nil
}

// Classify returns the worse of the token and the cost classification.
func (w Watermarks) Classify(tokens int64, cost float64) Level {
	level := LevelNormal
	switch {
	case w.CriticalTokens > 0 && tokens >= w.CriticalTokens:
		level = LevelCritical
	case w.HighTokens > 0 && tokens >= w.HighTokens:
		level = LevelHigh
	}
	switch {
	case w.CriticalCost > 0 && cost >= w.CriticalCost:
		level = LevelCritical
	case w.HighCost > 0 && cost >= w.HighCost && level < LevelHigh:
		level = LevelHigh
	}
	return level
}

type Totals struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	Cost         float64 `json:"cost"`
}

func (t Totals) TotalTokens() int64 { return t.InputTokens + t.OutputTokens }

type Snapshot struct {
	Records []models.UsageRecord `json:"records"`
	Totals  Totals               `json:"totals"`
	Level   Level                `json:"level"`
}

type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPricing fills in cost for records reported with tokens but no cost.
func WithPricing(p Pricing) Option {
	return func(l *Ledger) { l.pricing = p }
}

// Ledger accumulates usage per (provider, model) for one session. It does
// not deduplicate; callers record each generation exactly once.
type Ledger struct {
	watermarks Watermarks
	pricing    Pricing
	logger     *zap.Logger

	mu      sync.Mutex
	records map[string]*models.UsageRecord
	totals  Totals
	level   Level
}

func NewLedger(watermarks Watermarks, opts ...Option) *Ledger {
	l := &Ledger{
		watermarks: watermarks,
		logger:     zap.NewNop(),
		records:    make(map[string]*models.UsageRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record adds one generation's usage and returns the resulting level.
func (l *Ledger) Record(provider, model string, inputTokens, outputTokens int64, cost float64) (Level, error) {
	if inputTokens < 0 || outputTokens < 0 || cost < 0 {
		return l.Level(), fmt.Errorf("%w: input=%d output=%d cost=%f", ErrNegativeUsage, inputTokens, outputTokens, cost)
	}
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if cost == 0 && l.pricing != nil {
		cost = l.pricing.Cost(provider, model, inputTokens, outputTokens)
	}

	l.mu.Lock()
	key := provider + "\x00" + model
	rec, ok := l.records[key]
	if !ok {
		rec = &models.UsageRecord{Provider: provider, Model: model}
		l.records[key] = rec
	}
	rec.InputTokens += inputTokens
	rec.OutputTokens += outputTokens
	rec.Calls++
	rec.Cost += cost

	l.totals.InputTokens += inputTokens
	l.totals.OutputTokens += outputTokens
	l.totals.Calls++
	l.totals.Cost += cost

	previous := l.level
	l.level = l.watermarks.Classify(l.totals.TotalTokens(), l.totals.Cost)
	level := l.level
	totals := l.totals
	l.mu.Unlock()

	metrics.UsageTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	metrics.UsageTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	metrics.UsageCost.WithLabelValues(provider, model).Add(cost)

	if level > previous {
		l.logger.Warn("session usage reached watermark",
			zap.String("level", level.String()),
			zap.Int64("tokens", totals.TotalTokens()),
			zap.Float64("cost", totals.Cost),
		)
	}
	return level, nil
}

func (l *Ledger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Lookup returns the accumulated record for one provider and model.
func (l *Ledger) Lookup(provider, model string) (models.UsageRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[provider+"\x00"+model]
	if !ok {
		return models.UsageRecord{}, false
	}
	return *rec, true
}

// Snapshot copies the ledger; records are sorted by provider then model.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]models.UsageRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Provider != records[j].Provider {
			return records[i].Provider < records[j].Provider
		}
		return records[i].Model < records[j].Model
	})
	return Snapshot{Records: records, Totals: l.totals, Level: l.level}
}
