package usage

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecordIsAdditive(t *testing.T) {
	l := NewLedger(Watermarks{})

	if _, err := l.Record("providerA", "modelX", 100, 50, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record("providerA", "modelX", 200, 100, 0.02); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record("providerB", "modelY", 10, 5, 0.5); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, ok := l.Lookup("providerA", "modelX")
	if !ok {
		t.Fatalf("expected record for providerA/modelX")
	}
	if rec.InputTokens != 300 || rec.OutputTokens != 150 || !approx(rec.Cost, 0.03) || rec.Calls != 2 {
		t.Fatalf("unexpected aggregate %+v", rec)
	}

	snap := l.Snapshot()
	var sumIn, sumOut int64
	var sumCost float64
	for _, r := range snap.Records {
		sumIn += r.InputTokens
		sumOut += r.OutputTokens
		sumCost += r.Cost
	}
	if snap.Totals.InputTokens != sumIn || snap.Totals.OutputTokens != sumOut || !approx(snap.Totals.Cost, sumCost) {
		t.Fatalf("totals %+v do not match records sum", snap.Totals)
	}
	if snap.Totals.Calls != 3 {
		t.Fatalf("expected 3 calls, got %d", snap.Totals.Calls)
	}
	if snap.Records[0].Provider != "providerA" || snap.Records[1].Provider != "providerB" {
		t.Fatalf("records not sorted: %+v", snap.Records)
	}
}

func TestRecordRejectsNegative(t *testing.T) {
	l := NewLedger(Watermarks{})

	if _, err := l.Record("p", "m", -1, 0, 0); !errors.Is(err, ErrNegativeUsage) {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if _, err := l.Record("p", "m", 0, 0, -0.5); !errors.Is(err, ErrNegativeUsage) {
		t.Fatalf("expected ErrNegativeUsage, got %v", err)
	}
	if got := l.Totals(); got != (Totals{}) {
		t.Fatalf("rejected records must not change totals, got %+v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewLedger(Watermarks{})
	l.Record("p", "m", 1, 1, 0)

	snap := l.Snapshot()
	snap.Records[0].InputTokens = 999

	if rec, _ := l.Lookup("p", "m"); rec.InputTokens != 1 {
		t.Fatalf("snapshot mutation leaked into ledger: %+v", rec)
	}
}

func TestWatermarkClassification(t *testing.T) {
	w := Watermarks{HighTokens: 1000, CriticalTokens: 5000, HighCost: 1, CriticalCost: 10}

	cases := []struct {
		tokens int64
		cost   float64
		want   Level
	}{
		{999, 0.5, LevelNormal},
		{1000, 0, LevelHigh},
		{5000, 0, LevelCritical},
		{10, 1, LevelHigh},
		{10, 10, LevelCritical},
		{6000, 2, LevelCritical},
		{1500, 12, LevelCritical},
	}
	for _, tc := range cases {
		if got := w.Classify(tc.tokens, tc.cost); got != tc.want {
			t.Fatalf("tokens=%d cost=%v: expected %s, got %s", tc.tokens, tc.cost, tc.want, got)
		}
	}

	if got := (Watermarks{}).Classify(1<<40, 1e9); got != LevelNormal {
		t.Fatalf("zero watermarks must disable classification, got %s", got)
	}
}

func TestEscalationWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := NewLedger(Watermarks{HighTokens: 100, CriticalTokens: 200}, WithLogger(zap.New(core)))

	levels := []Level{}
	for i := 0; i < 5; i++ {
		level, err := l.Record("p", "m", 30, 20, 0)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		levels = append(levels, level)
	}

	want := []Level{LevelNormal, LevelHigh, LevelHigh, LevelCritical, LevelCritical}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], levels[i])
		}
	}
	if got := logs.FilterMessage("session usage reached watermark").Len(); got != 2 {
		t.Fatalf("expected two advisory warnings, got %d", got)
	}
}

func TestPricingFillsMissingCost(t *testing.T) {
	pricing, err := ParsePricing([]byte(`
prices:
  qiniu/deepseek-v3:
    input_per_1k: 0.002
    output_per_1k: 0.008
  qiniu/*:
    input_per_1k: 0.001
    output_per_1k: 0.001
`))
	if err != nil {
		t.Fatalf("parse pricing: %v", err)
	}
	l := NewLedger(Watermarks{}, WithPricing(pricing))

	l.Record("qiniu", "deepseek-v3", 1000, 500, 0)
	l.Record("qiniu", "other", 2000, 0, 0)
	l.Record("qiniu", "deepseek-v3", 0, 0, 0.5)

	rec, _ := l.Lookup("qiniu", "deepseek-v3")
	if !approx(rec.Cost, 0.002+0.004+0.5) {
		t.Fatalf("unexpected priced cost %v", rec.Cost)
	}
	other, _ := l.Lookup("qiniu", "other")
	if !approx(other.Cost, 0.002) {
		t.Fatalf("wildcard price not applied, got %v", other.Cost)
	}

	if _, err := ParsePricing([]byte("prices:\n  a/b:\n    input_per_1k: -1\n")); err == nil {
		t.Fatalf("expected negative price to be rejected")
	}
}

func TestWatermarksValidate(t *testing.T) {
	valid := []Watermarks{
		{},
		{HighTokens: 100, CriticalTokens: 100},
		{HighTokens: 500},
		{HighCost: 5, CriticalCost: 20},
	}
	for _, w := range valid {
		if err := w.Validate(); err != nil {
			t.Fatalf("expected %+v to be valid, got %v", w, err)
		}
	}

	invalid := []Watermarks{
		{HighTokens: 1000, CriticalTokens: 10},
		{HighCost: 50, CriticalCost: 20},
		{HighTokens: -1},
	}
	for _, w := range invalid {
		if err := w.Validate(); !errors.Is(err, ErrInvalidWatermarks) {
			t.Fatalf("expected ErrInvalidWatermarks for %+v, got %v", w, err)
		}
	}
}
