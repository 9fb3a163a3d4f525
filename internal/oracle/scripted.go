package oracle

import (
	"context"
	"math/rand"
	"sync"

	"github.com/moznion/go-optional"
	"github.com/thrasher-corp/gct-ta/indicators"

	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Constant is an oracle that returns the same advice template on every
// call, with the symbol adjusted to the snapshot. Useful for forcing a
// specific path through the strategy in tests.
type Constant struct {
	advice types.Advice
}

// NewConstant creates an oracle returning the given advice on every call.
func NewConstant(advice types.Advice) *Constant {
	return &Constant{advice: advice}
}

func (c *Constant) Advise(ctx context.Context, snapshot Snapshot) (types.Advice, error) {
	if err := ctx.Err(); err != nil {
		return types.Advice{}, err
	}

	advice := c.advice
	advice.Symbol = snapshot.Symbol

	return advice, nil
}

// Scripted is a deterministic oracle that plays back a fixed per-symbol
// sequence of advice, one item per call. When a script is exhausted the
// last item repeats. Symbols without a script get no-advice.
type Scripted struct {
	mu     sync.Mutex
	steps  map[string][]types.Advice
	cursor map[string]int
}

// NewScripted creates an oracle playing back the given per-symbol scripts.
func NewScripted(steps map[string][]types.Advice) *Scripted {
	return &Scripted{
		steps:  steps,
		cursor: make(map[string]int),
	}
}

func (s *Scripted) Advise(ctx context.Context, snapshot Snapshot) (types.Advice, error) {
	if err := ctx.Err(); err != nil {
		return types.Advice{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.steps[snapshot.Symbol]
	if !ok || len(script) == 0 {
		return types.NoAdvice(snapshot.Symbol), nil
	}

	idx := s.cursor[snapshot.Symbol]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		s.cursor[snapshot.Symbol] = idx + 1
	}

	advice := script[idx]
	advice.Symbol = snapshot.Symbol

	return advice, nil
}

// Trending is a seeded offline oracle that derives advice from a simple
// moving average of the snapshot history, with deterministic confidence
// jitter. It stands in for the real model in offline runs: same seed and
// same input stream, same advice.
type Trending struct {
	mu             sync.Mutex
	period         int
	baseConfidence float64
	rng            *rand.Rand
}

// NewTrending creates a seeded trend-following oracle using an SMA of the
// given period over the snapshot history.
func NewTrending(period int, baseConfidence float64, seed int64) *Trending {
	return &Trending{
		period:         period,
		baseConfidence: baseConfidence,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (t *Trending) Advise(ctx context.Context, snapshot Snapshot) (types.Advice, error) {
	if err := ctx.Err(); err != nil {
		return types.Advice{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Callers degrade this to no-advice; the typed error keeps the short
	// window distinguishable from a real model failure.
	if len(snapshot.History) < t.period {
		return types.Advice{}, errors.NewInsufficientDataErrorf(t.period, len(snapshot.History),
			snapshot.Symbol, "history shorter than SMA period %d", t.period)
	}

	closes := make([]float64, len(snapshot.History))
	lowest := snapshot.History[0].Low

	for i, bar := range snapshot.History {
		closes[i] = bar.Close
		if bar.Low < lowest {
			lowest = bar.Low
		}
	}

	sma := indicators.SMA(closes, t.period)
	mean := sma[len(sma)-1]
	price := snapshot.Bar.Close

	// Deterministic jitter keeps the confidence stream reproducible.
	jitter := t.rng.Float64() * (1 - t.baseConfidence)
	confidence := t.baseConfidence + jitter

	advice := types.Advice{
		Symbol:     snapshot.Symbol,
		Confidence: confidence,
		Decision:   types.DecisionHold,
	}

	switch {
	case price > mean:
		advice.Trend = types.TrendUp
		advice.TrendStrength = trendStrength(price, mean)

		if snapshot.Position.IsFlat() {
			advice.Decision = types.DecisionEnter
			advice.StopLoss = optional.Some(lowest)
		} else {
			advice.Decision = types.DecisionAdd
		}
	case price < mean:
		advice.Trend = types.TrendDown
		advice.TrendStrength = trendStrength(mean, price)

		if !snapshot.Position.IsFlat() {
			advice.Decision = types.DecisionExit
		}
	default:
		advice.Trend = types.TrendSideways
	}

	return advice, nil
}

// trendStrength grades the distance of price from its mean on a 0-10
// scale, saturating at a 5% deviation.
func trendStrength(high, low float64) int {
	if low <= 0 {
		return 0
	}

	deviation := (high - low) / low

	strength := int(deviation / 0.005)
	if strength > 10 {
		strength = 10
	}

	return strength
}
