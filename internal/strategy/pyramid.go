// Package strategy implements the pyramid trading state machine: oracle
// confirmed entries, progressively sized adds while the trend pays, and
// price-driven exits that work even when the oracle is silent.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/moznion/go-optional"
	"github.com/thrasher-corp/gct-ta/indicators"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/types"
)

// State is the per-instrument pyramid state.
type State string

const (
	StateFlat    State = "FLAT"
	StateEntered State = "ENTERED"
	StateMaxed   State = "MAXED"
)

// maxHistoryBars bounds the trailing window kept per symbol for the ATR
// and the oracle snapshot.
const maxHistoryBars = 200

// armedLevels carries the stop and target computed at intent time until
// the fill that activates them.
type armedLevels struct {
	stop   optional.Option[float64]
	target optional.Option[float64]
}

// Pyramid is the strategy state machine. State is keyed by instrument in
// an explicit map, so parallel backtests each own their instances without
// interference. At most one intent is emitted per instrument per step;
// exit always wins over add when both conditions hold.
type Pyramid struct {
	config Config
	oracle oracle.Oracle
	logger *logger.Logger

	positions  map[string]*types.PositionState
	history    map[string][]types.MarketData
	pendingArm map[string]armedLevels
}

// NewPyramid creates a pyramid strategy. A nil oracle runs the strategy
// price-only: exits fire, entries and adds never do.
func NewPyramid(config Config, o oracle.Oracle, l *logger.Logger) (*Pyramid, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pyramid{
		config:     config,
		oracle:     o,
		logger:     l,
		positions:  make(map[string]*types.PositionState),
		history:    make(map[string][]types.MarketData),
		pendingArm: make(map[string]armedLevels),
	}, nil
}

// Name returns the strategy name.
func (p *Pyramid) Name() string {
	return "pyramid"
}

// StateOf returns the pyramid state for a symbol.
func (p *Pyramid) StateOf(symbol string) State {
	pos, ok := p.positions[symbol]
	if !ok || pos.IsFlat() {
		return StateFlat
	}

	if pos.PyramidLevel >= p.config.MaxPyramidLevels {
		return StateMaxed
	}

	return StateEntered
}

// Position returns a copy of the per-symbol pyramid state.
func (p *Pyramid) Position(symbol string) optional.Option[types.PositionState] {
	pos, ok := p.positions[symbol]
	if !ok {
		return optional.None[types.PositionState]()
	}

	return optional.Some(*pos)
}

// Step consumes one bar and returns at most one order intent. Exit and
// add are mutually exclusive transitions, evaluated exit first.
func (p *Pyramid) Step(ctx context.Context, bar types.MarketData, cash, equity float64) optional.Option[types.OrderIntent] {
	p.observe(bar)

	advice := p.advise(ctx, bar, cash, equity)

	pos, held := p.positions[bar.Symbol]
	if held && !pos.IsFlat() {
		if intent, ok := p.evaluateExit(bar, pos, advice); ok {
			return optional.Some(intent)
		}

		if intent, ok := p.evaluateReduce(bar, pos, advice); ok {
			return optional.Some(intent)
		}

		if intent, ok := p.evaluateAdd(bar, pos, advice, equity); ok {
			return optional.Some(intent)
		}

		return optional.None[types.OrderIntent]()
	}

	if intent, ok := p.evaluateEntry(bar, advice, equity); ok {
		return optional.Some(intent)
	}

	return optional.None[types.OrderIntent]()
}

func (p *Pyramid) observe(bar types.MarketData) {
	window := append(p.history[bar.Symbol], bar)
	if len(window) > maxHistoryBars {
		window = window[len(window)-maxHistoryBars:]
	}

	p.history[bar.Symbol] = window
}

// advise queries the oracle with a bounded snapshot. Every failure mode
// degrades to no-advice: exits keep working on price alone, entries and
// adds pause until the oracle recovers.
func (p *Pyramid) advise(ctx context.Context, bar types.MarketData, cash, equity float64) types.Advice {
	if p.oracle == nil {
		return types.NoAdvice(bar.Symbol)
	}

	snapshot := oracle.Snapshot{
		Symbol:  bar.Symbol,
		Bar:     bar,
		History: p.history[bar.Symbol],
		Cash:    cash,
		Equity:  equity,
	}

	if pos, ok := p.positions[bar.Symbol]; ok {
		snapshot.Position = *pos
	}

	advice, err := p.oracle.Advise(ctx, snapshot)
	if err != nil {
		p.logger.Debug("oracle degraded to no-advice",
			zap.String("symbol", bar.Symbol),
			zap.Error(err))

		return types.NoAdvice(bar.Symbol)
	}

	return advice
}

// evaluateExit checks the full-exit triggers: stop crossing, target
// crossing, an advised exit, and a strong trend reversal. Price triggers
// need no oracle at all.
func (p *Pyramid) evaluateExit(bar types.MarketData, pos *types.PositionState, advice types.Advice) (types.OrderIntent, bool) {
	if pos.StopLoss.IsSome() && bar.Close <= pos.StopLoss.Unwrap() {
		return p.exitIntent(bar, types.ReasonStopLoss, fmt.Sprintf("close %.4f crossed stop %.4f", bar.Close, pos.StopLoss.Unwrap())), true
	}

	if pos.TakeProfit.IsSome() && bar.Close >= pos.TakeProfit.Unwrap() {
		return p.exitIntent(bar, types.ReasonTakeProfit, fmt.Sprintf("close %.4f crossed target %.4f", bar.Close, pos.TakeProfit.Unwrap())), true
	}

	if advice.Decision == types.DecisionExit && advice.Actionable(p.config.ExitConfidenceThreshold) {
		return p.exitIntent(bar, types.ReasonOracleAdvice, advice.Rationale), true
	}

	reversal := advice.Trend == types.TrendDown &&
		advice.TrendStrength >= p.config.TrendStrengthThreshold &&
		advice.Actionable(p.config.ExitConfidenceThreshold)
	if reversal {
		return p.exitIntent(bar, types.ReasonTrendReversal, fmt.Sprintf("downtrend strength %d", advice.TrendStrength)), true
	}

	return types.OrderIntent{}, false
}

func (p *Pyramid) evaluateReduce(bar types.MarketData, pos *types.PositionState, advice types.Advice) (types.OrderIntent, bool) {
	if advice.Decision != types.DecisionReduce || !advice.Actionable(p.config.ExitConfidenceThreshold) {
		return types.OrderIntent{}, false
	}

	quantity := pos.Quantity * p.config.ReduceRatio
	if quantity <= 0 {
		return types.OrderIntent{}, false
	}

	return types.OrderIntent{
		Symbol:    bar.Symbol,
		Side:      types.SideSell,
		OrderType: types.OrderTypeMarket,
		Tag:       types.TagReduce,
		Quantity:  optional.Some(quantity),
		Reason:    types.Reason{Reason: types.ReasonOracleAdvice, Message: advice.Rationale},
		SignalID:  signalID(types.DecisionReduce, bar.Time),
	}, true
}

// evaluateAdd fires when the position is profitable past the last add by
// the configured threshold and the oracle still backs the trend.
func (p *Pyramid) evaluateAdd(bar types.MarketData, pos *types.PositionState, advice types.Advice, equity float64) (types.OrderIntent, bool) {
	if pos.PyramidLevel >= p.config.MaxPyramidLevels {
		return types.OrderIntent{}, false
	}

	confirmed := (advice.Decision == types.DecisionAdd || advice.Decision == types.DecisionEnter) &&
		advice.Actionable(p.config.AddConfidenceThreshold) &&
		advice.Trend == types.TrendUp
	if !confirmed {
		return types.OrderIntent{}, false
	}

	if bar.Close < pos.LastAddPrice*(1+p.config.AddThresholdPct) {
		return types.OrderIntent{}, false
	}

	intent, ok := p.sizedIntent(bar, advice, equity, pos.PyramidLevel, types.TagAdd)
	if !ok {
		return types.OrderIntent{}, false
	}

	return intent, true
}

// evaluateEntry requires an explicit enter advice, confidence above the
// entry threshold, and a sufficiently strong uptrend.
func (p *Pyramid) evaluateEntry(bar types.MarketData, advice types.Advice, equity float64) (types.OrderIntent, bool) {
	confirmed := advice.Decision == types.DecisionEnter &&
		advice.Actionable(p.config.EntryConfidenceThreshold) &&
		advice.Trend == types.TrendUp &&
		advice.TrendStrength >= p.config.TrendStrengthThreshold
	if !confirmed {
		return types.OrderIntent{}, false
	}

	intent, ok := p.sizedIntent(bar, advice, equity, 0, types.TagEnter)
	if !ok {
		return types.OrderIntent{}, false
	}

	return intent, true
}

// sizedIntent builds a buy intent for the given pyramid level and arms
// the stop and target that its fill will activate.
func (p *Pyramid) sizedIntent(bar types.MarketData, advice types.Advice, equity float64, level int, tag types.IntentTag) (types.OrderIntent, bool) {
	distance := p.stopDistance(bar.Symbol, bar.Close)

	multiplier := 1.0
	for i := 0; i < level; i++ {
		multiplier *= p.config.PositionSizeMultiplier
	}

	intent := types.OrderIntent{
		Symbol:           bar.Symbol,
		Side:             types.SideBuy,
		OrderType:        types.OrderTypeMarket,
		Tag:              tag,
		StopLossDistance: optional.Some(distance),
		Reason:           types.Reason{Reason: types.ReasonOracleAdvice, Message: advice.Rationale},
		SignalID:         signalID(advice.Decision, bar.Time),
	}

	switch p.config.SizingMethod {
	case SizingFixedFraction:
		ratio := p.config.InitialPositionSize * multiplier
		if ratio > 1 {
			ratio = 1
		}

		intent.SizingRatio = optional.Some(ratio)
	case SizingFixedQuantity:
		intent.Quantity = optional.Some(p.config.FixedQuantity * multiplier)
	case SizingATRRisk:
		if distance <= 0 || equity <= 0 {
			return types.OrderIntent{}, false
		}

		intent.Quantity = optional.Some(p.config.RiskPerTrade * equity * multiplier / distance)
	default:
		return types.OrderIntent{}, false
	}

	stop := bar.Close - distance
	if advice.StopLoss.IsSome() {
		stop = advice.StopLoss.Unwrap()
	}

	p.pendingArm[bar.Symbol] = armedLevels{
		stop:   optional.Some(stop),
		target: advice.TakeProfit,
	}

	return intent, true
}

// stopDistance is the ATR-derived stop distance, falling back to a fixed
// fraction of price while the ATR window is still filling.
func (p *Pyramid) stopDistance(symbol string, price float64) float64 {
	window := p.history[symbol]
	if len(window) > p.config.ATRPeriod {
		highs := make([]float64, len(window))
		lows := make([]float64, len(window))
		closes := make([]float64, len(window))

		for i, bar := range window {
			highs[i] = bar.High
			lows[i] = bar.Low
			closes[i] = bar.Close
		}

		atr := indicators.ATR(highs, lows, closes, p.config.ATRPeriod)
		if len(atr) > 0 && atr[len(atr)-1] > 0 {
			return p.config.StopLossATRMultiplier * atr[len(atr)-1]
		}
	}

	return p.config.StopLossPct * price
}

func (p *Pyramid) exitIntent(bar types.MarketData, reason, message string) types.OrderIntent {
	return types.OrderIntent{
		Symbol:    bar.Symbol,
		Side:      types.SideSell,
		OrderType: types.OrderTypeMarket,
		Tag:       types.TagExit,
		Reason:    types.Reason{Reason: reason, Message: message},
		SignalID:  signalID(types.DecisionExit, bar.Time),
	}
}

// OnFill acknowledges an executed fill and advances the state machine:
// entries create the position, adds raise the level and ratchet the stop,
// reductions shrink quantity, full exits reset to flat.
func (p *Pyramid) OnFill(fill types.Fill) {
	switch fill.Tag {
	case types.TagEnter, types.TagAdd:
		pos, ok := p.positions[fill.Symbol]
		if !ok {
			pos = &types.PositionState{Symbol: fill.Symbol, EntryTime: fill.Time}
			p.positions[fill.Symbol] = pos
		}

		newQty := pos.Quantity + fill.Quantity
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + fill.Price*fill.Quantity) / newQty
		pos.Quantity = newQty
		pos.CostBasis += fill.Notional() + fill.Commission
		pos.PyramidLevel++
		pos.LastAddPrice = fill.Price
		pos.LastAddTime = fill.Time

		arm := p.pendingArm[fill.Symbol]
		delete(p.pendingArm, fill.Symbol)

		if arm.stop.IsSome() {
			// Stops only ratchet upward: an add never loosens protection
			if pos.StopLoss.IsNone() || arm.stop.Unwrap() > pos.StopLoss.Unwrap() {
				pos.StopLoss = arm.stop
			}
		}

		if arm.target.IsSome() {
			pos.TakeProfit = arm.target
		}

		p.logger.Debug("pyramid level advanced",
			zap.String("symbol", fill.Symbol),
			zap.Int("level", pos.PyramidLevel),
			zap.Float64("avg_entry", pos.AvgEntryPrice))
	case types.TagReduce:
		pos, ok := p.positions[fill.Symbol]
		if !ok {
			return
		}

		// The sold tranche takes its share of the basis, not its sale
		// proceeds: a profitable reduce must not shrink the basis below
		// what the remaining quantity actually cost.
		if pos.Quantity > 0 {
			pos.CostBasis -= pos.CostBasis * fill.Quantity / pos.Quantity
		}

		pos.Quantity -= fill.Quantity

		if pos.Quantity <= 0 {
			delete(p.positions, fill.Symbol)
		}
	case types.TagExit:
		pos, ok := p.positions[fill.Symbol]
		if !ok {
			return
		}

		pos.Quantity -= fill.Quantity
		if pos.Quantity <= 0 {
			// Full exit resets the pyramid to flat
			delete(p.positions, fill.Symbol)
		}
	}
}

func signalID(decision types.AdviceDecision, t time.Time) string {
	return fmt.Sprintf("%s@%s", decision, t.UTC().Format(time.RFC3339))
}
