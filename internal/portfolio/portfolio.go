// Package portfolio is the single source of truth for cash, positions, and
// realized profit. It is mutated only through fills; everything else is a
// read-only view or a derived statistic.
package portfolio

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// consistencyTolerance bounds the acceptable drift between the cash ledger
// and a replay of the fill log.
const consistencyTolerance = 1e-6

type holding struct {
	quantity  decimal.Decimal
	costBasis decimal.Decimal
}

func (h *holding) avgEntryPrice() decimal.Decimal {
	if h.quantity.IsZero() {
		return decimal.Zero
	}

	return h.costBasis.Div(h.quantity.Abs())
}

// Portfolio tracks cash, per-instrument holdings, realized PnL, the fill
// log, and the equity curve. The engine is single-threaded, so the
// portfolio performs no locking of its own.
type Portfolio struct {
	initialCapital  decimal.Decimal
	cash            decimal.Decimal
	holdings        map[string]*holding
	realizedPnL     decimal.Decimal
	totalCommission decimal.Decimal
	fills           []types.Fill
	equity          []types.EquitySnapshot
	lastPrices      map[string]float64
}

// NewPortfolio creates a portfolio funded with the given initial capital.
func NewPortfolio(initialCapital float64) *Portfolio {
	capital := decimal.NewFromFloat(initialCapital)

	return &Portfolio{
		initialCapital: capital,
		cash:           capital,
		holdings:       make(map[string]*holding),
		lastPrices:     make(map[string]float64),
	}
}

// ApplyFill applies one fill atomically: cash, holding, realized PnL, and
// the trade log move together or not at all. The returned fill carries the
// realized PnL for closing executions.
func (p *Portfolio) ApplyFill(fill types.Fill) (types.Fill, error) {
	if fill.Quantity <= 0 {
		return types.Fill{}, errors.New(errors.ErrCodeFillRejected, "fill quantity must be positive")
	}

	if fill.Price <= 0 {
		return types.Fill{}, errors.New(errors.ErrCodeFillRejected, "fill price must be positive")
	}

	qty := decimal.NewFromFloat(fill.Quantity)
	price := decimal.NewFromFloat(fill.Price)
	commission := decimal.NewFromFloat(fill.Commission)
	notional := price.Mul(qty)

	h, ok := p.holdings[fill.Symbol]
	if !ok {
		h = &holding{}
	}

	switch fill.Side {
	case types.SideBuy, types.SideCover:
		cost := notional.Add(commission)
		if cost.GreaterThan(p.cash) && fill.Side == types.SideBuy {
			return types.Fill{}, errors.Newf(errors.ErrCodeInsufficientCash, "fill cost %s exceeds cash %s", cost, p.cash)
		}

		if fill.Side == types.SideCover {
			// Closing a short: quantity moves toward zero
			if h.quantity.Neg().LessThan(qty) {
				return types.Fill{}, errors.Newf(errors.ErrCodeInsufficientQuantity, "cover quantity %s exceeds short position %s", qty, h.quantity.Neg())
			}

			avgEntry := h.avgEntryPrice()
			realized := avgEntry.Sub(price).Mul(qty).Sub(commission)

			p.realizedPnL = p.realizedPnL.Add(realized)
			h.costBasis = h.costBasis.Sub(avgEntry.Mul(qty))
			h.quantity = h.quantity.Add(qty)
			fill.PnL, _ = realized.Float64()
		} else {
			// Opening or extending a long: commission folds into cost basis
			h.costBasis = h.costBasis.Add(cost)
			h.quantity = h.quantity.Add(qty)
		}

		p.cash = p.cash.Sub(cost)
	case types.SideSell, types.SideShort:
		proceeds := notional.Sub(commission)

		if fill.Side == types.SideSell {
			if h.quantity.LessThan(qty) {
				return types.Fill{}, errors.Newf(errors.ErrCodeInsufficientQuantity, "sell quantity %s exceeds position %s", qty, h.quantity)
			}

			avgEntry := h.avgEntryPrice()
			realized := price.Sub(avgEntry).Mul(qty).Sub(commission)

			p.realizedPnL = p.realizedPnL.Add(realized)
			h.costBasis = h.costBasis.Sub(avgEntry.Mul(qty))
			h.quantity = h.quantity.Sub(qty)
			fill.PnL, _ = realized.Float64()
		} else {
			// Opening or extending a short
			h.costBasis = h.costBasis.Add(notional.Sub(commission))
			h.quantity = h.quantity.Sub(qty)
		}

		p.cash = p.cash.Add(proceeds)
	default:
		return types.Fill{}, errors.Newf(errors.ErrCodeFillRejected, "unknown fill side %s", fill.Side)
	}

	if h.quantity.IsZero() {
		delete(p.holdings, fill.Symbol)
	} else {
		p.holdings[fill.Symbol] = h
	}

	p.totalCommission = p.totalCommission.Add(commission)
	p.lastPrices[fill.Symbol] = fill.Price
	p.fills = append(p.fills, fill)

	return fill, nil
}

// MarkToMarket records the latest price for an instrument. It revalues
// open positions without realizing anything.
func (p *Portfolio) MarkToMarket(symbol string, price float64) {
	p.lastPrices[symbol] = price
}

// TakeSnapshot appends one equity snapshot at the given time and returns it.
func (p *Portfolio) TakeSnapshot(t time.Time) types.EquitySnapshot {
	marketValue := p.marketValue()
	cash, _ := p.cash.Float64()
	mv, _ := marketValue.Float64()

	snapshot := types.EquitySnapshot{
		Time:        t,
		Cash:        cash,
		MarketValue: mv,
		Equity:      cash + mv,
	}

	p.equity = append(p.equity, snapshot)

	return snapshot
}

func (p *Portfolio) marketValue() decimal.Decimal {
	total := decimal.Zero

	for symbol, h := range p.holdings {
		price, ok := p.lastPrices[symbol]
		if !ok {
			continue
		}

		total = total.Add(h.quantity.Mul(decimal.NewFromFloat(price)))
	}

	return total
}

// CheckConsistency replays the fill log against the initial capital and
// verifies that it reproduces the current cash balance. A mismatch means
// the run's results can no longer be trusted and must stop immediately.
func (p *Portfolio) CheckConsistency() error {
	replayed := p.initialCapital

	for _, fill := range p.fills {
		notional := decimal.NewFromFloat(fill.Price).Mul(decimal.NewFromFloat(fill.Quantity))
		commission := decimal.NewFromFloat(fill.Commission)

		switch fill.Side {
		case types.SideBuy, types.SideCover:
			replayed = replayed.Sub(notional).Sub(commission)
		case types.SideSell, types.SideShort:
			replayed = replayed.Add(notional).Sub(commission)
		}
	}

	drift, _ := replayed.Sub(p.cash).Abs().Float64()
	if drift > consistencyTolerance {
		return errors.Newf(errors.ErrCodeInvariantViolated, "cash ledger drifted %g from fill log replay", drift)
	}

	return nil
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 {
	cash, _ := p.cash.Float64()

	return cash
}

// Equity returns cash plus mark-to-market value of all holdings.
func (p *Portfolio) Equity() float64 {
	equity, _ := p.cash.Add(p.marketValue()).Float64()

	return equity
}

// InitialCapital returns the starting cash of the run.
func (p *Portfolio) InitialCapital() float64 {
	capital, _ := p.initialCapital.Float64()

	return capital
}

// RealizedPnL returns the cumulative realized profit net of closing commissions.
func (p *Portfolio) RealizedPnL() float64 {
	realized, _ := p.realizedPnL.Float64()

	return realized
}

// UnrealizedPnL returns the open profit across all holdings at last prices.
func (p *Portfolio) UnrealizedPnL() float64 {
	total := decimal.Zero

	for symbol, h := range p.holdings {
		price, ok := p.lastPrices[symbol]
		if !ok {
			continue
		}

		current := h.quantity.Mul(decimal.NewFromFloat(price))
		if h.quantity.IsNegative() {
			// Short: profit when price falls below basis
			total = total.Add(h.costBasis.Neg().Sub(current))
		} else {
			total = total.Add(current.Sub(h.costBasis))
		}
	}

	unrealized, _ := total.Float64()

	return unrealized
}

// TotalCommission returns the sum of commissions across all fills.
func (p *Portfolio) TotalCommission() float64 {
	total, _ := p.totalCommission.Float64()

	return total
}

// PositionQuantity returns the signed held quantity for a symbol, zero if flat.
func (p *Portfolio) PositionQuantity(symbol string) float64 {
	h, ok := p.holdings[symbol]
	if !ok {
		return 0
	}

	qty, _ := h.quantity.Float64()

	return qty
}

// PositionAvgEntryPrice returns the average entry price for a symbol
// including commissions, zero if flat.
func (p *Portfolio) PositionAvgEntryPrice(symbol string) float64 {
	h, ok := p.holdings[symbol]
	if !ok {
		return 0
	}

	avg, _ := h.avgEntryPrice().Float64()

	return avg
}

// OpenPositionCount returns the number of instruments with a non-zero holding.
func (p *Portfolio) OpenPositionCount() int {
	return len(p.holdings)
}

// HeldSymbols returns the symbols with open positions, sorted.
func (p *Portfolio) HeldSymbols() []string {
	symbols := make([]string, 0, len(p.holdings))
	for symbol := range p.holdings {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	return symbols
}

// Fills returns the ordered fill log.
func (p *Portfolio) Fills() []types.Fill {
	return p.fills
}

// EquityCurve returns the ordered equity snapshots.
func (p *Portfolio) EquityCurve() []types.EquitySnapshot {
	return p.equity
}

// LastPrice returns the most recent marked price for a symbol.
func (p *Portfolio) LastPrice(symbol string) (float64, bool) {
	price, ok := p.lastPrices[symbol]

	return price, ok
}

// Exposure returns the absolute market value of one symbol's holding as a
// fraction of equity. Zero when flat or when equity is non-positive.
func (p *Portfolio) Exposure(symbol string) float64 {
	h, ok := p.holdings[symbol]
	if !ok {
		return 0
	}

	price, ok := p.lastPrices[symbol]
	if !ok {
		return 0
	}

	equity := p.Equity()
	if equity <= 0 {
		return 0
	}

	qty, _ := h.quantity.Abs().Float64()

	return math.Abs(qty*price) / equity
}
