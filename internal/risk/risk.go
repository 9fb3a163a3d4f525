// Package risk validates proposed orders against portfolio-level and
// per-trade constraints. A validation either approves the intent as-is,
// approves it with a reduced quantity, or rejects it with a reason.
package risk

import (
	"github.com/go-playground/validator/v10"
	"github.com/thrasher-corp/gct-ta/indicators"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Config holds the risk limits. All fractions are of total equity.
type Config struct {
	// MaxOpenPositions caps concurrent open instruments.
	MaxOpenPositions int `yaml:"max_open_positions" json:"max_open_positions" jsonschema:"description=Maximum concurrent open positions" validate:"gt=0"`
	// MaxInstrumentFraction caps a single instrument's share of equity.
	MaxInstrumentFraction float64 `yaml:"max_instrument_fraction" json:"max_instrument_fraction" jsonschema:"description=Maximum fraction of equity in one instrument" validate:"gt=0,lte=1"`
	// MaxCorrelation rejects entries too correlated with current holdings.
	MaxCorrelation float64 `yaml:"max_correlation" json:"max_correlation" jsonschema:"description=Maximum rolling return correlation with held instruments" validate:"gte=0,lte=1"`
	// CorrelationWindow is the trailing bar-return window for the
	// correlation estimate. The window length is an assumption of this
	// implementation, not a property inherited from any venue.
	CorrelationWindow int `yaml:"correlation_window" json:"correlation_window" jsonschema:"description=Trailing return window for correlation" validate:"gte=2"`
	// MaxRiskPerTrade caps the implied loss at the stop distance.
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade" json:"max_risk_per_trade" jsonschema:"description=Maximum implied loss per trade as fraction of equity" validate:"gt=0,lte=1"`
	// MaxOpenRiskBudget caps the summed implied loss of all open
	// positions. Zero disables the budget.
	MaxOpenRiskBudget float64 `yaml:"max_open_risk_budget" json:"max_open_risk_budget" jsonschema:"description=Total open risk budget as fraction of equity" validate:"gte=0,lte=1"`
	// DrawdownCircuitBreaker trips once equity falls this fraction below
	// its high-water mark. While tripped, entries and adds are rejected;
	// exits always pass.
	DrawdownCircuitBreaker float64 `yaml:"drawdown_circuit_breaker" json:"drawdown_circuit_breaker" jsonschema:"description=Drawdown fraction that trips the circuit breaker" validate:"gt=0,lt=1"`
}

// DefaultConfig returns conservative risk limits suitable for a first run.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions:       5,
		MaxInstrumentFraction:  0.25,
		MaxCorrelation:         0.8,
		CorrelationWindow:      20,
		MaxRiskPerTrade:        0.02,
		DrawdownCircuitBreaker: 0.2,
	}
}

// Validate validates the risk configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid risk config", err)
	}

	return nil
}

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictResize  Verdict = "resize"
	VerdictReject  Verdict = "reject"
)

// Decision is the outcome of validating one order intent.
type Decision struct {
	Verdict Verdict
	// Quantity is the approved quantity. For resize verdicts it is lower
	// than the requested quantity; for rejects it is zero.
	Quantity float64
	Reason   types.Reason
}

// PortfolioView is the read-only portfolio surface the manager needs.
type PortfolioView interface {
	Equity() float64
	OpenPositionCount() int
	PositionQuantity(symbol string) float64
	Exposure(symbol string) float64
	HeldSymbols() []string
}

// Manager applies the ordered risk checks. It also tracks the equity
// high-water mark for the drawdown circuit breaker and trailing bar
// returns for the correlation estimate.
type Manager struct {
	config Config
	logger *logger.Logger

	highWaterMark float64
	tripped       bool

	lastClose map[string]float64
	returns   map[string][]float64

	openRisk map[string]float64
}

// NewManager creates a risk manager. The configuration is validated up
// front; an invalid configuration is fatal before any order flows.
func NewManager(config Config, l *logger.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		config:    config,
		logger:    l,
		lastClose: make(map[string]float64),
		returns:   make(map[string][]float64),
		openRisk:  make(map[string]float64),
	}, nil
}

// ObserveBar feeds one bar into the trailing return windows used by the
// correlation check.
func (m *Manager) ObserveBar(bar types.MarketData) {
	if last, ok := m.lastClose[bar.Symbol]; ok && last > 0 {
		window := append(m.returns[bar.Symbol], bar.Close/last-1)
		if len(window) > m.config.CorrelationWindow {
			window = window[len(window)-m.config.CorrelationWindow:]
		}

		m.returns[bar.Symbol] = window
	}

	m.lastClose[bar.Symbol] = bar.Close
}

// ObserveEquity updates the high-water mark and the circuit breaker. The
// breaker trips when drawdown reaches the configured level and resets
// once equity recovers above it.
func (m *Manager) ObserveEquity(equity float64) {
	if equity > m.highWaterMark {
		m.highWaterMark = equity
	}

	if m.highWaterMark <= 0 {
		return
	}

	drawdown := (m.highWaterMark - equity) / m.highWaterMark

	wasTripped := m.tripped
	m.tripped = drawdown >= m.config.DrawdownCircuitBreaker

	if m.tripped && !wasTripped {
		m.logger.Warn("drawdown circuit breaker tripped",
			zap.Float64("drawdown", drawdown),
			zap.Float64("high_water_mark", m.highWaterMark))
	}
}

// Tripped reports whether the drawdown circuit breaker is currently open.
func (m *Manager) Tripped() bool {
	return m.tripped
}

// ReleaseOpenRisk drops a symbol from the open risk budget after a full exit.
func (m *Manager) ReleaseOpenRisk(symbol string) {
	delete(m.openRisk, symbol)
}

// ReduceOpenRisk returns budget consumed at approval time for an order the
// broker then rejected. Without the give-back an unfilled approval would
// hold its slice of the budget until the symbol's next full exit.
func (m *Manager) ReduceOpenRisk(symbol string, amount float64) {
	if amount <= 0 {
		return
	}

	remaining := m.openRisk[symbol] - amount
	if remaining <= 0 {
		delete(m.openRisk, symbol)

		return
	}

	m.openRisk[symbol] = remaining
}

// Validate applies the checks in order, short-circuiting on the first
// violation: (a) max open positions, (b) max single-instrument fraction,
// (c) correlation exposure, (d) per-trade risk with resize, (e) the
// drawdown circuit breaker. Risk-reducing intents bypass everything:
// shrinking exposure must never be blocked.
func (m *Manager) Validate(intent types.OrderIntent, price float64, view PortfolioView) Decision {
	quantity := intent.Quantity.TakeOr(0)

	if intent.Tag.RiskReducing() {
		return Decision{Verdict: VerdictApprove, Quantity: quantity}
	}

	if quantity <= 0 || price <= 0 {
		return reject(types.ReasonInvalidQuantity, "non-positive quantity or price")
	}

	equity := view.Equity()
	opensNewPosition := view.PositionQuantity(intent.Symbol) == 0

	// (a) maximum concurrent open positions
	if opensNewPosition && view.OpenPositionCount() >= m.config.MaxOpenPositions {
		return reject("max_open_positions", "portfolio already at maximum open positions")
	}

	// (b) maximum single-instrument fraction of equity, resized to fit
	if equity > 0 {
		current := view.Exposure(intent.Symbol) * equity
		allowed := m.config.MaxInstrumentFraction*equity - current

		if allowed <= 0 {
			return reject("max_instrument_fraction", "instrument already at maximum equity fraction")
		}

		if quantity*price > allowed {
			quantity = allowed / price
		}
	}

	// (c) correlation exposure is a portfolio-shape property: reject, never resize
	if opensNewPosition {
		if decision, violated := m.checkCorrelation(intent.Symbol, view); violated {
			return decision
		}
	}

	// (d) per-trade risk fraction, resized down to the maximum that fits
	if intent.StopLossDistance.IsSome() && equity > 0 {
		distance := intent.StopLossDistance.Unwrap()
		if distance > 0 {
			maxLoss := m.config.MaxRiskPerTrade * equity
			if quantity*distance > maxLoss {
				quantity = maxLoss / distance
			}

			if m.config.MaxOpenRiskBudget > 0 {
				total := quantity * distance
				for _, open := range m.openRisk {
					total += open
				}

				if total > m.config.MaxOpenRiskBudget*equity {
					return reject("open_risk_budget", "total open risk budget exhausted")
				}
			}
		}
	}

	// (e) drawdown circuit breaker blocks all new exposure while open
	if m.tripped {
		return reject("circuit_breaker", "drawdown circuit breaker is open")
	}

	if quantity <= 0 {
		return reject(types.ReasonInvalidQuantity, "quantity resized to zero")
	}

	if intent.StopLossDistance.IsSome() {
		m.openRisk[intent.Symbol] += quantity * intent.StopLossDistance.Unwrap()
	}

	if quantity < intent.Quantity.TakeOr(0) {
		return Decision{
			Verdict:  VerdictResize,
			Quantity: quantity,
			Reason:   types.Reason{Reason: "risk_resized", Message: "quantity reduced to satisfy risk limits"},
		}
	}

	return Decision{Verdict: VerdictApprove, Quantity: quantity}
}

// checkCorrelation compares the candidate's trailing returns against each
// held instrument. With insufficient history the check is skipped: the
// estimate would be noise, and blocking on noise is worse than admitting
// a correlated entry early in the run.
func (m *Manager) checkCorrelation(symbol string, view PortfolioView) (Decision, bool) {
	candidate := m.returns[symbol]
	if len(candidate) < m.config.CorrelationWindow {
		return Decision{}, false
	}

	for _, held := range view.HeldSymbols() {
		if held == symbol {
			continue
		}

		heldReturns := m.returns[held]
		if len(heldReturns) < m.config.CorrelationWindow {
			continue
		}

		coefficients := indicators.CorrelationCoefficient(candidate, heldReturns, m.config.CorrelationWindow)
		if len(coefficients) == 0 {
			continue
		}

		corr := coefficients[len(coefficients)-1]
		if corr > m.config.MaxCorrelation || corr < -m.config.MaxCorrelation {
			m.logger.Debug("correlation limit breached",
				zap.String("symbol", symbol),
				zap.String("held", held),
				zap.Float64("correlation", corr))

			return reject("max_correlation", "candidate too correlated with held instrument "+held), true
		}
	}

	return Decision{}, false
}

func reject(reason, message string) Decision {
	return Decision{
		Verdict: VerdictReject,
		Reason:  types.Reason{Reason: reason, Message: message},
	}
}
