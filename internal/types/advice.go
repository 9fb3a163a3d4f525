package types

import (
	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"

	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

type TrendLabel string

type AdviceDecision string

const (
	TrendUp       TrendLabel = "up"
	TrendDown     TrendLabel = "down"
	TrendSideways TrendLabel = "sideways"
)

const (
	DecisionEnter  AdviceDecision = "enter"
	DecisionHold   AdviceDecision = "hold"
	DecisionAdd    AdviceDecision = "add"
	DecisionReduce AdviceDecision = "reduce"
	DecisionExit   AdviceDecision = "exit"
)

// Advice is a structured recommendation from the advisory oracle for one
// instrument at one point in time. It is transient per step.
type Advice struct {
	Symbol string `yaml:"symbol" json:"symbol" validate:"required"`
	// Trend is the oracle's trend assessment.
	Trend TrendLabel `yaml:"trend" json:"trend" validate:"required,oneof=up down sideways"`
	// TrendStrength grades the trend on a 0-10 ordinal scale.
	TrendStrength int `yaml:"trend_strength" json:"trend_strength" validate:"gte=0,lte=10"`
	// Confidence is in [0,1]. Advice below the configured threshold is
	// treated as "no actionable advice", not as an error.
	Confidence float64        `yaml:"confidence" json:"confidence" validate:"gte=0,lte=1"`
	Decision   AdviceDecision `yaml:"decision" json:"decision" validate:"required,oneof=enter hold add reduce exit"`
	// StopLoss is the suggested stop-loss price. Can be None if not suggested.
	StopLoss optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	// TakeProfit is the suggested take-profit price. Can be None if not suggested.
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
	// EntryLow and EntryHigh bound the suggested entry band. Both are set or neither.
	EntryLow  optional.Option[float64] `yaml:"entry_low" json:"entry_low"`
	EntryHigh optional.Option[float64] `yaml:"entry_high" json:"entry_high"`
	// Rationale is the oracle's free-text reasoning. Informational only.
	Rationale string `yaml:"rationale" json:"rationale"`
}

// NoAdvice is the degraded response used when the oracle times out, fails,
// or returns unparseable content. It never triggers entries or adds.
func NoAdvice(symbol string) Advice {
	return Advice{
		Symbol:     symbol,
		Trend:      TrendSideways,
		Confidence: 0,
		Decision:   DecisionHold,
	}
}

// Validate validates the Advice struct, including the suggested price levels.
func (a *Advice) Validate() error {
	validate := validator.New()

	if err := validate.Struct(a); err != nil {
		return errors.Wrap(errors.ErrCodeAdviceInvalid, "invalid advice", err)
	}

	if a.StopLoss.IsSome() && a.StopLoss.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeAdviceInvalid, "stop loss must be positive")
	}

	if a.TakeProfit.IsSome() && a.TakeProfit.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeAdviceInvalid, "take profit must be positive")
	}

	if a.EntryLow.IsSome() != a.EntryHigh.IsSome() {
		return errors.New(errors.ErrCodeAdviceInvalid, "entry band requires both bounds")
	}

	if a.EntryLow.IsSome() && a.EntryLow.Unwrap() > a.EntryHigh.Unwrap() {
		return errors.New(errors.ErrCodeAdviceInvalid, "entry band low exceeds high")
	}

	return nil
}

// Actionable reports whether the advice clears the given confidence threshold.
func (a *Advice) Actionable(threshold float64) bool {
	return a.Confidence >= threshold
}
