package strategy

import (
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

type SizingMethod string

const (
	// SizingFixedFraction sizes each tranche as a fraction of equity.
	SizingFixedFraction SizingMethod = "fixed_fraction"
	// SizingFixedQuantity sizes each tranche as a fixed unit count.
	SizingFixedQuantity SizingMethod = "fixed_quantity"
	// SizingATRRisk sizes so the loss at the ATR-derived stop equals a
	// fixed fraction of equity.
	SizingATRRisk SizingMethod = "atr_risk"
)

// Config holds the pyramid strategy parameters.
type Config struct {
	// MaxPyramidLevels caps successive adds per instrument.
	MaxPyramidLevels int `yaml:"max_pyramid_levels" json:"max_pyramid_levels" jsonschema:"description=Maximum pyramid levels per instrument" validate:"gt=0"`
	// InitialPositionSize is the first tranche as a fraction of equity.
	InitialPositionSize float64 `yaml:"initial_position_size" json:"initial_position_size" jsonschema:"description=First tranche as fraction of equity" validate:"gt=0,lte=1"`
	// PositionSizeMultiplier scales each successive tranche.
	PositionSizeMultiplier float64 `yaml:"position_size_multiplier" json:"position_size_multiplier" jsonschema:"description=Tranche size multiplier per level" validate:"gt=0"`
	// AddThresholdPct is the favorable move past the last add price
	// required before another add, e.g. 0.02 for 2%.
	AddThresholdPct float64 `yaml:"add_threshold_pct" json:"add_threshold_pct" jsonschema:"description=Favorable move required before adding" validate:"gt=0"`
	// EntryConfidenceThreshold gates entries on oracle confidence.
	EntryConfidenceThreshold float64 `yaml:"entry_confidence_threshold" json:"entry_confidence_threshold" jsonschema:"description=Minimum oracle confidence for entries" validate:"gte=0,lte=1"`
	// AddConfidenceThreshold gates adds on oracle confidence.
	AddConfidenceThreshold float64 `yaml:"add_confidence_threshold" json:"add_confidence_threshold" jsonschema:"description=Minimum oracle confidence for adds" validate:"gte=0,lte=1"`
	// ExitConfidenceThreshold gates oracle-advised exits. Price-driven
	// exits (stop and target crossings) ignore it.
	ExitConfidenceThreshold float64 `yaml:"exit_confidence_threshold" json:"exit_confidence_threshold" jsonschema:"description=Minimum oracle confidence for advised exits" validate:"gte=0,lte=1"`
	// TrendStrengthThreshold gates entries on the oracle's 0-10 trend grade.
	TrendStrengthThreshold int `yaml:"trend_strength_threshold" json:"trend_strength_threshold" jsonschema:"description=Minimum trend strength for entries" validate:"gte=0,lte=10"`
	// SizingMethod selects how tranches are sized.
	SizingMethod SizingMethod `yaml:"sizing_method" json:"sizing_method" jsonschema:"description=Tranche sizing method" validate:"required,oneof=fixed_fraction fixed_quantity atr_risk"`
	// FixedQuantity is the tranche size for the fixed_quantity method.
	FixedQuantity float64 `yaml:"fixed_quantity" json:"fixed_quantity" jsonschema:"description=Units per tranche for fixed_quantity sizing" validate:"gte=0"`
	// RiskPerTrade is the equity fraction at risk per tranche for the
	// atr_risk method.
	RiskPerTrade float64 `yaml:"risk_per_trade" json:"risk_per_trade" jsonschema:"description=Equity fraction at risk per tranche for atr_risk sizing" validate:"gte=0,lte=1"`
	// ATRPeriod is the lookback for the average true range.
	ATRPeriod int `yaml:"atr_period" json:"atr_period" jsonschema:"description=ATR lookback period" validate:"gt=1"`
	// StopLossATRMultiplier places the protective stop this many ATRs
	// below the fill price when the oracle suggests no stop.
	StopLossATRMultiplier float64 `yaml:"stop_loss_atr_multiplier" json:"stop_loss_atr_multiplier" jsonschema:"description=ATR multiple for the protective stop" validate:"gt=0"`
	// StopLossPct is the fallback fractional stop used before enough
	// bars exist for an ATR.
	StopLossPct float64 `yaml:"stop_loss_pct" json:"stop_loss_pct" jsonschema:"description=Fallback fractional stop distance" validate:"gt=0,lt=1"`
	// ReduceRatio is the fraction of the position shed on a reduce advice.
	ReduceRatio float64 `yaml:"reduce_ratio" json:"reduce_ratio" jsonschema:"description=Position fraction shed on reduce advice" validate:"gt=0,lt=1"`
}

// DefaultConfig returns the strategy defaults.
func DefaultConfig() Config {
	return Config{
		MaxPyramidLevels:         3,
		InitialPositionSize:      0.1,
		PositionSizeMultiplier:   1.5,
		AddThresholdPct:          0.02,
		EntryConfidenceThreshold: 0.6,
		AddConfidenceThreshold:   0.6,
		ExitConfidenceThreshold:  0.6,
		TrendStrengthThreshold:   6,
		SizingMethod:             SizingFixedFraction,
		RiskPerTrade:             0.01,
		ATRPeriod:                14,
		StopLossATRMultiplier:    2.0,
		StopLossPct:              0.05,
		ReduceRatio:              0.5,
	}
}

// Validate validates the strategy configuration. Invalid configuration is
// fatal before the time loop starts.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeStrategyConfigError, "invalid strategy config", err)
	}

	if c.SizingMethod == SizingFixedQuantity && c.FixedQuantity <= 0 {
		return errors.New(errors.ErrCodeStrategyConfigError, "fixed_quantity sizing requires a positive fixed quantity")
	}

	if c.SizingMethod == SizingATRRisk && c.RiskPerTrade <= 0 {
		return errors.New(errors.ErrCodeStrategyConfigError, "atr_risk sizing requires a positive risk per trade")
	}

	return nil
}

// Schema returns the JSON schema of the strategy configuration.
func (c Config) Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
