package types

import (
	"time"

	"github.com/moznion/go-optional"
)

// PositionState is the per-instrument pyramid bookkeeping owned by the
// strategy. It is created on the first entry fill and reset on a full exit.
type PositionState struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	// PyramidLevel counts successive add fills since the last full exit.
	// Zero means flat. It never exceeds the configured maximum.
	PyramidLevel int     `yaml:"pyramid_level" json:"pyramid_level"`
	Quantity     float64 `yaml:"quantity" json:"quantity"`
	// AvgEntryPrice is the weighted-average entry price across all tranches.
	AvgEntryPrice float64 `yaml:"avg_entry_price" json:"avg_entry_price"`
	// CostBasis is the cumulative cost of the open quantity, commission included.
	CostBasis float64 `yaml:"cost_basis" json:"cost_basis"`
	// StopLoss is the active protective stop. Can be None if no stop is armed.
	StopLoss optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	// TakeProfit is the active profit target. Can be None if no target is armed.
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
	// EntryTime is the timestamp of the first fill of the current position.
	EntryTime time.Time `yaml:"entry_time" json:"entry_time"`
	// LastAddTime and LastAddPrice track the most recent tranche; the add
	// threshold is measured against LastAddPrice, not the average entry.
	LastAddTime  time.Time `yaml:"last_add_time" json:"last_add_time"`
	LastAddPrice float64   `yaml:"last_add_price" json:"last_add_price"`
}

// IsFlat reports whether the instrument currently holds no position.
func (p *PositionState) IsFlat() bool {
	return p.Quantity == 0
}

// MarketValue returns the mark-to-market value of the position at the given price.
func (p *PositionState) MarketValue(price float64) float64 {
	return p.Quantity * price
}

// UnrealizedPnL returns the open profit relative to the average entry price.
func (p *PositionState) UnrealizedPnL(price float64) float64 {
	return (price - p.AvgEntryPrice) * p.Quantity
}

// EquitySnapshot is one point on the equity curve, appended once per time
// step whether or not a fill occurred.
type EquitySnapshot struct {
	Time        time.Time `yaml:"time" json:"time" csv:"time"`
	Cash        float64   `yaml:"cash" json:"cash" csv:"cash"`
	MarketValue float64   `yaml:"market_value" json:"market_value" csv:"market_value"`
	Equity      float64   `yaml:"equity" json:"equity" csv:"equity"`
}

type RejectionStage string

const (
	RejectionStageRisk   RejectionStage = "risk"
	RejectionStageBroker RejectionStage = "broker"
)

// RejectionRecord is attached to the trade log when an intent is dropped,
// so audits can see why an intended trade never happened.
type RejectionRecord struct {
	Time   time.Time      `yaml:"time" json:"time" csv:"time"`
	Symbol string         `yaml:"symbol" json:"symbol" csv:"symbol"`
	// OrderID is set when the rejection hit an already-submitted order,
	// empty when the intent never reached the broker.
	OrderID string         `yaml:"order_id" json:"order_id" csv:"order_id"`
	Stage   RejectionStage `yaml:"stage" json:"stage" csv:"stage"`
	Tag     IntentTag      `yaml:"tag" json:"tag" csv:"tag"`
	Reason  Reason         `yaml:"reason" json:"reason" csv:"reason"`
}
