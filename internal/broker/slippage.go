package broker

import "github.com/lx-quant/pyramid-trading/internal/types"

// SlippageModel adjusts a theoretical fill price for market friction.
// Buys and covers pay up; sells and shorts receive less.
type SlippageModel interface {
	Adjust(price float64, side types.Side, quantity, barVolume float64) float64
}

// NoSlippage fills at the theoretical price.
type NoSlippage struct{}

func (NoSlippage) Adjust(price float64, side types.Side, quantity, barVolume float64) float64 {
	return price
}

// FixedSlippage moves the price by a fixed fraction.
type FixedSlippage struct {
	// Fraction of price, e.g. 0.0005 for 5 basis points.
	Fraction float64
}

func (s FixedSlippage) Adjust(price float64, side types.Side, quantity, barVolume float64) float64 {
	return applySigned(price, side, s.Fraction)
}

// VolumeSlippage scales the price move with the order's share of the
// bar's volume: impact * (quantity / volume).
type VolumeSlippage struct {
	Impact float64
}

func (s VolumeSlippage) Adjust(price float64, side types.Side, quantity, barVolume float64) float64 {
	if barVolume <= 0 {
		return price
	}

	return applySigned(price, side, s.Impact*quantity/barVolume)
}

func applySigned(price float64, side types.Side, fraction float64) float64 {
	switch side {
	case types.SideBuy, types.SideCover:
		return price * (1 + fraction)
	case types.SideSell, types.SideShort:
		return price * (1 - fraction)
	default:
		return price
	}
}
