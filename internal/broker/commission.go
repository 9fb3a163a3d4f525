package broker

// CommissionModel computes the fee for a fill from its notional value.
type CommissionModel interface {
	// Calculate returns the commission in account currency for a fill of
	// the given notional value.
	Calculate(notional float64) float64
}

// ZeroCommission charges nothing.
type ZeroCommission struct{}

func (ZeroCommission) Calculate(notional float64) float64 {
	return 0
}

// RateCommission charges rate x notional with an optional minimum fee.
type RateCommission struct {
	Rate       float64
	MinimumFee float64
}

func (c RateCommission) Calculate(notional float64) float64 {
	if notional <= 0 {
		return 0
	}

	fee := c.Rate * notional
	if fee < c.MinimumFee {
		fee = c.MinimumFee
	}

	return fee
}
