package portfolio

import (
	"math"

	"github.com/lx-quant/pyramid-trading/internal/types"
)

// tradingDaysPerYear is the default annualization factor for daily bars.
const tradingDaysPerYear = 252.0

// SummaryInput bundles the finished history a summary is derived from.
// Everything here is immutable; Summarize is a pure function over it.
type SummaryInput struct {
	InitialCapital float64
	Equity         []types.EquitySnapshot
	Fills          []types.Fill
	UnrealizedPnL  float64
	// RiskFreeRate is annualized, e.g. 0.02 for 2%.
	RiskFreeRate float64
	// PeriodsPerYear annualizes step returns; zero defaults to 252.
	PeriodsPerYear float64
}

// Summarize derives summary statistics from an equity curve and fill log.
// It never mutates its input and is recomputable at any time.
func Summarize(input SummaryInput) types.PerformanceSummary {
	periods := input.PeriodsPerYear
	if periods <= 0 {
		periods = tradingDaysPerYear
	}

	summary := types.PerformanceSummary{
		InitialCapital: input.InitialCapital,
		UnrealizedPnL:  input.UnrealizedPnL,
	}

	if len(input.Equity) == 0 || input.InitialCapital <= 0 {
		return summary
	}

	final := input.Equity[len(input.Equity)-1].Equity
	summary.FinalEquity = final
	summary.TotalReturn = final/input.InitialCapital - 1

	steps := float64(len(input.Equity))
	if final > 0 {
		summary.AnnualizedReturn = math.Pow(final/input.InitialCapital, periods/steps) - 1
	} else {
		summary.AnnualizedReturn = -1
	}

	returns := stepReturns(input.Equity, input.InitialCapital)

	vol := sampleStdDev(returns)
	summary.AnnualizedVolatility = vol * math.Sqrt(periods)

	if summary.AnnualizedVolatility > 0 {
		summary.SharpeRatio = (summary.AnnualizedReturn - input.RiskFreeRate) / summary.AnnualizedVolatility
	}

	downside := downsideDev(returns) * math.Sqrt(periods)
	if downside > 0 {
		summary.SortinoRatio = (summary.AnnualizedReturn - input.RiskFreeRate) / downside
	}

	summary.MaxDrawdown = MaxDrawdown(input.Equity)
	if summary.MaxDrawdown > 0 {
		summary.CalmarRatio = summary.AnnualizedReturn / summary.MaxDrawdown
	}

	grossProfit := 0.0
	grossLoss := 0.0

	for _, fill := range input.Fills {
		summary.TotalCommission += fill.Commission

		if !fill.Tag.RiskReducing() {
			continue
		}

		summary.NumberOfTrades++
		summary.RealizedPnL += fill.PnL

		switch {
		case fill.PnL > 0:
			summary.NumberOfWinningTrades++
			grossProfit += fill.PnL
		case fill.PnL < 0:
			summary.NumberOfLosingTrades++
			grossLoss += -fill.PnL
		}
	}

	if summary.NumberOfTrades > 0 {
		summary.WinRate = float64(summary.NumberOfWinningTrades) / float64(summary.NumberOfTrades)
	}

	if grossLoss > 0 {
		summary.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		summary.ProfitFactor = math.Inf(1)
	}

	return summary
}

// MaxDrawdown returns the largest peak-to-trough decline of the equity
// curve as a positive fraction of the peak.
func MaxDrawdown(equity []types.EquitySnapshot) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0

	for _, snapshot := range equity {
		if snapshot.Equity > peak {
			peak = snapshot.Equity
		}

		if peak > 0 {
			dd := (peak - snapshot.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	return maxDD
}

// stepReturns computes simple per-step returns, anchored at the initial capital.
func stepReturns(equity []types.EquitySnapshot, initialCapital float64) []float64 {
	returns := make([]float64, 0, len(equity))
	previous := initialCapital

	for _, snapshot := range equity {
		if previous > 0 {
			returns = append(returns, snapshot.Equity/previous-1)
		}

		previous = snapshot.Equity
	}

	return returns
}

// sampleStdDev is the sample standard deviation (n-1 denominator).
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}

	mean /= float64(len(values))

	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}

	return math.Sqrt(sum / float64(len(values)-1))
}

// downsideDev is the standard deviation of negative returns only.
func downsideDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0

	for _, v := range values {
		if v < 0 {
			sum += v * v
		}
	}

	return math.Sqrt(sum / float64(len(values)))
}
