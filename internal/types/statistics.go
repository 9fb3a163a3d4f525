package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PerformanceSummary holds the summary statistics derived from a finished
// equity curve and trade log. All ratios are annualized where noted.
type PerformanceSummary struct {
	// InitialCapital is the starting cash of the run.
	InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
	// FinalEquity is the last equity snapshot's value.
	FinalEquity float64 `yaml:"final_equity" json:"final_equity"`
	// TotalReturn is (final equity / initial capital) - 1.
	TotalReturn float64 `yaml:"total_return" json:"total_return"`
	// AnnualizedReturn scales the total return to a 252-trading-day year.
	AnnualizedReturn float64 `yaml:"annualized_return" json:"annualized_return"`
	// AnnualizedVolatility is the sample standard deviation of step returns, annualized.
	AnnualizedVolatility float64 `yaml:"annualized_volatility" json:"annualized_volatility"`
	// SharpeRatio uses the configured risk-free rate and sample stddev.
	SharpeRatio float64 `yaml:"sharpe_ratio" json:"sharpe_ratio"`
	// SortinoRatio penalizes downside deviation only.
	SortinoRatio float64 `yaml:"sortino_ratio" json:"sortino_ratio"`
	// CalmarRatio is annualized return over maximum drawdown.
	CalmarRatio float64 `yaml:"calmar_ratio" json:"calmar_ratio"`
	// MaxDrawdown is the largest peak-to-trough decline on the equity curve,
	// expressed as a positive fraction.
	MaxDrawdown float64 `yaml:"max_drawdown" json:"max_drawdown"`
	// WinRate is winning closed trades over all closed trades.
	WinRate float64 `yaml:"win_rate" json:"win_rate"`
	// ProfitFactor is gross profit over gross loss of closed trades.
	ProfitFactor float64 `yaml:"profit_factor" json:"profit_factor"`
	// RealizedPnL is the sum of realized profit across closing fills.
	RealizedPnL float64 `yaml:"realized_pnl" json:"realized_pnl"`
	// UnrealizedPnL is the open profit at the final snapshot.
	UnrealizedPnL float64 `yaml:"unrealized_pnl" json:"unrealized_pnl"`
	// TotalCommission is the sum of commissions across all fills.
	TotalCommission float64 `yaml:"total_commission" json:"total_commission"`
	// NumberOfTrades counts closing fills (realized round trips or partials).
	NumberOfTrades int `yaml:"number_of_trades" json:"number_of_trades"`
	// NumberOfWinningTrades counts closing fills with positive realized PnL.
	NumberOfWinningTrades int `yaml:"number_of_winning_trades" json:"number_of_winning_trades"`
	// NumberOfLosingTrades counts closing fills with negative realized PnL.
	NumberOfLosingTrades int `yaml:"number_of_losing_trades" json:"number_of_losing_trades"`
}

// RunStats is the top-level record written at the end of a backtest run.
type RunStats struct {
	// ID is the unique identifier for this backtest run.
	ID string `yaml:"id" json:"id"`
	// Timestamp is when this backtest run was executed.
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	// Symbols are the instruments included in the run.
	Symbols []string `yaml:"symbols" json:"symbols"`
	// StrategyName is the human-readable name of the strategy.
	StrategyName string `yaml:"strategy_name" json:"strategy_name"`
	// Performance is the derived summary statistics.
	Performance PerformanceSummary `yaml:"performance" json:"performance"`
	// Rejections counts intents dropped by risk or broker checks.
	Rejections int `yaml:"rejections" json:"rejections"`
	// FillsFilePath is the path to the fills parquet file.
	FillsFilePath string `yaml:"fills_file_path" json:"fills_file_path"`
	// OrdersFilePath is the path to the orders parquet file.
	OrdersFilePath string `yaml:"orders_file_path" json:"orders_file_path"`
	// EquityFilePath is the path to the equity curve parquet file.
	EquityFilePath string `yaml:"equity_file_path" json:"equity_file_path"`
	// DataPath is the path to the market data used for this run.
	DataPath string `yaml:"data_path" json:"data_path"`
}

// WriteRunStats serializes run stats to a YAML file at the given path.
func WriteRunStats(path string, stats []RunStats) error {
	data, err := yaml.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal run stats to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run stats to file: %w", err)
	}

	return nil
}
