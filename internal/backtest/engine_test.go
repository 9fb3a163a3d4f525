package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/risk"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

type EngineTestSuite struct {
	suite.Suite
	logger *logger.Logger
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) SetupTest() {
	suite.logger = logger.NewNopLogger()
}

// testConfig disables frictions so fill arithmetic stays exact, and
// loosens the limits that would otherwise resize pyramid adds.
func (suite *EngineTestSuite) testConfig() Config {
	config := DefaultConfig()
	config.Symbols = []string{"AAPL"}
	config.CommissionRate = 0
	config.MinimumFee = 0
	config.SlippageFraction = 0
	config.Risk = risk.Config{
		MaxOpenPositions:       3,
		MaxInstrumentFraction:  1.0,
		MaxCorrelation:         0.95,
		CorrelationWindow:      20,
		MaxRiskPerTrade:        0.05,
		DrawdownCircuitBreaker: 0.5,
	}

	return config
}

func makeBars(symbol string, closes []float64) []types.MarketData {
	bars := make([]types.MarketData, len(closes))
	for i, c := range closes {
		bars[i] = types.MarketData{
			Symbol: symbol,
			Time:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:   c * 0.998,
			High:   c * 1.005,
			Low:    c * 0.995,
			Close:  c,
			Volume: 1e6,
		}
	}

	return bars
}

func advice(decision types.AdviceDecision, trend types.TrendLabel, strength int, confidence float64) types.Advice {
	return types.Advice{
		Trend:         trend,
		TrendStrength: strength,
		Confidence:    confidence,
		Decision:      decision,
	}
}

// risingScript confirms an entry, backs two adds, goes quiet, then calls
// the exit on the final bar.
func risingScript(steps int) map[string][]types.Advice {
	script := []types.Advice{
		advice(types.DecisionEnter, types.TrendUp, 8, 0.9),
		advice(types.DecisionAdd, types.TrendUp, 8, 0.9),
		advice(types.DecisionAdd, types.TrendUp, 8, 0.9),
	}

	for len(script) < steps-1 {
		script = append(script, advice(types.DecisionHold, types.TrendUp, 5, 0.3))
	}

	script = append(script, advice(types.DecisionExit, types.TrendSideways, 3, 0.9))

	return map[string][]types.Advice{"AAPL": script}
}

func risingCloses() []float64 {
	closes := make([]float64, 8)
	price := 100.0

	for i := range closes {
		closes[i] = price
		price *= 1.03
	}

	return closes
}

func (suite *EngineTestSuite) runEngine(config Config, feed datasource.Feed, o oracle.Oracle) (*Result, error) {
	engine, err := NewEngine(config, suite.logger)
	suite.Require().NoError(err)

	engine.SetDataSource(feed)

	if o != nil {
		engine.SetOracle(o)
	}

	return engine.Run(context.Background(), optional.None[OnProgress]())
}

func (suite *EngineTestSuite) TestRisingMarketPyramidsAndExits() {
	closes := risingCloses()
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", closes),
	})

	result, err := suite.runEngine(suite.testConfig(), feed, oracle.NewScripted(risingScript(len(closes))))
	suite.Require().NoError(err)

	// One entry, two adds at the threshold multiples, one full exit
	suite.Require().Len(result.Fills, 4)
	suite.Equal(types.TagEnter, result.Fills[0].Tag)
	suite.Equal(types.TagAdd, result.Fills[1].Tag)
	suite.Equal(types.TagAdd, result.Fills[2].Tag)
	suite.Equal(types.TagExit, result.Fills[3].Tag)

	// Each tranche grows by the multiplier and the exit flattens the lot
	suite.Greater(result.Fills[1].Quantity, result.Fills[0].Quantity)
	suite.Greater(result.Fills[2].Quantity, result.Fills[1].Quantity)
	total := result.Fills[0].Quantity + result.Fills[1].Quantity + result.Fills[2].Quantity
	suite.InDelta(total, result.Fills[3].Quantity, 1e-6)

	suite.Greater(result.Fills[3].PnL, 0.0)
	suite.Equal(1, result.Performance.NumberOfTrades)
	suite.Equal(1.0, result.Performance.WinRate)
	suite.Greater(result.Performance.FinalEquity, result.Performance.InitialCapital)
	suite.Empty(result.Rejections)

	// Equity snapshots cover every bar
	suite.Len(result.EquityCurve, len(closes))
}

func (suite *EngineTestSuite) TestFallingMarketStopsOut() {
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", []float64{100, 100.5, 94, 93.5}),
	})
	script := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			advice(types.DecisionEnter, types.TrendUp, 8, 0.9),
			advice(types.DecisionHold, types.TrendUp, 5, 0.3),
		},
	})

	result, err := suite.runEngine(suite.testConfig(), feed, script)
	suite.Require().NoError(err)

	suite.Require().Len(result.Fills, 2)
	suite.Equal(types.TagEnter, result.Fills[0].Tag)
	suite.Equal(types.TagExit, result.Fills[1].Tag)
	suite.Less(result.Fills[1].PnL, 0.0)

	suite.Equal(1, result.Performance.NumberOfLosingTrades)
	suite.Equal(0.0, result.Performance.WinRate)

	// The exit order carries the stop loss reason
	var exitOrder types.Order

	for _, order := range result.Orders {
		if order.Tag == types.TagExit {
			exitOrder = order
		}
	}

	suite.Equal(types.ReasonStopLoss, exitOrder.Reason.Reason)
}

func (suite *EngineTestSuite) TestZeroTradeRunProducesResult() {
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", []float64{100, 101, 102}),
	})

	result, err := suite.runEngine(suite.testConfig(), feed, nil)
	suite.Require().NoError(err)

	suite.Empty(result.Fills)
	suite.Equal(0, result.Performance.NumberOfTrades)
	suite.Equal(suite.testConfig().InitialCapital, result.Performance.FinalEquity)
	suite.Len(result.EquityCurve, 3)
}

func (suite *EngineTestSuite) TestDeterministicRuns() {
	config := suite.testConfig()
	closes := risingCloses()

	run := func() *Result {
		feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
			"AAPL": makeBars("AAPL", closes),
		})

		result, err := suite.runEngine(config, feed, oracle.NewScripted(risingScript(len(closes))))
		suite.Require().NoError(err)

		return result
	}

	first := run()
	second := run()

	suite.Equal(first.Fills, second.Fills)
	suite.Equal(first.Orders, second.Orders)
	suite.Equal(first.EquityCurve, second.EquityCurve)
	suite.Equal(first.Performance, second.Performance)

	// The books reproduce exactly, but each run keeps its own identity
	suite.NotEqual(first.RunID, second.RunID)
}

func (suite *EngineTestSuite) TestMalformedBarSkippedNotFatal() {
	bars := makeBars("AAPL", []float64{100, 100.5, 101, 101.5, 102})

	// A zero-price bar lands while a protective stop is armed
	bars[2].Close = 0

	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{"AAPL": bars})
	script := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			advice(types.DecisionEnter, types.TrendUp, 8, 0.9),
			advice(types.DecisionHold, types.TrendUp, 5, 0.3),
		},
	})

	result, err := suite.runEngine(suite.testConfig(), feed, script)
	suite.Require().NoError(err)

	// The bad bar is dropped, the rest of the run completes
	suite.Len(result.EquityCurve, len(bars)-1)
	suite.Require().NotEmpty(result.Fills)
	suite.Equal(types.TagEnter, result.Fills[0].Tag)
}

func (suite *EngineTestSuite) TestNoDataFails() {
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{})

	config := suite.testConfig()
	config.Symbols = nil

	_, err := suite.runEngine(config, feed, nil)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBacktestNoData))
}

func (suite *EngineTestSuite) TestCancelledContext() {
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", []float64{100, 101}),
	})

	engine, err := NewEngine(suite.testConfig(), suite.logger)
	suite.Require().NoError(err)
	engine.SetDataSource(feed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = engine.Run(ctx, optional.None[OnProgress]())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBacktestCancelled))
}

func (suite *EngineTestSuite) TestProgressCallback() {
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", []float64{100, 101, 102}),
	})

	engine, err := NewEngine(suite.testConfig(), suite.logger)
	suite.Require().NoError(err)
	engine.SetDataSource(feed)

	var seen []int

	_, err = engine.Run(context.Background(), optional.Some[OnProgress](func(current, total int) {
		seen = append(seen, current)
		suite.Equal(3, total)
	}))
	suite.Require().NoError(err)
	suite.Equal([]int{1, 2, 3}, seen)
}

func (suite *EngineTestSuite) TestResultsExport() {
	folder := filepath.Join(suite.T().TempDir(), "results")
	closes := risingCloses()
	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{
		"AAPL": makeBars("AAPL", closes),
	})

	engine, err := NewEngine(suite.testConfig(), suite.logger)
	suite.Require().NoError(err)
	engine.SetDataSource(feed)
	engine.SetOracle(oracle.NewScripted(risingScript(len(closes))))
	engine.SetResultsFolder(folder)

	result, err := engine.Run(context.Background(), optional.None[OnProgress]())
	suite.Require().NoError(err)
	suite.Require().True(result.Files.IsSome())

	files := result.Files.Unwrap()
	for _, path := range []string{files.Orders, files.Fills, files.Equity, filepath.Join(folder, "stats.yaml")} {
		info, statErr := os.Stat(path)
		suite.Require().NoError(statErr, path)
		suite.Greater(info.Size(), int64(0))
	}
}

func (suite *EngineTestSuite) TestTimeWindowFiltersBars() {
	bars := makeBars("AAPL", []float64{100, 101, 102, 103})

	config := suite.testConfig()
	config.StartTime = optional.Some(bars[1].Time)
	config.EndTime = optional.Some(bars[2].Time)

	feed := datasource.NewMemoryFeed(map[string][]types.MarketData{"AAPL": bars})

	result, err := suite.runEngine(config, feed, nil)
	suite.Require().NoError(err)
	suite.Len(result.EquityCurve, 2)
}
