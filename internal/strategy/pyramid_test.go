package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

type failingOracle struct{}

func (f *failingOracle) Advise(ctx context.Context, snapshot oracle.Snapshot) (types.Advice, error) {
	return types.Advice{}, errors.New(errors.ErrCodeOracleUnavailable, "oracle offline")
}

type PyramidTestSuite struct {
	suite.Suite
	logger *logger.Logger
}

func TestPyramidTestSuite(t *testing.T) {
	suite.Run(t, new(PyramidTestSuite))
}

func (suite *PyramidTestSuite) SetupTest() {
	suite.logger = logger.NewNopLogger()
}

func (suite *PyramidTestSuite) bar(symbol string, day int, close float64) types.MarketData {
	return types.MarketData{
		Symbol: symbol,
		Time:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:   close * 0.995,
		High:   close * 1.01,
		Low:    close * 0.99,
		Close:  close,
		Volume: 10000,
	}
}

func (suite *PyramidTestSuite) enterAdvice(confidence float64, strength int) types.Advice {
	return types.Advice{
		Trend:         types.TrendUp,
		TrendStrength: strength,
		Confidence:    confidence,
		Decision:      types.DecisionEnter,
	}
}

func (suite *PyramidTestSuite) newPyramid(o oracle.Oracle) *Pyramid {
	p, err := NewPyramid(DefaultConfig(), o, suite.logger)
	suite.Require().NoError(err)
	return p
}

// fillFor mimics the broker acknowledging an intent at the bar close.
func (suite *PyramidTestSuite) fillFor(intent types.OrderIntent, bar types.MarketData, quantity float64) types.Fill {
	return types.Fill{
		OrderID:  "test-order",
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Tag:      intent.Tag,
		Price:    bar.Close,
		Quantity: quantity,
		Time:     bar.Time,
	}
}

func (suite *PyramidTestSuite) TestRejectsInvalidConfig() {
	config := DefaultConfig()
	config.MaxPyramidLevels = 0

	_, err := NewPyramid(config, nil, suite.logger)
	suite.Error(err)
}

func (suite *PyramidTestSuite) TestEntryOnConfirmedAdvice() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.Require().True(intent.IsSome())

	got := intent.Unwrap()
	suite.Equal(types.TagEnter, got.Tag)
	suite.Equal(types.SideBuy, got.Side)
	suite.Equal(types.OrderTypeMarket, got.OrderType)
	suite.InDelta(0.1, got.SizingRatio.Unwrap(), 1e-9)
	suite.True(got.StopLossDistance.IsSome())
}

func (suite *PyramidTestSuite) TestNoEntryBelowConfidenceThreshold() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.5, 7)))

	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.True(intent.IsNone())
}

func (suite *PyramidTestSuite) TestNoEntryOnWeakTrend() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.9, 4)))

	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.True(intent.IsNone())
}

func (suite *PyramidTestSuite) TestNoEntryWithoutOracle() {
	p := suite.newPyramid(nil)

	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.True(intent.IsNone())
	suite.Equal(StateFlat, p.StateOf("AAPL"))
}

func (suite *PyramidTestSuite) TestFillAdvancesState() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())

	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	suite.Equal(StateEntered, p.StateOf("AAPL"))

	pos := p.Position("AAPL").Unwrap()
	suite.Equal(1, pos.PyramidLevel)
	suite.Equal(100.0, pos.Quantity)
	suite.Equal(100.0, pos.LastAddPrice)
	suite.True(pos.StopLoss.IsSome())
	suite.Less(pos.StopLoss.Unwrap(), 100.0)
}

func (suite *PyramidTestSuite) TestAddRequiresPriceProgress() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	// 1% above last add is below the 2% add threshold
	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 101), 90000, 100100)
	suite.True(intent.IsNone())

	// 2% clears it, and the tranche is scaled by the multiplier
	intent = p.Step(context.Background(), suite.bar("AAPL", 2, 102), 90000, 100200)
	suite.Require().True(intent.IsSome())

	got := intent.Unwrap()
	suite.Equal(types.TagAdd, got.Tag)
	suite.InDelta(0.15, got.SizingRatio.Unwrap(), 1e-9)
}

func (suite *PyramidTestSuite) TestLevelCapStopsAdds() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.9, 8)))

	price := 100.0
	for day := 0; day < 3; day++ {
		bar := suite.bar("AAPL", day, price)
		intent := p.Step(context.Background(), bar, 100000, 100000)
		suite.Require().True(intent.IsSome(), "level %d should trigger", day+1)
		p.OnFill(suite.fillFor(intent.Unwrap(), bar, 50))
		price *= 1.03
	}

	suite.Equal(StateMaxed, p.StateOf("AAPL"))
	suite.Equal(3, p.Position("AAPL").Unwrap().PyramidLevel)

	// Further rallies cannot push past the cap
	intent := p.Step(context.Background(), suite.bar("AAPL", 3, price*1.03), 100000, 100000)
	suite.True(intent.IsNone())
}

func (suite *PyramidTestSuite) TestExitBeatsAdd() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.9, 8)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	// Force a stop above the add trigger so one bar satisfies both
	pos := p.positions["AAPL"]
	pos.StopLoss = optional.Some(104.0)

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 103), 90000, 100300)
	suite.Require().True(intent.IsSome())

	got := intent.Unwrap()
	suite.Equal(types.TagExit, got.Tag)
	suite.Equal(types.ReasonStopLoss, got.Reason.Reason)
}

func (suite *PyramidTestSuite) TestStopExitWithoutOracle() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	stop := p.positions["AAPL"].StopLoss.Unwrap()

	// Swap in a dead oracle: the stop must still fire on price alone
	p.oracle = &failingOracle{}

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, stop*0.99), 90000, 99000)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagExit, intent.Unwrap().Tag)
	suite.Equal(types.ReasonStopLoss, intent.Unwrap().Reason.Reason)
}

func (suite *PyramidTestSuite) TestTakeProfitExit() {
	advice := suite.enterAdvice(0.8, 7)
	advice.TakeProfit = optional.Some(110.0)
	p := suite.newPyramid(oracle.NewConstant(advice))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 111), 90000, 101100)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagExit, intent.Unwrap().Tag)
	suite.Equal(types.ReasonTakeProfit, intent.Unwrap().Reason.Reason)
}

func (suite *PyramidTestSuite) TestTrendReversalExit() {
	scripted := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			suite.enterAdvice(0.8, 7),
			{
				Trend:         types.TrendDown,
				TrendStrength: 8,
				Confidence:    0.9,
				Decision:      types.DecisionHold,
			},
		},
	})
	p := suite.newPyramid(scripted)

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 100.5), 90000, 100050)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagExit, intent.Unwrap().Tag)
	suite.Equal(types.ReasonTrendReversal, intent.Unwrap().Reason.Reason)
}

func (suite *PyramidTestSuite) TestAdvisedExit() {
	scripted := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			suite.enterAdvice(0.8, 7),
			{
				Trend:         types.TrendSideways,
				TrendStrength: 3,
				Confidence:    0.85,
				Decision:      types.DecisionExit,
			},
		},
	})
	p := suite.newPyramid(scripted)

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 101), 90000, 100100)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagExit, intent.Unwrap().Tag)
	suite.Equal(types.ReasonOracleAdvice, intent.Unwrap().Reason.Reason)
}

func (suite *PyramidTestSuite) TestLowConfidenceExitIgnored() {
	scripted := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			suite.enterAdvice(0.8, 7),
			{
				Trend:         types.TrendSideways,
				TrendStrength: 3,
				Confidence:    0.4,
				Decision:      types.DecisionExit,
			},
		},
	})
	p := suite.newPyramid(scripted)

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	intent = p.Step(context.Background(), suite.bar("AAPL", 1, 101), 90000, 100100)
	suite.True(intent.IsNone())
}

func (suite *PyramidTestSuite) TestReduceAdvice() {
	scripted := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			suite.enterAdvice(0.8, 7),
			{
				Trend:         types.TrendUp,
				TrendStrength: 5,
				Confidence:    0.8,
				Decision:      types.DecisionReduce,
			},
		},
	})
	p := suite.newPyramid(scripted)

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	next := suite.bar("AAPL", 1, 101)
	intent = p.Step(context.Background(), next, 90000, 100100)
	suite.Require().True(intent.IsSome())

	got := intent.Unwrap()
	suite.Equal(types.TagReduce, got.Tag)
	suite.InDelta(50.0, got.Quantity.Unwrap(), 1e-9)

	p.OnFill(suite.fillFor(got, next, 50))
	pos := p.Position("AAPL").Unwrap()
	suite.InDelta(50.0, pos.Quantity, 1e-9)
	suite.Equal(1, pos.PyramidLevel)
}

func (suite *PyramidTestSuite) TestReduceKeepsProportionalCostBasis() {
	scripted := oracle.NewScripted(map[string][]types.Advice{
		"AAPL": {
			suite.enterAdvice(0.8, 7),
			{
				Trend:         types.TrendUp,
				TrendStrength: 5,
				Confidence:    0.8,
				Decision:      types.DecisionReduce,
			},
		},
	})
	p := suite.newPyramid(scripted)

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))
	suite.InDelta(10000.0, p.Position("AAPL").Unwrap().CostBasis, 1e-9)

	// Selling half at a profit sheds half the basis, not the sale proceeds
	next := suite.bar("AAPL", 1, 120)
	intent = p.Step(context.Background(), next, 90000, 102000)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagReduce, intent.Unwrap().Tag)
	p.OnFill(suite.fillFor(intent.Unwrap(), next, 50))

	pos := p.Position("AAPL").Unwrap()
	suite.InDelta(50.0, pos.Quantity, 1e-9)
	suite.InDelta(5000.0, pos.CostBasis, 1e-9)
}

func (suite *PyramidTestSuite) TestStopRatchetsOnlyUpward() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.9, 8)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	first := p.positions["AAPL"].StopLoss.Unwrap()

	next := suite.bar("AAPL", 1, 103)
	intent = p.Step(context.Background(), next, 90000, 100300)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), next, 50))

	second := p.positions["AAPL"].StopLoss.Unwrap()
	suite.GreaterOrEqual(second, first)

	// A stale lower stop arm must not loosen the ratchet
	p.pendingArm["AAPL"] = armedLevels{stop: optional.Some(first * 0.5)}
	p.OnFill(types.Fill{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Tag:      types.TagAdd,
		Price:    106,
		Quantity: 25,
		Time:     next.Time.AddDate(0, 0, 1),
	})
	suite.Equal(second, p.positions["AAPL"].StopLoss.Unwrap())
}

func (suite *PyramidTestSuite) TestFullExitResetsToFlat() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	p.OnFill(types.Fill{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Tag:      types.TagExit,
		Price:    95,
		Quantity: 100,
		Time:     bar.Time.AddDate(0, 0, 1),
	})

	suite.Equal(StateFlat, p.StateOf("AAPL"))
	suite.True(p.Position("AAPL").IsNone())

	// Flat again means the next confirmed advice re-enters at level 1
	reentry := suite.bar("AAPL", 2, 96)
	intent = p.Step(context.Background(), reentry, 100000, 100000)
	suite.Require().True(intent.IsSome())
	suite.Equal(types.TagEnter, intent.Unwrap().Tag)
}

func (suite *PyramidTestSuite) TestFixedQuantitySizing() {
	config := DefaultConfig()
	config.SizingMethod = SizingFixedQuantity
	config.FixedQuantity = 40

	p, err := NewPyramid(config, oracle.NewConstant(suite.enterAdvice(0.8, 7)), suite.logger)
	suite.Require().NoError(err)

	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.Require().True(intent.IsSome())
	suite.InDelta(40.0, intent.Unwrap().Quantity.Unwrap(), 1e-9)
}

func (suite *PyramidTestSuite) TestATRRiskSizingFallback() {
	config := DefaultConfig()
	config.SizingMethod = SizingATRRisk

	p, err := NewPyramid(config, oracle.NewConstant(suite.enterAdvice(0.8, 7)), suite.logger)
	suite.Require().NoError(err)

	// With one bar of history the stop distance falls back to the fixed
	// fraction of price: 0.05 * 100 = 5, so qty = 0.01 * 100000 / 5
	intent := p.Step(context.Background(), suite.bar("AAPL", 0, 100), 100000, 100000)
	suite.Require().True(intent.IsSome())
	suite.InDelta(200.0, intent.Unwrap().Quantity.Unwrap(), 1e-9)
}

func (suite *PyramidTestSuite) TestAdviceStopOverridesComputed() {
	advice := suite.enterAdvice(0.8, 7)
	advice.StopLoss = optional.Some(97.5)
	p := suite.newPyramid(oracle.NewConstant(advice))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	suite.Equal(97.5, p.positions["AAPL"].StopLoss.Unwrap())
}

func (suite *PyramidTestSuite) TestSymbolsAreIndependent() {
	p := suite.newPyramid(oracle.NewConstant(suite.enterAdvice(0.8, 7)))

	bar := suite.bar("AAPL", 0, 100)
	intent := p.Step(context.Background(), bar, 100000, 100000)
	suite.Require().True(intent.IsSome())
	p.OnFill(suite.fillFor(intent.Unwrap(), bar, 100))

	suite.Equal(StateEntered, p.StateOf("AAPL"))
	suite.Equal(StateFlat, p.StateOf("MSFT"))
}
