package backtest

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/types"
)

type RunStateTestSuite struct {
	suite.Suite
	state *RunState
}

func TestRunStateTestSuite(t *testing.T) {
	suite.Run(t, new(RunStateTestSuite))
}

func (suite *RunStateTestSuite) SetupTest() {
	state, err := NewRunState(logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.Require().NoError(state.Initialize())
	suite.state = state
}

func (suite *RunStateTestSuite) TearDownTest() {
	suite.NoError(suite.state.Close())
}

func (suite *RunStateTestSuite) sampleData() ([]types.Order, []types.Fill, []types.EquitySnapshot) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	orders := []types.Order{
		{
			OrderID:          "order-1",
			Symbol:           "AAPL",
			Side:             types.SideBuy,
			OrderType:        types.OrderTypeMarket,
			Tag:              types.TagEnter,
			ApprovedQuantity: 100,
			FilledQuantity:   100,
			Status:           types.OrderStatusFilled,
			Reason:           types.Reason{Reason: types.ReasonOracleAdvice, Message: "uptrend"},
			CreatedAt:        at,
		},
	}
	fills := []types.Fill{
		{
			OrderID:  "order-1",
			Symbol:   "AAPL",
			Side:     types.SideBuy,
			Tag:      types.TagEnter,
			Price:    100.5,
			Quantity: 100,
			Time:     at,
		},
	}
	equity := []types.EquitySnapshot{
		{Time: at, Cash: 89950, MarketValue: 10050, Equity: 100000},
	}

	return orders, fills, equity
}

func (suite *RunStateTestSuite) TestRecordAndExport() {
	orders, fills, equity := suite.sampleData()

	suite.Require().NoError(suite.state.RecordOrders(orders))
	suite.Require().NoError(suite.state.RecordFills(fills))
	suite.Require().NoError(suite.state.RecordEquity(equity))

	folder := suite.T().TempDir()

	files, err := suite.state.Write(folder)
	suite.Require().NoError(err)

	for _, path := range []string{files.Orders, files.Fills, files.Equity} {
		info, statErr := os.Stat(path)
		suite.Require().NoError(statErr, path)
		suite.Greater(info.Size(), int64(0))
	}
}

func (suite *RunStateTestSuite) TestInitializeClearsPreviousRun() {
	orders, fills, equity := suite.sampleData()

	suite.Require().NoError(suite.state.RecordOrders(orders))
	suite.Require().NoError(suite.state.RecordFills(fills))
	suite.Require().NoError(suite.state.RecordEquity(equity))

	suite.Require().NoError(suite.state.Initialize())

	var count int
	row := suite.state.db.QueryRow("SELECT COUNT(*) FROM orders")
	suite.Require().NoError(row.Scan(&count))
	suite.Equal(0, count)
}
