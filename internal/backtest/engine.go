// Package backtest drives the bar-by-bar simulation loop: it merges the
// per-symbol feeds into one chronological stream, routes each bar through
// the broker, risk manager, and strategy, and derives the run's summary
// statistics and artifacts at the end.
package backtest

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/broker"
	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/portfolio"
	"github.com/lx-quant/pyramid-trading/internal/risk"
	"github.com/lx-quant/pyramid-trading/internal/strategy"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// OnProgress reports loop progress as (processed, total) bars.
type OnProgress func(current, total int)

// Engine runs one backtest per Run call. Configure it once, then point it
// at a data source and optionally an oracle and a results folder.
type Engine struct {
	config        Config
	logger        *logger.Logger
	feed          datasource.Feed
	oracle        oracle.Oracle
	resultsFolder string
}

// Result is the in-memory outcome of a run. Files is Some only when a
// results folder was configured.
type Result struct {
	RunID       string
	Performance types.PerformanceSummary
	EquityCurve []types.EquitySnapshot
	Fills       []types.Fill
	Orders      []types.Order
	Rejections  []types.RejectionRecord
	Files       optional.Option[StateFiles]
}

// NewEngine validates the configuration and creates an engine.
func NewEngine(config Config, l *logger.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		config: config,
		logger: l,
	}, nil
}

// SetDataSource sets the bar feed for subsequent runs.
func (e *Engine) SetDataSource(feed datasource.Feed) {
	e.feed = feed
}

// SetOracle sets the advice source. Without one the strategy runs
// price-only and never opens positions.
func (e *Engine) SetOracle(o oracle.Oracle) {
	e.oracle = o
}

// SetResultsFolder enables artifact export under the given folder.
func (e *Engine) SetResultsFolder(folder string) {
	e.resultsFolder = folder
}

// Run executes the backtest loop over the configured period. A run with
// zero trades still produces a complete result. A non-nil error means the
// run's books cannot be trusted and no result is returned.
func (e *Engine) Run(ctx context.Context, onProgress optional.Option[OnProgress]) (*Result, error) {
	if e.feed == nil {
		return nil, errors.New(errors.ErrCodeBacktestInitFailed, "no data source configured")
	}

	bars, err := e.loadBars(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrCodeBacktestCancelled, "backtest cancelled", err)
		}

		return nil, err
	}

	if len(bars) == 0 {
		return nil, errors.New(errors.ErrCodeBacktestNoData, "no bars in the configured period")
	}

	advisor := e.oracle
	if advisor != nil && e.config.OracleTimeout > 0 {
		advisor = oracle.WithTimeout(advisor, e.config.OracleTimeout)
	}

	pyramid, err := strategy.NewPyramid(e.config.Strategy, advisor, e.logger)
	if err != nil {
		return nil, err
	}

	riskManager, err := risk.NewManager(e.config.Risk, e.logger)
	if err != nil {
		return nil, err
	}

	book := portfolio.NewPortfolio(e.config.InitialCapital)
	commission := e.commissionModel()
	simulated := broker.NewSimulated(book, e.slippageModel(), commission, e.config.ParticipationRate, e.logger)
	handler := broker.NewHandler(riskManager, simulated, book, commission, e.logger)

	e.logger.Info("backtest run started",
		zap.Int("bars", len(bars)),
		zap.Float64("initial_capital", e.config.InitialCapital))

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBacktestCancelled, "backtest cancelled", err)
		}

		if err := e.step(ctx, bar, pyramid, handler, riskManager, book); err != nil {
			return nil, err
		}

		if onProgress.IsSome() {
			onProgress.Unwrap()(i+1, len(bars))
		}
	}

	return e.finalize(handler, book)
}

// step advances every component by one bar: resting orders first, then
// valuation, then at most one new intent from the strategy.
func (e *Engine) step(ctx context.Context, bar types.MarketData, pyramid *strategy.Pyramid, handler *broker.Handler, riskManager *risk.Manager, book *portfolio.Portfolio) error {
	restingFills, err := handler.OnBar(bar)
	if err != nil {
		return err
	}

	for _, fill := range restingFills {
		pyramid.OnFill(fill)
	}

	book.MarkToMarket(bar.Symbol, bar.Close)
	riskManager.ObserveBar(bar)

	if intent := pyramid.Step(ctx, bar, book.Cash(), book.Equity()); intent.IsSome() {
		fill, err := handler.Process(intent.Unwrap(), bar)
		if err != nil {
			return err
		}

		if fill.IsSome() {
			pyramid.OnFill(fill.Unwrap())
		}
	}

	riskManager.ObserveEquity(book.Equity())
	book.TakeSnapshot(bar.Time)

	return book.CheckConsistency()
}

// finalize derives the summary and, when configured, writes artifacts.
func (e *Engine) finalize(handler *broker.Handler, book *portfolio.Portfolio) (*Result, error) {
	summary := portfolio.Summarize(portfolio.SummaryInput{
		InitialCapital: e.config.InitialCapital,
		Equity:         book.EquityCurve(),
		Fills:          book.Fills(),
		UnrealizedPnL:  book.UnrealizedPnL(),
		RiskFreeRate:   e.config.RiskFreeRate,
	})

	// The run ID is metadata, not part of the reproducible books, so a
	// random ID keeps separate runs distinguishable in stats.yaml.
	result := &Result{
		RunID:       uuid.New().String(),
		Performance: summary,
		EquityCurve: book.EquityCurve(),
		Fills:       book.Fills(),
		Orders:      handler.Orders(),
		Rejections:  handler.Rejections(),
		Files:       optional.None[StateFiles](),
	}

	e.logger.Info("backtest run finished",
		zap.Float64("final_equity", summary.FinalEquity),
		zap.Float64("total_return", summary.TotalReturn),
		zap.Int("trades", summary.NumberOfTrades),
		zap.Int("rejections", len(result.Rejections)))

	if e.resultsFolder == "" {
		return result, nil
	}

	files, err := e.writeResults(result)
	if err != nil {
		return nil, err
	}

	result.Files = optional.Some(files)

	return result, nil
}

// writeResults exports the run logs as Parquet plus a stats.yaml summary.
func (e *Engine) writeResults(result *Result) (StateFiles, error) {
	if err := os.MkdirAll(e.resultsFolder, 0755); err != nil {
		return StateFiles{}, errors.Wrap(errors.ErrCodeBacktestNoResultsDir, "failed to create results folder", err)
	}

	state, err := NewRunState(e.logger)
	if err != nil {
		return StateFiles{}, err
	}
	defer state.Close()

	if err := state.Initialize(); err != nil {
		return StateFiles{}, err
	}

	if err := state.RecordOrders(result.Orders); err != nil {
		return StateFiles{}, err
	}

	if err := state.RecordFills(result.Fills); err != nil {
		return StateFiles{}, err
	}

	if err := state.RecordEquity(result.EquityCurve); err != nil {
		return StateFiles{}, err
	}

	files, err := state.Write(e.resultsFolder)
	if err != nil {
		return StateFiles{}, err
	}

	stats := types.RunStats{
		ID:             result.RunID,
		Timestamp:      time.Now().UTC(),
		Symbols:        e.config.Symbols,
		StrategyName:   "pyramid",
		Performance:    result.Performance,
		Rejections:     len(result.Rejections),
		FillsFilePath:  files.Fills,
		OrdersFilePath: files.Orders,
		EquityFilePath: files.Equity,
	}

	statsPath := filepath.Join(e.resultsFolder, "stats.yaml")
	if err := types.WriteRunStats(statsPath, []types.RunStats{stats}); err != nil {
		return StateFiles{}, errors.Wrap(errors.ErrCodeDataWriteFailed, "failed to write stats", err)
	}

	return files, nil
}

// loadBars fetches every configured symbol's bars and merges them into
// one chronological stream.
func (e *Engine) loadBars(ctx context.Context) ([]types.MarketData, error) {
	symbols := e.config.Symbols
	if len(symbols) == 0 {
		available, err := e.feed.Symbols(ctx)
		if err != nil {
			return nil, err
		}

		symbols = available
	}

	start := e.config.StartTime.TakeOr(time.Time{})
	end := e.config.EndTime.TakeOr(time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC))

	series := make([][]types.MarketData, 0, len(symbols))

	for _, symbol := range symbols {
		bars, err := e.feed.GetHistoricalBars(ctx, symbol, start, end, e.config.Interval)
		if err != nil {
			return nil, err
		}

		bars = e.dropMalformed(symbol, bars)
		e.checkGaps(symbol, bars)
		series = append(series, bars)
	}

	return datasource.Merge(series...), nil
}

// dropMalformed filters bars that fail validation. A bad bar costs the
// symbol that step, never the run.
func (e *Engine) dropMalformed(symbol string, bars []types.MarketData) []types.MarketData {
	kept := make([]types.MarketData, 0, len(bars))

	for _, bar := range bars {
		if !bar.IsValid() {
			e.logger.Debug("skipping malformed bar",
				zap.String("symbol", symbol),
				zap.Time("time", bar.Time))

			continue
		}

		kept = append(kept, bar)
	}

	return kept
}

// checkGaps warns about holes in a symbol's bar sequence. Gaps do not
// abort the run; the strategy simply sees fewer bars.
func (e *Engine) checkGaps(symbol string, bars []types.MarketData) {
	if e.config.MaxDataGap <= 0 {
		return
	}

	for i := 1; i < len(bars); i++ {
		gap := bars[i].Time.Sub(bars[i-1].Time)
		if gap > e.config.MaxDataGap {
			e.logger.Warn("data gap detected",
				zap.String("symbol", symbol),
				zap.Time("from", bars[i-1].Time),
				zap.Time("to", bars[i].Time),
				zap.Duration("gap", gap))
		}
	}
}

func (e *Engine) slippageModel() broker.SlippageModel {
	switch {
	case e.config.VolumeImpact > 0:
		return broker.VolumeSlippage{Impact: e.config.VolumeImpact}
	case e.config.SlippageFraction > 0:
		return broker.FixedSlippage{Fraction: e.config.SlippageFraction}
	default:
		return broker.NoSlippage{}
	}
}

func (e *Engine) commissionModel() broker.CommissionModel {
	if e.config.CommissionRate > 0 || e.config.MinimumFee > 0 {
		return broker.RateCommission{
			Rate:       e.config.CommissionRate,
			MinimumFee: e.config.MinimumFee,
		}
	}

	return broker.ZeroCommission{}
}
