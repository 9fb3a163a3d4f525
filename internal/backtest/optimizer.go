package backtest

import (
	"context"
	"sort"
	"sync"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/strategy"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Grid lists the candidate values per strategy dimension. Empty
// dimensions keep the base config's value.
type Grid struct {
	MaxPyramidLevels       []int     `yaml:"max_pyramid_levels" json:"max_pyramid_levels"`
	InitialPositionSize    []float64 `yaml:"initial_position_size" json:"initial_position_size"`
	PositionSizeMultiplier []float64 `yaml:"position_size_multiplier" json:"position_size_multiplier"`
	AddThresholdPct        []float64 `yaml:"add_threshold_pct" json:"add_threshold_pct"`
	StopLossATRMultiplier  []float64 `yaml:"stop_loss_atr_multiplier" json:"stop_loss_atr_multiplier"`
}

// Candidate is one evaluated point of the grid.
type Candidate struct {
	Strategy    strategy.Config
	Performance types.PerformanceSummary
}

// FeedFactory builds a fresh data source per worker. Feeds are not safe
// to share across engines running concurrently.
type FeedFactory func() (datasource.Feed, error)

// OracleFactory builds a fresh oracle per run so scripted playback state
// never leaks between candidates.
type OracleFactory func() oracle.Oracle

// Optimizer evaluates a parameter grid with parallel workers and returns
// candidates ranked by Sharpe ratio.
type Optimizer struct {
	base    Config
	workers int
	logger  *logger.Logger

	feedFactory   FeedFactory
	oracleFactory OracleFactory
}

// NewOptimizer creates an optimizer over a base run configuration.
// Workers below one run single-threaded.
func NewOptimizer(base Config, workers int, l *logger.Logger) (*Optimizer, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}

	if workers < 1 {
		workers = 1
	}

	return &Optimizer{
		base:    base,
		workers: workers,
		logger:  l,
	}, nil
}

// SetFeedFactory sets the per-worker data source factory.
func (o *Optimizer) SetFeedFactory(factory FeedFactory) {
	o.feedFactory = factory
}

// SetOracleFactory sets the per-run oracle factory.
func (o *Optimizer) SetOracleFactory(factory OracleFactory) {
	o.oracleFactory = factory
}

// Run evaluates every grid point and returns candidates sorted by Sharpe
// ratio descending, ties broken by total return. Individual candidate
// failures abort the whole search: a half-evaluated grid ranks nothing.
func (o *Optimizer) Run(ctx context.Context, grid Grid) ([]Candidate, error) {
	if o.feedFactory == nil {
		return nil, errors.New(errors.ErrCodeBacktestInitFailed, "no feed factory configured")
	}

	configs := expandGrid(o.base.Strategy, grid)
	if len(configs) == 0 {
		return nil, errors.New(errors.ErrCodeOptimizerNoGrid, "parameter grid is empty")
	}

	o.logger.Info("grid search started",
		zap.Int("candidates", len(configs)),
		zap.Int("workers", o.workers))

	// Buffering the whole grid lets a failing worker bail out early
	// without stranding the senders
	jobs := make(chan strategy.Config, len(configs))
	results := make(chan Candidate, len(configs))
	runErrs := make(chan error, len(configs))

	for _, config := range configs {
		jobs <- config
	}

	close(jobs)

	var wg sync.WaitGroup

	for w := 0; w < o.workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			o.worker(ctx, jobs, results, runErrs)
		}()
	}

	wg.Wait()
	close(results)
	close(runErrs)

	if err := <-runErrs; err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(configs))
	for candidate := range results {
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Performance.SharpeRatio != candidates[j].Performance.SharpeRatio {
			return candidates[i].Performance.SharpeRatio > candidates[j].Performance.SharpeRatio
		}

		return candidates[i].Performance.TotalReturn > candidates[j].Performance.TotalReturn
	})

	return candidates, nil
}

// worker evaluates candidates until the job channel drains. Workers log
// through a nop logger so parallel runs do not interleave output.
func (o *Optimizer) worker(ctx context.Context, jobs <-chan strategy.Config, results chan<- Candidate, runErrs chan<- error) {
	workerLogger := logger.NewNopLogger()

	for strategyConfig := range jobs {
		config := o.base
		config.Strategy = strategyConfig

		result, err := o.evaluate(ctx, config, workerLogger)
		if err != nil {
			runErrs <- err

			return
		}

		results <- Candidate{
			Strategy:    strategyConfig,
			Performance: result.Performance,
		}
	}
}

func (o *Optimizer) evaluate(ctx context.Context, config Config, l *logger.Logger) (*Result, error) {
	engine, err := NewEngine(config, l)
	if err != nil {
		return nil, err
	}

	feed, err := o.feedFactory()
	if err != nil {
		return nil, err
	}
	defer feed.Close()

	engine.SetDataSource(feed)

	if o.oracleFactory != nil {
		engine.SetOracle(o.oracleFactory())
	}

	return engine.Run(ctx, optional.None[OnProgress]())
}

// expandGrid crosses every supplied dimension with the base config.
func expandGrid(base strategy.Config, grid Grid) []strategy.Config {
	configs := []strategy.Config{base}

	if len(grid.MaxPyramidLevels) > 0 {
		configs = crossInt(configs, grid.MaxPyramidLevels, func(c *strategy.Config, v int) {
			c.MaxPyramidLevels = v
		})
	}

	if len(grid.InitialPositionSize) > 0 {
		configs = crossFloat(configs, grid.InitialPositionSize, func(c *strategy.Config, v float64) {
			c.InitialPositionSize = v
		})
	}

	if len(grid.PositionSizeMultiplier) > 0 {
		configs = crossFloat(configs, grid.PositionSizeMultiplier, func(c *strategy.Config, v float64) {
			c.PositionSizeMultiplier = v
		})
	}

	if len(grid.AddThresholdPct) > 0 {
		configs = crossFloat(configs, grid.AddThresholdPct, func(c *strategy.Config, v float64) {
			c.AddThresholdPct = v
		})
	}

	if len(grid.StopLossATRMultiplier) > 0 {
		configs = crossFloat(configs, grid.StopLossATRMultiplier, func(c *strategy.Config, v float64) {
			c.StopLossATRMultiplier = v
		})
	}

	if len(configs) == 1 && gridEmpty(grid) {
		return nil
	}

	return configs
}

func gridEmpty(grid Grid) bool {
	return len(grid.MaxPyramidLevels) == 0 &&
		len(grid.InitialPositionSize) == 0 &&
		len(grid.PositionSizeMultiplier) == 0 &&
		len(grid.AddThresholdPct) == 0 &&
		len(grid.StopLossATRMultiplier) == 0
}

func crossInt(configs []strategy.Config, values []int, set func(*strategy.Config, int)) []strategy.Config {
	crossed := make([]strategy.Config, 0, len(configs)*len(values))

	for _, config := range configs {
		for _, value := range values {
			next := config
			set(&next, value)
			crossed = append(crossed, next)
		}
	}

	return crossed
}

func crossFloat(configs []strategy.Config, values []float64, set func(*strategy.Config, float64)) []strategy.Config {
	crossed := make([]strategy.Config, 0, len(configs)*len(values))

	for _, config := range configs {
		for _, value := range values {
			next := config
			set(&next, value)
			crossed = append(crossed, next)
		}
	}

	return crossed
}
