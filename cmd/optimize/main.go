package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/lx-quant/pyramid-trading/internal/backtest"
	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/version"
)

// optimizeAction runs a parameter grid search and prints the ranked
// candidates.
func optimizeAction(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	gridPath := cmd.String("grid")
	dataPath := cmd.String("data")
	workers := int(cmd.Int("workers"))
	top := int(cmd.Int("top"))

	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	config, err := backtest.ParseConfig(content)
	if err != nil {
		return err
	}

	gridContent, err := os.ReadFile(gridPath)
	if err != nil {
		return fmt.Errorf("failed to read grid: %w", err)
	}

	var grid backtest.Grid
	if err := yaml.Unmarshal(gridContent, &grid); err != nil {
		return fmt.Errorf("failed to parse grid: %w", err)
	}

	l, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer l.Sync()

	optimizer, err := backtest.NewOptimizer(config, workers, l)
	if err != nil {
		return err
	}

	optimizer.SetFeedFactory(func() (datasource.Feed, error) {
		return datasource.NewDuckDBFeed(dataPath, logger.NewNopLogger())
	})

	oraclePeriod := int(cmd.Int("oracle-period"))
	oracleConfidence := cmd.Float("oracle-confidence")
	seed := cmd.Int("seed")

	optimizer.SetOracleFactory(func() oracle.Oracle {
		return oracle.NewTrending(oraclePeriod, oracleConfidence, seed)
	})

	candidates, err := optimizer.Run(ctx, grid)
	if err != nil {
		return err
	}

	if top > len(candidates) {
		top = len(candidates)
	}

	fmt.Printf("%-6s %-8s %-8s %-8s %-8s %10s %10s %10s\n",
		"rank", "levels", "size", "mult", "add_pct", "sharpe", "return", "drawdown")

	for i := 0; i < top; i++ {
		candidate := candidates[i]
		fmt.Printf("%-6d %-8d %-8.3f %-8.2f %-8.3f %10.2f %9.2f%% %9.2f%%\n",
			i+1,
			candidate.Strategy.MaxPyramidLevels,
			candidate.Strategy.InitialPositionSize,
			candidate.Strategy.PositionSizeMultiplier,
			candidate.Strategy.AddThresholdPct,
			candidate.Performance.SharpeRatio,
			candidate.Performance.TotalReturn*100,
			candidate.Performance.MaxDrawdown*100)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "optimize",
		Usage:   "Grid search pyramid strategy parameters",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the base run configuration YAML",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "grid",
				Aliases:  []string{"g"},
				Usage:    "Path to the parameter grid YAML",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "data",
				Aliases:  []string{"d"},
				Usage:    "Path to a CSV or Parquet bar file",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Parallel evaluation workers",
				Value:   int64(runtime.NumCPU()),
			},
			&cli.IntFlag{
				Name:  "top",
				Usage: "Number of ranked candidates to print",
				Value: 10,
			},
			&cli.IntFlag{
				Name:  "oracle-period",
				Usage: "Moving average window of the built-in trend oracle",
				Value: 20,
			},
			&cli.FloatFlag{
				Name:  "oracle-confidence",
				Usage: "Base confidence emitted by the built-in trend oracle",
				Value: 0.8,
			},
			&cli.IntFlag{
				Name:  "seed",
				Usage: "Deterministic seed for the built-in trend oracle",
				Value: 42,
			},
		},
		Action: optimizeAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
