package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/moznion/go-optional"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/lx-quant/pyramid-trading/internal/backtest"
	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/oracle"
	"github.com/lx-quant/pyramid-trading/internal/version"
)

// runAction loads the run configuration, wires the data feed and oracle,
// and executes one backtest with a progress bar on stderr.
func runAction(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	dataPath := cmd.String("data")
	resultsFolder := cmd.String("results")

	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	config, err := backtest.ParseConfig(content)
	if err != nil {
		return err
	}

	l, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer l.Sync()

	feed, err := datasource.NewDuckDBFeed(dataPath, l)
	if err != nil {
		return err
	}
	defer feed.Close()

	engine, err := backtest.NewEngine(config, l)
	if err != nil {
		return err
	}

	engine.SetDataSource(feed)
	engine.SetOracle(oracle.NewTrending(
		int(cmd.Int("oracle-period")),
		cmd.Float("oracle-confidence"),
		cmd.Int("seed"),
	))
	engine.SetResultsFolder(resultsFolder)

	var bar *progressbar.ProgressBar

	result, err := engine.Run(ctx, optional.Some[backtest.OnProgress](func(current, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "backtesting")
		}

		bar.Set(current)
	}))
	if err != nil {
		return err
	}

	summary := result.Performance
	fmt.Printf("\nInitial capital:  %12.2f\n", summary.InitialCapital)
	fmt.Printf("Final equity:     %12.2f\n", summary.FinalEquity)
	fmt.Printf("Total return:     %11.2f%%\n", summary.TotalReturn*100)
	fmt.Printf("Annualized:       %11.2f%%\n", summary.AnnualizedReturn*100)
	fmt.Printf("Sharpe ratio:     %12.2f\n", summary.SharpeRatio)
	fmt.Printf("Max drawdown:     %11.2f%%\n", summary.MaxDrawdown*100)
	fmt.Printf("Trades:           %12d\n", summary.NumberOfTrades)
	fmt.Printf("Win rate:         %11.2f%%\n", summary.WinRate*100)
	fmt.Printf("Rejections:       %12d\n", len(result.Rejections))

	if result.Files.IsSome() {
		fmt.Printf("Results folder:   %s\n", resultsFolder)
	}

	return nil
}

// schemaAction prints the JSON schema of the run configuration.
func schemaAction(ctx context.Context, cmd *cli.Command) error {
	config := backtest.DefaultConfig()

	data, err := config.GenerateSchema().MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	fmt.Println(string(data))

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "backtest",
		Usage:   "Run a pyramid strategy backtest over historical bars",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute a backtest described by a YAML config",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the run configuration YAML",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Path to a CSV or Parquet bar file",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "results",
						Aliases: []string{"r"},
						Usage:   "Folder for run artifacts",
						Value:   "results",
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
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the run configuration",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
