package backtest

import (
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"gopkg.in/yaml.v2"

	"github.com/lx-quant/pyramid-trading/internal/datasource"
	"github.com/lx-quant/pyramid-trading/internal/risk"
	"github.com/lx-quant/pyramid-trading/internal/strategy"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Config drives one backtest run. Strategy and risk parameters nest their
// own config blocks so one YAML file describes the whole run.
type Config struct {
	Symbols           []string                   `yaml:"symbols" json:"symbols" jsonschema:"title=Symbols,description=Instruments to backtest"`
	Interval          datasource.Interval        `yaml:"interval" json:"interval" jsonschema:"title=Interval,description=Bar timeframe requested from the feed"`
	StartTime         optional.Option[time.Time] `yaml:"start_time" json:"start_time" jsonschema:"title=Start Time,description=Optional start of the backtest period"`
	EndTime           optional.Option[time.Time] `yaml:"end_time" json:"end_time" jsonschema:"title=End Time,description=Optional end of the backtest period"`
	InitialCapital    float64                    `yaml:"initial_capital" json:"initial_capital" jsonschema:"title=Initial Capital,minimum=0"`
	RiskFreeRate      float64                    `yaml:"risk_free_rate" json:"risk_free_rate" jsonschema:"title=Risk Free Rate,description=Annual risk free rate used by Sharpe and Sortino"`
	CommissionRate    float64                    `yaml:"commission_rate" json:"commission_rate" jsonschema:"title=Commission Rate,description=Commission as a fraction of notional"`
	MinimumFee        float64                    `yaml:"minimum_fee" json:"minimum_fee" jsonschema:"title=Minimum Fee,description=Per-order commission floor"`
	SlippageFraction  float64                    `yaml:"slippage_fraction" json:"slippage_fraction" jsonschema:"title=Slippage Fraction,description=Fixed adverse price adjustment per fill"`
	VolumeImpact      float64                    `yaml:"volume_impact" json:"volume_impact" jsonschema:"title=Volume Impact,description=Volume-proportional slippage coefficient. Zero selects the fixed model"`
	ParticipationRate float64                    `yaml:"participation_rate" json:"participation_rate" jsonschema:"title=Participation Rate,description=Maximum fraction of bar volume one order may consume. Zero disables partial fills"`
	MaxDataGap        time.Duration              `yaml:"max_data_gap" json:"max_data_gap" jsonschema:"title=Max Data Gap,description=Largest tolerated gap between consecutive bars of one symbol. Zero disables the check"`
	OracleTimeout     time.Duration              `yaml:"oracle_timeout" json:"oracle_timeout" jsonschema:"title=Oracle Timeout,description=Per-call advice deadline. Zero disables the wrapper"`
	Strategy          strategy.Config            `yaml:"strategy" json:"strategy" jsonschema:"title=Strategy"`
	Risk              risk.Config                `yaml:"risk" json:"risk" jsonschema:"title=Risk"`
}

// DefaultConfig returns a runnable configuration with the stock strategy
// and risk parameters.
func DefaultConfig() Config {
	return Config{
		Interval:         datasource.Interval1d,
		InitialCapital:   100000,
		CommissionRate:   0.0005,
		MinimumFee:       1.0,
		SlippageFraction: 0.0001,
		OracleTimeout:    5 * time.Second,
		Strategy:         strategy.DefaultConfig(),
		Risk:             risk.DefaultConfig(),
	}
}

// ParseConfig parses and validates a YAML run configuration.
func ParseConfig(content []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(content, &config); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeBacktestConfigError, "failed to parse backtest config", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// UnmarshalYAML maps missing start and end times onto None instead of the
// zero time.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		Symbols           []string         `yaml:"symbols"`
		Interval          *string          `yaml:"interval"`
		StartTime         *time.Time       `yaml:"start_time"`
		EndTime           *time.Time       `yaml:"end_time"`
		InitialCapital    *float64         `yaml:"initial_capital"`
		RiskFreeRate      *float64         `yaml:"risk_free_rate"`
		CommissionRate    *float64         `yaml:"commission_rate"`
		MinimumFee        *float64         `yaml:"minimum_fee"`
		SlippageFraction  *float64         `yaml:"slippage_fraction"`
		VolumeImpact      *float64         `yaml:"volume_impact"`
		ParticipationRate *float64         `yaml:"participation_rate"`
		MaxDataGap        *string          `yaml:"max_data_gap"`
		OracleTimeout     *string          `yaml:"oracle_timeout"`
		Strategy          *strategy.Config `yaml:"strategy"`
		Risk              *risk.Config     `yaml:"risk"`
	}

	var parsed raw
	if err := unmarshal(&parsed); err != nil {
		return err
	}

	if parsed.Symbols != nil {
		c.Symbols = parsed.Symbols
	}

	if parsed.Interval != nil {
		c.Interval = datasource.Interval(*parsed.Interval)
	}

	if parsed.StartTime != nil {
		c.StartTime = optional.Some(*parsed.StartTime)
	}

	if parsed.EndTime != nil {
		c.EndTime = optional.Some(*parsed.EndTime)
	}

	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}

	setFloat(&c.InitialCapital, parsed.InitialCapital)
	setFloat(&c.RiskFreeRate, parsed.RiskFreeRate)
	setFloat(&c.CommissionRate, parsed.CommissionRate)
	setFloat(&c.MinimumFee, parsed.MinimumFee)
	setFloat(&c.SlippageFraction, parsed.SlippageFraction)
	setFloat(&c.VolumeImpact, parsed.VolumeImpact)
	setFloat(&c.ParticipationRate, parsed.ParticipationRate)

	// Durations arrive as strings like "5s" or "26h"
	if parsed.MaxDataGap != nil {
		gap, err := time.ParseDuration(*parsed.MaxDataGap)
		if err != nil {
			return err
		}

		c.MaxDataGap = gap
	}

	if parsed.OracleTimeout != nil {
		timeout, err := time.ParseDuration(*parsed.OracleTimeout)
		if err != nil {
			return err
		}

		c.OracleTimeout = timeout
	}

	if parsed.Strategy != nil {
		c.Strategy = *parsed.Strategy
	}

	if parsed.Risk != nil {
		c.Risk = *parsed.Risk
	}

	return nil
}

// Validate rejects configurations that cannot produce a trustworthy run.
func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return errors.New(errors.ErrCodeBacktestConfigError, "initial capital must be positive")
	}

	if !c.Interval.Valid() {
		return errors.Newf(errors.ErrCodeBacktestConfigError, "unsupported bar interval %q", c.Interval)
	}

	if c.CommissionRate < 0 || c.MinimumFee < 0 {
		return errors.New(errors.ErrCodeBacktestConfigError, "commission parameters must not be negative")
	}

	if c.SlippageFraction < 0 || c.VolumeImpact < 0 {
		return errors.New(errors.ErrCodeBacktestConfigError, "slippage parameters must not be negative")
	}

	if c.ParticipationRate < 0 || c.ParticipationRate > 1 {
		return errors.New(errors.ErrCodeBacktestConfigError, "participation rate must be in [0,1]")
	}

	if c.StartTime.IsSome() && c.EndTime.IsSome() && c.EndTime.Unwrap().Before(c.StartTime.Unwrap()) {
		return errors.New(errors.ErrCodeBacktestConfigError, "end time precedes start time")
	}

	if err := c.Strategy.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeBacktestConfigError, "invalid strategy config", err)
	}

	if err := c.Risk.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeBacktestConfigError, "invalid risk config", err)
	}

	return nil
}

// GenerateSchema builds a JSON schema describing the run configuration.
func (c *Config) GenerateSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t.String() == "optional.Option[time.Time]" {
				return &jsonschema.Schema{
					Type:   "string",
					Format: "date-time",
				}
			}

			return nil
		},
	}

	schema := reflector.Reflect(c)
	schema.Title = "pyramid-backtest-config"
	schema.Description = "Configuration schema for a pyramid strategy backtest run"

	return schema
}
