package backtest

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// RunState persists the order log, fill log, and equity curve of one run
// in an in-memory DuckDB, and exports them as Parquet at the end.
type RunState struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// StateFiles lists the artifact paths produced by a state export.
type StateFiles struct {
	Orders string
	Fills  string
	Equity string
}

// NewRunState creates an in-memory run state store.
func NewRunState(l *logger.Logger) (*RunState, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBacktestInitFailed, "failed to open run state database", err)
	}

	return &RunState{
		db:     db,
		logger: l,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Initialize creates the run tables, clearing any previous run first.
func (s *RunState) Initialize() error {
	if err := s.Cleanup(); err != nil {
		return err
	}

	schema := `
		CREATE TABLE IF NOT EXISTS orders (
			order_id VARCHAR,
			symbol VARCHAR,
			side VARCHAR,
			order_type VARCHAR,
			tag VARCHAR,
			approved_quantity DOUBLE,
			filled_quantity DOUBLE,
			limit_price DOUBLE,
			stop_price DOUBLE,
			status VARCHAR,
			reason VARCHAR,
			message VARCHAR,
			signal_id VARCHAR,
			created_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS fills (
			order_id VARCHAR,
			symbol VARCHAR,
			side VARCHAR,
			tag VARCHAR,
			price DOUBLE,
			quantity DOUBLE,
			commission DOUBLE,
			fill_time TIMESTAMP,
			pnl DOUBLE
		);
		CREATE TABLE IF NOT EXISTS equity (
			snapshot_time TIMESTAMP,
			cash DOUBLE,
			market_value DOUBLE,
			equity DOUBLE
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(errors.ErrCodeBacktestInitFailed, "failed to create run tables", err)
	}

	return nil
}

// RecordOrders appends orders to the order log.
func (s *RunState) RecordOrders(orders []types.Order) error {
	for _, order := range orders {
		query := s.sq.
			Insert("orders").
			Columns("order_id", "symbol", "side", "order_type", "tag",
				"approved_quantity", "filled_quantity", "limit_price", "stop_price",
				"status", "reason", "message", "signal_id", "created_at").
			Values(order.OrderID, order.Symbol, string(order.Side), string(order.OrderType), string(order.Tag),
				order.ApprovedQuantity, order.FilledQuantity, order.LimitPrice, order.StopPrice,
				string(order.Status), order.Reason.Reason, order.Reason.Message, order.SignalID, order.CreatedAt)

		if _, err := query.RunWith(s.db).Exec(); err != nil {
			return errors.Wrapf(errors.ErrCodeDataWriteFailed, err, "failed to record order %s", order.OrderID)
		}
	}

	return nil
}

// RecordFills appends fills to the fill log.
func (s *RunState) RecordFills(fills []types.Fill) error {
	for _, fill := range fills {
		query := s.sq.
			Insert("fills").
			Columns("order_id", "symbol", "side", "tag", "price",
				"quantity", "commission", "fill_time", "pnl").
			Values(fill.OrderID, fill.Symbol, string(fill.Side), string(fill.Tag), fill.Price,
				fill.Quantity, fill.Commission, fill.Time, fill.PnL)

		if _, err := query.RunWith(s.db).Exec(); err != nil {
			return errors.Wrapf(errors.ErrCodeDataWriteFailed, err, "failed to record fill for order %s", fill.OrderID)
		}
	}

	return nil
}

// RecordEquity appends equity snapshots to the equity curve.
func (s *RunState) RecordEquity(snapshots []types.EquitySnapshot) error {
	for _, snapshot := range snapshots {
		query := s.sq.
			Insert("equity").
			Columns("snapshot_time", "cash", "market_value", "equity").
			Values(snapshot.Time, snapshot.Cash, snapshot.MarketValue, snapshot.Equity)

		if _, err := query.RunWith(s.db).Exec(); err != nil {
			return errors.Wrap(errors.ErrCodeDataWriteFailed, "failed to record equity snapshot", err)
		}
	}

	return nil
}

// Write exports the run tables as Parquet files under folder.
func (s *RunState) Write(folder string) (StateFiles, error) {
	files := StateFiles{
		Orders: filepath.Join(folder, "orders.parquet"),
		Fills:  filepath.Join(folder, "fills.parquet"),
		Equity: filepath.Join(folder, "equity.parquet"),
	}

	// Squirrel has no COPY support, so raw SQL it is
	exports := []struct {
		table string
		path  string
	}{
		{"orders", files.Orders},
		{"fills", files.Fills},
		{"equity", files.Equity},
	}

	for _, export := range exports {
		statement := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET)`, export.table, export.path)
		if _, err := s.db.Exec(statement); err != nil {
			return StateFiles{}, errors.Wrapf(errors.ErrCodeDataWriteFailed, err, "failed to export %s", export.table)
		}
	}

	return files, nil
}

// Cleanup drops the run tables.
func (s *RunState) Cleanup() error {
	if _, err := s.db.Exec(`
		DROP TABLE IF EXISTS orders;
		DROP TABLE IF EXISTS fills;
		DROP TABLE IF EXISTS equity;
	`); err != nil {
		return errors.Wrap(errors.ErrCodeDataWriteFailed, "failed to drop run tables", err)
	}

	return nil
}

// Close releases the underlying database.
func (s *RunState) Close() error {
	return s.db.Close()
}
