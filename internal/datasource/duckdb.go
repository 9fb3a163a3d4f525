package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// DuckDBFeed reads bars from a parquet or CSV file through an in-memory
// DuckDB view. The source file must have time, symbol, open, high, low,
// close and volume columns.
type DuckDBFeed struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
	path   string
}

// NewDuckDBFeed creates a feed backed by the given data file.
func NewDuckDBFeed(dataPath string, l *logger.Logger) (*DuckDBFeed, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFeedUnavailable, "failed to open duckdb", err)
	}

	feed := &DuckDBFeed{
		db:     db,
		logger: l,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		path:   dataPath,
	}

	if err := feed.initialize(dataPath); err != nil {
		db.Close()

		return nil, err
	}

	return feed, nil
}

func (f *DuckDBFeed) initialize(path string) error {
	f.logger.Debug("initializing duckdb feed", zap.String("path", path))

	var reader string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		reader = "read_parquet"
	case ".csv":
		reader = "read_csv_auto"
	default:
		return errors.Newf(errors.ErrCodeUnsupportedFormat, "unsupported data file extension %q", filepath.Ext(path))
	}

	if _, err := f.db.Exec(`DROP VIEW IF EXISTS market_data;`); err != nil {
		return errors.Wrap(errors.ErrCodeFeedUnavailable, "failed to drop existing view", err)
	}

	// CREATE VIEW is not expressible with squirrel
	query := fmt.Sprintf(`CREATE VIEW market_data AS SELECT * FROM %s('%s');`, reader, path)
	if _, err := f.db.Exec(query); err != nil {
		return errors.Wrapf(errors.ErrCodeFeedUnavailable, err, "failed to create market data view from %s", path)
	}

	return nil
}

// GetHistoricalBars implements Feed. The backing file holds bars at one
// native resolution; the timeframe is validated and recorded so a mismatch
// between file and query shows up in the logs.
func (f *DuckDBFeed) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, timeframe Interval) ([]types.MarketData, error) {
	if !timeframe.Valid() {
		return nil, errors.Newf(errors.ErrCodeUnsupportedTimeframe, "unsupported timeframe %q", timeframe)
	}

	f.logger.Debug("querying bars",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)))

	query := f.sq.
		Select("time", "symbol", "open", "high", "low", "close", "volume").
		From("market_data").
		Where(squirrel.Eq{"symbol": symbol}).
		OrderBy("time ASC")

	if !start.IsZero() {
		query = query.Where(squirrel.GtOrEq{"time": start})
	}

	if !end.IsZero() {
		query = query.Where(squirrel.LtOrEq{"time": end})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build bars query", err)
	}

	rows, err := f.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to query bars for %s", symbol)
	}
	defer rows.Close()

	var bars []types.MarketData

	for rows.Next() {
		var bar types.MarketData
		if err := rows.Scan(&bar.Time, &bar.Symbol, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDataParseFailed, "failed to scan bar row", err)
		}

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "bar row iteration failed", err)
	}

	return bars, nil
}

// Symbols implements Feed.
func (f *DuckDBFeed) Symbols(ctx context.Context) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM market_data ORDER BY symbol ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query symbols", err)
	}
	defer rows.Close()

	var symbols []string

	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDataParseFailed, "failed to scan symbol row", err)
		}

		symbols = append(symbols, symbol)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "symbol row iteration failed", err)
	}

	return symbols, nil
}

// Count implements Feed.
func (f *DuckDBFeed) Count(ctx context.Context, start, end time.Time) (int, error) {
	query := f.sq.Select("COUNT(*)").From("market_data")

	if !start.IsZero() {
		query = query.Where(squirrel.GtOrEq{"time": start})
	}

	if !end.IsZero() {
		query = query.Where(squirrel.LtOrEq{"time": end})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build count query", err)
	}

	var count int
	if err := f.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to count bars", err)
	}

	return count, nil
}

// Path returns the data file backing the feed.
func (f *DuckDBFeed) Path() string {
	return f.path
}

// Close implements Feed.
func (f *DuckDBFeed) Close() error {
	return f.db.Close()
}
