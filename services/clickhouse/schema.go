// Package clickhouse is the store boundary: schema DDL, the Bulk Loader,
// the Gap Detector, and the Read API (spec §4.5, §4.6, §4.9), all driven
// through the native clickhouse-go/v2 protocol the way install_candles.go
// and go-services/cmd/data_ingest connect and issue DDL/DML.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	chproto "github.com/ClickHouse/clickhouse-go/v2/lib/proto"

	"klinevault/services/config"
	"klinevault/services/ohlcv"
)

// Store owns the ClickHouse connection and the configured database/table.
type Store struct {
	conn     clickhouse.Conn
	database string
	table    string
}

const tableName = "candles"

// Open connects and ensures the schema exists (spec §6.1: 18-column
// persisted row, ReplacingMergeTree(_version)).
func Open(ctx context.Context, cfg config.ClickHouse) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "open clickhouse connection", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "ping clickhouse", explainCHErr(err))
	}

	s := &Store{conn: conn, database: cfg.Database, table: tableName}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) qualifiedTable() string { return fmt.Sprintf("%s.%s", s.database, s.table) }

func (s *Store) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.database)); err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create database", explainCHErr(err))
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(3),
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			instrument_type LowCardinality(String),
			data_source LowCardinality(String),
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			close_time DateTime64(3),
			quote_asset_volume Float64,
			number_of_trades Int64,
			taker_buy_base_asset_volume Float64,
			taker_buy_quote_asset_volume Float64,
			funding_rate Nullable(Float64),
			_version UInt64,
			_sign Int8
		)
		ENGINE = ReplacingMergeTree(_version)
		ORDER BY (symbol, timeframe, instrument_type, toStartOfHour(timestamp), timestamp)
		SETTINGS index_granularity = 8192
	`, s.qualifiedTable())
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create table", explainCHErr(err))
	}
	return nil
}

// explainCHErr unwraps a ClickHouse server exception into a readable
// message, the way install_candles.go's explainCHError does.
func explainCHErr(err error) error {
	var ex *chproto.Exception
	if ok := chErrAs(err, &ex); ok {
		return fmt.Errorf("clickhouse [%d] %s (%s)", ex.Code, ex.Message, ex.Name)
	}
	return err
}
