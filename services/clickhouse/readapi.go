package clickhouse

import (
	"context"
	"fmt"
	"time"

	"klinevault/services/ohlcv"
)

// scanCandles pulls rows into Candle structs; shared by the three Read API
// query shapes (spec §4.9).
func (s *Store) scanCandles(ctx context.Context, query string, args ...any) ([]ohlcv.Candle, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "query candles", explainCHErr(err))
	}
	defer rows.Close()

	var out []ohlcv.Candle
	for rows.Next() {
		var c ohlcv.Candle
		var tf, it, ds string
		if err := rows.Scan(
			&c.Timestamp, &c.Symbol, &tf, &it, &ds,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
			&c.CloseTime, &c.QuoteAssetVolume, &c.NumberOfTrades,
			&c.TakerBuyBaseAssetVolume, &c.TakerBuyQuoteAssetVolume,
			&c.FundingRate, &c.Version, &c.Sign,
		); err != nil {
			return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "scan candle row", explainCHErr(err))
		}
		c.Timeframe = ohlcv.Timeframe(tf)
		c.InstrumentType = ohlcv.InstrumentType(it)
		c.DataSource = ohlcv.DataSource(ds)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "iterate candle rows", explainCHErr(err))
	}
	return out, nil
}

const selectColumns = `
	timestamp, symbol, timeframe, instrument_type, data_source,
	open, high, low, close, volume,
	close_time, quote_asset_volume, number_of_trades,
	taker_buy_base_asset_volume, taker_buy_quote_asset_volume,
	funding_rate, _version, _sign
`

// Range returns the deduplicated rows covering [start, end], ascending.
func (s *Store) Range(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) ([]ohlcv.Candle, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM %s FINAL
		WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, selectColumns, s.qualifiedTable())
	return s.scanCandles(ctx, q, symbol, string(tf), string(it), start, end)
}

// Latest returns the most recent n deduplicated rows.
func (s *Store) Latest(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, n int) ([]ohlcv.Candle, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM %s FINAL
		WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, selectColumns, s.qualifiedTable())
	rows, err := s.scanCandles(ctx, q, symbol, string(tf), string(it), n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// MultiSymbol returns the deduplicated rows covering [start, end] for every
// symbol in symbols, ordered by (symbol, timestamp).
func (s *Store) MultiSymbol(ctx context.Context, symbols []string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) ([]ohlcv.Candle, error) {
	if len(symbols) == 0 {
		return nil, ohlcv.NewError(ohlcv.KindInvalidInput, "multi_symbol requires at least one symbol")
	}
	q := fmt.Sprintf(`
		SELECT %s FROM %s FINAL
		WHERE symbol IN ? AND timeframe = ? AND instrument_type = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY symbol ASC, timestamp ASC
	`, selectColumns, s.qualifiedTable())
	return s.scanCandles(ctx, q, symbols, string(tf), string(it), start, end)
}
