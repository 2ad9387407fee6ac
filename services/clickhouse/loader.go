package clickhouse

import (
	"context"
	"fmt"
	"time"

	"klinevault/services/ohlcv"
)

// InsertBatch appends versioned candles to the store (spec §4.5 Bulk
// Loader). Column order matches the persisted layout exactly (spec §6.1)
// so hash inputs and insert layouts never drift. Grounded in
// install_candles.go's PrepareBatch/Append/Send sequence.
func (s *Store) InsertBatch(ctx context.Context, candles []ohlcv.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.qualifiedTable()))
	if err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "prepare batch", explainCHErr(err))
	}

	for _, c := range candles {
		if err := batch.Append(
			c.Timestamp,
			c.Symbol,
			string(c.Timeframe),
			string(c.InstrumentType),
			string(c.DataSource),
			c.Open, c.High, c.Low, c.Close, c.Volume,
			c.CloseTime,
			c.QuoteAssetVolume,
			c.NumberOfTrades,
			c.TakerBuyBaseAssetVolume,
			c.TakerBuyQuoteAssetVolume,
			c.FundingRate,
			c.Version,
			c.Sign,
		); err != nil {
			return ohlcv.Wrap(ohlcv.KindStoreFailure, "append row to batch", explainCHErr(err))
		}
	}

	if err := batch.Send(); err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "send batch", explainCHErr(err))
	}
	return nil
}

// CountRows returns the deduplicated row count for (symbol, timeframe,
// instrument_type) within [start, end], used by the orchestrator's
// "estimate expected rows" step (spec §4.8).
func (s *Store) CountRows(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) (uint64, error) {
	q := fmt.Sprintf(`
		SELECT count()
		FROM %s FINAL
		WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
		  AND timestamp >= ? AND timestamp <= ?
	`, s.qualifiedTable())

	var n uint64
	if err := s.conn.QueryRow(ctx, q, symbol, string(tf), string(it), start, end).Scan(&n); err != nil {
		return 0, ohlcv.Wrap(ohlcv.KindStoreFailure, "count rows", explainCHErr(err))
	}
	return n, nil
}
