package clickhouse

import (
	"context"
	"fmt"
	"time"

	"klinevault/services/ohlcv"
)

// DuplicateCount returns the number of identity keys (symbol, timeframe,
// instrument_type, timestamp) that still have more than one row in the raw,
// pre-merge table within [start, end]. ReplacingMergeTree collapses these
// asynchronously on background merge, so a positive count is expected
// between merges and only turns into a real defect if it stays nonzero
// across repeated nightly runs for the same window.
func (s *Store) DuplicateCount(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) (uint64, error) {
	q := fmt.Sprintf(`
		SELECT count() FROM (
			SELECT symbol, timeframe, instrument_type, timestamp
			FROM %s
			WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
			  AND timestamp >= ? AND timestamp <= ?
			GROUP BY symbol, timeframe, instrument_type, timestamp
			HAVING count() > 1
		)
	`, s.qualifiedTable())
	row := s.conn.QueryRow(ctx, q, symbol, string(tf), string(it), start, end)
	var n uint64
	if err := row.Scan(&n); err != nil {
		return 0, ohlcv.Wrap(ohlcv.KindStoreFailure, "count duplicates", explainCHErr(err))
	}
	return n, nil
}

// LastIngested returns the timestamp of the most recent deduplicated row for
// one instrument, used by the freshness check to flag a symbol that has gone
// stale. The zero time with ok=false means no rows exist yet.
func (s *Store) LastIngested(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType) (time.Time, bool, error) {
	q := fmt.Sprintf(`
		SELECT max(timestamp) FROM %s FINAL
		WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
	`, s.qualifiedTable())
	row := s.conn.QueryRow(ctx, q, symbol, string(tf), string(it))
	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, false, ohlcv.Wrap(ohlcv.KindStoreFailure, "query last ingested", explainCHErr(err))
	}
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}
