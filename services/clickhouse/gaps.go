package clickhouse

import (
	"context"
	"fmt"
	"time"

	"klinevault/services/ohlcv"
)

// DetectGaps runs the Gap Detector (spec §4.6): a lag()-window scan that
// lists every missing candle range within [start, end] for one instrument.
// The dedup-on-read FINAL modifier guarantees gaps are computed against
// the merged view, not raw pre-merge duplicates.
func (s *Store) DetectGaps(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) ([]ohlcv.Gap, error) {
	interval, ok := ohlcv.Interval(tf)
	if !ok {
		return nil, ohlcv.NewError(ohlcv.KindInvalidInput, fmt.Sprintf("unsupported timeframe %q", tf))
	}
	intervalMs := interval.Milliseconds()

	q := fmt.Sprintf(`
		SELECT gap_start, gap_end, expected_bars
		FROM (
			SELECT
				prev_ts AS gap_start,
				timestamp AS gap_end,
				intDiv(toUnixTimestamp64Milli(timestamp) - toUnixTimestamp64Milli(prev_ts), %d) - 1 AS expected_bars
			FROM (
				SELECT
					timestamp,
					lagInFrame(timestamp) OVER (ORDER BY timestamp ASC) AS prev_ts
				FROM %s FINAL
				WHERE symbol = ? AND timeframe = ? AND instrument_type = ?
				  AND timestamp >= ? AND timestamp <= ?
			)
			WHERE prev_ts != toDateTime64(0, 3)
			  AND toUnixTimestamp64Milli(timestamp) - toUnixTimestamp64Milli(prev_ts) > %d
		)
		ORDER BY gap_start ASC
	`, intervalMs, s.qualifiedTable(), intervalMs)

	rows, err := s.conn.Query(ctx, q, symbol, string(tf), string(it), start, end)
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "detect gaps", explainCHErr(err))
	}
	defer rows.Close()

	var gaps []ohlcv.Gap
	for rows.Next() {
		var g ohlcv.Gap
		var expected int64
		if err := rows.Scan(&g.Start, &g.End, &expected); err != nil {
			return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "scan gap row", explainCHErr(err))
		}
		g.ExpectedBars = expected
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "iterate gap rows", explainCHErr(err))
	}
	return gaps, nil
}
