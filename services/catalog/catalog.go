// Package catalog is the Source Catalog (spec §4.1): it turns a
// (symbol, timeframe, instrument type, date range) request into an ordered,
// batched list of CDN download tasks, choosing monthly or daily archives
// per epoch according to the daily-lookback window.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"klinevault/services/ohlcv"
)

// DefaultCDNBaseURL is the CDN root used when a caller (or test) does not
// need to override it (spec §6.2/§6.3's KLINEVAULT_CDN_BASE_URL).
const DefaultCDNBaseURL = "https://data.binance.vision"

// market returns the CDN path segment for an instrument type.
func market(it ohlcv.InstrumentType) string {
	if it == ohlcv.FuturesUM {
		return "futures/um"
	}
	return "spot"
}

// Build enumerates the Download Tasks covering [start, end] for symbol/tf.
// cdnBaseURL is the configured CDN root (spec §6.3's
// KLINEVAULT_CDN_BASE_URL); pass catalog.DefaultCDNBaseURL to use the real
// endpoint. lookback is W from spec §4.1: epochs ending at or before now-W
// use monthly archives, epochs after it use daily archives. Tasks are
// sorted ascending by RangeStart, then grouped into batches of size
// batchSize.
func Build(symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time, lookback time.Duration, now time.Time, cdnBaseURL string) ([]ohlcv.DownloadTask, error) {
	if !ohlcv.ValidTimeframe(tf) {
		return nil, ohlcv.NewError(ohlcv.KindInvalidInput, fmt.Sprintf("unsupported timeframe %q", tf))
	}
	if end.Before(start) {
		return nil, ohlcv.NewError(ohlcv.KindInvalidInput, "end precedes start")
	}
	cdnBaseURL = strings.TrimRight(cdnBaseURL, "/")

	cutoff := now.Add(-lookback)
	var tasks []ohlcv.DownloadTask

	// Walk calendar months overlapping [start, end]. A month whose final
	// instant falls at or before the cutoff is covered by one monthly
	// archive; a month reaching past the cutoff is covered day-by-day,
	// since the CDN does not publish partial-month archives (spec §4.1).
	monthCursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !monthCursor.After(end) {
		monthEnd := monthCursor.AddDate(0, 1, 0).Add(-time.Millisecond)
		rangeStart, rangeEnd := clip(monthCursor, monthEnd, start, end)
		if !rangeStart.After(rangeEnd) {
			if monthEnd.After(cutoff) {
				tasks = append(tasks, dailyTasks(symbol, tf, it, rangeStart, rangeEnd, cdnBaseURL)...)
			} else {
				tasks = append(tasks, monthlyTask(symbol, tf, it, monthCursor, rangeStart, rangeEnd, cdnBaseURL))
			}
		}
		monthCursor = monthCursor.AddDate(0, 1, 0)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].RangeStart.Before(tasks[j].RangeStart) })
	return tasks, nil
}

func clip(a, b, start, end time.Time) (time.Time, time.Time) {
	if a.Before(start) {
		a = start
	}
	if b.After(end) {
		b = end
	}
	return a, b
}

func monthlyTask(symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, month, rangeStart, rangeEnd time.Time, cdnBaseURL string) ohlcv.DownloadTask {
	periodID := month.Format("2006-01")
	filename := fmt.Sprintf("%s-%s-%s.zip", symbol, tf, periodID)
	url := fmt.Sprintf("%s/data/%s/monthly/klines/%s/%s/%s", cdnBaseURL, market(it), symbol, tf, filename)
	return ohlcv.DownloadTask{
		URL: url, Filename: filename, SourceKind: ohlcv.SourceKindMonthly, PeriodID: periodID,
		RangeStart: rangeStart, RangeEnd: rangeEnd,
		Symbol: symbol, Timeframe: tf, InstrumentType: it,
	}
}

func dailyTasks(symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time, cdnBaseURL string) []ohlcv.DownloadTask {
	var out []ohlcv.DownloadTask
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(end) {
		dayEnd := day.Add(24*time.Hour - time.Millisecond)
		rangeStart, rangeEnd := clip(day, dayEnd, start, end)
		if !rangeStart.After(rangeEnd) {
			periodID := day.Format("2006-01-02")
			filename := fmt.Sprintf("%s-%s-%s.zip", symbol, tf, periodID)
			url := fmt.Sprintf("%s/data/%s/daily/klines/%s/%s/%s", cdnBaseURL, market(it), symbol, tf, filename)
			out = append(out, ohlcv.DownloadTask{
				URL: url, Filename: filename, SourceKind: ohlcv.SourceKindDaily, PeriodID: periodID,
				RangeStart: rangeStart, RangeEnd: rangeEnd,
				Symbol: symbol, Timeframe: tf, InstrumentType: it,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// Batch splits tasks into ordered groups of at most size C, preserving the
// ascending order Build produced. C is the bounded-concurrency fan-out used
// by the fetcher (spec §4.1/§4.2).
func Batch(tasks []ohlcv.DownloadTask, c int) [][]ohlcv.DownloadTask {
	if c <= 0 {
		c = 1
	}
	var batches [][]ohlcv.DownloadTask
	for i := 0; i < len(tasks); i += c {
		end := i + c
		if end > len(tasks) {
			end = len(tasks)
		}
		batches = append(batches, tasks[i:end])
	}
	return batches
}
