// Package decode is the Archive Decoder (spec §4.3): it pulls the single
// tabular member out of a downloaded zip, auto-detects which of Binance's
// two CSV shapes it is, normalizes columns, and parses rows into candles.
// Header skip, BOM handling, and retry framing follow the teacher's
// resample_csv and 5m_from_binacne.go tools; the zip member extraction and
// its nested-closer idiom follow 5m_from_binacne.go's openFirstCSV.
package decode

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"klinevault/services/ohlcv"
)

// FormatTransition records a ms<->μs timestamp unit change mid-archive
// (spec §4.3 step 5).
type FormatTransition struct {
	RowIndex int
	From     string
	To       string
}

// RejectedRow is one row dropped for failing invariants or range checks,
// feeding the corruption log (spec §4.3 step 6, §9.3 supplemented).
type RejectedRow struct {
	RowIndex int
	Reason   string
}

// Result is everything one archive decodes into.
type Result struct {
	Candles     []ohlcv.Candle
	Transitions []FormatTransition
	Rejected    []RejectedRow
}

// header tokens that identify the futures 12-column with-header shape.
const futuresHeaderToken = "open_time"

// Decode extracts and parses the archive's tabular member for task, tagging
// every row with symbol/timeframe/instrument_type/data_source.
func Decode(archiveBytes []byte, task ohlcv.DownloadTask, source ohlcv.DataSource) (*Result, error) {
	member, err := firstTabularMember(archiveBytes)
	if err != nil {
		return nil, err
	}

	reader, err := normalizeEncoding(member)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindDecodeFailure, "read csv", err)
	}
	if len(records) == 0 {
		return nil, ohlcv.NewError(ohlcv.KindDecodeFailure, "empty archive member")
	}

	futures := strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(records[0][0], "﻿")), futuresHeaderToken)
	if futures {
		records = records[1:]
	}

	res := &Result{}
	var lastUnit string

	for i, rec := range records {
		if len(rec) < 11 {
			res.Rejected = append(res.Rejected, RejectedRow{RowIndex: i, Reason: "too few columns"})
			continue
		}

		openTimeRaw := strings.TrimPrefix(rec[0], "﻿")
		openTime, unit, ok := parseEpoch(openTimeRaw)
		if !ok {
			if i == 0 && !futures {
				// Header-detection edge case (spec §4.3): a headerless
				// archive whose first row fails range validation is
				// actually a header row in disguise. Discard and retry
				// the remaining rows as headerless.
				continue
			}
			res.Rejected = append(res.Rejected, RejectedRow{RowIndex: i, Reason: "unparseable or out-of-range open_time"})
			continue
		}
		if lastUnit != "" && unit != lastUnit {
			res.Transitions = append(res.Transitions, FormatTransition{RowIndex: i, From: lastUnit, To: unit})
		}
		lastUnit = unit

		closeTimeRaw := rec[6]
		closeTime, _, ok := parseEpoch(closeTimeRaw)
		if !ok {
			res.Rejected = append(res.Rejected, RejectedRow{RowIndex: i, Reason: "unparseable or out-of-range close_time"})
			continue
		}

		c, err := buildCandle(rec, openTime, closeTime, task, source)
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedRow{RowIndex: i, Reason: err.Error()})
			continue
		}
		if err := c.Validate(); err != nil {
			res.Rejected = append(res.Rejected, RejectedRow{RowIndex: i, Reason: err.Error()})
			continue
		}
		res.Candles = append(res.Candles, c)
	}

	return res, nil
}

// buildCandle maps one CSV record, already known to be either the spot
// headerless shape or the futures with-header shape (both use the same
// positional layout before the trailing ignore column) into a Candle.
func buildCandle(rec []string, openTime, closeTime time.Time, task ohlcv.DownloadTask, source ohlcv.DataSource) (ohlcv.Candle, error) {
	f := func(s string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(s), 64) }

	open, err := f(rec[1])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := f(rec[2])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := f(rec[3])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse low: %w", err)
	}
	closeP, err := f(rec[4])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := f(rec[5])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse volume: %w", err)
	}
	quoteVol, err := f(rec[7])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse quote_asset_volume: %w", err)
	}
	trades, err := strconv.ParseInt(strings.TrimSpace(rec[8]), 10, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse number_of_trades: %w", err)
	}
	takerBase, err := f(rec[9])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse taker_buy_base_asset_volume: %w", err)
	}
	takerQuote, err := f(rec[10])
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse taker_buy_quote_asset_volume: %w", err)
	}

	return ohlcv.Candle{
		Timestamp:                openTime,
		Symbol:                   task.Symbol,
		Timeframe:                task.Timeframe,
		InstrumentType:           task.InstrumentType,
		DataSource:               source,
		Open:                     open,
		High:                     high,
		Low:                      low,
		Close:                    closeP,
		Volume:                   volume,
		CloseTime:                closeTime,
		QuoteAssetVolume:         quoteVol,
		NumberOfTrades:           trades,
		TakerBuyBaseAssetVolume:  takerBase,
		TakerBuyQuoteAssetVolume: takerQuote,
	}, nil
}

// epochBounds are the plausible years for a candle timestamp (spec §4.3
// step 4): 2010-01-01 through 2030-12-31.
var (
	epochMin = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	epochMax = time.Date(2030, 12, 31, 23, 59, 59, 0, time.UTC).UnixMilli()
)

// parseEpoch detects millisecond (13-digit) vs microsecond (16-digit) epoch
// integers by digit count and validates the resulting instant falls within
// the plausible year range.
func parseEpoch(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}

	digits := len(s)
	if s != "" && s[0] == '-' {
		digits--
	}

	var ms int64
	var unit string
	switch {
	case digits >= 16:
		ms = n / 1000
		unit = "us"
	default:
		ms = n
		unit = "ms"
	}

	if ms < epochMin || ms > epochMax {
		return time.Time{}, "", false
	}
	return time.UnixMilli(ms).UTC(), unit, true
}

// firstTabularMember opens the zip archive and returns the bytes of its
// single expected .csv member. Zero members is an error; more than one logs
// nothing here (the caller logs) and the first wins, per spec §4.3 step 1.
func firstTabularMember(archiveBytes []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindDecodeFailure, "open zip", err)
	}

	var candidates []*zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, ohlcv.NewError(ohlcv.KindDecodeFailure, "no tabular member in archive")
	}

	rc, err := candidates[0].Open()
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindDecodeFailure, "open archive member", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindDecodeFailure, "read archive member", err)
	}
	return data, nil
}

// normalizeEncoding detects a UTF-16 BOM and transcodes to UTF-8, the same
// check the teacher's resample_csv tool performs before handing the reader
// to encoding/csv.
func normalizeEncoding(data []byte) (io.Reader, error) {
	if len(data) >= 2 && ((data[0] == 0xFF && data[1] == 0xFE) || (data[0] == 0xFE && data[1] == 0xFF)) {
		tr := transform.NewReader(bytes.NewReader(data), unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
		return bufio.NewReader(tr), nil
	}
	return bufio.NewReader(bytes.NewReader(data)), nil
}
