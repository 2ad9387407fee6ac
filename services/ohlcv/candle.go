// Package ohlcv holds the types shared by every stage of the ingestion and
// query pipeline: the candle record, its merge metadata, download tasks,
// gaps, and the error taxonomy callers route on.
package ohlcv

import "time"

// InstrumentType distinguishes USDT spot pairs from USDT-margined futures.
type InstrumentType string

const (
	Spot      InstrumentType = "spot"
	FuturesUM InstrumentType = "futures-um"
)

// DataSource tags the provenance of a stored row.
type DataSource string

const (
	SourceCloudfront         DataSource = "cloudfront"
	SourceRESTAPI            DataSource = "rest_api"
	SourceBinanceCDNValidate DataSource = "binance_cdn_validation"
)

// Timeframe is one of the 16 supported candle durations.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
	TF1mo Timeframe = "1mo"
)

// intervals holds the exact candle duration for every supported timeframe.
// 1mo is modeled as 30 days; the CDN/REST boundary math in catalog and
// restfill never needs true calendar-month semantics because archives are
// already partitioned by calendar month independent of this value.
var intervals = map[Timeframe]time.Duration{
	TF1s:  time.Second,
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF3d:  72 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
	TF1mo: 30 * 24 * time.Hour,
}

// restIntervalTokens maps a timeframe to the token Binance's REST klines
// endpoint expects, which differs from the CDN token only for the monthly
// timeframe ("1M" vs "1mo").
var restIntervalTokens = map[Timeframe]string{
	TF1mo: "1M",
}

// Interval returns the exact duration of one candle for tf, and whether tf
// is recognized.
func Interval(tf Timeframe) (time.Duration, bool) {
	d, ok := intervals[tf]
	return d, ok
}

// RESTInterval returns the token used in Binance's REST `interval` query
// parameter, which is almost always the timeframe itself.
func RESTInterval(tf Timeframe) string {
	if tok, ok := restIntervalTokens[tf]; ok {
		return tok
	}
	return string(tf)
}

// ValidTimeframe reports whether tf is one of the 16 supported tokens.
func ValidTimeframe(tf Timeframe) bool {
	_, ok := intervals[tf]
	return ok
}

// Candle is the fundamental OHLCV record, identified by
// (Symbol, Timeframe, InstrumentType, Timestamp).
type Candle struct {
	Timestamp      time.Time
	Symbol         string
	Timeframe      Timeframe
	InstrumentType InstrumentType
	DataSource     DataSource

	Open, High, Low, Close, Volume float64
	CloseTime                      time.Time
	QuoteAssetVolume               float64
	NumberOfTrades                 int64
	TakerBuyBaseAssetVolume        float64
	TakerBuyQuoteAssetVolume       float64
	FundingRate                    *float64 // futures only

	Version uint64
	Sign    int8
}

// Validate checks the OHLCV invariants from spec §3.1(1). It does not check
// close-time alignment or the version hash; callers that need those use
// version.Stamp and CloseTimeAligned separately.
func (c Candle) Validate() error {
	switch {
	case c.High < c.Open || c.High < c.Close || c.High < c.Low:
		return NewError(KindInvariantViolation, "high is not the max of open/high/low/close")
	case c.Low > c.Open || c.Low > c.Close || c.Low > c.High:
		return NewError(KindInvariantViolation, "low is not the min of open/high/low/close")
	case c.Volume < 0:
		return NewError(KindInvariantViolation, "negative volume")
	case c.TakerBuyBaseAssetVolume > c.Volume:
		return NewError(KindInvariantViolation, "taker buy base volume exceeds volume")
	case c.TakerBuyQuoteAssetVolume > c.QuoteAssetVolume:
		return NewError(KindInvariantViolation, "taker buy quote volume exceeds quote asset volume")
	}
	return nil
}

// CloseTimeAligned reports whether CloseTime equals Timestamp + interval(tf) - 1ms,
// per spec §3.1(2).
func (c Candle) CloseTimeAligned() bool {
	d, ok := Interval(c.Timeframe)
	if !ok {
		return false
	}
	want := c.Timestamp.Add(d - time.Millisecond)
	return c.CloseTime.Equal(want)
}

// Identity is the deduplication key from spec §3.1(4).
type Identity struct {
	Symbol         string
	Timeframe      Timeframe
	InstrumentType InstrumentType
	Timestamp      time.Time
}

func (c Candle) Identity() Identity {
	return Identity{c.Symbol, c.Timeframe, c.InstrumentType, c.Timestamp}
}

// Gap is a detected hole between two consecutive stored candles.
type Gap struct {
	Start        time.Time
	End          time.Time
	ExpectedBars int64
}

// DownloadTask is a transient unit of work produced by the Source Catalog.
type SourceKind string

const (
	SourceKindMonthly SourceKind = "monthly"
	SourceKindDaily   SourceKind = "daily"
)

type DownloadTask struct {
	URL        string
	Filename   string
	SourceKind SourceKind
	PeriodID   string // "2024-01" for monthly, "2024-01-15" for daily
	RangeStart time.Time
	RangeEnd   time.Time

	Symbol         string
	Timeframe      Timeframe
	InstrumentType InstrumentType
}

// EntityTag is the per-URL cache record the Conditional Fetcher owns.
type EntityTag struct {
	URL             string    `json:"url"`
	ETag            string    `json:"etag"`
	LastCheckedUTC  time.Time `json:"last_checked_utc"`
	ContentLength   int64     `json:"content_length_bytes"`
}

// IngestionRequest is the orchestrator's unit of work.
type IngestionRequest struct {
	Symbols        []string
	Timeframe      Timeframe
	InstrumentType InstrumentType
	Start          time.Time
	End            time.Time
	AutoIngest     bool
	FillGaps       bool
}
