// Package restfill is the REST Gap Filler (spec §4.7): given a detected Gap,
// it fetches the exact missing sub-range from Binance's live kline
// endpoints, chunked to the API's 1000-row limit, and hands the result to
// the Versioner so the filled rows are indistinguishable from what the
// archive path would have produced. The JSON kline-array shape and the
// BinanceAPIResponse field layout are grounded in the teacher's
// go-services/cmd/parity_checker/main.go fetchBinanceData; the retry/
// backoff loop generalizes services/fetch's doWithRetries to also honor a
// server-supplied Retry-After header for 418/429.
package restfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"klinevault/services/ohlcv"
	"klinevault/services/version"
)

// spotKlinesPath and futuresKlinesPath are appended to the configured base
// domains (spec §6.2) to form the full kline endpoint.
const (
	spotKlinesPath    = "/api/v3/klines"
	futuresKlinesPath = "/fapi/v1/klines"
)

const (
	// chunkLimit is the REST API's per-request row cap (spec §4.7).
	chunkLimit = 1000

	// interChunkDelay avoids burst-triggering rate limits across the
	// sequential chunk requests that cover one gap (spec §4.7/§5).
	interChunkDelay = 200 * time.Millisecond
)

// Filler fetches authentic candles for a Gap from Binance's REST endpoints.
type Filler struct {
	client     *http.Client
	retries    int
	log        *zap.Logger
	spotURL    string
	futuresURL string
}

// New builds a Filler with the given per-request timeout and retry budget R.
// spotBase and futuresBase are the configured domain roots (spec §6.3's
// KLINEVAULT_SPOT_REST_BASE_URL/KLINEVAULT_FUTURES_REST_BASE_URL); the
// klines path is appended here so callers (and tests, via an httptest
// server URL) only ever supply a base domain.
func New(spotBase, futuresBase string, timeout time.Duration, retries int, log *zap.Logger) *Filler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Filler{
		client:     &http.Client{Timeout: timeout},
		retries:    retries,
		log:        log,
		spotURL:    strings.TrimRight(spotBase, "/") + spotKlinesPath,
		futuresURL: strings.TrimRight(futuresBase, "/") + futuresKlinesPath,
	}
}

func (f *Filler) baseURL(it ohlcv.InstrumentType) string {
	if it == ohlcv.FuturesUM {
		return f.futuresURL
	}
	return f.spotURL
}

// Fill fetches and versions every candle covering gap for
// (symbol, timeframe, instrument_type), chunked to the API's 1000-row
// limit, filtering to rows strictly inside [gap.Start, gap.End) (spec §4.7
// "Boundary filtering"). The caller is responsible for handing the result
// to the Bulk Loader.
func (f *Filler) Fill(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, gap ohlcv.Gap) ([]ohlcv.Candle, error) {
	interval, ok := ohlcv.Interval(tf)
	if !ok {
		return nil, ohlcv.NewError(ohlcv.KindInvalidInput, fmt.Sprintf("unsupported timeframe %q", tf))
	}
	chunkSpan := time.Duration(chunkLimit) * interval

	var out []ohlcv.Candle
	chunkStart := gap.Start
	first := true
	for chunkStart.Before(gap.End) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !first {
			time.Sleep(interChunkDelay)
		}
		first = false

		chunkEnd := chunkStart.Add(chunkSpan)
		if chunkEnd.After(gap.End) {
			chunkEnd = gap.End
		}

		rows, err := f.fetchChunk(ctx, symbol, tf, it, chunkStart, chunkEnd)
		if err != nil {
			return out, err
		}
		for _, raw := range rows {
			c, ok := raw.toCandle(symbol, tf, it)
			if !ok {
				continue
			}
			if c.Timestamp.Before(gap.Start) || !c.Timestamp.Before(gap.End) {
				continue // Binance may return natural candles just outside the window.
			}
			out = append(out, version.Apply(c))
		}
		chunkStart = chunkEnd
	}
	return out, nil
}

// kline is one element of the REST response's JSON array of 12-element
// arrays (spec §6.2), decoded loosely since Binance mixes string and
// numeric JSON types within the same array.
type kline [12]json.RawMessage

func (k kline) toCandle(symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType) (ohlcv.Candle, bool) {
	openTimeMs, ok := asInt64(k[0])
	if !ok {
		return ohlcv.Candle{}, false
	}
	closeTimeMs, ok := asInt64(k[6])
	if !ok {
		return ohlcv.Candle{}, false
	}
	open, ok1 := asFloat(k[1])
	high, ok2 := asFloat(k[2])
	low, ok3 := asFloat(k[3])
	cl, ok4 := asFloat(k[4])
	vol, ok5 := asFloat(k[5])
	quoteVol, ok6 := asFloat(k[7])
	takerBase, ok7 := asFloat(k[9])
	takerQuote, ok8 := asFloat(k[10])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return ohlcv.Candle{}, false
	}
	trades, ok9 := asInt64(k[8])
	if !ok9 {
		return ohlcv.Candle{}, false
	}

	c := ohlcv.Candle{
		Timestamp:                time.UnixMilli(openTimeMs).UTC(),
		Symbol:                   symbol,
		Timeframe:                tf,
		InstrumentType:           it,
		DataSource:               ohlcv.SourceRESTAPI,
		Open:                     open,
		High:                     high,
		Low:                      low,
		Close:                    cl,
		Volume:                   vol,
		CloseTime:                time.UnixMilli(closeTimeMs).UTC(),
		QuoteAssetVolume:         quoteVol,
		NumberOfTrades:           trades,
		TakerBuyBaseAssetVolume:  takerBase,
		TakerBuyQuoteAssetVolume: takerQuote,
	}
	if err := c.Validate(); err != nil {
		return ohlcv.Candle{}, false
	}
	return c, true
}

func asInt64(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// fetchChunk issues one GET /klines request, retrying per the budget R with
// incremental backoff; 418/429 honor Retry-After verbatim (spec §4.7).
func (f *Filler) fetchChunk(ctx context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) ([]kline, error) {
	url := fmt.Sprintf("%s?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		f.baseURL(it), symbol, ohlcv.RESTInterval(tf), start.UnixMilli(), end.UnixMilli(), chunkLimit)

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= f.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, ohlcv.Wrap(ohlcv.KindInvalidInput, "build rest request", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			f.sleep(ctx, backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			wait := retryAfter(resp.Header.Get("Retry-After"), backoff)
			resp.Body.Close()
			f.log.Warn("rest gap filler rate limited", zap.Int("status", resp.StatusCode), zap.Duration("wait", wait))
			lastErr = ohlcv.NewError(ohlcv.KindRateLimited, fmt.Sprintf("http %d", resp.StatusCode)).WithURL(url)
			f.sleep(ctx, wait)
			backoff *= 2
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			f.sleep(ctx, backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, ohlcv.NewError(ohlcv.KindSourceUnavailable, fmt.Sprintf("http %d: %s", resp.StatusCode, string(body))).WithURL(url)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			f.sleep(ctx, backoff)
			backoff *= 2
			continue
		}

		var klines []kline
		if err := json.Unmarshal(body, &klines); err != nil {
			return nil, ohlcv.Wrap(ohlcv.KindDecodeFailure, "parse rest klines response", err)
		}
		return klines, nil
	}
	return nil, ohlcv.WrapTransport(url, f.retries, lastErr)
}

func (f *Filler) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// retryAfter parses the Retry-After header as seconds, falling back to the
// caller's current backoff when the header is absent or malformed.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
