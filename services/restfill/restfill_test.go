package restfill

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"context"

	"klinevault/services/ohlcv"
)

func oneMinuteKline(openMs int64) []any {
	return []any{
		openMs, "100.0", "101.0", "99.5", "100.5", "10.0",
		openMs + 59999, "1000.0", 5, "6.0", "600.0", "0",
	}
}

func TestFillFiltersToGapBoundaries(t *testing.T) {
	gapStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gapEnd := gapStart.Add(2 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One row before, two inside, one after the window, mimicking
		// Binance's "aligns to natural candles" behavior (spec §4.7).
		rows := [][]any{
			oneMinuteKline(gapStart.Add(-time.Minute).UnixMilli()),
			oneMinuteKline(gapStart.UnixMilli()),
			oneMinuteKline(gapStart.Add(time.Minute).UnixMilli()),
			oneMinuteKline(gapEnd.UnixMilli()),
		}
		data, _ := json.Marshal(rows)
		w.Write(data)
	}))
	defer srv.Close()
	f := New(srv.URL, srv.URL, 5*time.Second, 3, nil)
	out, err := f.Fill(context.Background(), "BTCUSDT", ohlcv.TF1m, ohlcv.Spot, ohlcv.Gap{Start: gapStart, End: gapEnd, ExpectedBars: 2})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows inside [gapStart, gapEnd), got %d", len(out))
	}
	for _, c := range out {
		if c.DataSource != ohlcv.SourceRESTAPI {
			t.Fatalf("expected data_source=rest_api, got %q", c.DataSource)
		}
		if c.Version == 0 {
			t.Fatalf("expected a stamped version")
		}
	}
}

func TestFillRetriesOn429HonoringRetryAfter(t *testing.T) {
	var attempts int
	var firstAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			firstAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if elapsed := time.Since(firstAt); elapsed < time.Second {
			t.Errorf("expected at least 1s between attempts, got %v", elapsed)
		}
		rows := [][]any{oneMinuteKline(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())}
		data, _ := json.Marshal(rows)
		w.Write(data)
	}))
	defer srv.Close()
	f := New(srv.URL, srv.URL, 5*time.Second, 3, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	_, err := f.Fill(context.Background(), "BTCUSDT", ohlcv.TF1m, ohlcv.Spot, ohlcv.Gap{Start: start, End: end})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestFillNonRetryable4xxIsSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()
	f := New(srv.URL, srv.URL, 5*time.Second, 3, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.Fill(context.Background(), "BTCUSDT", ohlcv.TF1m, ohlcv.Spot, ohlcv.Gap{Start: start, End: start.Add(time.Minute)})
	if !ohlcv.IsKind(err, ohlcv.KindSourceUnavailable) {
		t.Fatalf("expected KindSourceUnavailable, got %v", err)
	}
}
