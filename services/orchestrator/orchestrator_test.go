package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"klinevault/services/config"
	"klinevault/services/fetch"
	"klinevault/services/ohlcv"
)

// fakeStore is an in-memory stand-in for *clickhouse.Store.
type fakeStore struct {
	rows      []ohlcv.Candle
	gaps      []ohlcv.Gap
	countErr  error
	insertErr error
}

func (s *fakeStore) CountRows(_ context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) (uint64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	var n uint64
	for _, c := range s.rows {
		if c.Symbol == symbol && c.Timeframe == tf && c.InstrumentType == it && !c.Timestamp.Before(start) && !c.Timestamp.After(end) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) InsertBatch(_ context.Context, candles []ohlcv.Candle) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows = append(s.rows, candles...)
	return nil
}

func (s *fakeStore) DetectGaps(context.Context, string, ohlcv.Timeframe, ohlcv.InstrumentType, time.Time, time.Time) ([]ohlcv.Gap, error) {
	return s.gaps, nil
}

func (s *fakeStore) Range(_ context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, start, end time.Time) ([]ohlcv.Candle, error) {
	var out []ohlcv.Candle
	for _, c := range s.rows {
		if c.Symbol == symbol && c.Timeframe == tf && c.InstrumentType == it && !c.Timestamp.Before(start) && !c.Timestamp.After(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeFetcher returns one zipped spot-shaped archive per task, regardless
// of URL, so the ingestion path can be exercised without the network.
type fakeFetcher struct {
	archive []byte
	fail    map[string]bool
}

func (f *fakeFetcher) FetchAll(_ context.Context, tasks []ohlcv.DownloadTask, _ int) []fetch.Result {
	out := make([]fetch.Result, len(tasks))
	for i, t := range tasks {
		if f.fail[t.PeriodID] {
			out[i] = fetch.Result{Task: t, Err: ohlcv.NewError(ohlcv.KindSourceUnavailable, "not found")}
			continue
		}
		out[i] = fetch.Result{Task: t, Bytes: f.archive}
	}
	return out
}

// fakeFiller always returns one synthetic candle covering the gap start.
type fakeFiller struct {
	calls int
	err   error
}

func (f *fakeFiller) Fill(_ context.Context, symbol string, tf ohlcv.Timeframe, it ohlcv.InstrumentType, gap ohlcv.Gap) ([]ohlcv.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []ohlcv.Candle{{
		Timestamp: gap.Start, Symbol: symbol, Timeframe: tf, InstrumentType: it,
		DataSource: ohlcv.SourceRESTAPI, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1,
		CloseTime: gap.Start.Add(time.Minute - time.Millisecond), Version: 42, Sign: 1,
	}}, nil
}

func zipWithCSV(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create zip member: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("write zip member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func testConfig() *config.Config {
	return &config.Config{
		DailyLookback: 30 * 24 * time.Hour, Concurrency: 4, Retries: 3,
		CDNBaseURL: catalog.DefaultCDNBaseURL,
	}
}

func TestQueryTriggersIngestionWhenStoreIsShort(t *testing.T) {
	var csv bytes.Buffer
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := day.Add(time.Duration(i) * time.Minute)
		fmt.Fprintf(&csv, "%d,100,101,99,100.5,10,%d,1000,5,6,600,0\n",
			ts.UnixMilli(), ts.Add(time.Minute-time.Millisecond).UnixMilli())
	}
	archive := zipWithCSV(t, "BTCUSDT-1m-2024-01.csv", csv.String())

	store := &fakeStore{}
	o := New(store, &fakeFetcher{archive: archive}, &fakeFiller{}, testConfig(), nil)

	req := ohlcv.IngestionRequest{
		Symbols: []string{"BTCUSDT"}, Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot,
		Start: day, End: day.Add(5 * time.Minute), AutoIngest: true, FillGaps: false,
	}
	rows, reports, err := o.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !reports[0].Ingested {
		t.Fatalf("expected ingestion to trigger when store is empty")
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows after ingestion, got %d", len(rows))
	}
}

func TestQuerySkipsIngestionWhenStoreIsSufficient(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.rows = append(store.rows, ohlcv.Candle{
			Timestamp: day.Add(time.Duration(i) * time.Minute), Symbol: "BTCUSDT",
			Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot, High: 1, Low: 1,
		})
	}
	fetcher := &fakeFetcher{}
	o := New(store, fetcher, &fakeFiller{}, testConfig(), nil)

	req := ohlcv.IngestionRequest{
		Symbols: []string{"BTCUSDT"}, Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot,
		Start: day, End: day.Add(5 * time.Minute), AutoIngest: true, FillGaps: false,
	}
	_, reports, err := o.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reports[0].Ingested {
		t.Fatalf("expected ingestion to be skipped when store already has enough rows")
	}
}

func TestQueryFillsGapsAndReReads(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		gaps: []ohlcv.Gap{{Start: day, End: day.Add(time.Minute), ExpectedBars: 1}},
	}
	// Seed enough rows so ingestion does not trigger.
	for i := 0; i < 100; i++ {
		store.rows = append(store.rows, ohlcv.Candle{
			Timestamp: day.Add(time.Duration(i) * time.Minute), Symbol: "BTCUSDT",
			Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot, High: 1, Low: 1,
		})
	}
	filler := &fakeFiller{}
	o := New(store, &fakeFetcher{}, filler, testConfig(), nil)

	req := ohlcv.IngestionRequest{
		Symbols: []string{"BTCUSDT"}, Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot,
		Start: day, End: day.Add(100 * time.Minute), AutoIngest: true, FillGaps: true,
	}
	_, reports, err := o.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reports[0].GapsFound != 1 || reports[0].GapsFilled != 1 {
		t.Fatalf("expected 1 gap found and filled, got found=%d filled=%d", reports[0].GapsFound, reports[0].GapsFilled)
	}
	if filler.calls != 1 {
		t.Fatalf("expected filler called once, got %d", filler.calls)
	}
}

func TestQueryRejectsInvalidSymbol(t *testing.T) {
	o := New(&fakeStore{}, &fakeFetcher{}, &fakeFiller{}, testConfig(), nil)
	req := ohlcv.IngestionRequest{
		Symbols: []string{"bad/symbol"}, Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot,
		Start: time.Now(), End: time.Now().Add(time.Hour),
	}
	_, _, err := o.Query(context.Background(), req)
	if !ohlcv.IsKind(err, ohlcv.KindInvalidInput) {
		t.Fatalf("expected KindInvalidInput, got %v", err)
	}
}

func TestQueryPerMonthFailureIsSkippedNotFatal(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	fetcher := &fakeFetcher{fail: map[string]bool{"2024-01": true}}
	o := New(store, fetcher, &fakeFiller{}, testConfig(), nil)

	req := ohlcv.IngestionRequest{
		Symbols: []string{"BTCUSDT"}, Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot,
		Start: day, End: day.Add(5 * time.Minute), AutoIngest: true,
	}
	rows, reports, err := o.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("expected per-month failure to not be fatal, got %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows when the only month fails, got %d", len(rows))
	}
	if reports[0].Months[0].Err == nil {
		t.Fatalf("expected the month report to carry the failure")
	}
}
