package decode

import (
	"archive/zip"
	"bytes"
	"testing"

	"klinevault/services/ohlcv"
)

func buildZip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create zip member: %v", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatalf("write zip member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeSpotHeaderless(t *testing.T) {
	csv := "1704067200000,42000.50,42100.00,41950.00,42050.25,10.5,1704067259999,441525.50,120,5.2,218520.0,0\n"
	archive := buildZip(t, "BTCUSDT-1m-2024-01.csv", csv)

	task := ohlcv.DownloadTask{Symbol: "BTCUSDT", Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot}
	res, err := Decode(archive, task, ohlcv.SourceCloudfront)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candles) != 1 {
		t.Fatalf("expected 1 candle, got %d (rejected=%v)", len(res.Candles), res.Rejected)
	}
	c := res.Candles[0]
	if c.Open != 42000.50 || c.Close != 42050.25 {
		t.Fatalf("unexpected OHLC: %+v", c)
	}
	if c.DataSource != ohlcv.SourceCloudfront {
		t.Fatalf("expected data source stamped to cloudfront, got %s", c.DataSource)
	}
}

func TestDecodeFuturesWithHeader(t *testing.T) {
	csv := "open_time,open,high,low,close,volume,close_time,quote_volume,count,taker_buy_volume,taker_buy_quote_volume,ignore\n" +
		"1704067200000,42000.50,42100.00,41950.00,42050.25,10.5,1704067259999,441525.50,120,5.2,218520.0,0\n"
	archive := buildZip(t, "BTCUSDT-1m-2024-01.csv", csv)

	task := ohlcv.DownloadTask{Symbol: "BTCUSDT", Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.FuturesUM}
	res, err := Decode(archive, task, ohlcv.SourceCloudfront)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candles) != 1 {
		t.Fatalf("expected 1 candle, got %d (rejected=%v)", len(res.Candles), res.Rejected)
	}
}

func TestDecodeRejectsInvariantViolation(t *testing.T) {
	// high below open
	csv := "1704067200000,42000.50,100.00,41950.00,42050.25,10.5,1704067259999,441525.50,120,5.2,218520.0,0\n"
	archive := buildZip(t, "x.csv", csv)
	task := ohlcv.DownloadTask{Symbol: "BTCUSDT", Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot}
	res, err := Decode(archive, task, ohlcv.SourceCloudfront)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candles) != 0 || len(res.Rejected) != 1 {
		t.Fatalf("expected row rejected, got candles=%d rejected=%d", len(res.Candles), len(res.Rejected))
	}
}

func TestDecodeDetectsMicrosecondEpoch(t *testing.T) {
	// 1704067200000000 is microsecond form of 1704067200000ms
	csv := "1704067200000000,42000.50,42100.00,41950.00,42050.25,10.5,1704067259999000,441525.50,120,5.2,218520.0,0\n"
	archive := buildZip(t, "x.csv", csv)
	task := ohlcv.DownloadTask{Symbol: "BTCUSDT", Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot}
	res, err := Decode(archive, task, ohlcv.SourceCloudfront)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candles) != 1 {
		t.Fatalf("expected 1 candle from microsecond timestamps, got %d rejected=%v", len(res.Candles), res.Rejected)
	}
	if res.Candles[0].Timestamp.UnixMilli() != 1704067200000 {
		t.Fatalf("expected microsecond timestamp scaled to ms, got %d", res.Candles[0].Timestamp.UnixMilli())
	}
}

func TestDecodeNoZipMemberIsDecodeFailure(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.Close()
	task := ohlcv.DownloadTask{Symbol: "BTCUSDT", Timeframe: ohlcv.TF1m, InstrumentType: ohlcv.Spot}
	_, err := Decode(buf.Bytes(), task, ohlcv.SourceCloudfront)
	if !ohlcv.IsKind(err, ohlcv.KindDecodeFailure) {
		t.Fatalf("expected KindDecodeFailure, got %v", err)
	}
}
