package version

import (
	"testing"
	"time"

	"klinevault/services/ohlcv"
)

func sample() ohlcv.Candle {
	return ohlcv.Candle{
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Symbol:         "BTCUSDT",
		Timeframe:      ohlcv.TF1m,
		InstrumentType: ohlcv.Spot,
		Open:           42000.5,
		High:           42010,
		Low:            41990.25,
		Close:          42005,
		Volume:         12.34567,
	}
}

func TestStampDeterministic(t *testing.T) {
	a := Stamp(sample())
	b := Stamp(sample())
	if a != b {
		t.Fatalf("expected identical hash for identical input, got %d != %d", a, b)
	}
}

func TestStampChangesWithOHLCV(t *testing.T) {
	a := sample()
	b := sample()
	b.Close = 42006
	if Stamp(a) == Stamp(b) {
		t.Fatalf("expected different hash when close differs")
	}
}

func TestStampIgnoresNonIdentityFields(t *testing.T) {
	a := sample()
	b := sample()
	b.DataSource = ohlcv.SourceRESTAPI
	b.NumberOfTrades = 999
	if Stamp(a) != Stamp(b) {
		t.Fatalf("expected hash independent of data source and trade count, matching spec's rest-fill idempotency guarantee")
	}
}

func TestApplySetsSign(t *testing.T) {
	c := Apply(sample())
	if c.Sign != 1 {
		t.Fatalf("expected sign +1, got %d", c.Sign)
	}
	if c.Version == 0 {
		t.Fatalf("expected non-zero version")
	}
}
