package ohlcv

import (
	"testing"
	"time"
)

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Open: 100, High: 110, Low: 95, Close: 105, Volume: 10,
		QuoteAssetVolume:         1000,
		TakerBuyBaseAssetVolume:  5,
		TakerBuyQuoteAssetVolume: 500,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid candle, got %v", err)
	}

	cases := []struct {
		name string
		mut  func(c *Candle)
	}{
		{"high below open", func(c *Candle) { c.High = 50 }},
		{"low above close", func(c *Candle) { c.Low = 1000 }},
		{"negative volume", func(c *Candle) { c.Volume = -1 }},
		{"taker base exceeds volume", func(c *Candle) { c.TakerBuyBaseAssetVolume = 100 }},
		{"taker quote exceeds quote volume", func(c *Candle) { c.TakerBuyQuoteAssetVolume = 10000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected invariant violation")
			} else if !IsKind(err, KindInvariantViolation) {
				t.Fatalf("expected KindInvariantViolation, got %v", err)
			}
		})
	}
}

func TestCloseTimeAligned(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Candle{Timeframe: TF1h, Timestamp: ts, CloseTime: ts.Add(time.Hour - time.Millisecond)}
	if !c.CloseTimeAligned() {
		t.Fatalf("expected aligned close time")
	}
	c.CloseTime = ts.Add(time.Hour)
	if c.CloseTimeAligned() {
		t.Fatalf("expected misaligned close time to be rejected")
	}
}

func TestIntervalAndValidTimeframe(t *testing.T) {
	if !ValidTimeframe(TF1mo) {
		t.Fatalf("1mo should be valid")
	}
	if ValidTimeframe("2mo") {
		t.Fatalf("2mo should not be valid")
	}
	if d, ok := Interval(TF1s); !ok || d != time.Second {
		t.Fatalf("expected 1s interval, got %v ok=%v", d, ok)
	}
	if RESTInterval(TF1mo) != "1M" {
		t.Fatalf("expected REST token 1M for 1mo, got %s", RESTInterval(TF1mo))
	}
	if RESTInterval(TF1h) != "1h" {
		t.Fatalf("expected REST token 1h for 1h, got %s", RESTInterval(TF1h))
	}
}
