// Package version computes the deterministic merge-version stamp every
// candle carries (spec §4.4): a 64-bit hash over the row's identity and
// OHLCV fields, built the way the teacher's data_ingest row-hash builder
// concatenates fields before hashing, but with SHA-256 and exact decimal
// formatting so the result is portable across re-implementations.
package version

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"klinevault/services/ohlcv"
)

// Stamp computes _version for c and returns the value; it does not mutate c.
func Stamp(c ohlcv.Candle) uint64 {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(c.Timestamp.UnixMilli(), 10))
	b.WriteByte('|')
	writeDecimal(&b, c.Open)
	b.WriteByte('|')
	writeDecimal(&b, c.High)
	b.WriteByte('|')
	writeDecimal(&b, c.Low)
	b.WriteByte('|')
	writeDecimal(&b, c.Close)
	b.WriteByte('|')
	writeDecimal(&b, c.Volume)
	b.WriteByte('|')
	b.WriteString(c.Symbol)
	b.WriteByte('|')
	b.WriteString(string(c.Timeframe))
	b.WriteByte('|')
	b.WriteString(string(c.InstrumentType))

	sum := sha256.Sum256([]byte(b.String()))
	return binary.BigEndian.Uint64(sum[0:8])
}

// writeDecimal renders f in the canonical textual form the hash requires:
// exact decimal, no trailing zeros beyond source precision, no exponent
// notation. decimal.NewFromFloat round-trips float64 via its shortest
// decimal representation, matching what the CSV/REST sources actually sent.
func writeDecimal(b *strings.Builder, f float64) {
	b.WriteString(decimal.NewFromFloat(f).String())
}

// Apply stamps c and returns a copy with Version and Sign set, ready for the
// bulk loader. Sign is always +1 for live rows (spec §3.1).
func Apply(c ohlcv.Candle) ohlcv.Candle {
	c.Version = Stamp(c)
	c.Sign = 1
	return c
}
