// Package arrowpipeline is the Archive Decoder's typed columnar table (spec
// §4.3): the 11 normalized OHLCV columns plus identity/provenance tags,
// carried as a real Arrow record rather than a slice of structs, so the
// decode/version/load boundary has an explicit columnar schema the way a
// "columnar analytic store" warrants. Schema and builder plumbing are
// adapted from the teacher's IPC-to-Rust pipeline (pipeline.go); the
// streaming and Rust-bridge half of that file is gone, see DESIGN.md.
package arrowpipeline

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"klinevault/services/ohlcv"
)

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Schema is the canonical in-memory layout for one decoded archive's worth
// of candles, mirroring the persisted column order (spec §6.1) minus the
// merge metadata, which the versioner appends downstream.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timeframe", Type: arrow.BinaryTypes.String},
	{Name: "instrument_type", Type: arrow.BinaryTypes.String},
	{Name: "data_source", Type: arrow.BinaryTypes.String},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close_time", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "quote_asset_volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "number_of_trades", Type: arrow.PrimitiveTypes.Int64},
	{Name: "taker_buy_base_asset_volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "taker_buy_quote_asset_volume", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Table wraps one arrow.Record with the logger it was built with, so
// callers can release it deterministically.
type Table struct {
	Record arrow.Record
	log    *zap.Logger
}

// Build converts a decoded candle slice into an Arrow record batch. The
// caller owns the returned Table and must call Release when done with it.
func Build(candles []ohlcv.Candle, log *zap.Logger) (*Table, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("arrowpipeline: no candles to convert")
	}

	pool := memory.NewGoAllocator()
	tsB := array.NewTimestampBuilder(pool, arrow.FixedWidthTypes.Timestamp_ms.(*arrow.TimestampType))
	symB := array.NewStringBuilder(pool)
	tfB := array.NewStringBuilder(pool)
	itB := array.NewStringBuilder(pool)
	dsB := array.NewStringBuilder(pool)
	openB := array.NewFloat64Builder(pool)
	highB := array.NewFloat64Builder(pool)
	lowB := array.NewFloat64Builder(pool)
	closeB := array.NewFloat64Builder(pool)
	volB := array.NewFloat64Builder(pool)
	closeTsB := array.NewTimestampBuilder(pool, arrow.FixedWidthTypes.Timestamp_ms.(*arrow.TimestampType))
	quoteVolB := array.NewFloat64Builder(pool)
	tradesB := array.NewInt64Builder(pool)
	takerBaseB := array.NewFloat64Builder(pool)
	takerQuoteB := array.NewFloat64Builder(pool)

	for _, c := range candles {
		tsB.Append(arrow.Timestamp(c.Timestamp.UnixMilli()))
		symB.Append(c.Symbol)
		tfB.Append(string(c.Timeframe))
		itB.Append(string(c.InstrumentType))
		dsB.Append(string(c.DataSource))
		openB.Append(c.Open)
		highB.Append(c.High)
		lowB.Append(c.Low)
		closeB.Append(c.Close)
		volB.Append(c.Volume)
		closeTsB.Append(arrow.Timestamp(c.CloseTime.UnixMilli()))
		quoteVolB.Append(c.QuoteAssetVolume)
		tradesB.Append(c.NumberOfTrades)
		takerBaseB.Append(c.TakerBuyBaseAssetVolume)
		takerQuoteB.Append(c.TakerBuyQuoteAssetVolume)
	}

	cols := []arrow.Array{
		tsB.NewArray(), symB.NewArray(), tfB.NewArray(), itB.NewArray(), dsB.NewArray(),
		openB.NewArray(), highB.NewArray(), lowB.NewArray(), closeB.NewArray(), volB.NewArray(),
		closeTsB.NewArray(), quoteVolB.NewArray(), tradesB.NewArray(), takerBaseB.NewArray(), takerQuoteB.NewArray(),
	}
	for _, c := range cols {
		defer c.Release()
	}

	record := array.NewRecord(Schema, cols, int64(len(candles)))
	log.Debug("built arrow table", zap.Int("rows", len(candles)))
	return &Table{Record: record, log: log}, nil
}

// ToCandles reconstructs the candle slice from the record, restoring the
// fields the versioner and loader need. Used by callers that received a
// Table across a boundary (e.g. a cached intermediate) and must re-derive
// the typed rows.
func (t *Table) ToCandles() ([]ohlcv.Candle, error) {
	rec := t.Record
	n := int(rec.NumRows())
	out := make([]ohlcv.Candle, n)

	ts := rec.Column(0).(*array.Timestamp)
	sym := rec.Column(1).(*array.String)
	tf := rec.Column(2).(*array.String)
	it := rec.Column(3).(*array.String)
	ds := rec.Column(4).(*array.String)
	open := rec.Column(5).(*array.Float64)
	high := rec.Column(6).(*array.Float64)
	low := rec.Column(7).(*array.Float64)
	closeCol := rec.Column(8).(*array.Float64)
	vol := rec.Column(9).(*array.Float64)
	closeTs := rec.Column(10).(*array.Timestamp)
	quoteVol := rec.Column(11).(*array.Float64)
	trades := rec.Column(12).(*array.Int64)
	takerBase := rec.Column(13).(*array.Float64)
	takerQuote := rec.Column(14).(*array.Float64)

	for i := 0; i < n; i++ {
		out[i] = ohlcv.Candle{
			Timestamp:                msToTime(int64(ts.Value(i))),
			Symbol:                   sym.Value(i),
			Timeframe:                ohlcv.Timeframe(tf.Value(i)),
			InstrumentType:           ohlcv.InstrumentType(it.Value(i)),
			DataSource:               ohlcv.DataSource(ds.Value(i)),
			Open:                     open.Value(i),
			High:                     high.Value(i),
			Low:                      low.Value(i),
			Close:                    closeCol.Value(i),
			Volume:                   vol.Value(i),
			CloseTime:                msToTime(int64(closeTs.Value(i))),
			QuoteAssetVolume:         quoteVol.Value(i),
			NumberOfTrades:           trades.Value(i),
			TakerBuyBaseAssetVolume:  takerBase.Value(i),
			TakerBuyQuoteAssetVolume: takerQuote.Value(i),
		}
	}
	return out, nil
}

// Release frees the underlying Arrow buffers.
func (t *Table) Release() {
	if t.Record != nil {
		t.Record.Release()
	}
}

// Versioned carries a decoded candle batch through the Arrow table before
// versioning, so the decode/version/load boundary actually passes through a
// columnar record instead of just a slice of structs: Build converts the
// decoder's output into a Table, ToCandles reconstructs the typed rows from
// it, and Apply stamps each with its deterministic version. An empty input
// skips the round trip, since Build rejects it.
func Versioned(candles []ohlcv.Candle, applyVersion func(ohlcv.Candle) ohlcv.Candle, log *zap.Logger) ([]ohlcv.Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}
	table, err := Build(candles, log)
	if err != nil {
		return nil, err
	}
	defer table.Release()

	restored, err := table.ToCandles()
	if err != nil {
		return nil, err
	}
	out := make([]ohlcv.Candle, len(restored))
	for i, c := range restored {
		out[i] = applyVersion(c)
	}
	return out, nil
}
