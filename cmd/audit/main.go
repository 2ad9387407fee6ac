// Command audit runs the nightly data-quality sweep: missing-minute check,
// duplicate check, and freshness check, for a configurable symbol/timeframe
// universe. It is the klinevault analog of the teacher's nightly_audit and
// parity_checker commands, folded into one CLI because all three checks are
// peacetime uses of the same Gap Detector this spec already requires: the
// missing-minute check is DetectGaps itself, the duplicate check is a
// pre-merge collision count, and the freshness check compares the latest
// stored candle to now. Report formatting follows the teacher's
// generateAuditReport layout (plain section-per-check text report), with the
// Python-style "="*80 divider the teacher wrote replaced by strings.Repeat.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"klinevault/services/clickhouse"
	"klinevault/services/config"
	"klinevault/services/ohlcv"
)

// universeEntry is one symbol/timeframe/instrument-type combination swept by
// a single audit run.
type universeEntry struct {
	Symbol         string
	Timeframe      ohlcv.Timeframe
	InstrumentType ohlcv.InstrumentType
}

// checkResult mirrors the teacher's per-check pass/fail/detail shape.
type checkResult struct {
	Name   string
	Passed bool
	Detail string
}

func main() {
	symbols := flag.String("symbols", "BTCUSDT,ETHUSDT", "comma-separated symbols to audit")
	timeframe := flag.String("timeframe", "1m", "timeframe to audit")
	instrumentType := flag.String("instrument-type", "spot", "spot or futures-um")
	lookback := flag.Duration("lookback", 24*time.Hour, "how far back from now to audit")
	staleAfter := flag.Duration("stale-after", 10*time.Minute, "freshness threshold: how far behind now counts as stale")
	reportPath := flag.String("report", "", "optional path to write the text report; stdout if empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	it := ohlcv.Spot
	if *instrumentType == string(ohlcv.FuturesUM) {
		it = ohlcv.FuturesUM
	}
	tf := ohlcv.Timeframe(*timeframe)
	if !ohlcv.ValidTimeframe(tf) {
		logger.Fatal("unsupported timeframe", zap.String("timeframe", *timeframe))
	}

	var universe []universeEntry
	for _, s := range strings.Split(*symbols, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		universe = append(universe, universeEntry{Symbol: s, Timeframe: tf, InstrumentType: it})
	}
	if len(universe) == 0 {
		logger.Fatal("no symbols to audit")
	}

	store, err := clickhouse.Open(ctx, cfg.ClickHouse)
	if err != nil {
		logger.Fatal("open clickhouse", zap.Error(err))
	}
	defer store.Close()

	now := time.Now().UTC()
	start := now.Add(-*lookback)

	var report strings.Builder
	report.WriteString(strings.Repeat("=", 80) + "\n")
	report.WriteString(fmt.Sprintf("klinevault nightly audit - %s\n", now.Format(time.RFC3339)))
	report.WriteString(strings.Repeat("=", 80) + "\n\n")

	var failures int
	for _, entry := range universe {
		if err := ctx.Err(); err != nil {
			logger.Warn("cancelled, stopping before next symbol")
			break
		}
		results := runChecks(ctx, store, entry, start, now, *staleAfter, logger)
		report.WriteString(fmt.Sprintf("%s %s %s\n", entry.Symbol, entry.Timeframe, entry.InstrumentType))
		report.WriteString(strings.Repeat("-", 40) + "\n")
		for _, r := range results {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
				failures++
			}
			report.WriteString(fmt.Sprintf("[%s] %-18s %s\n", status, r.Name, r.Detail))
		}
		report.WriteString("\n")
	}

	if failures > 0 {
		report.WriteString(fmt.Sprintf("%d check(s) failed\n", failures))
	} else {
		report.WriteString("all checks passed\n")
	}

	if *reportPath != "" {
		if err := os.WriteFile(*reportPath, []byte(report.String()), 0o644); err != nil {
			logger.Error("write report", zap.String("path", *reportPath), zap.Error(err))
		}
	} else {
		fmt.Print(report.String())
	}

	logger.Info("audit complete", zap.Int("entries", len(universe)), zap.Int("failed_checks", failures))
	if failures > 0 {
		os.Exit(1)
	}
}

// runChecks runs the missing-minute, duplicate, and freshness checks for one
// universe entry, each tolerant of its own query failure so one broken check
// does not abort the others (same skip-don't-abort posture as the
// orchestrator's per-month and per-gap handling).
func runChecks(ctx context.Context, store *clickhouse.Store, entry universeEntry, start, now time.Time, staleAfter time.Duration, logger *zap.Logger) []checkResult {
	return []checkResult{
		missingMinuteCheck(ctx, store, entry, start, now, logger),
		duplicateCheck(ctx, store, entry, start, now, logger),
		freshnessCheck(ctx, store, entry, now, staleAfter, logger),
	}
}

// missingMinuteCheck is the Gap Detector (spec §4.6) run over the lookback
// window; any detected gap fails the check, mirroring the teacher's
// runMissingMinuteCheck against find_missing_1m.
func missingMinuteCheck(ctx context.Context, store *clickhouse.Store, entry universeEntry, start, now time.Time, logger *zap.Logger) checkResult {
	gaps, err := store.DetectGaps(ctx, entry.Symbol, entry.Timeframe, entry.InstrumentType, start, now)
	if err != nil {
		logger.Warn("missing-minute check query failed", zap.String("symbol", entry.Symbol), zap.Error(err))
		return checkResult{Name: "missing_minute", Passed: false, Detail: "query failed: " + err.Error()}
	}
	if len(gaps) == 0 {
		return checkResult{Name: "missing_minute", Passed: true, Detail: "no gaps in window"}
	}
	var missing int64
	for _, g := range gaps {
		missing += g.ExpectedBars
	}
	return checkResult{Name: "missing_minute", Passed: false, Detail: fmt.Sprintf("%d gap(s), %d bar(s) missing", len(gaps), missing)}
}

// duplicateCheck fails only when duplicates persist; a nonzero count by
// itself is the normal pre-merge state and not reported as a failure unless
// it clears zero, which the caller can tighten by re-running later.
func duplicateCheck(ctx context.Context, store *clickhouse.Store, entry universeEntry, start, now time.Time, logger *zap.Logger) checkResult {
	n, err := store.DuplicateCount(ctx, entry.Symbol, entry.Timeframe, entry.InstrumentType, start, now)
	if err != nil {
		logger.Warn("duplicate check query failed", zap.String("symbol", entry.Symbol), zap.Error(err))
		return checkResult{Name: "duplicates", Passed: false, Detail: "query failed: " + err.Error()}
	}
	if n == 0 {
		return checkResult{Name: "duplicates", Passed: true, Detail: "0 unmerged duplicate keys"}
	}
	return checkResult{Name: "duplicates", Passed: false, Detail: fmt.Sprintf("%d unmerged duplicate key(s)", n)}
}

// freshnessCheck compares the latest stored candle to now; a symbol with no
// rows at all is reported distinctly from one that has simply gone stale.
func freshnessCheck(ctx context.Context, store *clickhouse.Store, entry universeEntry, now time.Time, staleAfter time.Duration, logger *zap.Logger) checkResult {
	last, ok, err := store.LastIngested(ctx, entry.Symbol, entry.Timeframe, entry.InstrumentType)
	if err != nil {
		logger.Warn("freshness check query failed", zap.String("symbol", entry.Symbol), zap.Error(err))
		return checkResult{Name: "freshness", Passed: false, Detail: "query failed: " + err.Error()}
	}
	if !ok {
		return checkResult{Name: "freshness", Passed: false, Detail: "no rows ingested yet"}
	}
	age := now.Sub(last)
	if age > staleAfter {
		return checkResult{Name: "freshness", Passed: false, Detail: fmt.Sprintf("last candle %s old (threshold %s)", age.Round(time.Second), staleAfter)}
	}
	return checkResult{Name: "freshness", Passed: true, Detail: fmt.Sprintf("last candle %s old", age.Round(time.Second))}
}
