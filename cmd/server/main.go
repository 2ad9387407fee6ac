// Command server runs the gin HTTP surface over the unified Query
// Orchestrator and the three Read API shapes (spec §4.8, §4.9). Route
// wiring and graceful-shutdown signal handling follow the teacher's
// cmd/server/main.go; the gRPC/backtest-engine half of that file serves an
// unrelated domain and is dropped (see DESIGN.md).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"klinevault/services/clickhouse"
	"klinevault/services/config"
	"klinevault/services/fetch"
	"klinevault/services/ohlcv"
	"klinevault/services/orchestrator"
	"klinevault/services/restfill"
)

type server struct {
	orch  *orchestrator.Orchestrator
	store *clickhouse.Store
	log   *zap.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := clickhouse.Open(ctx, cfg.ClickHouse)
	if err != nil {
		logger.Fatal("open clickhouse", zap.Error(err))
	}
	defer store.Close()

	fetcher, err := fetch.New(cfg.CacheDir, cfg.ArchiveTimeout, cfg.Retries, logger)
	if err != nil {
		logger.Fatal("init fetcher", zap.Error(err))
	}
	filler := restfill.New(cfg.SpotRESTBaseURL, cfg.FuturesRESTBaseURL, cfg.RESTTimeout, cfg.Retries, logger)

	orch := orchestrator.New(store, fetcher, filler, cfg, logger)
	srv := &server{orch: orch, store: store, log: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), srv.requestID())

	api := router.Group("/api/v1")
	{
		api.GET("/health", srv.handleHealth)
		api.GET("/query", srv.handleQuery)
		api.GET("/range", srv.handleRange)
		api.GET("/latest", srv.handleLatest)
		api.GET("/multi_symbol", srv.handleMultiSymbol)
	}

	httpSrv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		logger.Info("starting http server", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve http", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// requestID mints a per-request correlation id, the way the teacher's
// ExecuteBacktest minted a jobID for every call.
func (s *server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

// handleQuery is the unified entry point (spec §4.8): it calls the
// orchestrator, which ingests missing months and fills sub-monthly gaps on
// demand before returning the deduplicated range.
func (s *server) handleQuery(c *gin.Context) {
	req, err := parseQueryParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, reports, err := s.orch.Query(c.Request.Context(), req)
	if err != nil {
		s.log.Error("query failed", zap.String("request_id", c.GetString("request_id")), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "reports": reports})
}

// handleRange is the plain Read API range shape (spec §4.9): it queries the
// deduplicated view directly, with no ingestion or gap filling triggered.
func (s *server) handleRange(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := ohlcv.Timeframe(c.Query("timeframe"))
	it := instrumentType(c.Query("instrument_type"))
	start, end, err := parseRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.store.Range(c.Request.Context(), symbol, tf, it, start, end)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *server) handleLatest(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := ohlcv.Timeframe(c.Query("timeframe"))
	it := instrumentType(c.Query("instrument_type"))
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
		return
	}
	rows, err := s.store.Latest(c.Request.Context(), symbol, tf, it, n)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *server) handleMultiSymbol(c *gin.Context) {
	symbols := strings.Split(c.Query("symbols"), ",")
	tf := ohlcv.Timeframe(c.Query("timeframe"))
	it := instrumentType(c.Query("instrument_type"))
	start, end, err := parseRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.store.MultiSymbol(c.Request.Context(), symbols, tf, it, start, end)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func instrumentType(raw string) ohlcv.InstrumentType {
	if raw == string(ohlcv.FuturesUM) {
		return ohlcv.FuturesUM
	}
	return ohlcv.Spot
}

// dateLayouts accepts both date formats spec §4.8 step 1 names.
var dateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, ohlcv.Wrap(ohlcv.KindInvalidInput, "invalid date "+s, lastErr)
}

func parseRange(c *gin.Context) (time.Time, time.Time, error) {
	start, err := parseDate(c.Query("start"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDate(c.Query("end"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func parseQueryParams(c *gin.Context) (ohlcv.IngestionRequest, error) {
	start, end, err := parseRange(c)
	if err != nil {
		return ohlcv.IngestionRequest{}, err
	}
	symbolsRaw := c.Query("symbol")
	if symbolsRaw == "" {
		symbolsRaw = c.Query("symbols")
	}
	symbols := strings.Split(symbolsRaw, ",")

	return ohlcv.IngestionRequest{
		Symbols:        symbols,
		Timeframe:      ohlcv.Timeframe(c.Query("timeframe")),
		InstrumentType: instrumentType(c.Query("instrument_type")),
		Start:          start,
		End:            end,
		AutoIngest:     c.DefaultQuery("auto_ingest", "true") == "true",
		FillGaps:       c.DefaultQuery("fill_gaps", "true") == "true",
	}, nil
}

func statusFor(err error) int {
	if ohlcv.IsKind(err, ohlcv.KindInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
