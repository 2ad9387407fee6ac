// Package config builds the process-wide configuration record described in
// spec §6.3: one Config built once at entry, threaded down explicitly,
// never read from a package-level global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ClickHouse holds the store connection target.
type ClickHouse struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

func (c ClickHouse) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Config is the single record threaded into the orchestrator, fetcher, and
// loader; env vars override the defaults in Load.
type Config struct {
	ClickHouse ClickHouse

	// DailyLookback is the window W from spec §4.1: epochs ending at or
	// before now-W use monthly archives, after it use daily archives.
	DailyLookback time.Duration

	// Concurrency is C, the max parallel archive downloads (spec §4.1/§5).
	Concurrency int

	// Retries is R, attempts per HTTP request (spec §4.2/§4.7).
	Retries int

	ArchiveTimeout time.Duration
	RESTTimeout    time.Duration

	// CacheDir holds etags.json and the zips/ archive cache (spec §6.4).
	CacheDir string

	CDNBaseURL         string
	SpotRESTBaseURL    string
	FuturesRESTBaseURL string
}

const appID = "klinevault"

// Load builds a Config from defaults overridden by environment variables.
// It loads a `.env` file if present (ignoring its absence) before reading
// os.Getenv, the way the pack's gateway and datacollector services do at
// process entry. Invalid values fail fast with a descriptive error.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	home, _ := os.UserHomeDir()
	defaultCache := fmt.Sprintf("%s/.cache/%s", home, appID)

	cfg := &Config{
		ClickHouse: ClickHouse{
			Host:     getenv("KLINEVAULT_CH_HOST", "localhost"),
			Database: getenv("KLINEVAULT_CH_DATABASE", "default"),
			User:     getenv("KLINEVAULT_CH_USER", "default"),
			Password: getenv("KLINEVAULT_CH_PASSWORD", ""),
		},
		DailyLookback:      30 * 24 * time.Hour,
		Concurrency:        13,
		Retries:            3,
		ArchiveTimeout:     30 * time.Second,
		RESTTimeout:        30 * time.Second,
		CacheDir:           getenv("KLINEVAULT_CACHE_DIR", defaultCache),
		CDNBaseURL:         getenv("KLINEVAULT_CDN_BASE_URL", "https://data.binance.vision"),
		SpotRESTBaseURL:    getenv("KLINEVAULT_SPOT_REST_BASE_URL", "https://api.binance.com"),
		FuturesRESTBaseURL: getenv("KLINEVAULT_FUTURES_REST_BASE_URL", "https://fapi.binance.com"),
	}

	port, err := getenvInt("KLINEVAULT_CH_PORT", 8123)
	if err != nil {
		return nil, err
	}
	cfg.ClickHouse.Port = port

	if v := strings.TrimSpace(os.Getenv("KLINEVAULT_DAILY_LOOKBACK_DAYS")); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("invalid KLINEVAULT_DAILY_LOOKBACK_DAYS %q: must be a positive integer", v)
		}
		cfg.DailyLookback = time.Duration(days) * 24 * time.Hour
	}

	if c, err := getenvInt("KLINEVAULT_CONCURRENCY", cfg.Concurrency); err != nil {
		return nil, err
	} else if c <= 0 {
		return nil, fmt.Errorf("KLINEVAULT_CONCURRENCY must be positive, got %d", c)
	} else {
		cfg.Concurrency = c
	}

	if r, err := getenvInt("KLINEVAULT_RETRIES", cfg.Retries); err != nil {
		return nil, err
	} else if r <= 0 {
		return nil, fmt.Errorf("KLINEVAULT_RETRIES must be positive, got %d", r)
	} else {
		cfg.Retries = r
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
