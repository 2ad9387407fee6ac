package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"klinevault/services/ohlcv"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	dir := t.TempDir()
	f, err := New(dir, 0, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestFetchOneFreshDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	task := ohlcv.DownloadTask{URL: srv.URL + "/BTCUSDT-1m-2024-01.zip"}
	res := f.FetchOne(context.Background(), task)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.FromCache {
		t.Fatalf("expected fresh download, not cache hit")
	}
	if string(res.Bytes) != "payload" {
		t.Fatalf("unexpected body: %q", res.Bytes)
	}

	tag, ok := f.cache.Get(task.URL)
	if !ok || tag.ETag != `"abc123"` {
		t.Fatalf("expected etag to be cached, got %+v ok=%v", tag, ok)
	}
}

func TestFetchOneNotModifiedServesCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"fixed"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"fixed"`)
		w.Write([]byte("original-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	task := ohlcv.DownloadTask{URL: srv.URL + "/x.zip"}

	first := f.FetchOne(context.Background(), task)
	if first.Err != nil || first.FromCache {
		t.Fatalf("expected first fetch to be fresh: %+v", first)
	}

	second := f.FetchOne(context.Background(), task)
	if second.Err != nil {
		t.Fatalf("unexpected error: %v", second.Err)
	}
	if !second.FromCache {
		t.Fatalf("expected second fetch to be served from cache")
	}
	if string(second.Bytes) != "original-bytes" {
		t.Fatalf("unexpected cached body: %q", second.Bytes)
	}
	if hits != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", hits)
	}
}

func TestFetchOneNotFoundIsSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	task := ohlcv.DownloadTask{URL: srv.URL + "/BTCUSDT-1m-2099-01.zip"}
	res := f.FetchOne(context.Background(), task)
	if !ohlcv.IsKind(res.Err, ohlcv.KindSourceUnavailable) {
		t.Fatalf("expected KindSourceUnavailable, got %v", res.Err)
	}
}

func TestFetchOneRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	task := ohlcv.DownloadTask{URL: srv.URL + "/x.zip"}
	res := f.FetchOne(context.Background(), task)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestFetchAllPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	tasks := []ohlcv.DownloadTask{
		{URL: srv.URL + "/a.zip"},
		{URL: srv.URL + "/b.zip"},
		{URL: srv.URL + "/c.zip"},
	}
	results := f.FetchAll(context.Background(), tasks, 2)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
		if string(r.Bytes) != tasks[i].URL[len(srv.URL):] {
			t.Fatalf("result %d out of order: got %q", i, r.Bytes)
		}
	}
}

func TestEtagCacheCorruptedFileRecreatedEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etags.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	c := NewEtagCache(path)
	if err := c.Load(); err != nil {
		t.Fatalf("Load should recover from corruption, got %v", err)
	}
	if _, ok := c.Get("anything"); ok {
		t.Fatalf("expected empty cache after corruption recovery")
	}
}
