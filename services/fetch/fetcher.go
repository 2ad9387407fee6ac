// Package fetch is the Conditional Fetcher (spec §4.2): it downloads
// archives concurrently, bounded by a semaphore, caching per-URL entity
// tags so an unchanged remote file costs zero bytes on re-fetch. The retry
// loop is grounded on the teacher's downloadToFile helper
// (5m_from_binacne.go), generalized to honor ETags and a structured error
// taxonomy instead of a bare error string.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"klinevault/services/ohlcv"
)

// Result is what the fetcher returns for one task: either the archive bytes
// (fresh or from cache) or a structured error. A nil Result with a non-nil
// error never occurs; failed tasks are reported per-task, not via panic.
type Result struct {
	Task  ohlcv.DownloadTask
	Bytes []byte
	// FromCache is true when a 304 Not Modified served the local copy.
	FromCache bool
	Err       error
}

// Fetcher downloads archives with conditional GET and bounded retries.
type Fetcher struct {
	client    *http.Client
	cache     *EtagCache
	cacheDir  string
	retries   int
	userAgent string
	log       *zap.Logger
}

// New builds a Fetcher that caches entity tags and archives under cacheDir.
func New(cacheDir string, timeout time.Duration, retries int, log *zap.Logger) (*Fetcher, error) {
	cache := NewEtagCache(filepath.Join(cacheDir, "etags.json"))
	if err := cache.Load(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cacheDir, "zips"), 0o755); err != nil {
		return nil, ohlcv.Wrap(ohlcv.KindStoreFailure, "create archive cache dir", err)
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		cache:     cache,
		cacheDir:  cacheDir,
		retries:   retries,
		userAgent: "klinevault-fetcher/1.0",
		log:       log,
	}, nil
}

// FetchAll runs tasks through FetchOne with concurrency bounded to c,
// preserving the input order in the returned slice (spec §4.1 batching,
// §4.2 "Task + semaphore" concurrency model).
func (f *Fetcher) FetchAll(ctx context.Context, tasks []ohlcv.DownloadTask, c int) []Result {
	if c <= 0 {
		c = 1
	}
	results := make([]Result, len(tasks))
	sem := make(chan struct{}, c)
	done := make(chan struct{})
	remaining := len(tasks)
	if remaining == 0 {
		return results
	}
	for i, task := range tasks {
		i, task := i, task
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			results[i] = f.FetchOne(ctx, task)
		}()
	}
	for n := 0; n < remaining; n++ {
		<-done
	}
	return results
}

// FetchOne runs the cache protocol from spec §4.2 for a single task.
func (f *Fetcher) FetchOne(ctx context.Context, task ohlcv.DownloadTask) Result {
	archivePath := f.archivePath(task.URL)

	tag, hasTag := f.cache.Get(task.URL)
	_, statErr := os.Stat(archivePath)
	hasLocal := statErr == nil

	var ifNoneMatch string
	if hasTag && hasLocal {
		ifNoneMatch = tag.ETag
	}

	body, status, newTag, err := f.doWithRetries(ctx, task.URL, ifNoneMatch)
	if err != nil {
		return Result{Task: task, Err: err}
	}

	switch status {
	case http.StatusNotModified:
		if !hasLocal {
			// Tag says unchanged but the archive vanished; invalidate and
			// retry unconditionally, per spec §4.2 step 5.
			_ = f.cache.Invalidate(task.URL)
			body, status, newTag, err = f.doWithRetries(ctx, task.URL, "")
			if err != nil {
				return Result{Task: task, Err: err}
			}
			if status != http.StatusOK {
				return Result{Task: task, Err: statusError(task.URL, status)}
			}
			return f.persist(task, archivePath, body, newTag)
		}
		data, err := os.ReadFile(archivePath)
		if err != nil {
			return Result{Task: task, Err: ohlcv.Wrap(ohlcv.KindStoreFailure, "read cached archive", err)}
		}
		return Result{Task: task, Bytes: data, FromCache: true}

	case http.StatusOK:
		return f.persist(task, archivePath, body, newTag)

	case http.StatusNotFound:
		f.log.Warn("archive not found, dropping task", zap.String("url", task.URL))
		return Result{Task: task, Err: ohlcv.NewError(ohlcv.KindSourceUnavailable, "archive not found").WithURL(task.URL)}

	default:
		return Result{Task: task, Err: statusError(task.URL, status)}
	}
}

func (f *Fetcher) persist(task ohlcv.DownloadTask, archivePath string, body []byte, tag ohlcv.EntityTag) Result {
	if err := writeFileAtomic(archivePath, body); err != nil {
		return Result{Task: task, Err: err}
	}
	tag.URL = task.URL
	tag.LastCheckedUTC = time.Now().UTC()
	tag.ContentLength = int64(len(body))
	if err := f.cache.Put(tag); err != nil {
		return Result{Task: task, Err: err}
	}
	return Result{Task: task, Bytes: body}
}

// doWithRetries issues a GET with retries R (spec §4.2): geometric backoff
// starting at 1s, doubling each attempt. Retryable: network errors,
// timeouts, 5xx. Non-retryable: 4xx except 429.
func (f *Fetcher) doWithRetries(ctx context.Context, rawURL, ifNoneMatch string) ([]byte, int, ohlcv.EntityTag, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= f.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, ohlcv.EntityTag{}, ohlcv.Wrap(ohlcv.KindInvalidInput, "build request", err)
		}
		req.Header.Set("User-Agent", f.userAgent)
		if ifNoneMatch != "" {
			req.Header.Set("If-None-Match", ifNoneMatch)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < f.retries {
				time.Sleep(backoff)
				backoff *= 2
			}
			continue
		}

		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			return nil, resp.StatusCode, ohlcv.EntityTag{ETag: ifNoneMatch}, nil
		}
		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				lastErr = err
				if attempt < f.retries {
					time.Sleep(backoff)
					backoff *= 2
				}
				continue
			}
			return data, resp.StatusCode, ohlcv.EntityTag{ETag: resp.Header.Get("ETag")}, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, resp.StatusCode, ohlcv.EntityTag{}, nil
		}

		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		status := resp.StatusCode
		resp.Body.Close()
		if !retryable {
			return nil, status, ohlcv.EntityTag{}, nil
		}
		lastErr = fmt.Errorf("http %d", status)
		if attempt < f.retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, 0, ohlcv.EntityTag{}, ohlcv.WrapTransport(rawURL, f.retries, lastErr)
}

func statusError(rawURL string, status int) error {
	return ohlcv.NewError(ohlcv.KindTransport, fmt.Sprintf("unexpected status %d", status)).WithURL(rawURL)
}

func (f *Fetcher) archivePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	base := filepath.Base(rawURL)
	if err == nil {
		base = filepath.Base(u.Path)
	}
	return filepath.Join(f.cacheDir, "zips", base)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create archive dir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.tmp")
	if err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create temp archive file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "write temp archive file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "close temp archive file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "rename temp archive file", err)
	}
	return nil
}
