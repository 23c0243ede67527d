// Package modelhub downloads model files into a local cache and reports
// per-file progress while doing so.
package modelhub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

const (
	// DefaultBaseURL is the model hub serving /{model}/resolve/{revision}/{file}
	DefaultBaseURL = "https://huggingface.co"
	// DefaultRevision is the branch files are resolved from
	DefaultRevision = "main"

	// progressStep throttles progress events to one per step of bytes
	progressStep = 256 << 10
)

// Config configures a Hub
type Config struct {
	BaseURL  string
	Revision string
	CacheDir string
	Client   *http.Client
	Retry    RetryConfig
}

// Hub fetches model files
type Hub struct {
	baseURL  string
	revision string
	cacheDir string
	client   *http.Client
	retry    RetryConfig
}

// New creates a hub. CacheDir is required.
func New(cfg Config) (*Hub, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("modelhub: cache dir is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("modelhub: invalid base url: %w", err)
	}
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("modelhub: create cache dir: %w", err)
	}

	return &Hub{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		revision: cfg.Revision,
		cacheDir: cfg.CacheDir,
		client:   cfg.Client,
		retry:    cfg.Retry,
	}, nil
}

// Dir returns the cache directory of a model
func (h *Hub) Dir(modelID string) string {
	return filepath.Join(h.cacheDir, filepath.FromSlash(modelID))
}

// IsCached reports whether every file of the model is present locally
func (h *Hub) IsCached(modelID string, files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(h.path(modelID, f)); err != nil {
			return false
		}
	}
	return len(files) > 0
}

// Fetch makes every file of the model available locally and returns the
// model directory. progress receives initiate, download, progress and done
// events per file; a file's status never moves backwards, including across
// retries. Files already cached report initiate then done.
func (h *Hub) Fetch(ctx context.Context, modelID string, files []string, progress func(types.ModelLoadProgress)) (string, error) {
	if progress == nil {
		progress = func(types.ModelLoadProgress) {}
	}
	for _, f := range files {
		if err := h.fetchFile(ctx, modelID, f, progress); err != nil {
			return "", err
		}
	}
	return h.Dir(modelID), nil
}

func (h *Hub) fetchFile(ctx context.Context, modelID, file string, progress func(types.ModelLoadProgress)) error {
	dst := h.path(modelID, file)
	progress(types.ModelLoadProgress{File: file, Status: types.ProgressInitiate})

	if st, err := os.Stat(dst); err == nil {
		slog.Debug("modelhub: cache hit", "model_id", modelID, "file", file)
		progress(types.ModelLoadProgress{File: file, Status: types.ProgressDone, Progress: 100, Loaded: st.Size(), Total: st.Size()})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("modelhub: create model dir: %w", err)
	}

	started := time.Now()
	announced := false
	var size int64
	err := runWithRetry(ctx, h.retry, modelID+"/"+file, func(ctx context.Context, attempt int) error {
		n, err := h.download(ctx, modelID, file, dst, func(p types.ModelLoadProgress) {
			if p.Status == types.ProgressDownload {
				if announced {
					return
				}
				announced = true
			}
			progress(p)
		})
		size = n
		return err
	})
	if err != nil {
		return fmt.Errorf("modelhub: fetch %s/%s: %w", modelID, file, err)
	}

	slog.Info("modelhub: file downloaded",
		"model_id", modelID,
		"file", file,
		"bytes", size,
		"duration", time.Since(started),
	)
	progress(types.ModelLoadProgress{File: file, Status: types.ProgressDone, Progress: 100, Loaded: size, Total: size})
	return nil
}

func (h *Hub) download(ctx context.Context, modelID, file, dst string, progress func(types.ModelLoadProgress)) (int64, error) {
	src := fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, modelID, h.revision, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, permanent(err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return 0, permanent(fmt.Errorf("%s: %s", src, resp.Status))
	default:
		return 0, fmt.Errorf("%s: %s", src, resp.Status)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	progress(types.ModelLoadProgress{File: file, Status: types.ProgressDownload, Total: total})

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, permanent(fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	pw := &progressWriter{file: file, total: total, emit: progress}
	n, copyErr := io.Copy(io.MultiWriter(tmp, pw), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return n, fmt.Errorf("download body: %w", copyErr)
	}
	if closeErr != nil {
		return n, permanent(closeErr)
	}
	if total > 0 && n != total {
		return n, fmt.Errorf("short download: %d of %d bytes", n, total)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return n, permanent(fmt.Errorf("install file: %w", err))
	}
	return n, nil
}

func (h *Hub) path(modelID, file string) string {
	return filepath.Join(h.Dir(modelID), filepath.FromSlash(file))
}

// progressWriter emits throttled progress events as bytes flow through
type progressWriter struct {
	file     string
	total    int64
	loaded   int64
	lastEmit int64
	emit     func(types.ModelLoadProgress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.loaded += int64(len(b))
	if p.loaded-p.lastEmit >= progressStep || (p.total > 0 && p.loaded == p.total) {
		p.lastEmit = p.loaded
		var pct float64
		if p.total > 0 {
			pct = float64(p.loaded) / float64(p.total) * 100
		}
		p.emit(types.ModelLoadProgress{
			File:     p.file,
			Status:   types.ProgressProgress,
			Progress: pct,
			Loaded:   p.loaded,
			Total:    p.total,
		})
	}
	return len(b), nil
}
