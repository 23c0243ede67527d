package modelhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

func newTestHub(t *testing.T, handler http.Handler) *Hub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	h, err := New(Config{
		BaseURL:  srv.URL,
		CacheDir: t.TempDir(),
		Retry:    RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return h
}

func TestNew_RequiresCacheDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFetch_DownloadsAndReportsProgress(t *testing.T) {
	body := strings.Repeat("x", 1000)
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Xenova/yolos-tiny/resolve/main/onnx/model.onnx", r.URL.Path)
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte(body))
	}))

	var events []types.ModelLoadProgress
	dir, err := h.Fetch(context.Background(), "Xenova/yolos-tiny", []string{"onnx/model.onnx"}, func(p types.ModelLoadProgress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "onnx", "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	require.NotEmpty(t, events)
	assert.Equal(t, types.ProgressInitiate, events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, types.ProgressDone, last.Status)
	assert.Equal(t, int64(1000), last.Loaded)
	assert.Equal(t, int64(1000), last.Total)

	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Status.Rank(), events[i-1].Status.Rank(), "status regressed at event %d", i)
	}
	assert.True(t, h.IsCached("Xenova/yolos-tiny", []string{"onnx/model.onnx"}))
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("{}"))
	}))

	ctx := context.Background()
	_, err := h.Fetch(ctx, "m", []string{"config.json"}, nil)
	require.NoError(t, err)

	var events []types.ModelLoadProgress
	_, err = h.Fetch(ctx, "m", []string{"config.json"}, func(p types.ModelLoadProgress) { events = append(events, p) })
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, events, 2)
	assert.Equal(t, types.ProgressDone, events[1].Status)
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	_, err := h.Fetch(context.Background(), "m", []string{"config.json"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))

	_, err := h.Fetch(context.Background(), "missing/model", []string{"config.json"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, h.IsCached("missing/model", []string{"config.json"}))
}

func TestFetch_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := h.Fetch(context.Background(), "m", []string{"config.json"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_CancelledContext(t *testing.T) {
	h := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Fetch(ctx, "m", []string{"config.json"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsCached_NoFiles(t *testing.T) {
	h, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, h.IsCached("m", nil))
}
