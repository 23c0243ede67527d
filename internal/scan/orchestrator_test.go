package scan

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/pantry"
	"github.com/jack-braga/kitchen-sync/internal/settings"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

type detectCall struct {
	threshold float64
	labels    []string
	frame     *types.Frame
}

type fakeInference struct {
	mu         sync.Mutex
	state      inference.State
	loads      []types.ModelIdentity
	calls      []detectCall
	detections []types.Detection
	err        error
	// readyOnLoad makes LoadModel resolve immediately
	readyOnLoad bool
	block       chan struct{}
}

func (f *fakeInference) LoadModel(id types.ModelIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, id)
	f.state = inference.State{IsLoading: true, ModelID: id.ModelID}
	if f.readyOnLoad {
		f.state = inference.State{IsReady: true, ModelID: id.ModelID}
	}
	return nil
}

func (f *fakeInference) Detect(ctx context.Context, frame *types.Frame, threshold float64, labels []string) ([]types.Detection, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, detectCall{threshold: threshold, labels: labels, frame: frame})
	frame.Release()
	return f.detections, f.err
}

func (f *fakeInference) State() inference.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeInference) setReady(modelID string) {
	f.mu.Lock()
	f.state = inference.State{IsReady: true, ModelID: modelID}
	f.mu.Unlock()
}

type fakeCapture struct {
	mode     types.CaptureMode
	frameErr error
	upload   *types.Frame
	live     int
	uploads  int
}

func (f *fakeCapture) Mode() types.CaptureMode { return f.mode }

func (f *fakeCapture) CaptureFrame() (*types.Frame, error) {
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	f.live++
	return types.NewFrame(4, 4), nil
}

func (f *fakeCapture) UploadedFrame() (*types.Frame, error) {
	if f.upload == nil {
		return nil, capture.ErrFrameUnavailable
	}
	f.uploads++
	return f.upload.Clone(), nil
}

func (f *fakeCapture) CaptureFromReader(ctx context.Context, r io.Reader) (*types.Frame, error) {
	fr, err := capture.DecodeFrame(ctx, r)
	if err != nil {
		return nil, err
	}
	f.upload = fr.Clone()
	return fr, nil
}

type staticProbe bool

func (p staticProbe) Online(context.Context) bool { return bool(p) }

type failingSink struct{}

func (failingSink) Add(context.Context, []pantry.Record) error { return errors.New("broker down") }

type metricsRecorder struct {
	mu     sync.Mutex
	counts map[string][]string
}

func (m *metricsRecorder) Timing(string, time.Duration, ...string) {}

func (m *metricsRecorder) Count(name string, v int64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string][]string)
	}
	m.counts[name] = append(m.counts[name], tags...)
}

type harness struct {
	orch     *Orchestrator
	inf      *fakeInference
	cap      *fakeCapture
	settings *settings.Store
	sink     *pantry.MemorySink
	results  []Result
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	st, err := settings.New(settings.Defaults{})
	require.NoError(t, err)

	h := &harness{
		inf:      &fakeInference{readyOnLoad: true},
		cap:      &fakeCapture{mode: types.CaptureLive},
		settings: st,
		sink:     pantry.NewMemorySink(),
	}
	cfg := Config{
		Inference: h.inf,
		Capture:   h.cap,
		Settings:  st,
		Pantry:    h.sink,
		OnResult:  func(r Result) { h.results = append(h.results, r) },
		Now:       func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch, err = New(cfg)
	require.NoError(t, err)
	return h
}

func TestNew_Requires(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	st, _ := settings.New(settings.Defaults{})
	_, err = New(Config{
		Inference: &fakeInference{},
		Capture:   &fakeCapture{},
		Settings:  st,
		Pantry:    pantry.NewMemorySink(),
		Modes:     map[settings.ScanMode]ModeSpec{settings.ModeQuick: {}},
	})
	assert.Error(t, err, "deep mode missing")
}

func TestRunScan_QuickModeHoldsResultsForConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.detections = []types.Detection{
		{Label: "apple", Score: 0.92},
		{Label: "person", Score: 0.88},
		{Label: "pizza", Score: 0.61},
	}

	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	require.Len(t, h.inf.loads, 1)
	assert.Equal(t, "Xenova/yolos-tiny", h.inf.loads[0].ModelID)
	require.Len(t, h.inf.calls, 1)
	assert.Equal(t, 0.5, h.inf.calls[0].threshold)
	assert.Nil(t, h.inf.calls[0].labels, "single-label models get no candidate labels")

	assert.True(t, res.Pending)
	assert.Equal(t, types.CaptureLive, res.Source)
	require.Len(t, res.Items, 3)
	assert.True(t, res.Items[0].Selected)
	assert.Equal(t, "Apple", res.Items[0].DisplayName)
	assert.False(t, res.Items[1].IsFood)
	assert.False(t, res.Items[1].Selected)
	assert.Equal(t, pantry.CategoryBakery, res.Items[2].Category)
	assert.Empty(t, h.sink.Records())
	require.Len(t, h.results, 1)

	pending, ok := h.orch.Pending()
	require.True(t, ok)
	assert.Equal(t, res.ID, pending.ID)
}

func TestRunScan_DeepModeSendsCustomLabels(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.settings.SetScanMode(settings.ModeDeep))
	h.settings.AddLabel("Kimchi")
	h.inf.detections = []types.Detection{{Label: "kimchi", Score: 0.4}}

	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Xenova/owlvit-base-patch32", h.inf.loads[0].ModelID)
	assert.Equal(t, types.TaskOpenVocabulary, h.inf.loads[0].Task)
	call := h.inf.calls[0]
	assert.Equal(t, 0.3, call.threshold)
	assert.Contains(t, call.labels, "kimchi")
	assert.Contains(t, call.labels, "milk carton")

	require.Len(t, res.Items, 1)
	assert.True(t, res.Items[0].IsFood, "custom labels count as food")
	assert.Equal(t, pantry.CategoryOther, res.Items[0].Category)
}

func TestRunScan_ModelLoading(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.readyOnLoad = false

	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrModelLoading)
	assert.True(t, IsTransient(err))
	require.Len(t, h.inf.loads, 1)

	// Still loading: no second request
	_, err = h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrModelLoading)
	assert.Len(t, h.inf.loads, 1)
	assert.Equal(t, 0, h.cap.live, "no frame is taken before the model is ready")

	h.inf.setReady("Xenova/yolos-tiny")
	_, err = h.orch.RunScan(context.Background())
	assert.NoError(t, err)
	assert.Len(t, h.inf.loads, 1)
}

func TestRunScan_ModeSwitchLoadsOtherModel(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.settings.SetScanMode(settings.ModeDeep))
	_, err = h.orch.RunScan(context.Background())
	require.NoError(t, err)

	require.Len(t, h.inf.loads, 2)
	assert.Equal(t, "Xenova/owlvit-base-patch32", h.inf.loads[1].ModelID)
}

func TestRunScan_FailedLoadIsRequestedAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.state = inference.State{Error: "fetch failed", ModelID: "Xenova/yolos-tiny"}

	_, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.inf.loads, 1)
}

func TestRunScan_OfflineNotCached(t *testing.T) {
	cached := false
	h := newHarness(t, func(c *Config) {
		c.Connectivity = staticProbe(false)
		c.Cached = func(types.ModelIdentity) bool { return cached }
	})

	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrOfflineNotCached)
	assert.Empty(t, h.inf.loads)

	cached = true
	_, err = h.orch.RunScan(context.Background())
	assert.NoError(t, err)

	// A ready model scans while offline
	cached = false
	_, err = h.orch.RunScan(context.Background())
	assert.NoError(t, err)
}

func TestRunScan_FallbackUsesUploadedStill(t *testing.T) {
	h := newHarness(t, nil)
	h.cap.mode = types.CaptureFallback

	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.ErrorIs(t, err, capture.ErrFrameUnavailable)

	h.cap.upload = types.NewFrame(8, 8)
	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.CaptureFallback, res.Source)
	assert.Equal(t, 1, h.cap.uploads)
	assert.Equal(t, 0, h.cap.live)
}

func TestRunScan_NoLiveFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.cap.frameErr = capture.ErrFrameUnavailable

	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Empty(t, h.results)
}

func TestRunScan_InProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunScan(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.orch.Status().Scanning }, time.Second, 5*time.Millisecond)
	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(h.inf.block)
	assert.NoError(t, <-done)
	assert.False(t, h.orch.Status().Scanning)
}

func TestRunScan_AutoAdd(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.SetAutoAdd(true)
	h.inf.detections = []types.Detection{
		{Label: "banana", Score: 0.9},
		{Label: "chair", Score: 0.8},
		{Label: "banana", Score: 0.7},
	}

	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, 2, res.AutoAdded)

	recs := h.sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "Banana", r.Name)
		assert.Equal(t, 1, r.Quantity)
		assert.Equal(t, pantry.SourceDetection, r.Source)
		require.NotNil(t, r.ExpiresAt)
	}
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	_, ok := h.orch.Pending()
	assert.False(t, ok)
}

func TestRunScan_AutoAddNothingFound(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.SetAutoAdd(true)
	h.inf.detections = []types.Detection{{Label: "chair", Score: 0.8}}

	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.AutoAdded)
	assert.Equal(t, "No food items detected", res.Message)
	assert.Empty(t, h.sink.Records())
}

func TestRunScan_AutoAddSinkFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Pantry = failingSink{} })
	h.settings.SetAutoAdd(true)
	h.inf.detections = []types.Detection{{Label: "apple", Score: 0.8}}

	_, err := h.orch.RunScan(context.Background())
	assert.Error(t, err)
}

func TestConfirm(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.detections = []types.Detection{
		{Label: "apple", Score: 0.9},
		{Label: "cup", Score: 0.7},
	}
	res, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	_, err = h.orch.Confirm(context.Background(), "other-scan", nil)
	assert.ErrorIs(t, err, ErrNoPendingResults)

	_, err = h.orch.Confirm(context.Background(), res.ID, []Selection{{Index: 5}})
	assert.Error(t, err)

	n, err := h.orch.Confirm(context.Background(), res.ID, []Selection{
		{Index: 0, Quantity: 3},
		{Index: 1, Quantity: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs := h.sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "Apple", recs[0].Name)
	assert.Equal(t, 3, recs[0].Quantity)
	assert.Equal(t, "Cup", recs[1].Name)
	assert.Equal(t, 1, recs[1].Quantity, "quantity is at least one")

	_, err = h.orch.Confirm(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrNoPendingResults)
}

func TestConfirm_DefaultSelection(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.detections = []types.Detection{
		{Label: "person", Score: 0.9},
		{Label: "carrot", Score: 0.7},
	}
	_, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	n, err := h.orch.Confirm(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Carrot", h.sink.Records()[0].Name)
}

func TestDismiss(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.orch.Dismiss(), ErrNoPendingResults)

	_, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.orch.Dismiss())
	_, ok := h.orch.Pending()
	assert.False(t, ok)
}

func TestScanUpload(t *testing.T) {
	h := newHarness(t, nil)
	h.inf.detections = []types.Detection{{Label: "orange", Score: 0.8}}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 4))))

	res, err := h.orch.ScanUpload(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, types.CaptureFallback, res.Source)
	require.Len(t, h.inf.calls, 1)
	assert.True(t, h.inf.calls[0].frame.Released())
	require.NotNil(t, h.cap.upload, "upload kept for later scans")
	assert.Equal(t, 6, h.cap.upload.Width)

	_, err = h.orch.ScanUpload(context.Background(), bytes.NewReader([]byte("not an image")))
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.ErrorIs(t, err, capture.ErrDecode)
}

func TestRunScan_DetectFailureCounted(t *testing.T) {
	m := &metricsRecorder{}
	h := newHarness(t, func(c *Config) { c.Metrics = m })
	h.inf.err = inference.ErrDetectionFailed

	_, err := h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, inference.ErrDetectionFailed)

	_, err = h.orch.RunScan(context.Background())
	assert.Error(t, err)

	h.inf.err = nil
	_, err = h.orch.RunScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"result:error", "result:error", "result:ok"}, m.counts["scan.count"])
}
