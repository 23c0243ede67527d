// Package scan runs a scan end to end: it makes sure the model for the
// current scan mode is loaded, takes a frame from the capture session, runs
// detection, and either adds the food it found to the pantry or holds the
// results for the user to confirm.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/pantry"
	"github.com/jack-braga/kitchen-sync/internal/settings"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Inference is the part of the inference client a scan needs
type Inference interface {
	LoadModel(id types.ModelIdentity) error
	Detect(ctx context.Context, frame *types.Frame, threshold float64, candidateLabels []string) ([]types.Detection, error)
	State() inference.State
}

// Capture is the part of the capture controller a scan needs
type Capture interface {
	Mode() types.CaptureMode
	CaptureFrame() (*types.Frame, error)
	UploadedFrame() (*types.Frame, error)
	CaptureFromReader(ctx context.Context, r io.Reader) (*types.Frame, error)
}

// Connectivity tells whether model files can be downloaded
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Metrics receives scan timings. telemetry.Client satisfies it.
type Metrics interface {
	Timing(name string, d time.Duration, tags ...string)
	Count(name string, v int64, tags ...string)
}

// Config configures an Orchestrator
type Config struct {
	Inference Inference
	Capture   Capture
	Settings  *settings.Store
	Pantry    pantry.Sink
	// Modes defaults to DefaultModes
	Modes map[settings.ScanMode]ModeSpec
	// Connectivity defaults to always online
	Connectivity Connectivity
	// Cached reports whether a model's files are in the local cache
	Cached func(id types.ModelIdentity) bool
	// OnResult is called with every completed scan
	OnResult func(Result)
	Metrics  Metrics
	// Now is the clock used for record timestamps
	Now func() time.Time
}

// Item is one detection of a scan
type Item struct {
	types.Detection
	pantry.FoodInfo
	IsFood bool `json:"is_food"`
	// Selected is the default choice offered for confirmation
	Selected bool `json:"selected"`
}

// Result is a completed scan
type Result struct {
	ID        string            `json:"id"`
	Mode      settings.ScanMode `json:"mode"`
	ModelID   string            `json:"model_id"`
	Source    types.CaptureMode `json:"source"`
	Items     []Item            `json:"items"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`

	// AutoAdded counts records sent to the pantry without confirmation
	AutoAdded int    `json:"auto_added"`
	Pending   bool   `json:"pending"`
	Message   string `json:"message,omitempty"`
}

// Selection picks one item of a pending scan for the pantry
type Selection struct {
	Index    int `json:"index"`
	Quantity int `json:"quantity"`
}

// Status is a snapshot of the orchestrator
type Status struct {
	Scanning bool              `json:"scanning"`
	Mode     settings.ScanMode `json:"mode"`
	ModelID  string            `json:"model_id"`
	Pending  *Result           `json:"pending,omitempty"`
}

// Orchestrator runs scans. At most one scan runs at a time.
type Orchestrator struct {
	inference    Inference
	capture      Capture
	settings     *settings.Store
	sink         pantry.Sink
	modes        map[settings.ScanMode]ModeSpec
	connectivity Connectivity
	cached       func(types.ModelIdentity) bool
	onResult     func(Result)
	metrics      Metrics
	now          func() time.Time

	mu       sync.Mutex
	scanning bool
	pending  *Result
}

type alwaysOnline struct{}

func (alwaysOnline) Online(context.Context) bool { return true }

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Inference == nil {
		return nil, fmt.Errorf("scan: inference client is required")
	}
	if cfg.Capture == nil {
		return nil, fmt.Errorf("scan: capture controller is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("scan: settings store is required")
	}
	if cfg.Pantry == nil {
		return nil, fmt.Errorf("scan: pantry sink is required")
	}
	if cfg.Modes == nil {
		cfg.Modes = DefaultModes()
	}
	for _, m := range []settings.ScanMode{settings.ModeQuick, settings.ModeDeep} {
		if _, ok := cfg.Modes[m]; !ok {
			return nil, fmt.Errorf("scan: no model configured for mode %q", m)
		}
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = alwaysOnline{}
	}
	if cfg.Cached == nil {
		cfg.Cached = func(types.ModelIdentity) bool { return false }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		inference:    cfg.Inference,
		capture:      cfg.Capture,
		settings:     cfg.Settings,
		sink:         cfg.Pantry,
		modes:        cfg.Modes,
		connectivity: cfg.Connectivity,
		cached:       cfg.Cached,
		onResult:     cfg.OnResult,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}, nil
}

// EnsureModelFor requests the model of mode unless it is already ready or
// a load is in flight. A failed load is requested again.
func (o *Orchestrator) EnsureModelFor(mode settings.ScanMode) error {
	spec, ok := o.modes[mode]
	if !ok {
		return fmt.Errorf("scan: unknown mode %q", mode)
	}
	st := o.inference.State()
	if st.IsLoading || (st.IsReady && st.ModelID == spec.Identity.ModelID) {
		return nil
	}
	slog.Info("scan: requesting model", "mode", mode, "model_id", spec.Identity.ModelID, "size_mb", spec.SizeMB)
	return o.inference.LoadModel(spec.Identity)
}

// RunScan scans the current frame: the uploaded still in upload mode, the
// live surface otherwise
func (o *Orchestrator) RunScan(ctx context.Context) (*Result, error) {
	return o.run(ctx, func() (*types.Frame, types.CaptureMode, error) {
		if o.capture.Mode() == types.CaptureFallback {
			f, err := o.capture.UploadedFrame()
			return f, types.CaptureFallback, err
		}
		f, err := o.capture.CaptureFrame()
		return f, types.CaptureLive, err
	})
}

// ScanUpload decodes an uploaded image and scans it. The image also becomes
// the uploaded still for later scans.
func (o *Orchestrator) ScanUpload(ctx context.Context, r io.Reader) (*Result, error) {
	frame, err := o.capture.CaptureFromReader(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("scan: %w: %w", ErrNoFrame, err)
	}
	taken := false
	res, err := o.run(ctx, func() (*types.Frame, types.CaptureMode, error) {
		taken = true
		return frame, types.CaptureFallback, nil
	})
	if !taken {
		frame.Release()
	}
	return res, err
}

type frameFunc func() (*types.Frame, types.CaptureMode, error)

func (o *Orchestrator) run(ctx context.Context, next frameFunc) (*Result, error) {
	o.mu.Lock()
	if o.scanning {
		o.mu.Unlock()
		return nil, ErrScanInProgress
	}
	o.scanning = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.scanning = false
		o.mu.Unlock()
	}()

	start := time.Now()
	res, err := o.scan(ctx, next)
	result := "ok"
	if err != nil {
		result = "error"
	}
	if o.metrics != nil {
		o.metrics.Timing("scan.latency", time.Since(start), "result:"+result)
		o.metrics.Count("scan.count", 1, "result:"+result)
	}
	if err != nil {
		slog.Warn("scan: failed", "error", err)
		return nil, err
	}
	if o.onResult != nil {
		o.onResult(*res)
	}
	return res, nil
}

func (o *Orchestrator) scan(ctx context.Context, next frameFunc) (*Result, error) {
	snap := o.settings.Get()
	spec := o.modes[snap.ScanMode]
	modelID := spec.Identity.ModelID

	st := o.inference.State()
	ready := st.IsReady && st.ModelID == modelID
	if !ready && !o.cached(spec.Identity) && !o.connectivity.Online(ctx) {
		return nil, ErrOfflineNotCached
	}

	if err := o.EnsureModelFor(snap.ScanMode); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if st := o.inference.State(); !st.IsReady || st.ModelID != modelID {
		return nil, ErrModelLoading
	}

	frame, source, err := next()
	if err != nil {
		return nil, fmt.Errorf("scan: %w: %w", ErrNoFrame, err)
	}

	var labels []string
	if spec.Identity.Task == types.TaskOpenVocabulary {
		labels = snap.CustomFoodLabels
	}

	started := o.now()
	detections, err := o.inference.Detect(ctx, frame, snap.DetectionThreshold, labels)
	if err != nil {
		return nil, fmt.Errorf("scan: detect: %w", err)
	}

	res := &Result{
		ID:        uuid.New().String(),
		Mode:      snap.ScanMode,
		ModelID:   modelID,
		Source:    source,
		Items:     make([]Item, 0, len(detections)),
		StartedAt: started,
	}
	for _, d := range detections {
		food := pantry.IsFoodLabel(d.Label) || slices.Contains(labels, d.Label)
		res.Items = append(res.Items, Item{
			Detection: d,
			FoodInfo:  pantry.LookupFood(d.Label),
			IsFood:    food,
			Selected:  food,
		})
	}
	res.Duration = o.now().Sub(started)

	slog.Info("scan: completed",
		"scan_id", res.ID,
		"mode", res.Mode,
		"source", source,
		"detections", len(res.Items))

	if snap.AutoAddToPantry {
		return o.autoAdd(ctx, res)
	}

	o.mu.Lock()
	res.Pending = true
	pending := *res
	o.pending = &pending
	o.mu.Unlock()
	return res, nil
}

func (o *Orchestrator) autoAdd(ctx context.Context, res *Result) (*Result, error) {
	now := o.now()
	var records []pantry.Record
	for _, it := range res.Items {
		if it.IsFood {
			records = append(records, pantry.FromDetection(it.Detection, 1, now))
		}
	}
	if len(records) == 0 {
		res.Message = "No food items detected"
		return res, nil
	}
	if err := o.sink.Add(ctx, records); err != nil {
		return nil, fmt.Errorf("scan: add to pantry: %w", err)
	}
	res.AutoAdded = len(records)
	res.Message = fmt.Sprintf("Added %d item(s) to pantry", len(records))
	slog.Info("scan: items added to pantry", "scan_id", res.ID, "count", len(records))
	return res, nil
}

// Pending returns the scan awaiting confirmation
func (o *Orchestrator) Pending() (*Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return nil, false
	}
	p := *o.pending
	p.Items = slices.Clone(o.pending.Items)
	return &p, true
}

// Confirm sends the selected items of the pending scan to the pantry. An
// empty scanID confirms whatever is pending; nil selections accept the
// default choice with quantity one. Quantities below one count as one.
func (o *Orchestrator) Confirm(ctx context.Context, scanID string, selections []Selection) (int, error) {
	o.mu.Lock()
	p := o.pending
	o.mu.Unlock()
	if p == nil || (scanID != "" && scanID != p.ID) {
		return 0, ErrNoPendingResults
	}

	if selections == nil {
		for i, it := range p.Items {
			if it.Selected {
				selections = append(selections, Selection{Index: i, Quantity: 1})
			}
		}
	}

	now := o.now()
	records := make([]pantry.Record, 0, len(selections))
	for _, s := range selections {
		if s.Index < 0 || s.Index >= len(p.Items) {
			return 0, fmt.Errorf("scan: selection index %d out of range", s.Index)
		}
		records = append(records, pantry.FromDetection(p.Items[s.Index].Detection, s.Quantity, now))
	}

	if len(records) > 0 {
		if err := o.sink.Add(ctx, records); err != nil {
			return 0, fmt.Errorf("scan: add to pantry: %w", err)
		}
	}

	o.mu.Lock()
	if o.pending == p {
		o.pending = nil
	}
	o.mu.Unlock()

	slog.Info("scan: results confirmed", "scan_id", p.ID, "count", len(records))
	return len(records), nil
}

// Dismiss drops the pending scan
func (o *Orchestrator) Dismiss() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return ErrNoPendingResults
	}
	slog.Debug("scan: results dismissed", "scan_id", o.pending.ID)
	o.pending = nil
	return nil
}

// Status returns a snapshot of the orchestrator
func (o *Orchestrator) Status() Status {
	mode := o.settings.Get().ScanMode
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Scanning: o.scanning,
		Mode:     mode,
		ModelID:  o.modes[mode].Identity.ModelID,
	}
	if o.pending != nil {
		p := *o.pending
		st.Pending = &p
	}
	return st
}

// IsTransient reports whether a scan error clears up on its own, such as a
// model still loading
func IsTransient(err error) bool {
	return errors.Is(err, ErrModelLoading) || errors.Is(err, ErrScanInProgress)
}
