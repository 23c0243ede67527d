package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// ErrOpenVocabularyUnsupported is returned by models that only know their
// fixed label set when candidate labels are supplied, and by the reverse case.
var ErrOpenVocabularyUnsupported = errors.New("engine: model does not support this label mode")

// Device is the compute backend a model is loaded onto
type Device string

const (
	// DeviceAccelerated runs on a GPU
	DeviceAccelerated Device = "accelerated"
	// DevicePortable runs on the CPU
	DevicePortable Device = "portable"
)

// LoadRequest describes one model load
type LoadRequest struct {
	Identity types.ModelIdentity
	Device   Device
	// Progress receives per-file progress. It may be called from any goroutine.
	Progress func(types.ModelLoadProgress)
}

// DetectOptions are the per-call detect parameters
type DetectOptions struct {
	Threshold float64
	// CandidateLabels switches the call to open-vocabulary detection when non-empty
	CandidateLabels []string
}

// Backend creates models. Implementations own model file retrieval.
type Backend interface {
	Load(ctx context.Context, req LoadRequest) (Model, error)
}

// Model is a loaded, resident detector
type Model interface {
	Detect(ctx context.Context, frame *types.Frame, opts DetectOptions) ([]types.Detection, error)
	Close() error
}

// DeviceProber picks the compute backend for a load
type DeviceProber interface {
	Probe(ctx context.Context) Device
}

// ProbeFunc adapts a function to DeviceProber
type ProbeFunc func(ctx context.Context) Device

func (f ProbeFunc) Probe(ctx context.Context) Device { return f(ctx) }

// PortableOnly never selects acceleration
var PortableOnly = ProbeFunc(func(context.Context) Device { return DevicePortable })

// CachedProber runs the wrapped probe once and reuses the answer
type CachedProber struct {
	inner DeviceProber

	once   sync.Once
	device Device
}

// NewCachedProber wraps p
func NewCachedProber(p DeviceProber) *CachedProber {
	return &CachedProber{inner: p}
}

func (c *CachedProber) Probe(ctx context.Context) Device {
	c.once.Do(func() {
		c.device = c.inner.Probe(ctx)
		if c.device == "" {
			c.device = DevicePortable
		}
		slog.Info("engine: compute device selected", "device", c.device)
	})
	return c.device
}
