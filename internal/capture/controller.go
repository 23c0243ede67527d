// Package capture owns the camera for a scan session: it acquires and
// releases the live stream, switches between front and back cameras, decides
// when the session falls back to photo upload, and turns the current surface
// or a supplied image into a Frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// State is the controller lifecycle state
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateStreaming        State = "streaming"
	StateStopped          State = "stopped"
	StateError            State = "error"
	StatePermissionDenied State = "permission-denied"
)

// Counter receives capture events. telemetry.Client satisfies it.
type Counter interface {
	Count(name string, v int64, tags ...string)
}

// Config configures a Controller
type Config struct {
	Camera      Camera
	Environment Environment
	// Facing is the initial direction (default environment)
	Facing types.Facing
	// Ideal stream geometry
	Width  int
	Height int
	FPS    int
	// Metrics is optional
	Metrics Counter
}

// Status is a snapshot of the controller
type Status struct {
	State          State             `json:"state"`
	Mode           types.CaptureMode `json:"mode"`
	Facing         types.Facing      `json:"facing"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
	Error          string            `json:"error,omitempty"`
	Surface        SurfaceStats      `json:"surface"`
}

// Controller is the capture session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	camera  Camera
	req     StreamRequest
	metrics Counter
	surface *Surface
	// hw holds one token per acquired stream. Capacity one: Open is only
	// called once every earlier stream has been released.
	hw chan struct{}

	mu             sync.Mutex
	state          State
	mode           types.CaptureMode
	fallbackReason string
	lastErr        error
	stream         *heldStream
	upload         *types.Frame
	// generation is bumped by every Stop and acquisition; an acquisition
	// whose generation is stale when it resolves must not attach
	generation uint64
}

// NewController creates a controller. The capture mode is decided here from
// the environment and the camera is never touched in upload mode.
func NewController(cfg Config) (*Controller, error) {
	env := cfg.Environment
	if cfg.Camera == nil && !env.ShouldUseFallback() {
		return nil, fmt.Errorf("capture: camera is required for live capture")
	}
	facing := cfg.Facing
	if facing == "" {
		facing = types.FacingEnvironment
	}
	if !facing.Valid() {
		return nil, fmt.Errorf("capture: invalid facing %q", facing)
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}

	c := &Controller{
		camera:  cfg.Camera,
		metrics: cfg.Metrics,
		surface: NewSurface(),
		hw:      make(chan struct{}, 1),
		req:     StreamRequest{Facing: facing, Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS},
		state:   StateIdle,
		mode:    types.CaptureLive,
	}

	if reason := env.FallbackReason(); reason != "" {
		c.mode = types.CaptureFallback
		c.fallbackReason = reason
		c.count("capture.fallback", "reason:environment")
		slog.Info("capture: using photo upload", "reason", reason, "platform", env.Platform)
	}
	return c, nil
}

// Start acquires the camera for the current facing. It returns once the
// stream is attached or acquisition has failed.
//
// Permission denial is returned and leaves the controller in
// permission-denied. A benign abort is swallowed. Any other failure moves
// the session to upload mode and is returned with the reason recorded.
// If Stop runs while acquisition is outstanding, the granted stream is
// released without being attached and Start returns nil.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.mode == types.CaptureFallback {
		c.mu.Unlock()
		return ErrFallbackMode
	}
	switch c.state {
	case StateStarting, StateStreaming:
		c.mu.Unlock()
		return nil
	case StatePermissionDenied:
		c.mu.Unlock()
		return ErrPermissionDenied
	}
	c.generation++
	gen := c.generation
	req := c.req
	c.state = StateStarting
	c.lastErr = nil
	c.mu.Unlock()

	return c.acquire(ctx, gen, req, false)
}

// Stop releases the stream and detaches the surface. Idempotent, and safe
// to call while Start is still waiting for the camera.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.generation++
	stream := c.stream
	c.stream = nil
	if c.state == StateStarting || c.state == StateStreaming {
		c.state = StateIdle
	}
	c.surface.detach()
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	slog.Info("capture: stream stopped")
	if err := c.release(stream); err != nil {
		return fmt.Errorf("capture: stop stream: %w", err)
	}
	return nil
}

// SwitchCamera releases the current stream, flips the facing direction and
// acquires again. On failure the controller is left in error with no stream
// held.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.mode == types.CaptureFallback {
		c.mu.Unlock()
		return ErrFallbackMode
	}
	if c.state == StatePermissionDenied {
		c.mu.Unlock()
		return ErrPermissionDenied
	}
	c.generation++
	gen := c.generation
	old := c.stream
	c.stream = nil
	c.surface.detach()
	c.req.Facing = c.req.Facing.Flip()
	req := c.req
	c.state = StateStarting
	c.lastErr = nil
	c.mu.Unlock()

	if old != nil {
		if err := c.release(old); err != nil {
			slog.Warn("capture: stopping previous stream", "error", err)
		}
	}

	slog.Info("capture: switching camera", "facing", req.Facing)
	return c.acquire(ctx, gen, req, true)
}

// Retry clears a terminal permission-denied state and starts again
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StatePermissionDenied || c.state == StateError || c.state == StateStopped {
		c.state = StateIdle
		c.lastErr = nil
	}
	c.mu.Unlock()
	return c.Start(ctx)
}

func (c *Controller) acquire(ctx context.Context, gen uint64, req StreamRequest, switching bool) error {
	select {
	case c.hw <- struct{}{}:
	case <-ctx.Done():
		c.abandon(gen)
		return nil
	}

	if c.stale(gen) {
		<-c.hw
		return nil
	}

	stream, err := c.camera.Open(ctx, req)
	if err != nil {
		<-c.hw
	}
	held := &heldStream{Stream: stream, quit: make(chan struct{})}

	c.mu.Lock()
	if gen != c.generation {
		// Torn down or superseded while waiting for the grant
		c.mu.Unlock()
		if stream != nil {
			slog.Debug("capture: releasing stream granted after teardown", "facing", req.Facing)
			c.releaseLogged(held, "granted after teardown")
		}
		return nil
	}

	if err != nil {
		defer c.mu.Unlock()
		return c.acquireFailedLocked(err, switching)
	}

	if ctx.Err() != nil {
		c.state = StateIdle
		c.mu.Unlock()
		c.releaseLogged(held, "start cancelled")
		return nil
	}

	c.surface.attach()
	if err := stream.Attach(c.surface); err != nil {
		c.surface.detach()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		c.releaseLogged(held, "attach failed")
		return fmt.Errorf("capture: attach stream: %w", err)
	}
	c.stream = held
	c.state = StateStreaming
	c.mu.Unlock()

	slog.Info("capture: streaming", "facing", req.Facing, "width", req.Width, "height", req.Height)
	go c.watchStream(gen, held)
	return nil
}

// heldStream is an acquired stream and its hardware token
type heldStream struct {
	Stream
	quit chan struct{}
}

// release stops the stream and hands back its token. Exactly one caller
// owns a given heldStream.
func (c *Controller) release(h *heldStream) error {
	close(h.quit)
	err := h.Stop()
	<-c.hw
	return err
}

// releaseLogged releases a stream nobody waits on and logs a stop failure
func (c *Controller) releaseLogged(h *heldStream, why string) {
	if err := c.release(h); err != nil {
		slog.Warn("capture: stopping stream", "reason", why, "error", err)
	}
}

func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation
}

// abandon resets a starting controller whose caller gave up
func (c *Controller) abandon(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation && c.state == StateStarting {
		c.state = StateIdle
	}
}

func (c *Controller) acquireFailedLocked(err error, switching bool) error {
	switch {
	case isAbort(err):
		slog.Debug("capture: acquisition aborted", "error", err)
		c.state = StateIdle
		return nil

	case errors.Is(err, ErrPermissionDenied):
		slog.Warn("capture: camera permission denied")
		c.state = StatePermissionDenied
		c.lastErr = err
		return err

	case switching:
		slog.Error("capture: switch camera failed", "error", err)
		c.state = StateError
		c.lastErr = err
		return err

	default:
		if !errors.Is(err, ErrInsecureContext) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		c.enterFallbackLocked(err)
		return err
	}
}

func (c *Controller) enterFallbackLocked(err error) {
	c.state = StateError
	c.lastErr = err
	c.mode = types.CaptureFallback
	c.fallbackReason = Reason(err)
	c.count("capture.fallback", "reason:acquisition")
	slog.Warn("capture: falling back to photo upload", "reason", c.fallbackReason, "error", err)
}

// watchStream handles a stream ending on its own
func (c *Controller) watchStream(gen uint64, h *heldStream) {
	select {
	case <-h.Done():
	case <-h.quit:
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.stream != h {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.surface.detach()
	if err := h.Err(); err == nil {
		c.state = StateStopped
		slog.Info("capture: stream ended")
	} else {
		c.enterFallbackLocked(err)
	}
	c.mu.Unlock()

	c.releaseLogged(h, "stream ended")
}

// CaptureFrame returns a copy of the frame currently on the surface. It never
// blocks: ErrFrameUnavailable means the caller should try again later.
func (c *Controller) CaptureFrame() (*types.Frame, error) {
	c.mu.Lock()
	mode, state := c.mode, c.state
	c.mu.Unlock()

	if mode == types.CaptureFallback {
		return nil, ErrFallbackMode
	}
	if state != StateStreaming {
		return nil, ErrNotStreaming
	}
	f := c.surface.Snapshot()
	if f == nil {
		return nil, ErrFrameUnavailable
	}
	f.TraceID = uuid.New().String()
	return f, nil
}

// Surface returns the display surface
func (c *Controller) Surface() *Surface {
	return c.surface
}

// Mode returns the capture mode
func (c *Controller) Mode() types.CaptureMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:          c.state,
		Mode:           c.mode,
		Facing:         c.req.Facing,
		FallbackReason: c.fallbackReason,
		Surface:        c.surface.Stats(),
	}
	if c.lastErr != nil {
		st.Error = Reason(c.lastErr)
	}
	return st
}

func (c *Controller) count(name string, tags ...string) {
	if c.metrics != nil {
		c.metrics.Count(name, 1, tags...)
	}
}
