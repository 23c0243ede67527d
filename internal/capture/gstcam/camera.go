// Package gstcam acquires V4L2 cameras through GStreamer and renders them
// into a capture.Surface.
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Config configures the camera
type Config struct {
	// Devices maps a facing direction to a V4L2 device node
	Devices map[types.Facing]string
	// OpenTimeout bounds how long Open waits for the device (default 3s)
	OpenTimeout time.Duration
}

// Camera implements capture.Camera over V4L2
type Camera struct {
	cfg Config
}

// New creates a camera
func New(cfg Config) (*Camera, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("gstcam: at least one device is required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 3 * time.Second
	}
	return &Camera{cfg: cfg}, nil
}

// Open builds a pipeline for the device facing req.Facing and brings it to
// READY, which opens the device node
func (c *Camera) Open(ctx context.Context, req capture.StreamRequest) (capture.Stream, error) {
	device := c.cfg.Devices[req.Facing]
	if device == "" {
		return nil, fmt.Errorf("%w: no device configured for facing %q", capture.ErrDeviceUnavailable, req.Facing)
	}
	if err := checkDevice(device); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrTransientAbort, err)
	}

	el, err := createPipeline(pipelineConfig{
		Device: device,
		Width:  req.Width,
		Height: req.Height,
		FPS:    req.FPS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	if err := el.Pipeline.SetState(gst.StateReady); err != nil {
		cause := busError(el.Pipeline, device, c.cfg.OpenTimeout)
		destroyPipeline(el)
		if cause == nil {
			cause = toCaptureError(device, err.Error(), "")
		}
		return nil, cause
	}

	slog.Info("gstcam: device opened", "device", device, "facing", req.Facing)
	return &stream{
		device: device,
		el:     el,
		width:  req.Width,
		height: req.Height,
		done:   make(chan struct{}),
	}, nil
}

// checkDevice maps device node access errors to the capture taxonomy
func checkDevice(device string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
}

// busError returns the first error posted on the bus within timeout
func busError(pipeline *gst.Pipeline, device string, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil || msg.Type() != gst.MessageError {
			continue
		}
		gerr := msg.ParseError()
		return toCaptureError(device, gerr.Error(), gerr.DebugString())
	}
	return nil
}

type stream struct {
	device string
	el     *pipelineElements
	width  int
	height int

	frames    atomic.Uint64
	bytesRead atomic.Uint64
	skipped   atomic.Uint64

	mu       sync.Mutex
	attached bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (s *stream) Attach(surface *capture.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("gstcam: stream already stopped")
	}
	if s.attached {
		return fmt.Errorf("gstcam: stream already attached")
	}

	cbCtx := &sampleContext{
		Surface:   surface,
		Width:     s.width,
		Height:    s.height,
		Frames:    &s.frames,
		BytesRead: &s.bytesRead,
		Skipped:   &s.skipped,
	}
	s.el.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbCtx)
		},
	})

	if err := s.el.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstcam: set pipeline to PLAYING: %w", err)
	}
	s.attached = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finish(monitorBus(ctx, s.el.Pipeline, s.device, &s.frames))
	}()
	return nil
}

func (s *stream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop closes the device. Idempotent.
func (s *stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.finish(nil)

	err := destroyPipeline(s.el)
	slog.Info("gstcam: device closed",
		"device", s.device,
		"frames", s.frames.Load(),
		"bytes_read", s.bytesRead.Load(),
		"skipped", s.skipped.Load(),
	)
	return err
}
