package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// SyntheticCamera produces generated frames. Used where no camera hardware
// exists (CI, headless demos).
type SyntheticCamera struct{}

// Open returns a stream of moving gradient frames at the requested geometry
func (SyntheticCamera) Open(ctx context.Context, req StreamRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientAbort, err)
	}
	fps := req.FPS
	if fps <= 0 {
		fps = 10
	}
	return &syntheticStream{
		req:    req,
		fps:    fps,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

type syntheticStream struct {
	req StreamRequest
	fps int

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	emitted uint64
	startAt time.Time
}

func (s *syntheticStream) Attach(surface *Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("capture: synthetic stream already stopped")
	}
	if s.started {
		return fmt.Errorf("capture: synthetic stream already attached")
	}
	s.started = true
	s.startAt = time.Now()

	slog.Info("capture: synthetic stream starting",
		"width", s.req.Width,
		"height", s.req.Height,
		"fps", s.fps,
		"facing", s.req.Facing,
	)

	s.wg.Add(1)
	go s.generate(surface)
	return nil
}

func (s *syntheticStream) Done() <-chan struct{} { return s.done }

func (s *syntheticStream) Err() error { return nil }

func (s *syntheticStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("capture: synthetic stream stopped",
		"frames_emitted", s.emitted,
		"duration", time.Since(s.startAt),
	)
	return nil
}

func (s *syntheticStream) generate(surface *Surface) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			surface.Publish(s.createFrame(tick))
			s.emitted++
			tick++
		}
	}
}

// createFrame draws a diagonal gradient that shifts every tick; the front
// camera gets a blue tint so switching is visible
func (s *syntheticStream) createFrame(tick int) *types.Frame {
	f := types.NewFrame(s.req.Width, s.req.Height)
	var blue byte
	if s.req.Facing == types.FacingUser {
		blue = 0xC0
	}
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride():]
		for x := 0; x < f.Width; x++ {
			i := x * types.BytesPerPixel
			row[i] = byte(x + tick)
			row[i+1] = byte(y + tick)
			row[i+2] = blue
			row[i+3] = 0xFF
		}
	}
	f.TraceID = uuid.New().String()
	return f
}
