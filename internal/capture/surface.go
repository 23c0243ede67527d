package capture

import (
	"context"
	"sync"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Surface is the display surface a live stream renders into. It holds only
// the most recent frame: a new frame replaces and releases the previous one.
// Readers take copies, so a frame handed to detection never aliases the
// surface.
type Surface struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	attached    bool
	published   uint64
	overwritten uint64
	lastAt      time.Time
}

// SurfaceStats contains surface counters
type SurfaceStats struct {
	Attached    bool      `json:"attached"`
	Published   uint64    `json:"published"`
	Overwritten uint64    `json:"overwritten"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

// NewSurface creates an empty, detached surface
func NewSurface() *Surface {
	s := &Surface{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish stores f as the current frame, taking ownership, and stamps it
// with the surface sequence number. Frames published to a detached surface
// are released immediately.
func (s *Surface) Publish(f *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		f.Release()
		return
	}
	if s.frame != nil {
		s.overwritten++
		s.frame.Release()
	}
	s.published++
	f.Seq = s.published
	s.frame = f
	s.lastAt = time.Now()
	s.cond.Broadcast()
}

// Snapshot returns a copy of the current frame, or nil while no valid frame
// has been decoded
func (s *Surface) Snapshot() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.frame.Valid() {
		return nil
	}
	return s.frame.Clone()
}

// WaitFrame blocks until a frame newer than seq is published, then returns a
// copy of it
func (s *Surface) WaitFrame(ctx context.Context, seq uint64) (*types.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.frame == nil || s.frame.Seq <= seq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	return s.frame.Clone(), nil
}

// Stats returns surface counters
func (s *Surface) Stats() SurfaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SurfaceStats{
		Attached:    s.attached,
		Published:   s.published,
		Overwritten: s.overwritten,
		LastFrameAt: s.lastAt,
	}
}

func (s *Surface) attach() {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
}

// detach drops the current frame and rejects further publishes
func (s *Surface) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	if s.frame != nil {
		s.frame.Release()
		s.frame = nil
	}
}
