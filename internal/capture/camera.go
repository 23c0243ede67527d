package capture

import (
	"context"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// StreamRequest describes the stream to acquire
type StreamRequest struct {
	Facing types.Facing
	// Ideal resolution; the device may pick the closest it supports
	Width  int
	Height int
	FPS    int
}

// Camera acquires hardware streams.
//
// Open blocks until access is granted or denied. Failures wrap one of
// ErrPermissionDenied, ErrDeviceUnavailable, ErrInsecureContext or
// ErrTransientAbort; anything else is treated as the device being
// unavailable.
type Camera interface {
	Open(ctx context.Context, req StreamRequest) (Stream, error)
}

// Stream is one acquired hardware stream. It produces nothing until it is
// attached to a surface.
type Stream interface {
	// Attach starts delivering decoded frames to s
	Attach(s *Surface) error
	// Done is closed when the stream ends on its own. Err then reports why.
	Done() <-chan struct{}
	Err() error
	// Stop releases the hardware tracks. Idempotent.
	Stop() error
}
