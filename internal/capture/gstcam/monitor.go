package gstcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/jack-braga/kitchen-sync/internal/capture"
)

// monitorBus polls the pipeline bus until the stream ends. It returns nil on
// cancellation, and an error wrapping the capture taxonomy when the device
// fails or stops producing.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, device string, frames *atomic.Uint64) error {
	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstcam: monitor stopped", "device", device)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstcam: end of stream",
				"device", device,
				"uptime", time.Since(started),
				"frames", frames.Load(),
			)
			return fmt.Errorf("%w: %s: end of stream", capture.ErrDeviceUnavailable, device)

		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error(), gerr.DebugString())
			slog.Error("gstcam: pipeline error",
				"device", device,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uptime", time.Since(started),
				"frames", frames.Load(),
			)
			return toCaptureError(device, gerr.Error(), gerr.DebugString())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstcam: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}
