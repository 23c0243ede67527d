package gstcam

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// sampleContext holds what the appsink callback needs
type sampleContext struct {
	Surface   *capture.Surface
	Width     int
	Height    int
	Frames    *atomic.Uint64
	BytesRead *atomic.Uint64
	Skipped   *atomic.Uint64
}

// onNewSample copies the mapped buffer into a pooled frame and publishes it.
// Bad samples are skipped rather than failing the stream.
func onNewSample(sink *app.Sink, ctx *sampleContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		ctx.Skipped.Add(1)
		slog.Warn("gstcam: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		ctx.Skipped.Add(1)
		slog.Warn("gstcam: sample has no buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	want := ctx.Width * ctx.Height * types.BytesPerPixel
	if len(data) != want {
		buffer.Unmap()
		ctx.Skipped.Add(1)
		slog.Debug("gstcam: unexpected buffer size", "size_bytes", len(data), "want", want)
		return gst.FlowOK
	}

	frame := types.NewFrame(ctx.Width, ctx.Height)
	copy(frame.Pix, data)
	buffer.Unmap()

	ctx.Frames.Add(1)
	ctx.BytesRead.Add(uint64(len(data)))
	frame.TraceID = uuid.New().String()
	ctx.Surface.Publish(frame)

	return gst.FlowOK
}
