package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// MaxUploadPixels bounds decoded uploads (a 48MP photo)
const MaxUploadPixels = 48_000_000

// CaptureFromFile decodes the image at path into a Frame. The file handle is
// closed on every path.
func (c *Controller) CaptureFromFile(ctx context.Context, path string) (*types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()
	return c.CaptureFromReader(ctx, f)
}

// CaptureFromReader decodes a JPEG, PNG or GIF image into a Frame. A copy
// is kept as the uploaded still returned by UploadedFrame.
func (c *Controller) CaptureFromReader(ctx context.Context, r io.Reader) (*types.Frame, error) {
	f, err := DecodeFrame(ctx, r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.upload
	c.upload = f.Clone()
	c.mu.Unlock()
	prev.Release()

	return f, nil
}

// UploadedFrame returns a copy of the last decoded upload
func (c *Controller) UploadedFrame() (*types.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.upload.Valid() {
		return nil, ErrFrameUnavailable
	}
	f := c.upload.Clone()
	f.TraceID = uuid.New().String()
	return f, nil
}

// ClearUpload drops the uploaded still
func (c *Controller) ClearUpload() {
	c.mu.Lock()
	prev := c.upload
	c.upload = nil
	c.mu.Unlock()
	prev.Release()
}

// DecodeFrame decodes an image into an RGBA Frame owned by the caller
func DecodeFrame(ctx context.Context, r io.Reader) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Size the image from its header before the decoder allocates pixels
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxUploadPixels {
		return nil, fmt.Errorf("%w: image is %dx%d, too large", ErrDecode, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := types.NewFrame(b.Dx(), b.Dy())
	dst := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Stride(),
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	frame.TraceID = uuid.New().String()

	slog.Debug("capture: image decoded",
		"format", format,
		"width", frame.Width,
		"height", frame.Height,
		"trace_id", frame.TraceID,
	)
	return frame, nil
}
