package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// BytesPerPixel is the sample width of every Frame (RGBA).
const BytesPerPixel = 4

// pixPool recycles pixel buffers between captures.
var pixPool sync.Pool

// Frame represents a single rasterized image
type Frame struct {
	// Seq is the monotonic sequence number assigned by the producer
	Seq uint64
	// Timestamp is when the frame was captured or decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Pix holds RGBA samples, row-major, stride Width*4
	Pix []byte
	// TraceID correlates the frame across capture, engine and pantry logs
	TraceID string

	released atomic.Bool
	pooled   bool
}

// NewFrame allocates a frame with a pooled pixel buffer of the right size.
// The caller owns the frame until it hands it to a consumer or calls Release.
func NewFrame(width, height int) *Frame {
	n := width * height * BytesPerPixel
	var pix []byte
	if v := pixPool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			pix = buf[:n]
		}
	}
	if pix == nil {
		pix = make([]byte, n)
	}
	return &Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Pix:       pix,
		pooled:    true,
	}
}

// WrapFrame builds a frame around an existing RGBA buffer. The buffer is not
// returned to the pool on Release.
func WrapFrame(width, height int, pix []byte) *Frame {
	return &Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Pix:       pix,
	}
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Valid reports whether the pixel buffer matches the declared geometry
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*BytesPerPixel
}

// Release hands the pixel buffer back. Safe to call more than once; the frame
// must not be read afterwards.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	pix := f.Pix
	f.Pix = nil
	if f.pooled && pix != nil {
		pix = pix[:0]
		pixPool.Put(&pix)
	}
}

// Released reports whether Release has been called
func (f *Frame) Released() bool {
	return f.released.Load()
}

// Clone returns a deep copy backed by a fresh pooled buffer
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.Width, f.Height)
	copy(c.Pix, f.Pix)
	c.Seq = f.Seq
	c.Timestamp = f.Timestamp
	c.TraceID = f.TraceID
	return c
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	TraceID   string    `json:"trace_id"`
}

// Meta returns the frame metadata
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		TraceID:   f.TraceID,
	}
}
