package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

var secureEnv = Environment{SecureTransport: true, Platform: "linux"}

type fakeStream struct {
	cam      *fakeCamera
	facing   types.Facing
	attached atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	err      error
	surface  *Surface
}

func (s *fakeStream) Attach(surface *Surface) error {
	if s.cam.attachErr != nil {
		return s.cam.attachErr
	}
	s.attached.Store(true)
	s.surface = surface
	return nil
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Err() error            { return s.err }

func (s *fakeStream) Stop() error {
	if s.stopped.CompareAndSwap(false, true) {
		s.cam.active.Add(-1)
	}
	return s.cam.stopErr
}

// end simulates the device going away
func (s *fakeStream) end(err error) {
	s.err = err
	close(s.done)
}

type fakeCamera struct {
	mu       sync.Mutex
	opens    int
	streams  []*fakeStream
	failures map[types.Facing]error
	// gate, when set, holds Open until a value is received
	gate      chan struct{}
	attachErr error
	stopErr   error

	active atomic.Int32
	maxAct atomic.Int32
}

func (c *fakeCamera) Open(ctx context.Context, req StreamRequest) (Stream, error) {
	c.mu.Lock()
	c.opens++
	gate := c.gate
	err := c.failures[req.Facing]
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	n := c.active.Add(1)
	for {
		max := c.maxAct.Load()
		if n <= max || c.maxAct.CompareAndSwap(max, n) {
			break
		}
	}
	s := &fakeStream{cam: c, facing: req.Facing, done: make(chan struct{})}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeCamera) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeCamera) last() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[len(c.streams)-1]
}

func newController(t *testing.T, cam Camera, env Environment) *Controller {
	t.Helper()
	c, err := NewController(Config{Camera: cam, Environment: env})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestInsecureContext_FallsBackWithoutTouchingCamera(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, Environment{SecureTransport: false})

	assert.Equal(t, types.CaptureFallback, c.Mode())
	assert.ErrorIs(t, c.Start(context.Background()), ErrFallbackMode)
	assert.ErrorIs(t, c.SwitchCamera(context.Background()), ErrFallbackMode)
	_, err := c.CaptureFrame()
	assert.ErrorIs(t, err, ErrFallbackMode)

	assert.Equal(t, 0, cam.openCount())
	assert.NotEmpty(t, c.Status().FallbackReason)
}

func TestEnvironment_FallbackReasons(t *testing.T) {
	tests := []struct {
		name string
		env  Environment
		want bool
	}{
		{"secure desktop", Environment{SecureTransport: true, Platform: "linux"}, false},
		{"insecure", Environment{SecureTransport: false, Platform: "linux"}, true},
		{"ios standalone", Environment{SecureTransport: true, Platform: "iOS", Standalone: true}, true},
		{"ios browser", Environment{SecureTransport: true, Platform: "ios"}, false},
		{"android standalone", Environment{SecureTransport: true, Platform: "android", Standalone: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.ShouldUseFallback())
		})
	}
}

func TestStart_StreamsAndStopIsIdempotent(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateStreaming, c.Status().State)
	s := cam.last()
	assert.True(t, s.attached.Load())

	// Starting again while streaming does not acquire a second stream
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, cam.openCount())

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.True(t, s.stopped.Load())
	assert.Equal(t, StateIdle, c.Status().State)
	assert.Equal(t, int32(0), cam.active.Load())
}

func TestStart_GrantAfterTeardownIsReleasedUnattached(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{})}
	c := newController(t, cam, secureEnv)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool { return cam.openCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())
	close(cam.gate)

	require.NoError(t, <-errCh)
	s := cam.last()
	assert.True(t, s.stopped.Load(), "late grant must be released")
	assert.False(t, s.attached.Load(), "late grant must never be attached")
	assert.Equal(t, int32(0), cam.active.Load())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestPermissionDenied_IsTerminalUntilRetry(t *testing.T) {
	cam := &fakeCamera{failures: map[types.Facing]error{
		types.FacingEnvironment: ErrPermissionDenied,
	}}
	c := newController(t, cam, secureEnv)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	st := c.Status()
	assert.Equal(t, StatePermissionDenied, st.State)
	assert.Equal(t, types.CaptureLive, st.Mode, "denial must not fall back silently")

	assert.ErrorIs(t, c.Start(context.Background()), ErrPermissionDenied)
	assert.Equal(t, 1, cam.openCount())

	cam.mu.Lock()
	cam.failures = nil
	cam.mu.Unlock()
	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, StateStreaming, c.Status().State)
}

func TestDeviceUnavailable_FallsBack(t *testing.T) {
	cam := &fakeCamera{failures: map[types.Facing]error{
		types.FacingEnvironment: errors.New("v4l2: /dev/video0: no such device"),
	}}
	c := newController(t, cam, secureEnv)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	st := c.Status()
	assert.Equal(t, types.CaptureFallback, st.Mode)
	assert.Equal(t, Reason(ErrDeviceUnavailable), st.FallbackReason)
}

func TestTransientAbort_IsSwallowed(t *testing.T) {
	cam := &fakeCamera{failures: map[types.Facing]error{
		types.FacingEnvironment: ErrTransientAbort,
	}}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.Error)
	assert.Equal(t, types.CaptureLive, st.Mode)
}

func TestSwitchCamera_FlipsAndReleasesPrevious(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	first := cam.last()

	require.NoError(t, c.SwitchCamera(context.Background()))
	second := cam.last()
	assert.True(t, first.stopped.Load())
	assert.Equal(t, types.FacingUser, second.facing)
	assert.Equal(t, types.FacingUser, c.Status().Facing)
	assert.Equal(t, int32(1), cam.maxAct.Load())
}

func TestSwitchCamera_FailureLeavesErrorAndNoStream(t *testing.T) {
	cam := &fakeCamera{failures: map[types.Facing]error{
		types.FacingUser: ErrDeviceUnavailable,
	}}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	first := cam.last()

	err := c.SwitchCamera(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.True(t, first.stopped.Load())
	assert.Equal(t, StateError, c.Status().State)
	assert.Equal(t, int32(0), cam.active.Load())
}

func TestAtMostOneStream_UnderRandomOperations(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, secureEnv)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 3 {
				case 0:
					c.Start(ctx)
				case 1:
					c.Stop()
				case 2:
					c.SwitchCamera(ctx)
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, c.Stop())

	assert.LessOrEqual(t, cam.maxAct.Load(), int32(1))
	assert.Equal(t, int32(0), cam.active.Load())
	t.Logf("✅ %d acquisitions, max concurrent streams %d", cam.openCount(), cam.maxAct.Load())
}

func TestCaptureFrame_UnavailableUntilDecoded(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, secureEnv)

	_, err := c.CaptureFrame()
	assert.ErrorIs(t, err, ErrNotStreaming)

	require.NoError(t, c.Start(context.Background()))
	_, err = c.CaptureFrame()
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	src := types.NewFrame(4, 2)
	src.Pix[0] = 0x7F
	cam.last().surface.Publish(src)

	f, err := c.CaptureFrame()
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, byte(0x7F), f.Pix[0])
	assert.NotEmpty(t, f.TraceID)
	assert.NotSame(t, src, f, "capture must copy the surface frame")
}

func TestStreamEnded_FallsBack(t *testing.T) {
	cam := &fakeCamera{}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	s := cam.last()
	s.end(errors.New("device unplugged"))

	require.Eventually(t, func() bool {
		return c.Mode() == types.CaptureFallback
	}, time.Second, time.Millisecond)
	require.Eventually(t, s.stopped.Load, time.Second, time.Millisecond)
}

func TestAttachFailure_ReleasesStream(t *testing.T) {
	cam := &fakeCamera{attachErr: errors.New("surface gone")}
	c := newController(t, cam, secureEnv)

	assert.Error(t, c.Start(context.Background()))
	assert.True(t, cam.last().stopped.Load())
	assert.Equal(t, StateError, c.Status().State)
}

// logBuffer collects log output from any goroutine
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	logs := &logBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return logs
}

func TestAttachFailure_StopErrorIsLogged(t *testing.T) {
	logs := captureLogs(t)
	cam := &fakeCamera{attachErr: errors.New("surface gone"), stopErr: errors.New("device wedged")}
	c := newController(t, cam, secureEnv)

	assert.Error(t, c.Start(context.Background()))
	assert.True(t, cam.last().stopped.Load())
	assert.Contains(t, logs.String(), "device wedged")
	assert.Contains(t, logs.String(), "attach failed")
}

func TestStreamEnded_StopErrorIsLogged(t *testing.T) {
	logs := captureLogs(t)
	cam := &fakeCamera{stopErr: errors.New("device wedged")}
	c := newController(t, cam, secureEnv)

	require.NoError(t, c.Start(context.Background()))
	cam.last().end(nil)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "device wedged")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "stream ended")
	assert.Equal(t, StateStopped, c.Status().State)
}

func TestCaptureFromFile(t *testing.T) {
	c := newController(t, nil, Environment{})

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "shelf.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := c.CaptureFromFile(context.Background(), path)
	require.NoError(t, err)
	defer f.Release()
	assert.True(t, f.Valid())
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	off := 1*f.Stride() + 1*types.BytesPerPixel
	assert.Equal(t, []byte{10, 20, 30, 255}, f.Pix[off:off+4])
}

func TestCaptureFromFile_DecodeFailure(t *testing.T) {
	c := newController(t, nil, Environment{})

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := c.CaptureFromFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = c.CaptureFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrDecode)
}

// pngHeader returns a PNG signature and IHDR chunk declaring w×h RGBA pixels
// with no image data behind it
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 6, 0, 0, 0) // 8-bit RGBA, no interlace

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestCaptureFromReader_OversizedHeaderRejectedBeforeDecode(t *testing.T) {
	c := newController(t, nil, Environment{})
	data := pngHeader(60000, 60000)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := c.CaptureFromReader(context.Background(), bytes.NewReader(data))
	runtime.ReadMemStats(&after)

	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "60000x60000")
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "pixels must not be allocated")

	_, err = c.UploadedFrame()
	assert.ErrorIs(t, err, ErrFrameUnavailable)
}

func TestDecodeFrame_HeaderReplayedForDecode(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	img.Set(39, 29, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	// A reader that hands out a few bytes at a time
	f, err := DecodeFrame(context.Background(), iotest.OneByteReader(&buf))
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, 40, f.Width)
	assert.Equal(t, 30, f.Height)
	off := 29*f.Stride() + 39*types.BytesPerPixel
	assert.Equal(t, []byte{1, 2, 3, 255}, f.Pix[off:off+4])
}

func TestSurface_WaitFrame(t *testing.T) {
	s := NewSurface()
	s.attach()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish(types.NewFrame(1, 1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := s.WaitFrame(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	ctx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = s.WaitFrame(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSurface_DetachedDropsFrames(t *testing.T) {
	s := NewSurface()
	f := types.NewFrame(1, 1)
	s.Publish(f)
	assert.True(t, f.Released())
	assert.Nil(t, s.Snapshot())
}

func TestSyntheticCamera_PublishesFrames(t *testing.T) {
	c := newController(t, SyntheticCamera{}, secureEnv)
	c.req.FPS = 50

	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := c.Surface().WaitFrame(ctx, 0)
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, 1280, f.Width)
	assert.Equal(t, 720, f.Height)
	assert.Equal(t, byte(0xFF), f.Pix[3])
}

func TestUploadedFrame_KeepsLastUpload(t *testing.T) {
	c := newController(t, nil, Environment{})

	_, err := c.UploadedFrame()
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 2, 2))))
	f, err := c.CaptureFromReader(context.Background(), &buf)
	require.NoError(t, err)
	f.Release()

	up, err := c.UploadedFrame()
	require.NoError(t, err)
	defer up.Release()
	assert.Equal(t, 2, up.Width)

	c.ClearUpload()
	_, err = c.UploadedFrame()
	assert.ErrorIs(t, err, ErrFrameUnavailable)
}
