// Command capture-probe opens a camera through the capture controller, waits
// for a frame and writes it as a PNG. Use it to check device paths and
// permissions on a new kiosk.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/capture/gstcam"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

func main() {
	device := flag.String("device", "/dev/video0", "V4L2 device for the selected facing")
	facing := flag.String("facing", "environment", "Camera facing: environment, user")
	synthetic := flag.Bool("synthetic", false, "Use the synthetic test pattern instead of a device")
	width := flag.Int("width", 1280, "Requested width")
	height := flag.Int("height", 720, "Requested height")
	fps := flag.Int("fps", 15, "Requested frame rate")
	output := flag.String("output", "probe.png", "Where to write the captured frame")
	timeout := flag.Duration("timeout", 10*time.Second, "How long to wait for a frame")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	f := types.Facing(*facing)
	if !f.Valid() {
		fmt.Fprintf(os.Stderr, "Error: invalid facing %q (must be environment or user)\n", *facing)
		os.Exit(2)
	}

	var camera capture.Camera = capture.SyntheticCamera{}
	if !*synthetic {
		cam, err := gstcam.New(gstcam.Config{Devices: map[types.Facing]string{f: *device}})
		if err != nil {
			slog.Error("failed to create camera", "error", err)
			os.Exit(1)
		}
		camera = cam
	}

	ctrl, err := capture.NewController(capture.Config{
		Camera:      camera,
		Environment: capture.Environment{SecureTransport: true},
		Facing:      f,
		Width:       *width,
		Height:      *height,
		FPS:         *fps,
	})
	if err != nil {
		slog.Error("failed to create controller", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("camera start failed", "error", err, "status", ctrl.Status())
		os.Exit(1)
	}
	defer ctrl.Stop()

	frame, err := ctrl.Surface().WaitFrame(ctx, 0)
	if err != nil {
		slog.Error("no frame received", "error", err, "status", ctrl.Status())
		os.Exit(1)
	}
	defer frame.Release()

	if err := writePNG(*output, frame); err != nil {
		slog.Error("failed to write frame", "error", err)
		os.Exit(1)
	}

	st := ctrl.Status()
	slog.Info("frame captured",
		"output", *output,
		"width", frame.Width,
		"height", frame.Height,
		"facing", st.Facing,
		"frames_published", st.Surface.Published,
	)
}

func writePNG(path string, frame *types.Frame) error {
	img := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Stride(),
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
