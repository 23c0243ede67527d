package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the user refused camera access. Terminal
	// until Retry.
	ErrPermissionDenied = errors.New("capture: camera permission denied")
	// ErrDeviceUnavailable means no camera could be opened
	ErrDeviceUnavailable = errors.New("capture: no camera available")
	// ErrInsecureContext means the transport forbids camera access
	ErrInsecureContext = errors.New("capture: camera requires a secure context")
	// ErrTransientAbort means acquisition was aborted because the display
	// surface went away. Benign and swallowed.
	ErrTransientAbort = errors.New("capture: acquisition aborted")
	// ErrFrameUnavailable means the surface has no decoded frame yet
	ErrFrameUnavailable = errors.New("capture: frame not available yet")
	// ErrDecode means a supplied image could not be decoded
	ErrDecode = errors.New("capture: image decode failed")
	// ErrFallbackMode is returned by live operations while in upload mode
	ErrFallbackMode = errors.New("capture: live capture disabled, upload an image instead")
	// ErrNotStreaming is returned by CaptureFrame when no stream is attached
	ErrNotStreaming = errors.New("capture: camera is not streaming")
)

// Reason returns a human-readable explanation for an acquisition failure
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Camera access was denied. Allow camera access in your system settings, then retry."
	case errors.Is(err, ErrInsecureContext):
		return "Live camera needs a secure (HTTPS) connection. Upload a photo instead."
	case errors.Is(err, ErrDeviceUnavailable):
		return "No camera was found. Upload a photo instead."
	default:
		return "The camera could not be started. Upload a photo instead."
	}
}

// isAbort reports whether err is the benign abort or a cancellation
func isAbort(err error) bool {
	return errors.Is(err, ErrTransientAbort) || errors.Is(err, context.Canceled)
}
