package gstcam

import (
	"fmt"
	"strings"

	"github.com/jack-braga/kitchen-sync/internal/capture"
)

// Category classifies camera pipeline errors for logs and metrics
type Category int

const (
	CategoryDevice Category = iota
	CategoryPermission
	CategoryAbort
	CategoryFormat
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryDevice:
		return "device"
	case CategoryPermission:
		return "permission"
	case CategoryAbort:
		return "abort"
	case CategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{"permission denied", "not permitted", "eacces", "not authorized"}
	abortKeywords      = []string{"interrupted", "flushing", "cancelled", "canceled", "shutting down"}
	deviceKeywords     = []string{
		"no such device",
		"no such file",
		"cannot identify device",
		"device or resource busy",
		"could not open",
		"failed to open",
		"not a capture device",
		"not found",
	}
	formatKeywords = []string{"not negotiated", "not-negotiated", "negotiation", "caps", "format", "unsupported"}
)

// Classify categorizes a GStreamer error from its message and debug string.
// go-gst does not expose the error domain, so this relies on keywords.
func Classify(msg, debug string) Category {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, permissionKeywords):
		return CategoryPermission
	case containsAny(combined, abortKeywords):
		return CategoryAbort
	case containsAny(combined, deviceKeywords):
		return CategoryDevice
	case containsAny(combined, formatKeywords):
		return CategoryFormat
	default:
		return CategoryUnknown
	}
}

// toCaptureError wraps a pipeline error in the capture error taxonomy
func toCaptureError(device, msg, debug string) error {
	switch Classify(msg, debug) {
	case CategoryPermission:
		return fmt.Errorf("%w: %s: %s", capture.ErrPermissionDenied, device, msg)
	case CategoryAbort:
		return fmt.Errorf("%w: %s: %s", capture.ErrTransientAbort, device, msg)
	default:
		return fmt.Errorf("%w: %s: %s", capture.ErrDeviceUnavailable, device, msg)
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
