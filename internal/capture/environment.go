package capture

import "strings"

// Environment holds the host capability flags consulted once per session.
// The controller never mutates it.
type Environment struct {
	// SecureTransport is false when the session is served over plain HTTP
	SecureTransport bool `yaml:"secure_transport"`
	// Platform is the OS family: linux, android, ios, macos, windows
	Platform string `yaml:"platform"`
	// Standalone is true for installed (home screen) apps
	Standalone bool `yaml:"standalone"`
	// HardwareAcceleration allows the accelerated inference backend
	HardwareAcceleration bool `yaml:"hardware_acceleration"`
}

// FallbackReason returns why live capture must not be attempted, or ""
// when it may be
func (e Environment) FallbackReason() string {
	if !e.SecureTransport {
		return Reason(ErrInsecureContext)
	}
	if strings.EqualFold(e.Platform, "ios") && e.Standalone {
		return "Live camera is unreliable in installed iOS apps. Upload a photo instead."
	}
	return ""
}

// ShouldUseFallback reports whether the session starts in upload mode
func (e Environment) ShouldUseFallback() bool {
	return e.FallbackReason() != ""
}
