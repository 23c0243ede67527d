package types

// CaptureMode is how a session obtains frames
type CaptureMode string

const (
	CaptureLive     CaptureMode = "live-stream"
	CaptureFallback CaptureMode = "fallback-upload"
)

// Facing is the camera direction
type Facing string

const (
	// FacingEnvironment is the back camera
	FacingEnvironment Facing = "environment"
	// FacingUser is the front camera
	FacingUser Facing = "user"
)

// Flip returns the opposite direction
func (f Facing) Flip() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Valid reports whether f is a known direction
func (f Facing) Valid() bool {
	return f == FacingEnvironment || f == FacingUser
}
