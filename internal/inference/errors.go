package inference

import "errors"

var (
	// ErrModelLoadFailed is recorded when the engine reports model-error
	ErrModelLoadFailed = errors.New("inference: model load failed")
	// ErrModelNotLoaded is returned by Detect when no model is ready
	ErrModelNotLoaded = errors.New("inference: model not loaded")
	// ErrDetectionFailed is returned when the engine rejects a detect call
	ErrDetectionFailed = errors.New("inference: detection failed")
	// ErrClientClosed is returned once the client has been closed
	ErrClientClosed = errors.New("inference: client closed")
)
