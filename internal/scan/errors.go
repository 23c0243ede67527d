package scan

import "errors"

var (
	// ErrScanInProgress is returned while another scan is running
	ErrScanInProgress = errors.New("a scan is already in progress")
	// ErrNoFrame means no frame could be captured or uploaded
	ErrNoFrame = errors.New("no frame available to scan")
	// ErrModelLoading means the model for the scan mode is not ready yet
	ErrModelLoading = errors.New("model is loading, please wait")
	// ErrOfflineNotCached means the model cannot be downloaded right now
	ErrOfflineNotCached = errors.New("offline and the model is not cached")
	// ErrNoPendingResults is returned by Confirm without pending results
	ErrNoPendingResults = errors.New("no scan results awaiting confirmation")
)
