// Package inference is the application-side façade over the isolated engine.
//
// The client turns LoadModel/Detect/UnloadModel calls into protocol messages,
// correlates responses back to callers by request id, and keeps a simplified
// view of the engine ({loading, ready, error, progress}) that is derived only
// from engine messages.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/protocol"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// State is the client's view of the engine
type State struct {
	IsLoading bool   `json:"is_loading"`
	IsReady   bool   `json:"is_ready"`
	Error     string `json:"error,omitempty"`
	// ModelID is the model being loaded or the ready model
	ModelID        string                    `json:"model_id,omitempty"`
	Progress       []types.ModelLoadProgress `json:"progress"`
	OverallPercent int                       `json:"overall_percent"`
}

// Metrics receives client timings. telemetry.Client satisfies it.
type Metrics interface {
	Timing(name string, d time.Duration, tags ...string)
	Count(name string, v int64, tags ...string)
}

type detectResult struct {
	detections []types.Detection
	err        error
}

// Option configures a Client
type Option func(*Client)

// WithOnClose registers a function run after the connection is closed, such
// as stopping the engine process
func WithOnClose(fn func() error) Option {
	return func(c *Client) { c.onClose = fn }
}

// WithMetrics records load and detect latencies
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to one engine over one connection
type Client struct {
	conn    protocol.Conn
	onClose func() error
	metrics Metrics

	nextID atomic.Uint64

	mu          sync.Mutex
	isLoading   bool
	isReady     bool
	lastErr     string
	modelID     string
	loadReqID   uint64
	loadStarted time.Time
	progress    *ProgressTracker
	pending     map[uint64]chan detectResult
	watchers    map[chan State]struct{}
	closed      bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a client over conn and starts reading engine messages
func New(conn protocol.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		progress: NewProgressTracker(),
		pending:  make(map[uint64]chan detectResult),
		watchers: make(map[chan State]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.readLoop()
	return c
}

// LoadModel asks the engine to load id. The view switches to loading with an
// empty progress set; readiness then follows engine messages only.
func (c *Client) LoadModel(id types.ModelIdentity) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	reqID := c.nextID.Add(1)
	c.loadReqID = reqID
	c.loadStarted = time.Now()
	c.isLoading = true
	c.isReady = false
	c.lastErr = ""
	c.modelID = id.ModelID
	c.progress.Reset()
	c.notifyLocked()
	c.mu.Unlock()

	slog.Info("inference: loading model", "model_id", id.ModelID, "task", id.Task, "request_id", reqID)

	if err := c.conn.Send(protocol.LoadModel(reqID, id)); err != nil {
		c.mu.Lock()
		if c.loadReqID == reqID {
			c.isLoading = false
			c.lastErr = err.Error()
			c.notifyLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	return nil
}

// UnloadModel asks the engine to drop its model and resets the view
func (c *Client) UnloadModel() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.loadReqID = 0
	c.isLoading = false
	c.isReady = false
	c.modelID = ""
	c.progress.Reset()
	c.notifyLocked()
	c.mu.Unlock()

	if err := c.conn.Send(protocol.UnloadModel()); err != nil {
		return fmt.Errorf("inference: unload: %w", err)
	}
	return nil
}

// Detect runs detection on frame. Ownership of frame moves to the call on
// every path. Concurrent calls are correlated by request id. Cancelling ctx
// abandons the call; its late response is dropped.
func (c *Client) Detect(ctx context.Context, frame *types.Frame, threshold float64, candidateLabels []string) ([]types.Detection, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: no frame", ErrDetectionFailed)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		frame.Release()
		return nil, ErrClientClosed
	}
	if !c.isReady {
		c.mu.Unlock()
		frame.Release()
		return nil, ErrModelNotLoaded
	}
	reqID := c.nextID.Add(1)
	ch := make(chan detectResult, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	started := time.Now()
	if err := c.conn.Send(protocol.Detect(reqID, frame, threshold, candidateLabels)); err != nil {
		c.dropPending(reqID)
		if c.isClosed() {
			return nil, ErrClientClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}

	select {
	case r := <-ch:
		if c.metrics != nil {
			result := "ok"
			if r.err != nil {
				result = "error"
			}
			c.metrics.Timing("detect.latency", time.Since(started), "result:"+result)
		}
		return r.detections, r.err
	case <-ctx.Done():
		c.dropPending(reqID)
		slog.Debug("inference: detect abandoned", "request_id", reqID, "error", ctx.Err())
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// State returns a snapshot of the view
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch returns a channel that always holds the latest state. Intermediate
// states may be skipped. The returned func stops the watch.
func (c *Client) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.watchers[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[ch]; ok {
				delete(c.watchers, ch)
				close(ch)
			}
		})
	}
}

// Close terminates the engine connection. In-flight calls fail with
// ErrClientClosed and nothing is delivered afterwards. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- detectResult{err: ErrClientClosed}
		delete(c.pending, id)
	}
	for ch := range c.watchers {
		close(ch)
	}
	c.watchers = map[chan State]struct{}{}
	c.mu.Unlock()

	close(c.done)
	err := c.conn.Close()

	if c.onClose != nil {
		if cerr := c.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}

	c.wg.Wait()
	slog.Info("inference: client closed")
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.conn.Recv()
		if err != nil {
			c.connectionLost(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	switch msg.Type {
	case protocol.KindModelLoading:
		if !c.currentLoadLocked(msg.RequestID) || msg.Progress == nil {
			return
		}
		if !c.progress.Upsert(*msg.Progress) {
			slog.Debug("inference: ignoring regressing progress", "file", msg.Progress.File, "status", msg.Progress.Status)
			return
		}
		c.notifyLocked()

	case protocol.KindModelReady:
		if !c.currentLoadLocked(msg.RequestID) {
			slog.Debug("inference: ignoring stale model-ready", "model_id", msg.ModelID, "request_id", msg.RequestID)
			return
		}
		c.progress.Reset()
		c.isLoading = false
		c.isReady = true
		c.lastErr = ""
		c.modelID = msg.ModelID
		if c.metrics != nil && !c.loadStarted.IsZero() {
			c.metrics.Timing("model.load_latency", time.Since(c.loadStarted), "model:"+msg.ModelID)
		}
		slog.Info("inference: model ready", "model_id", msg.ModelID)
		c.notifyLocked()

	case protocol.KindModelError:
		if !c.currentLoadLocked(msg.RequestID) {
			return
		}
		c.isLoading = false
		c.isReady = false
		c.lastErr = msg.Error
		if c.metrics != nil {
			c.metrics.Count("model.load_error", 1, "model:"+c.modelID)
		}
		slog.Error("inference: model load failed", "model_id", c.modelID, "error", msg.Error)
		c.notifyLocked()

	case protocol.KindDetectionResult:
		c.resolveLocked(msg.RequestID, detectResult{detections: msg.Detections})

	case protocol.KindDetectionError:
		base := ErrDetectionFailed
		if msg.Code == protocol.CodeModelNotLoaded {
			base = ErrModelNotLoaded
		}
		c.resolveLocked(msg.RequestID, detectResult{err: fmt.Errorf("%w: %s", base, msg.Error)})

	default:
		slog.Warn("inference: unexpected message from engine", "type", msg.Type)
	}
}

// currentLoadLocked reports whether a load response belongs to the latest
// load request. Responses to superseded loads are stale.
func (c *Client) currentLoadLocked(reqID uint64) bool {
	return reqID == 0 || reqID == c.loadReqID
}

func (c *Client) resolveLocked(reqID uint64, r detectResult) {
	if reqID == 0 {
		// Engine without request ids: the oldest pending call owns it
		for id := range c.pending {
			if reqID == 0 || id < reqID {
				reqID = id
			}
		}
	}
	ch, ok := c.pending[reqID]
	if !ok {
		slog.Debug("inference: dropping response with no waiting caller", "request_id", reqID)
		return
	}
	delete(c.pending, reqID)
	ch <- r
}

func (c *Client) dropPending(reqID uint64) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrClosed) {
		slog.Error("inference: engine connection failed", "error", err)
	} else {
		slog.Warn("inference: engine connection closed")
	}

	c.isLoading = false
	c.isReady = false
	c.lastErr = fmt.Sprintf("engine connection lost: %v", err)
	for id, ch := range c.pending {
		ch <- detectResult{err: fmt.Errorf("%w: engine connection lost", ErrDetectionFailed)}
		delete(c.pending, id)
	}
	c.notifyLocked()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) snapshotLocked() State {
	return State{
		IsLoading:      c.isLoading,
		IsReady:        c.isReady,
		Error:          c.lastErr,
		ModelID:        c.modelID,
		Progress:       c.progress.Entries(),
		OverallPercent: c.progress.Percent(),
	}
}

// notifyLocked replaces whatever each watcher has not consumed yet
func (c *Client) notifyLocked() {
	if len(c.watchers) == 0 {
		return
	}
	st := c.snapshotLocked()
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
