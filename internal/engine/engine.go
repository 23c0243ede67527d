// Package engine implements the isolated inference engine: it owns at most one
// resident model, loads models on request while reporting per-file progress,
// and answers detect requests one at a time. It talks to its client only
// through a protocol.Conn.
package engine

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

// State is the engine lifecycle state
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Config configures an Engine
type Config struct {
	Backend Backend
	// Prober selects the compute device. Wrapped in a CachedProber. Nil
	// selects the portable device.
	Prober DeviceProber
}

// Stats contains engine counters
type Stats struct {
	State          State
	ModelID        string
	Device         Device
	Loads          uint64
	LoadFailures   uint64
	Detections     uint64
	DetectFailures uint64
}

// Engine is the isolated inference worker
type Engine struct {
	backend Backend
	prober  DeviceProber

	mu       sync.RWMutex
	state    State
	model    Model
	identity types.ModelIdentity
	device   Device

	loads          atomic.Uint64
	loadFailures   atomic.Uint64
	detections     atomic.Uint64
	detectFailures atomic.Uint64
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	prober := cfg.Prober
	if prober == nil {
		prober = PortableOnly
	}
	if _, ok := prober.(*CachedProber); !ok {
		prober = NewCachedProber(prober)
	}

	return &Engine{
		backend: cfg.Backend,
		prober:  prober,
		state:   StateUnloaded,
	}, nil
}

// Serve processes messages from conn until ctx is cancelled or conn closes.
// Messages are handled strictly in arrival order, one at a time. The resident
// model is released before Serve returns.
func (e *Engine) Serve(ctx context.Context, conn protocol.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock Recv on cancellation
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	defer e.unload("serve exit")

	slog.Info("engine: serving")
	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrClosed) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				slog.Info("engine: connection closed, stopping")
				return nil
			}
			return fmt.Errorf("engine: receive: %w", err)
		}
		e.handle(ctx, conn, msg)
	}
}

func (e *Engine) handle(ctx context.Context, conn protocol.Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.KindLoadModel:
		e.load(ctx, conn, msg)
	case protocol.KindDetect:
		e.detect(ctx, conn, msg)
	case protocol.KindUnloadModel:
		e.unload("unload requested")
	default:
		if f := msg.TakeFrame(); f != nil {
			f.Release()
		}
		slog.Warn("engine: unknown message type", "type", msg.Type, "request_id", msg.RequestID)
		if msg.RequestID != 0 {
			e.send(conn, protocol.DetectionError(msg.RequestID, protocol.CodeUnknownMessage,
				fmt.Sprintf("unknown message type %q", msg.Type)))
		}
	}
}

func (e *Engine) load(ctx context.Context, conn protocol.Conn, msg protocol.Message) {
	id := types.ModelIdentity{ModelID: msg.ModelID, Task: msg.Task}

	if id.ModelID == "" {
		e.send(conn, protocol.ModelError(msg.RequestID, "model id is required"))
		return
	}

	e.mu.RLock()
	sameReady := e.state == StateReady && e.model != nil && e.identity.ModelID == id.ModelID
	e.mu.RUnlock()
	if sameReady {
		slog.Debug("engine: model already resident", "model_id", id.ModelID)
		e.send(conn, protocol.ModelReady(msg.RequestID, id.ModelID))
		return
	}

	// Never two models resident: drop the current one before loading
	e.unload("switching model")

	e.mu.Lock()
	e.state = StateLoading
	e.identity = id
	e.mu.Unlock()

	device := e.prober.Probe(ctx)
	e.loads.Add(1)
	started := time.Now()

	slog.Info("engine: loading model",
		"model_id", id.ModelID,
		"task", id.Task,
		"device", device,
		"request_id", msg.RequestID,
	)

	model, err := e.backend.Load(ctx, LoadRequest{
		Identity: id,
		Device:   device,
		Progress: func(p types.ModelLoadProgress) {
			if p.Status == "" {
				p.Status = types.ProgressProgress
			}
			e.send(conn, protocol.ModelLoading(msg.RequestID, p))
		},
	})
	if err == nil && model == nil {
		err = fmt.Errorf("backend returned no model")
	}
	if err != nil {
		e.loadFailures.Add(1)
		e.mu.Lock()
		e.state = StateError
		e.model = nil
		e.identity = types.ModelIdentity{}
		e.mu.Unlock()

		slog.Error("engine: model load failed", "model_id", id.ModelID, "error", err)
		e.send(conn, protocol.ModelError(msg.RequestID, err.Error()))
		return
	}

	e.mu.Lock()
	e.model = model
	e.device = device
	e.state = StateReady
	e.mu.Unlock()

	slog.Info("engine: model ready",
		"model_id", id.ModelID,
		"device", device,
		"load_time", time.Since(started),
	)
	e.send(conn, protocol.ModelReady(msg.RequestID, id.ModelID))
}

func (e *Engine) detect(ctx context.Context, conn protocol.Conn, msg protocol.Message) {
	frame := msg.TakeFrame()
	defer func() {
		if frame != nil {
			frame.Release()
		}
	}()

	e.mu.RLock()
	model := e.model
	ready := e.state == StateReady
	e.mu.RUnlock()

	if !ready || model == nil {
		e.detectFailures.Add(1)
		e.send(conn, protocol.DetectionError(msg.RequestID, protocol.CodeModelNotLoaded, "Model not loaded"))
		return
	}
	if !frame.Valid() {
		e.detectFailures.Add(1)
		e.send(conn, protocol.DetectionError(msg.RequestID, protocol.CodeDetectionFailed, "invalid frame"))
		return
	}

	started := time.Now()
	detections, err := model.Detect(ctx, frame, DetectOptions{
		Threshold:       msg.Threshold,
		CandidateLabels: msg.CandidateLabels,
	})
	if err != nil {
		e.detectFailures.Add(1)
		slog.Warn("engine: detection failed",
			"request_id", msg.RequestID,
			"trace_id", frame.TraceID,
			"error", err,
		)
		e.send(conn, protocol.DetectionError(msg.RequestID, protocol.CodeDetectionFailed, err.Error()))
		return
	}

	e.detections.Add(1)
	slog.Debug("engine: detection complete",
		"request_id", msg.RequestID,
		"trace_id", frame.TraceID,
		"detections", len(detections),
		"latency", time.Since(started),
	)
	e.send(conn, protocol.DetectionResult(msg.RequestID, detections))
}

// unload closes the resident model, if any, and returns to unloaded
func (e *Engine) unload(reason string) {
	e.mu.Lock()
	model := e.model
	id := e.identity
	e.model = nil
	e.identity = types.ModelIdentity{}
	e.state = StateUnloaded
	e.mu.Unlock()

	if model == nil {
		return
	}
	if err := model.Close(); err != nil {
		slog.Warn("engine: closing model", "model_id", id.ModelID, "error", err)
	}
	slog.Info("engine: model unloaded", "model_id", id.ModelID, "reason", reason)
}

func (e *Engine) send(conn protocol.Conn, msg protocol.Message) {
	if err := conn.Send(msg); err != nil {
		// Client went away; nothing is listening for this response
		slog.Debug("engine: dropping response", "type", msg.Type, "request_id", msg.RequestID, "error", err)
	}
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		State:          e.state,
		ModelID:        e.identity.ModelID,
		Device:         e.device,
		Loads:          e.loads.Load(),
		LoadFailures:   e.loadFailures.Load(),
		Detections:     e.detections.Load(),
		DetectFailures: e.detectFailures.Load(),
	}
}

// StartLocal serves e on an in-process pipe and returns the client end. The
// engine stops when either end is closed or ctx is cancelled.
func StartLocal(ctx context.Context, e *Engine) protocol.Conn {
	client, server := protocol.Pipe()
	go func() {
		if err := e.Serve(ctx, server); err != nil {
			slog.Error("engine: local engine stopped", "error", err)
		}
	}()
	return client
}
