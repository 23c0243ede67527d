package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/control"
	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/scan"
	"github.com/jack-braga/kitchen-sync/internal/settings"
	"github.com/jack-braga/kitchen-sync/internal/statusfeed"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	running, started := s.isRunning, s.started
	s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"capture":     s.capture.Status(),
		"settings":    s.settings.Get(),
		"pantry": map[string]interface{}{
			"sinks":          s.cfg.Pantry.Sinks,
			"memory_records": len(s.memory.Records()),
		},
		"config": map[string]interface{}{
			"engine_mode": s.cfg.Engine.Mode,
			"codec":       s.cfg.Engine.Codec,
			"quick_model": s.modes[settings.ModeQuick].Identity.ModelID,
			"deep_model":  s.modes[settings.ModeDeep].Identity.ModelID,
		},
	}
	if s.client != nil {
		status["inference"] = s.client.State()
	}
	if s.scanner != nil {
		status["scan"] = s.scanner.Status()
	}
	if s.mqtt != nil {
		status["mqtt"] = s.mqtt.Stats()
	}
	if s.kafka != nil {
		status["kafka"] = s.kafka.Stats()
	}
	return status
}

// runScan scans and flattens the result for command responses
func (s *Service) runScan(ctx context.Context) (map[string]interface{}, error) {
	res, err := s.scanner.RunScan(ctx)
	if err != nil {
		return nil, err
	}
	return toMap(res)
}

func (s *Service) confirmScan(ctx context.Context, scanID string, selections []control.Selection) (int, error) {
	var sel []scan.Selection
	if selections != nil {
		sel = make([]scan.Selection, len(selections))
		for i, c := range selections {
			sel[i] = scan.Selection{Index: c.Index, Quantity: c.Quantity}
		}
	}
	return s.scanner.Confirm(ctx, scanID, sel)
}

func (s *Service) setScanMode(mode string) error {
	m := settings.ScanMode(mode)
	if err := s.settings.SetScanMode(m); err != nil {
		return err
	}
	slog.Info("scan mode changed", "mode", m)
	// Start fetching the new model right away
	if err := s.scanner.EnsureModelFor(m); err != nil {
		slog.Warn("model preload failed", "mode", m, "error", err)
	}
	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}
	s.cancelCtx()
	return nil
}

func (s *Service) controlCallbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:    s.getStatus,
		OnShutdown:     s.shutdownViaControl,
		OnScan:         s.runScan,
		OnConfirmScan:  s.confirmScan,
		OnDismissScan:  func() error { return s.scanner.Dismiss() },
		OnSwitchCamera: s.capture.SwitchCamera,
		OnRetryCamera:  s.capture.Retry,
		OnSetScanMode:  s.setScanMode,
		OnSetThreshold: s.settings.SetThreshold,
		OnAddLabel:     s.settings.AddLabel,
		OnRemoveLabel:  s.settings.RemoveLabel,
		OnSetAutoAdd:   s.settings.SetAutoAdd,
		OnUnloadModel:  func() error { return s.client.UnloadModel() },
	}
}

// snapshot is what a feed client receives on connect
type snapshot struct {
	Inference inference.State   `json:"inference"`
	Capture   capture.Status    `json:"capture"`
	Settings  settings.Snapshot `json:"settings"`
	Scan      scan.Status       `json:"scan"`
}

func (s *Service) snapshot() any {
	return snapshot{
		Inference: s.client.State(),
		Capture:   s.capture.Status(),
		Settings:  s.settings.Get(),
		Scan:      s.scanner.Status(),
	}
}

// ready reports whether a scan could start now
func (s *Service) ready() (bool, any) {
	st := s.client.State()
	return st.IsReady, st
}

// feedCallbacks reaches the scanner through closures: the feed is built
// before the orchestrator exists
func (s *Service) feedCallbacks() statusfeed.Callbacks {
	return statusfeed.Callbacks{
		Snapshot: s.snapshot,
		Status:   s.getStatus,
		Ready:    s.ready,
		OnScan: func(ctx context.Context) (any, error) {
			return s.scanner.RunScan(ctx)
		},
		OnUpload: func(ctx context.Context, r io.Reader) (any, error) {
			return s.scanner.ScanUpload(ctx, r)
		},
		OnConfirm: func(ctx context.Context, scanID string, selections []scan.Selection) (int, error) {
			return s.scanner.Confirm(ctx, scanID, selections)
		},
		OnDismiss:      func() error { return s.scanner.Dismiss() },
		OnSwitchCamera: s.capture.SwitchCamera,
	}
}

func toMap(v any) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
