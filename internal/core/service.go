package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/capture"
	"github.com/jack-braga/kitchen-sync/internal/capture/gstcam"
	"github.com/jack-braga/kitchen-sync/internal/config"
	"github.com/jack-braga/kitchen-sync/internal/control"
	"github.com/jack-braga/kitchen-sync/internal/engine/onnx"
	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/modelhub"
	"github.com/jack-braga/kitchen-sync/internal/pantry"
	"github.com/jack-braga/kitchen-sync/internal/scan"
	"github.com/jack-braga/kitchen-sync/internal/settings"
	"github.com/jack-braga/kitchen-sync/internal/statusfeed"
	"github.com/jack-braga/kitchen-sync/internal/telemetry"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Service is the kitchen-sync service
type Service struct {
	cfg *config.Config

	metrics  *telemetry.Client
	hub      *modelhub.Hub
	capture  *capture.Controller
	settings *settings.Store
	memory   *pantry.MemorySink
	mqtt     *pantry.MQTTSink
	kafka    *pantry.KafkaSink
	sink     pantry.Sink
	modes    map[settings.ScanMode]scan.ModeSpec

	// Built in Run: they need the run context
	client         *inference.Client
	scanner        *scan.Orchestrator
	feed           *statusfeed.Server
	controlHandler *control.Handler

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// New creates the service from a configuration file
func New(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"capture_driver", cfg.Capture.Driver,
		"engine_mode", cfg.Engine.Mode,
	)

	return NewFromConfig(cfg)
}

// NewFromConfig creates the service from a validated configuration
func NewFromConfig(cfg *config.Config) (*Service, error) {
	metrics, err := telemetry.New(telemetry.Config{
		Addr: cfg.Telemetry.StatsdAddr,
		Tags: append(slices.Clone(cfg.Telemetry.Tags), "instance:"+cfg.InstanceID),
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		metrics: metrics,
		memory:  pantry.NewMemorySink(),
	}

	s.hub, err = modelhub.New(modelhub.Config{BaseURL: cfg.Engine.HubURL, CacheDir: cfg.Engine.CacheDir})
	if err != nil {
		return nil, err
	}

	if s.modes, err = scanModes(cfg.ScanModes); err != nil {
		return nil, err
	}

	s.settings, err = settings.New(settings.Defaults{
		ScanMode:             settings.ScanMode(cfg.Settings.ScanMode),
		AutoAddToPantry:      cfg.Settings.AutoAddToPantry,
		ShowConfidenceScores: cfg.Settings.ShowConfidenceScores == nil || *cfg.Settings.ShowConfidenceScores,
		ModeThresholds: map[settings.ScanMode]float64{
			settings.ModeQuick: s.modes[settings.ModeQuick].Threshold,
			settings.ModeDeep:  s.modes[settings.ModeDeep].Threshold,
		},
		Labels: cfg.Settings.FoodLabels,
	})
	if err != nil {
		return nil, err
	}

	if err := s.initializeCapture(); err != nil {
		return nil, fmt.Errorf("failed to initialize capture: %w", err)
	}
	if err := s.initializePantry(); err != nil {
		return nil, fmt.Errorf("failed to initialize pantry: %w", err)
	}

	return s, nil
}

func scanModes(cfg config.ScanModesConfig) (map[settings.ScanMode]scan.ModeSpec, error) {
	modes := make(map[settings.ScanMode]scan.ModeSpec, 2)
	for mode, spec := range map[settings.ScanMode]config.ModelSpec{
		settings.ModeQuick: cfg.Quick,
		settings.ModeDeep:  cfg.Deep,
	} {
		task, err := types.ParseTask(spec.Task)
		if err != nil {
			return nil, fmt.Errorf("scan mode %s: %w", mode, err)
		}
		modes[mode] = scan.ModeSpec{
			Identity:  types.ModelIdentity{ModelID: spec.ModelID, Task: task},
			Threshold: spec.Threshold,
			SizeMB:    spec.SizeMB,
		}
	}
	return modes, nil
}

func (s *Service) initializeCapture() error {
	env := capture.Environment{
		SecureTransport:      s.cfg.Environment.SecureTransport,
		Platform:             s.cfg.Environment.Platform,
		Standalone:           s.cfg.Environment.Standalone,
		HardwareAcceleration: s.cfg.Environment.HardwareAcceleration,
	}

	var camera capture.Camera
	switch s.cfg.Capture.Driver {
	case "synthetic":
		camera = capture.SyntheticCamera{}
		slog.Info("using synthetic camera")
	default:
		devices := make(map[types.Facing]string, len(s.cfg.Capture.Devices))
		for facing, dev := range s.cfg.Capture.Devices {
			devices[types.Facing(facing)] = dev
		}
		cam, err := gstcam.New(gstcam.Config{Devices: devices})
		if err != nil {
			return err
		}
		camera = cam
		slog.Info("using v4l2 camera", "devices", s.cfg.Capture.Devices)
	}

	ctrl, err := capture.NewController(capture.Config{
		Camera:      camera,
		Environment: env,
		Facing:      types.Facing(s.cfg.Capture.Facing),
		Width:       s.cfg.Capture.Width,
		Height:      s.cfg.Capture.Height,
		FPS:         s.cfg.Capture.FPS,
		Metrics:     s.metrics,
	})
	if err != nil {
		return err
	}
	s.capture = ctrl
	return nil
}

func (s *Service) initializePantry() error {
	if s.cfg.MQTT.Broker != "" {
		s.mqtt = pantry.NewMQTTSink(s.cfg.InstanceID, s.cfg.MQTT)
	}

	var sinks pantry.MultiSink
	for _, name := range s.cfg.Pantry.Sinks {
		switch name {
		case "memory":
			sinks = append(sinks, s.memory)
		case "mqtt":
			sinks = append(sinks, s.mqtt)
		case "kafka":
			k, err := pantry.NewKafkaSink(s.cfg.InstanceID, s.cfg.Kafka)
			if err != nil {
				return err
			}
			s.kafka = k
			sinks = append(sinks, k)
		}
	}
	s.sink = sinks
	slog.Info("pantry sinks configured", "sinks", s.cfg.Pantry.Sinks)
	return nil
}

// Run starts every component and blocks until ctx is cancelled or a
// shutdown command arrives
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("kitchen-sync service starting", "instance_id", s.cfg.InstanceID)

	client, err := s.connectEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to start inference engine: %w", err)
	}
	s.client = client

	s.feed = statusfeed.New(s.cfg.StatusFeed.Port, s.feedCallbacks())

	s.scanner, err = scan.New(scan.Config{
		Inference:    client,
		Capture:      s.capture,
		Settings:     s.settings,
		Pantry:       s.sink,
		Modes:        s.modes,
		Connectivity: scan.NetProbe{Addr: s.cfg.ConnectivityProbe},
		Cached: func(id types.ModelIdentity) bool {
			return s.hub.IsCached(id.ModelID, onnx.FilesFor(id.Task))
		},
		OnResult: func(r scan.Result) { s.feed.Publish("scan", r) },
		Metrics:  s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create scan orchestrator: %w", err)
	}

	if s.capture.Mode() == types.CaptureLive {
		if err := s.capture.Start(ctx); err != nil {
			slog.Warn("camera unavailable", "error", err, "mode", s.capture.Mode())
		}
	}

	if s.mqtt != nil {
		if err := s.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		s.controlHandler = control.NewHandler(s.cfg.MQTT, s.mqtt.Client, s.controlCallbacks())
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.feed.Run(ctx); err != nil {
			slog.Error("status feed failed", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardState(ctx)
	}()

	// Warm the model of the current mode so the first scan does not wait
	if err := s.scanner.EnsureModelFor(s.settings.Get().ScanMode); err != nil {
		slog.Warn("model preload failed", "error", err)
	}

	slog.Info("kitchen-sync service running",
		"capture_mode", s.capture.Mode(),
		"statusfeed_port", s.cfg.StatusFeed.Port,
		"control_plane", s.controlHandler != nil,
	)

	<-ctx.Done()

	slog.Info("kitchen-sync service run loop exiting")
	return nil
}

// forwardState pushes every client state change to the feed
func (s *Service) forwardState(ctx context.Context) {
	states, stop := s.client.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.feed.Publish("state", st)
		}
	}
}

// Shutdown stops components in dependency order
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("shutting down kitchen-sync service")

	// 1. Stop taking commands
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Release the camera
	if err := s.capture.Stop(); err != nil {
		slog.Error("failed to stop capture", "error", err)
	}
	s.capture.ClearUpload()

	// 3. Stop the engine; pending detections fail
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			slog.Error("failed to close inference client", "error", err)
		}
	}

	// 4. Wait for goroutines to finish
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timeout waiting for goroutines")
	}

	// 5. Flush collaborators
	if s.kafka != nil {
		s.kafka.Close(s.ShutdownTimeout() / 2)
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if err := s.metrics.Close(); err != nil {
		slog.Debug("telemetry close failed", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("kitchen-sync service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
