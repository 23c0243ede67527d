package config

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateEngine(&cfg.Engine); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := validateScanModes(&cfg.ScanModes); err != nil {
		return fmt.Errorf("scan_modes: %w", err)
	}

	switch cfg.Settings.ScanMode {
	case "":
		cfg.Settings.ScanMode = "quick"
	case "quick", "deep":
	default:
		return fmt.Errorf("settings.scan_mode must be 'quick' or 'deep', got '%s'", cfg.Settings.ScanMode)
	}
	if cfg.Settings.ShowConfidenceScores == nil {
		show := true
		cfg.Settings.ShowConfidenceScores = &show
	}

	if len(cfg.Pantry.Sinks) == 0 {
		cfg.Pantry.Sinks = []string{"memory"}
	}
	for _, s := range cfg.Pantry.Sinks {
		switch s {
		case "memory":
		case "mqtt":
			if cfg.MQTT.Broker == "" {
				return fmt.Errorf("pantry sink 'mqtt' requires mqtt.broker")
			}
		case "kafka":
			if cfg.Kafka.BootstrapServers == "" {
				return fmt.Errorf("pantry sink 'kafka' requires kafka.bootstrap_servers")
			}
		default:
			return fmt.Errorf("unknown pantry sink '%s'", s)
		}
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("kitchen/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("kitchen/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Pantry == "" {
		cfg.MQTT.Topics.Pantry = fmt.Sprintf("kitchen/pantry/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"pantry":  1,
			"health":  0,
		}
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "pantry-items"
	}
	if cfg.Kafka.Acks == "" {
		cfg.Kafka.Acks = "all"
	}
	if cfg.Kafka.SecurityProtocol == "" {
		cfg.Kafka.SecurityProtocol = "plaintext"
	}

	if cfg.StatusFeed.Port == 0 {
		cfg.StatusFeed.Port = 8090
	}
	if cfg.StatusFeed.Port < 0 || cfg.StatusFeed.Port > 65535 {
		return fmt.Errorf("statusfeed.port out of range: %d", cfg.StatusFeed.Port)
	}

	if cfg.ConnectivityProbe == "" {
		cfg.ConnectivityProbe = "huggingface.co:443"
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	switch c.Driver {
	case "":
		c.Driver = "gstreamer"
	case "gstreamer", "synthetic":
	default:
		return fmt.Errorf("driver must be 'gstreamer' or 'synthetic', got '%s'", c.Driver)
	}
	if c.Driver == "gstreamer" && len(c.Devices) == 0 {
		c.Devices = map[string]string{"environment": "/dev/video0"}
	}
	for facing := range c.Devices {
		if facing != "environment" && facing != "user" {
			return fmt.Errorf("unknown device facing '%s'", facing)
		}
	}
	switch c.Facing {
	case "":
		c.Facing = "environment"
	case "environment", "user":
	default:
		return fmt.Errorf("facing must be 'environment' or 'user', got '%s'", c.Facing)
	}
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	return nil
}

func validateEngine(e *EngineConfig) error {
	switch e.Mode {
	case "":
		e.Mode = "process"
	case "process", "inproc", "zmq":
	default:
		return fmt.Errorf("mode must be 'process', 'inproc' or 'zmq', got '%s'", e.Mode)
	}
	if e.Mode == "process" && e.Binary == "" {
		e.Binary = "detect-engine"
	}
	if e.Mode == "zmq" && e.Endpoint == "" {
		return fmt.Errorf("endpoint is required in zmq mode")
	}
	if e.Codec == "" {
		e.Codec = "msgpack"
	}
	if !slices.Contains([]string{"msgpack", "cbor"}, e.Codec) {
		return fmt.Errorf("codec must be 'msgpack' or 'cbor', got '%s'", e.Codec)
	}
	if e.CacheDir == "" {
		e.CacheDir = "models"
	}
	if e.StopTimeoutS <= 0 {
		e.StopTimeoutS = 2
	}
	return nil
}

func validateScanModes(s *ScanModesConfig) error {
	defaults := []struct {
		name string
		spec *ModelSpec
		def  ModelSpec
	}{
		{"quick", &s.Quick, ModelSpec{ModelID: "Xenova/yolos-tiny", Task: "single-label-detection", Threshold: 0.5, SizeMB: 28}},
		{"deep", &s.Deep, ModelSpec{ModelID: "Xenova/owlvit-base-patch32", Task: "open-vocabulary-detection", Threshold: 0.3, SizeMB: 350}},
	}
	for _, d := range defaults {
		if d.spec.ModelID == "" {
			d.spec.ModelID = d.def.ModelID
			d.spec.Task = d.def.Task
			d.spec.SizeMB = d.def.SizeMB
		}
		if d.spec.Task == "" {
			d.spec.Task = d.def.Task
		}
		if _, err := types.ParseTask(d.spec.Task); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if d.spec.Threshold == 0 {
			d.spec.Threshold = d.def.Threshold
		}
		if d.spec.Threshold < 0.1 || d.spec.Threshold > 0.9 {
			return fmt.Errorf("%s: threshold must be within [0.1, 0.9], got %.2f", d.name, d.spec.Threshold)
		}
	}
	return nil
}
