package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kitchen-sync configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Capture          CaptureConfig     `yaml:"capture"`
	Environment      EnvironmentConfig `yaml:"environment"`
	Engine           EngineConfig      `yaml:"engine"`
	ScanModes        ScanModesConfig   `yaml:"scan_modes"`
	Settings         SettingsConfig    `yaml:"settings"`
	Pantry           PantryConfig      `yaml:"pantry"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Kafka            KafkaConfig       `yaml:"kafka"`
	StatusFeed       StatusFeedConfig  `yaml:"statusfeed"`
	Telemetry        TelemetryConfig   `yaml:"telemetry"`
	// ConnectivityProbe is dialed to decide whether model files can be
	// downloaded (default huggingface.co:443)
	ConnectivityProbe string `yaml:"connectivity_probe"`
}

// CaptureConfig contains camera settings
type CaptureConfig struct {
	Driver  string            `yaml:"driver"`  // gstreamer, synthetic
	Devices map[string]string `yaml:"devices"` // facing -> device node
	Facing  string            `yaml:"facing"`  // environment, user
	Width   int               `yaml:"width"`
	Height  int               `yaml:"height"`
	FPS     int               `yaml:"fps"`
}

// EnvironmentConfig describes where the service runs
type EnvironmentConfig struct {
	SecureTransport      bool   `yaml:"secure_transport"`
	Platform             string `yaml:"platform"`
	Standalone           bool   `yaml:"standalone"`
	HardwareAcceleration bool   `yaml:"hardware_acceleration"`
}

// EngineConfig selects where the inference engine runs
type EngineConfig struct {
	Mode         string `yaml:"mode"`   // process, inproc, zmq
	Binary       string `yaml:"binary"` // detect-engine path (process mode)
	Endpoint     string `yaml:"endpoint"`
	Codec        string `yaml:"codec"` // msgpack, cbor
	CacheDir     string `yaml:"cache_dir"`
	HubURL       string `yaml:"hub_url"`
	StopTimeoutS int    `yaml:"stop_timeout_s"`
}

// ScanModesConfig holds the model used by each scan mode
type ScanModesConfig struct {
	Quick ModelSpec `yaml:"quick"`
	Deep  ModelSpec `yaml:"deep"`
}

// ModelSpec defines a single model configuration
type ModelSpec struct {
	ModelID   string  `yaml:"model_id"`
	Task      string  `yaml:"task"`
	Threshold float64 `yaml:"threshold"`
	SizeMB    int     `yaml:"size_mb"`
}

// SettingsConfig contains default user settings
type SettingsConfig struct {
	ScanMode             string   `yaml:"scan_mode"`
	AutoAddToPantry      bool     `yaml:"auto_add_to_pantry"`
	ShowConfidenceScores *bool    `yaml:"show_confidence_scores,omitempty"`
	FoodLabels           []string `yaml:"food_labels"`
}

// PantryConfig selects the pantry collaborators
type PantryConfig struct {
	Sinks []string `yaml:"sinks"` // memory, mqtt, kafka
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Health  string `yaml:"health"`
	Pantry  string `yaml:"pantry"`
}

// KafkaConfig contains producer settings
type KafkaConfig struct {
	BootstrapServers string `yaml:"bootstrap_servers"`
	Topic            string `yaml:"topic"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	Acks             string `yaml:"acks"`
	CompressionType  string `yaml:"compression_type"`
}

// StatusFeedConfig contains the UI feed server settings
type StatusFeedConfig struct {
	Port int `yaml:"port"`
}

// TelemetryConfig contains DogStatsD settings
type TelemetryConfig struct {
	StatsdAddr string   `yaml:"statsd_addr"`
	Tags       []string `yaml:"tags"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides deployment-specific keys from the environment
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("KITCHEN_SYNC_MQTT_BROKER"); ok {
		cfg.MQTT.Broker = v
	}
	if v, ok := lookup("KITCHEN_SYNC_KAFKA_BROKERS"); ok {
		cfg.Kafka.BootstrapServers = v
	}
	if v, ok := lookup("KITCHEN_SYNC_STATSD_ADDR"); ok {
		cfg.Telemetry.StatsdAddr = v
	}
	if v, ok := lookup("KITCHEN_SYNC_PLATFORM"); ok {
		cfg.Environment.Platform = strings.ToLower(v)
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"KITCHEN_SYNC_SECURE_TRANSPORT", &cfg.Environment.SecureTransport},
		{"KITCHEN_SYNC_STANDALONE", &cfg.Environment.Standalone},
	}
	for _, b := range bools {
		v, ok := lookup(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = parsed
	}
	return nil
}
