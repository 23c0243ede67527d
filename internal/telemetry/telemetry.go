// Package telemetry sends DogStatsD timings and counters. A client built
// without an address discards everything.
package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Namespace prefixes every metric name
const Namespace = "kitchen_sync."

// Metric names
const (
	ScanLatency      = "scan.latency"
	ScanCount        = "scan.count"
	DetectLatency    = "detect.latency"
	ModelLoadLatency = "model.load_latency"
	ModelLoadError   = "model.load_error"
	CaptureFallback  = "capture.fallback"
)

// Client is safe to use from multiple goroutines
type Client struct {
	statsd statsd.ClientInterface
	rate   float64
}

// Config configures a Client
type Config struct {
	// Addr is the agent address (host:port). Empty selects the no-op client.
	Addr string
	// Tags are attached to every metric
	Tags []string
}

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		slog.Info("telemetry: no statsd address, metrics disabled")
		return NewNoop(), nil
	}
	c, err := statsd.New(cfg.Addr,
		statsd.WithNamespace(Namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: statsd client: %w", err)
	}
	slog.Info("telemetry: statsd client initialized", "addr", cfg.Addr, "tags", cfg.Tags)
	return &Client{statsd: c, rate: 1}, nil
}

// NewNoop returns a client that discards metrics
func NewNoop() *Client {
	return &Client{statsd: &statsd.NoOpClient{}, rate: 1}
}

// Timing records a duration
func (c *Client) Timing(name string, d time.Duration, tags ...string) {
	if err := c.statsd.Timing(name, d, tags, c.rate); err != nil {
		slog.Debug("telemetry: timing failed", "metric", name, "error", err)
	}
}

// Count adds v to a counter
func (c *Client) Count(name string, v int64, tags ...string) {
	if err := c.statsd.Count(name, v, tags, c.rate); err != nil {
		slog.Debug("telemetry: count failed", "metric", name, "error", err)
	}
}

// Since records the time elapsed since start
func (c *Client) Since(name string, start time.Time, tags ...string) {
	c.Timing(name, time.Since(start), tags...)
}

// Close flushes and closes the underlying client
func (c *Client) Close() error {
	return c.statsd.Close()
}
