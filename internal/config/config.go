// Package config holds the process configuration, loaded from JSON on
// disk and optionally hot-reloaded via fsnotify.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the full process configuration. JSON tags match the
// on-disk file; Check fills in defaults and rejects invalid
// combinations before anything downstream depends on them.
type Config struct {
	// Debug enables zap's development encoder (console, not JSON).
	Debug bool `json:"debug"`
	// LogFile is the lumberjack rotation target. Empty disables file
	// logging and keeps stderr only.
	LogFile string `json:"logFile"`

	// LowLatency enables FrameServer backpressure for live capture.
	LowLatency bool `json:"lowLatency"`
	// MaxQueueDepth bounds the frame store in low-latency mode. Zero
	// defaults to 10.
	MaxQueueDepth int `json:"maxQueueDepth"`
	// DetectionBoundingBox is the target long-edge size, in pixels, for
	// the derived detection image. Zero disables detection images.
	DetectionBoundingBox int `json:"detectionBoundingBox"`
	// MirrorMode flips the preview image horizontally.
	MirrorMode bool `json:"mirrorMode"`

	// EventReplayFile is a line-delimited JSON file to replay events
	// from. Empty disables replay.
	EventReplayFile string `json:"eventReplayFile"`
	// EventReplayStartOffset is subtracted from each replayed packet's
	// startTime before comparing it to current frame timestamps.
	EventReplayStartOffset float64 `json:"eventReplayStartOffset"`

	// OutputPaths are file paths output records are appended to. "-"
	// means stdout. Check defaults an empty list to stdout only.
	OutputPaths []string `json:"outputPaths"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint, e.g. ":9090". Empty disables the endpoint.
	MetricsAddr string `json:"metricsAddr"`

	// AnalyzerWorkersPerCPU is a worker count expressed as a fraction of
	// runtime.NumCPU(). Zero defaults to 1.0. Check validates it, but no
	// component in this module reads it.
	AnalyzerWorkersPerCPU float64 `json:"analyzerWorkersPerCPU"`
}

// Check fills in defaults for zero-valued optional fields and
// validates the rest, returning the first problem found.
func (c *Config) Check() error {
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = 10
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("config: maxQueueDepth must be >= 0, got %d", c.MaxQueueDepth)
	}
	if c.DetectionBoundingBox < 0 {
		return fmt.Errorf("config: detectionBoundingBox must be >= 0, got %d", c.DetectionBoundingBox)
	}
	if c.AnalyzerWorkersPerCPU == 0 {
		c.AnalyzerWorkersPerCPU = 1.0
	}
	if c.AnalyzerWorkersPerCPU < 0 {
		return fmt.Errorf("config: analyzerWorkersPerCPU must be >= 0, got %f", c.AnalyzerWorkersPerCPU)
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"-"}
	}
	if c.EventReplayFile != "" {
		if _, err := os.Stat(c.EventReplayFile); err != nil {
			return fmt.Errorf("config: eventReplayFile: %w", err)
		}
	}
	return nil
}

// Load reads and parses path, then runs Check on the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := c.Check(); err != nil {
		return nil, err
	}
	return &c, nil
}
