package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Video settings
const (
	DefaultFPS         = 30.0
	DefaultAsyncDepth  = 4 // Tasks in flight
	DefaultTargetUsage = 4 // Balanced speed/quality
	DefaultGopSize     = 0 // Device decides
	DefaultLookahead   = 0
	BufferSizeFactor   = 4 // Initial task buffer is alignedW * alignedH * BufferSizeFactor
)

// Pipeline timing
const (
	// SurfaceWaitTimeout bounds the wait for the device to release a surface
	SurfaceWaitTimeout = 20 * time.Second

	// SurfacePollInterval is the sleep between surface pool scans
	SurfacePollInterval = 10 * time.Millisecond

	// SyncWaitInterval is the completion wait, sized for a full pipeline of
	// slow frames: 300 s + 3 * 300 s + 300 s
	SyncWaitInterval = (300000 + 3*300000 + 300000) * time.Millisecond

	// BusyBackoff is the pause before resubmitting to a busy device
	BusyBackoff = time.Millisecond

	// ProgressInterval reports every Nth written frame (plus the first)
	ProgressInterval = 100

	// DefaultMaxRecoveries bounds device resets in one encode
	DefaultMaxRecoveries = 3
)

// Appearance of the built-in test pattern
const (
	// Frame counter colour (brand yellow #F8B31D)
	TextColorR = 248
	TextColorG = 179
	TextColorB = 29

	// Frame counter font size in points at 720 lines; scaled with height
	CounterFontSize = 48.0

	// Width in pixels of the moving sweep bar at 1280 columns
	SweepWidth = 24
)

// ErrInvalidConfig is returned for settings that cannot be encoded
var ErrInvalidConfig = errors.New("invalid configuration")

// HangPolicy selects what happens to input and output after a device reset
type HangPolicy string

const (
	// HangContinue keeps the input position and starts a new output segment
	HangContinue HangPolicy = "continue"
	// HangRestart rewinds the input and truncates the output
	HangRestart HangPolicy = "restart"
)

// EncodeConfig is the complete encode job. It can be loaded from YAML and
// is then overridden by command line values.
type EncodeConfig struct {
	Input       string  `yaml:"input"`
	Output      string  `yaml:"output"`
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	BitrateKbps int     `yaml:"bitrate_kbps"`
	FPS         float64 `yaml:"fps"`
	FourCC      string  `yaml:"fourcc"`     // Raw input layout: i420, yv12, nv12
	PicStruct   string  `yaml:"pic_struct"` // progressive, field

	Device      string `yaml:"device"` // auto, qsv, nvenc, vaapi, videotoolbox, software, soft
	AsyncDepth  int    `yaml:"async_depth"`
	GopSize     int    `yaml:"gop_size"`
	Lookahead   int    `yaml:"lookahead"`
	TargetUsage int    `yaml:"target_usage"`
	RateControl string `yaml:"rate_control"` // cbr, vbr
	LowPower    *bool  `yaml:"low_power"`

	OnHang        HangPolicy `yaml:"on_hang"`
	MaxRecoveries int        `yaml:"max_recoveries"` // Negative disables recovery

	// BitstreamBufferSize overrides the initial task buffer size in bytes
	BitstreamBufferSize int `yaml:"bitstream_buffer_size"`

	SurfaceTimeoutMs int `yaml:"surface_timeout_ms"`
	SurfacePollMs    int `yaml:"surface_poll_ms"`
	SyncTimeoutMs    int `yaml:"sync_timeout_ms"`
	ProgressInterval int `yaml:"progress_interval"`
}

// Load reads an encode job from a YAML file. Unknown keys are rejected.
// The result is not validated because command line values are usually
// merged in first.
func Load(path string) (*EncodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg EncodeConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and rejects settings that cannot work
func Validate(cfg *EncodeConfig) error {
	if cfg.Input == "" {
		return fmt.Errorf("%w: input is required", ErrInvalidConfig)
	}
	if cfg.Output == "" {
		return fmt.Errorf("%w: output is required", ErrInvalidConfig)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return fmt.Errorf("%w: frame size %dx%d must be even for 4:2:0", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if cfg.BitrateKbps <= 0 {
		return fmt.Errorf("%w: bitrate must be positive, got %d", ErrInvalidConfig, cfg.BitrateKbps)
	}

	if cfg.FPS == 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.FPS < 0 {
		return fmt.Errorf("%w: fps must be positive, got %g", ErrInvalidConfig, cfg.FPS)
	}

	if cfg.FourCC == "" {
		cfg.FourCC = "i420"
	}
	switch strings.ToLower(cfg.FourCC) {
	case "i420", "yv12", "nv12":
		cfg.FourCC = strings.ToLower(cfg.FourCC)
	default:
		return fmt.Errorf("%w: fourcc %q (want i420, yv12 or nv12)", ErrInvalidConfig, cfg.FourCC)
	}

	switch cfg.PicStruct {
	case "":
		cfg.PicStruct = "progressive"
	case "progressive", "field":
	default:
		return fmt.Errorf("%w: pic_struct %q", ErrInvalidConfig, cfg.PicStruct)
	}

	if cfg.Device == "" {
		cfg.Device = "auto"
	}

	if cfg.AsyncDepth == 0 {
		cfg.AsyncDepth = DefaultAsyncDepth
	}
	if cfg.AsyncDepth < 1 || cfg.AsyncDepth > 64 {
		return fmt.Errorf("%w: async_depth must be 1-64, got %d", ErrInvalidConfig, cfg.AsyncDepth)
	}
	if cfg.GopSize < 0 {
		return fmt.Errorf("%w: gop_size must not be negative", ErrInvalidConfig)
	}
	if cfg.Lookahead < 0 {
		return fmt.Errorf("%w: lookahead must not be negative", ErrInvalidConfig)
	}

	if cfg.TargetUsage == 0 {
		cfg.TargetUsage = DefaultTargetUsage
	}
	if cfg.TargetUsage < 1 || cfg.TargetUsage > 7 {
		return fmt.Errorf("%w: target_usage must be 1-7, got %d", ErrInvalidConfig, cfg.TargetUsage)
	}

	switch cfg.RateControl {
	case "":
		cfg.RateControl = "cbr"
	case "cbr", "vbr":
	default:
		return fmt.Errorf("%w: rate_control %q", ErrInvalidConfig, cfg.RateControl)
	}

	if cfg.LowPower == nil {
		on := true
		cfg.LowPower = &on
	}

	switch cfg.OnHang {
	case "":
		cfg.OnHang = HangContinue
	case HangContinue, HangRestart:
	default:
		return fmt.Errorf("%w: on_hang %q (want continue or restart)", ErrInvalidConfig, cfg.OnHang)
	}

	if cfg.MaxRecoveries == 0 {
		cfg.MaxRecoveries = DefaultMaxRecoveries
	}
	if cfg.BitstreamBufferSize < 0 {
		return fmt.Errorf("%w: bitstream_buffer_size must not be negative", ErrInvalidConfig)
	}

	if cfg.SurfaceTimeoutMs <= 0 {
		cfg.SurfaceTimeoutMs = int(SurfaceWaitTimeout / time.Millisecond)
	}
	if cfg.SurfacePollMs <= 0 {
		cfg.SurfacePollMs = int(SurfacePollInterval / time.Millisecond)
	}
	if cfg.SyncTimeoutMs <= 0 {
		cfg.SyncTimeoutMs = int(SyncWaitInterval / time.Millisecond)
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = ProgressInterval
	}

	return nil
}

// Recoveries returns how many device resets an encode may perform
func (c *EncodeConfig) Recoveries() int {
	if c.MaxRecoveries < 0 {
		return 0
	}
	return c.MaxRecoveries
}

// SurfaceTimeout returns the surface acquisition budget
func (c *EncodeConfig) SurfaceTimeout() time.Duration {
	return time.Duration(c.SurfaceTimeoutMs) * time.Millisecond
}

// SurfacePoll returns the surface pool polling interval
func (c *EncodeConfig) SurfacePoll() time.Duration {
	return time.Duration(c.SurfacePollMs) * time.Millisecond
}

// SyncTimeout returns the completion wait interval
func (c *EncodeConfig) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMs) * time.Millisecond
}
