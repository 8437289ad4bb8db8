// Package accel defines the contract between the encode pipeline and an
// encode accelerator, and keeps the registry of available accelerators.
package accel

import (
	"errors"
	"fmt"
	"time"

	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

// Status errors reported by a Device.
var (
	// ErrDeviceBusy is a warning: the device could not take the submission yet
	ErrDeviceBusy = errors.New("accel: device busy")

	// ErrPartialAcceleration is a warning from Init: some work runs in software
	ErrPartialAcceleration = errors.New("accel: partial acceleration")

	// ErrMoreData means the device needs more input before it can produce output
	ErrMoreData = errors.New("accel: more data needed")

	// ErrNotEnoughBuffer means the output buffer is smaller than RequiredBufferSize
	ErrNotEnoughBuffer = errors.New("accel: not enough output buffer")

	// ErrDeviceHang is reported by SyncOperation when the hardware stopped responding
	ErrDeviceHang = errors.New("accel: device hang")

	// ErrDeviceLost means the device went away and the session must be rebuilt
	ErrDeviceLost = errors.New("accel: device lost")

	// ErrDeviceFailed means the device failed and the session must be rebuilt
	ErrDeviceFailed = errors.New("accel: device failed")

	// ErrInExecution is returned when a sync wait timed out before completion
	ErrInExecution = errors.New("accel: operation still in execution")

	// ErrNotInitialized is returned for calls made before Init or after Close
	ErrNotInitialized = errors.New("accel: device not initialised")

	// ErrInvalidParams is returned by Init and QueryIOSurf for unusable parameters
	ErrInvalidParams = errors.New("accel: invalid parameters")

	// ErrInvalidSyncPoint is returned for an unknown or already consumed sync point
	ErrInvalidSyncPoint = errors.New("accel: invalid sync point")
)

// IsWarning reports whether err is informational rather than a failure
func IsWarning(err error) bool {
	return errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrPartialAcceleration)
}

// NeedsReset reports whether err requires the session to be torn down and rebuilt
func NeedsReset(err error) bool {
	return errors.Is(err, ErrDeviceHang) || errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrDeviceFailed)
}

// SyncPoint is the completion handle of one submission. Zero means none.
type SyncPoint uint64

// FrameType selects the picture type of a submission
type FrameType int

const (
	FrameTypeAuto FrameType = iota
	FrameTypeIDR
)

// EncodeCtrl carries per-submission controls
type EncodeCtrl struct {
	FrameType FrameType
}

// ForceKeyframe reports whether the submission must start a new GOP
func (c *EncodeCtrl) ForceKeyframe() bool {
	return c != nil && c.FrameType == FrameTypeIDR
}

// RateControl selects the bitrate control method
type RateControl int

const (
	RateControlCBR RateControl = iota
	RateControlVBR
)

func (r RateControl) String() string {
	switch r {
	case RateControlVBR:
		return "vbr"
	default:
		return "cbr"
	}
}

// TargetUsage trades speed against quality, 1 (quality) to 7 (speed)
type TargetUsage int

const (
	TargetUsageBestQuality TargetUsage = 1
	TargetUsageBalanced    TargetUsage = 4
	TargetUsageBestSpeed   TargetUsage = 7
)

// Params describes one encoder configuration
type Params struct {
	Info        surface.FrameInfo
	TargetKbps  int
	RateControl RateControl
	TargetUsage TargetUsage
	AsyncDepth  int
	GopSize     int
	Lookahead   int
	LowPower    bool
}

// Validate checks the parameters any device needs
func (p Params) Validate() error {
	if p.Info.Width <= 0 || p.Info.Height <= 0 {
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalidParams, p.Info.Width, p.Info.Height)
	}
	if p.Info.FrameRateN <= 0 || p.Info.FrameRateD <= 0 {
		return fmt.Errorf("%w: frame rate %d/%d", ErrInvalidParams, p.Info.FrameRateN, p.Info.FrameRateD)
	}
	if p.TargetKbps <= 0 {
		return fmt.Errorf("%w: bitrate %d kbps", ErrInvalidParams, p.TargetKbps)
	}
	if p.AsyncDepth <= 0 {
		return fmt.Errorf("%w: async depth %d", ErrInvalidParams, p.AsyncDepth)
	}
	if p.Lookahead < 0 {
		return fmt.Errorf("%w: lookahead %d", ErrInvalidParams, p.Lookahead)
	}
	return nil
}

// SurfaceRequest is the device's answer to QueryIOSurf
type SurfaceRequest struct {
	Info      surface.FrameInfo
	Min       int
	Suggested int
}

// Device is an asynchronous encode accelerator.
//
// EncodeFrameAsync queues work and returns immediately. The output buffer
// and the surface belong to the device until SyncOperation reports
// completion for the returned sync point (the surface until the device
// unlocks it). A nil surface asks the device to flush buffered frames.
type Device interface {
	Init(p Params) error
	Close() error
	QueryIOSurf(p Params) (SurfaceRequest, error)
	RequiredBufferSize() (int, error)
	EncodeFrameAsync(ctrl *EncodeCtrl, s *surface.Surface, bs *bitstream.Buffer) (SyncPoint, error)
	SyncOperation(sp SyncPoint, timeout time.Duration) error
}
