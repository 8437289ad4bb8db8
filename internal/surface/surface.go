package surface

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// FourCC identifies a raw pixel layout
type FourCC string

const (
	FourCCNV12 FourCC = "nv12" // Y plane + interleaved UV (encoder native)
	FourCCI420 FourCC = "i420" // Y, U, V planes
	FourCCYV12 FourCC = "yv12" // Y, V, U planes
)

// ParseFourCC accepts a case-insensitive fourcc name
func ParseFourCC(s string) (FourCC, error) {
	switch f := FourCC(strings.ToLower(strings.TrimSpace(s))); f {
	case FourCCNV12, FourCCI420, FourCCYV12:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported fourcc %q (want nv12, i420 or yv12)", s)
	}
}

// PicStruct describes how a picture is scanned
type PicStruct int

const (
	PicStructProgressive PicStruct = iota
	PicStructField
)

// FrameInfo describes the geometry of a surface.
// Width and Height are the allocated (aligned) size; the crop rectangle is
// the visible picture.
type FrameInfo struct {
	FourCC     FourCC
	PicStruct  PicStruct
	Width      int
	Height     int
	CropX      int
	CropY      int
	CropW      int
	CropH      int
	FrameRateN int
	FrameRateD int
}

// VisibleSize returns the crop size, or the full size when no crop is set
func (fi FrameInfo) VisibleSize() (int, int) {
	if fi.CropW > 0 && fi.CropH > 0 {
		return fi.CropW, fi.CropH
	}
	return fi.Width, fi.Height
}

// Surface is a raw NV12 frame buffer shared with the accelerator.
type Surface struct {
	Info  FrameInfo
	Pitch int
	Data  []byte

	// FrameOrder is the read-order index stamped before submission
	FrameOrder uint64

	locked atomic.Int32
}

// NewSurface allocates an NV12 surface for info
func NewSurface(info FrameInfo) *Surface {
	pitch := info.Width
	return &Surface{
		Info:  info,
		Pitch: pitch,
		Data:  make([]byte, pitch*info.Height*3/2),
	}
}

// Y returns the luma plane
func (s *Surface) Y() []byte {
	return s.Data[:s.Pitch*s.Info.Height]
}

// UV returns the interleaved chroma plane
func (s *Surface) UV() []byte {
	return s.Data[s.Pitch*s.Info.Height:]
}

// Lock marks the surface as in use by the accelerator.
// Only the accelerator locks and unlocks surfaces; the pipeline just reads the state.
func (s *Surface) Lock() { s.locked.Add(1) }

// Unlock releases one accelerator reference
func (s *Surface) Unlock() {
	if s.locked.Add(-1) < 0 {
		s.locked.Store(0)
	}
}

// Locked reports whether the accelerator still holds the surface
func (s *Surface) Locked() bool { return s.locked.Load() > 0 }
