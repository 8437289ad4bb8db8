package config

import (
	"math"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/surface"
)

// Align16 rounds v up to a multiple of 16
func Align16(v int) int { return (v + 15) &^ 15 }

// Align32 rounds v up to a multiple of 32
func Align32(v int) int { return (v + 31) &^ 31 }

// ConvertFrameRate expresses fps as a ratio: integers as N/1, NTSC rates
// as N*1000/1001 and anything else in units of 1/10000.
func ConvertFrameRate(fps float64) (n, d int) {
	fr := int(fps + .5)
	if math.Abs(float64(fr)-fps) < 0.0001 {
		return fr, 1
	}

	fr = int(fps*1.001 + .5)
	if math.Abs(float64(fr*1000)-fps*1001) < 10 {
		return fr * 1000, 1001
	}

	return int(fps*10000 + .5), 10000
}

// Params derives the device configuration from a validated EncodeConfig.
// Surfaces are always NV12; width is aligned to 16 and height to 16, or 32
// for field pictures. The crop rectangle is the input size.
func (c *EncodeConfig) Params() accel.Params {
	info := surface.FrameInfo{
		FourCC:    surface.FourCCNV12,
		PicStruct: surface.PicStructProgressive,
		Width:     Align16(c.Width),
		Height:    Align16(c.Height),
		CropW:     c.Width,
		CropH:     c.Height,
	}
	if c.PicStruct == "field" {
		info.PicStruct = surface.PicStructField
		info.Height = Align32(c.Height)
	}
	info.FrameRateN, info.FrameRateD = ConvertFrameRate(c.FPS)

	rc := accel.RateControlCBR
	if c.RateControl == "vbr" {
		rc = accel.RateControlVBR
	}

	return accel.Params{
		Info:        info,
		TargetKbps:  c.BitrateKbps,
		RateControl: rc,
		TargetUsage: accel.TargetUsage(c.TargetUsage),
		AsyncDepth:  c.AsyncDepth,
		GopSize:     c.GopSize,
		Lookahead:   c.Lookahead,
		LowPower:    c.LowPower == nil || *c.LowPower,
	}
}

// BufferSize returns the initial task buffer size for p
func (c *EncodeConfig) BufferSize(p accel.Params) int {
	if c.BitstreamBufferSize > 0 {
		return c.BitstreamBufferSize
	}
	return p.Info.Width * p.Info.Height * BufferSizeFactor
}
