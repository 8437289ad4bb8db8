// Package renderer draws synthetic test frames and converts RGBA pictures
// to the NV12 layout the encoder consumes.
package renderer

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"

	"github.com/linuxmatters/kiln/internal/config"
)

// 75% colour bars, left to right
var barColors = []color.RGBA{
	{191, 191, 191, 255}, // white
	{191, 191, 0, 255},   // yellow
	{0, 191, 191, 255},   // cyan
	{0, 191, 0, 255},     // green
	{191, 0, 191, 255},   // magenta
	{191, 0, 0, 255},     // red
	{0, 0, 191, 255},     // blue
}

// Pattern renders colour bars with a moving sweep and a frame counter.
// Render reuses one image, so a Pattern is not safe for concurrent use.
type Pattern struct {
	width  int
	height int
	base   *image.RGBA
	frame  *image.RGBA
	face   font.Face
	text   color.RGBA
}

// NewPattern prepares a width x height pattern
func NewPattern(width, height int) (*Pattern, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pattern size: %dx%d", width, height)
	}

	size := config.CounterFontSize * float64(height) / 720
	if size < 8 {
		size = 8
	}
	face, err := DefaultFace(size)
	if err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}

	p := &Pattern{
		width:  width,
		height: height,
		base:   image.NewRGBA(image.Rect(0, 0, width, height)),
		frame:  image.NewRGBA(image.Rect(0, 0, width, height)),
		face:   face,
		text:   color.RGBA{R: config.TextColorR, G: config.TextColorG, B: config.TextColorB, A: 255},
	}
	p.drawBars()
	return p, nil
}

func (p *Pattern) drawBars() {
	barsHeight := p.height * 3 / 4
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := color.RGBA{16, 16, 16, 255}
			if y < barsHeight {
				c = barColors[x*len(barColors)/p.width]
			} else {
				// Luma ramp along the bottom
				v := uint8(x * 255 / p.width)
				c = color.RGBA{v, v, v, 255}
			}
			p.base.SetRGBA(x, y, c)
		}
	}
}

// Render draws frame n and returns the shared image
func (p *Pattern) Render(n uint64) *image.RGBA {
	copy(p.frame.Pix, p.base.Pix)

	sweep := config.SweepWidth * p.width / 1280
	if sweep < 2 {
		sweep = 2
	}
	step := p.width / 120
	if step < 1 {
		step = 1
	}
	x0 := int(n*uint64(step)) % p.width

	white := color.RGBA{235, 235, 235, 255}
	for y := 0; y < p.height*3/4; y++ {
		for x := x0; x < x0+sweep && x < p.width; x++ {
			p.frame.SetRGBA(x, y, white)
		}
	}

	DrawCenterText(p.frame, p.face, fmt.Sprintf("%06d", n), p.height*3/8, p.text)
	return p.frame
}

// Size returns the pattern dimensions
func (p *Pattern) Size() (int, int) { return p.width, p.height }
