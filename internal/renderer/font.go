package renderer

import (
	"image"
	"image/color"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// DefaultFace returns the embedded Go Regular font at size points
func DefaultFace(size float64) (font.Face, error) {
	return parseFace(goregular.TTF, size)
}

func parseFace(ttf []byte, size float64) (font.Face, error) {
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, err
	}

	face := truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})

	return face, nil
}

// DrawCenterText draws text centred horizontally with its baseline near centerY
func DrawCenterText(img *image.RGBA, face font.Face, text string, centerY int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
	}

	bounds, _ := d.BoundString(text)
	textWidth := (bounds.Max.X - bounds.Min.X).Ceil()
	textHeight := (bounds.Max.Y - bounds.Min.Y).Ceil()

	x := (img.Bounds().Dx() - textWidth) / 2
	y := centerY + textHeight/2

	d.Dot = freetype.Pt(x, y)
	d.DrawString(text)
}
