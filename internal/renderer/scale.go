package renderer

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Scale returns img as RGBA at width x height, using bilinear
// interpolation when the size differs.
func Scale(img image.Image, width, height int) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, width, height))

	if bounds.Dx() == width && bounds.Dy() == height {
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
		return rgba
	}

	xdraw.BiLinear.Scale(rgba, rgba.Bounds(), img, bounds, xdraw.Src, nil)
	return rgba
}
