package renderer

import (
	"image"
	"runtime"
	"sync"

	"github.com/linuxmatters/kiln/internal/surface"
)

// YCbCr coefficients (BT.601, 16.16 fixed point)
const (
	yR  = 19595
	yG  = 38470
	yB  = 7471
	cbR = -11056
	cbG = -21712
	cbB = 32768
	crR = 32768
	crG = -27440
	crB = -5328
)

func rgbToY(r, g, b int32) uint8 {
	return uint8((yR*r + yG*g + yB*b + 1<<15) >> 16)
}

func rgbToCb(r, g, b int32) uint8 {
	cb := cbR*r + cbG*g + cbB*b + 257<<15
	if uint32(cb)&0xff000000 == 0 {
		cb >>= 16
	} else {
		cb = ^(cb >> 31)
	}
	return uint8(cb)
}

func rgbToCr(r, g, b int32) uint8 {
	cr := crR*r + crG*g + crB*b + 257<<15
	if uint32(cr)&0xff000000 == 0 {
		cr >>= 16
	} else {
		cr = ^(cr >> 31)
	}
	return uint8(cr)
}

// parallelRows splits [0, height) into even-aligned bands, one per CPU
func parallelRows(height int, fn func(startY, endY int)) {
	workers := runtime.NumCPU()
	rowsPerWorker := (height / workers) &^ 1
	if rowsPerWorker < 2 {
		fn(0, height)
		return
	}

	var wg sync.WaitGroup
	wg.Add(workers)

	for worker := 0; worker < workers; worker++ {
		startY := worker * rowsPerWorker
		endY := startY + rowsPerWorker
		if worker == workers-1 {
			endY = height
		}

		go func(startY, endY int) {
			defer wg.Done()
			fn(startY, endY)
		}(startY, endY)
	}

	wg.Wait()
}

// RGBAToNV12 converts img into the visible area of s. Chroma is taken from
// the top-left pixel of each 2x2 block. Pixels outside img are left alone.
func RGBAToNV12(img *image.RGBA, s *surface.Surface) {
	width, height := s.Info.VisibleSize()
	b := img.Bounds()
	if b.Dx() < width {
		width = b.Dx()
	}
	if b.Dy() < height {
		height = b.Dy()
	}

	yPlane := s.Y()
	uvPlane := s.UV()
	pitch := s.Pitch

	parallelRows(height, func(startY, endY int) {
		for y := startY; y < endY; y++ {
			src := img.Pix[y*img.Stride:]
			dst := yPlane[y*pitch:]
			chroma := y&1 == 0
			uvRow := uvPlane[(y>>1)*pitch:]

			for x := 0; x < width; x++ {
				r := int32(src[x*4])
				g := int32(src[x*4+1])
				bl := int32(src[x*4+2])

				dst[x] = rgbToY(r, g, bl)

				if chroma && x&1 == 0 {
					uvRow[x] = rgbToCb(r, g, bl)
					uvRow[x+1] = rgbToCr(r, g, bl)
				}
			}
		}
	})
}
