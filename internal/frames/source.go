// Package frames provides the raw picture inputs of an encode: planar YUV
// files, directories of still images and a synthetic test pattern.
package frames

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kataras/golog"

	"github.com/linuxmatters/kiln/internal/surface"
)

var logger = golog.Child("[frames]")

// DefaultPatternFrames is the length of "testsrc" without a count
const DefaultPatternFrames = 300

// ErrFrameSize is returned when a surface cannot hold the source's pictures
var ErrFrameSize = errors.New("frames: surface does not match input size")

// Source fills surfaces with pictures in display order
type Source interface {
	// LoadNextFrame fills s, returning io.EOF at end of input
	LoadNextFrame(s *surface.Surface) error

	// Reset rewinds to the first picture
	Reset() error

	Close() error

	// FrameSize returns the picture size in pixels
	FrameSize() (int, int)

	// TotalFrames returns the number of pictures, or 0 when unknown
	TotalFrames() int64
}

// Open picks a source for input: "testsrc" or "testsrc:N" for the test
// pattern, a directory for an image sequence, anything else for a raw
// YUV file in layout fourcc.
func Open(input string, width, height int, fourcc surface.FourCC) (Source, error) {
	if input == "testsrc" || strings.HasPrefix(input, "testsrc:") {
		n := DefaultPatternFrames
		if _, count, ok := strings.Cut(input, ":"); ok {
			v, err := strconv.Atoi(count)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid test pattern length %q", count)
			}
			n = v
		}
		return NewTestPattern(width, height, n)
	}

	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	if info.IsDir() {
		return NewImageSequence(input, width, height)
	}
	return NewYUVReader(input, width, height, fourcc)
}

// checkSurface verifies s can hold a width x height picture
func checkSurface(s *surface.Surface, width, height int) error {
	w, h := s.Info.VisibleSize()
	if w != width || h != height {
		return fmt.Errorf("%w: surface %dx%d, input %dx%d", ErrFrameSize, w, h, width, height)
	}
	if s.Info.CropX+w > s.Pitch || s.Info.CropY+h > s.Info.Height {
		return fmt.Errorf("%w: crop exceeds surface", ErrFrameSize)
	}
	return nil
}
