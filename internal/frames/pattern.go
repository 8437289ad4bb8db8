package frames

import (
	"io"

	"github.com/linuxmatters/kiln/internal/renderer"
	"github.com/linuxmatters/kiln/internal/surface"
)

// TestPattern generates a fixed number of synthetic pictures
type TestPattern struct {
	pattern *renderer.Pattern
	next    uint64
	total   uint64
}

// NewTestPattern returns a source of n width x height pattern frames
func NewTestPattern(width, height, n int) (*TestPattern, error) {
	p, err := renderer.NewPattern(width, height)
	if err != nil {
		return nil, err
	}
	return &TestPattern{pattern: p, total: uint64(n)}, nil
}

// LoadNextFrame renders the next pattern frame into s
func (tp *TestPattern) LoadNextFrame(s *surface.Surface) error {
	if tp.next >= tp.total {
		return io.EOF
	}
	w, h := tp.pattern.Size()
	if err := checkSurface(s, w, h); err != nil {
		return err
	}

	renderer.RGBAToNV12(tp.pattern.Render(tp.next), s)
	tp.next++
	return nil
}

// Reset restarts the pattern at frame 0
func (tp *TestPattern) Reset() error {
	tp.next = 0
	return nil
}

// Close is a no-op
func (tp *TestPattern) Close() error { return nil }

// FrameSize returns the pattern size
func (tp *TestPattern) FrameSize() (int, int) { return tp.pattern.Size() }

// TotalFrames returns the pattern length
func (tp *TestPattern) TotalFrames() int64 { return int64(tp.total) }
