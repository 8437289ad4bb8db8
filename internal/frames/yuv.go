package frames

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/linuxmatters/kiln/internal/surface"
)

// YUVReader reads raw 4:2:0 pictures (I420, YV12 or NV12) and stores
// them as NV12.
type YUVReader struct {
	path   string
	file   *os.File
	r      *bufio.Reader
	width  int
	height int
	fourcc surface.FourCC
	total  int64

	// chroma scratch for planar layouts
	u, v []byte
}

// NewYUVReader opens path holding width x height pictures in fourcc layout
func NewYUVReader(path string, width, height int, fourcc surface.FourCC) (*YUVReader, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	switch fourcc {
	case surface.FourCCI420, surface.FourCCYV12, surface.FourCCNV12:
	default:
		return nil, fmt.Errorf("unsupported fourcc %q", fourcc)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}

	yr := &YUVReader{
		path:   path,
		file:   f,
		r:      bufio.NewReaderSize(f, 1<<20),
		width:  width,
		height: height,
		fourcc: fourcc,
		u:      make([]byte, width/2*height/2),
		v:      make([]byte, width/2*height/2),
	}

	if st, err := f.Stat(); err == nil {
		frameBytes := int64(width * height * 3 / 2)
		yr.total = st.Size() / frameBytes
		if st.Size()%frameBytes != 0 {
			logger.Warnf("%s: %d trailing bytes ignored", path, st.Size()%frameBytes)
		}
	}

	logger.Debugf("%s: %dx%d %s, %d frames", path, width, height, fourcc, yr.total)
	return yr, nil
}

// LoadNextFrame reads one picture into the visible area of s.
// A short read is the end of input.
func (yr *YUVReader) LoadNextFrame(s *surface.Surface) error {
	if yr.file == nil {
		return os.ErrClosed
	}
	if err := checkSurface(s, yr.width, yr.height); err != nil {
		return err
	}

	pitch := s.Pitch
	w, h := yr.width, yr.height
	cropX, cropY := s.Info.CropX, s.Info.CropY

	// Luma
	y := s.Y()
	for row := 0; row < h; row++ {
		off := (cropY+row)*pitch + cropX
		if err := yr.readFull(y[off : off+w]); err != nil {
			return err
		}
	}

	uv := s.UV()
	cw, ch := w/2, h/2

	if yr.fourcc == surface.FourCCNV12 {
		for row := 0; row < ch; row++ {
			off := (cropY/2+row)*pitch + cropX
			if err := yr.readFull(uv[off : off+w]); err != nil {
				return err
			}
		}
		return nil
	}

	first, second := yr.u, yr.v
	if yr.fourcc == surface.FourCCYV12 {
		first, second = yr.v, yr.u
	}
	if err := yr.readFull(first); err != nil {
		return err
	}
	if err := yr.readFull(second); err != nil {
		return err
	}

	// Interleave planar chroma into NV12
	for row := 0; row < ch; row++ {
		dst := uv[(cropY/2+row)*pitch+cropX:]
		src := row * cw
		for col := 0; col < cw; col++ {
			dst[2*col] = yr.u[src+col]
			dst[2*col+1] = yr.v[src+col]
		}
	}
	return nil
}

func (yr *YUVReader) readFull(p []byte) error {
	if _, err := io.ReadFull(yr.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read %s: %w", yr.path, err)
	}
	return nil
}

// Reset rewinds to the first picture
func (yr *YUVReader) Reset() error {
	if yr.file == nil {
		return os.ErrClosed
	}
	if _, err := yr.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", yr.path, err)
	}
	yr.r.Reset(yr.file)
	return nil
}

// Close closes the input file
func (yr *YUVReader) Close() error {
	if yr.file == nil {
		return nil
	}
	err := yr.file.Close()
	yr.file = nil
	return err
}

// FrameSize returns the picture size
func (yr *YUVReader) FrameSize() (int, int) { return yr.width, yr.height }

// TotalFrames returns the number of whole pictures in the file
func (yr *YUVReader) TotalFrames() int64 { return yr.total }
