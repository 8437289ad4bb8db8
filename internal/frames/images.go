package frames

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// Still image decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/linuxmatters/kiln/internal/renderer"
	"github.com/linuxmatters/kiln/internal/surface"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// ImageSequence plays the images of a directory in name order
type ImageSequence struct {
	dir    string
	files  []string
	next   int
	width  int
	height int
}

// NewImageSequence lists the images in dir; each is scaled to width x height
func NewImageSequence(dir string, width, height int) (*ImageSequence, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)

	logger.Debugf("%s: %d images", dir, len(files))
	return &ImageSequence{dir: dir, files: files, width: width, height: height}, nil
}

// LoadNextFrame decodes the next image into s
func (is *ImageSequence) LoadNextFrame(s *surface.Surface) error {
	if is.next >= len(is.files) {
		return io.EOF
	}
	if err := checkSurface(s, is.width, is.height); err != nil {
		return err
	}

	path := is.files[is.next]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}

	renderer.RGBAToNV12(renderer.Scale(img, is.width, is.height), s)
	is.next++
	return nil
}

// Reset rewinds to the first image
func (is *ImageSequence) Reset() error {
	is.next = 0
	return nil
}

// Close is a no-op; images are opened per frame
func (is *ImageSequence) Close() error { return nil }

// FrameSize returns the output picture size
func (is *ImageSequence) FrameSize() (int, int) { return is.width, is.height }

// TotalFrames returns the number of images
func (is *ImageSequence) TotalFrames() int64 { return int64(len(is.files)) }
