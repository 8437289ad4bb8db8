package bitstream

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/kataras/golog"
)

var logger = golog.Child("[bitstream]")

// ErrWriterClosed is returned when writing to a writer that was not opened
var ErrWriterClosed = errors.New("bitstream: writer not initialised")

// Sink receives completed task output in submission order.
type Sink interface {
	// WriteNextFrame consumes the valid region of b
	WriteNextFrame(b *Buffer) error

	// Reset restarts output after the encoder was reconfigured
	Reset() error
}

// ResetMode controls what FileWriter.Reset does with output already written.
type ResetMode int

const (
	// ResetTruncate reopens the output file from the start
	ResetTruncate ResetMode = iota
	// ResetSegment keeps written output and starts a new segment in place
	ResetSegment
)

// ProgressFunc is called after a frame has been written.
// frames is the total written so far, bytes the total byte count.
type ProgressFunc func(frames, bytes int64)

// FileWriter writes encoded frames to a file.
type FileWriter struct {
	path     string
	file     *os.File
	w        *bufio.Writer
	mode     ResetMode
	interval int64
	progress ProgressFunc

	frames   atomic.Int64
	bytes    atomic.Int64
	segments int
}

// NewFileWriter creates (or truncates) path for writing.
// interval controls how often progress is reported; 0 disables it.
func NewFileWriter(path string, mode ResetMode, interval int, progress ProgressFunc) (*FileWriter, error) {
	fw := &FileWriter{
		path:     path,
		mode:     mode,
		interval: int64(interval),
		progress: progress,
	}
	if err := fw.open(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWriter) open() error {
	if fw.path == "" {
		return fmt.Errorf("output path cannot be empty")
	}

	f, err := os.OpenFile(fw.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	fw.file = f
	fw.w = bufio.NewWriterSize(f, 1<<20)
	return nil
}

// WriteNextFrame writes the valid region of b and marks it consumed
func (fw *FileWriter) WriteNextFrame(b *Buffer) error {
	if fw.w == nil {
		return ErrWriterClosed
	}

	data := b.Bytes()
	n, err := fw.w.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}

	// The buffer's contents are no longer needed
	b.Consume(n)

	frames := fw.frames.Add(1)
	total := fw.bytes.Add(int64(n))

	if fw.interval > 0 && (frames == 1 || frames%fw.interval == 0) {
		logger.Debugf("frame number: %d", frames)
		if fw.progress != nil {
			fw.progress(frames, total)
		}
	}

	return nil
}

// Reset restarts output according to the writer's ResetMode
func (fw *FileWriter) Reset() error {
	switch fw.mode {
	case ResetSegment:
		if err := fw.flush(); err != nil {
			return err
		}
		fw.segments++
		logger.Infof("output segment %d starts at byte %d", fw.segments, fw.bytes.Load())
		return nil
	default:
		if err := fw.Close(); err != nil {
			return err
		}
		fw.frames.Store(0)
		fw.bytes.Store(0)
		return fw.open()
	}
}

func (fw *FileWriter) flush() error {
	if fw.w == nil {
		return nil
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Close flushes buffered output and closes the file
func (fw *FileWriter) Close() error {
	if fw.file == nil {
		return nil
	}

	err := fw.flush()
	if cerr := fw.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close output file: %w", cerr)
	}

	fw.file = nil
	fw.w = nil
	return err
}

// Frames returns the number of frames written
func (fw *FileWriter) Frames() int64 { return fw.frames.Load() }

// BytesWritten returns the number of bytes written
func (fw *FileWriter) BytesWritten() int64 { return fw.bytes.Load() }

// Segments returns how many times output was restarted in segment mode
func (fw *FileWriter) Segments() int { return fw.segments }

// Path returns the output path
func (fw *FileWriter) Path() string { return fw.path }
