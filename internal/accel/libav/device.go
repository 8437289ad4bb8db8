//go:build libav

// Package libav drives FFmpeg's H.264 encoders through the accel.Device
// protocol. FFmpeg encodes synchronously, so sync points complete as soon as
// they are issued and queued packets stand in for in-flight work.
package libav

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/kataras/golog"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

var logger = golog.Child("[libav]")

// encoder describes one FFmpeg H.264 encoder
type encoder struct {
	name        string
	codec       string
	typ         accel.Type
	priority    int
	description string
}

var encoders = []encoder{
	{"qsv", "h264_qsv", accel.TypeQSV, 10, "Intel Quick Sync Video (h264_qsv)"},
	{"nvenc", "h264_nvenc", accel.TypeNVENC, 20, "NVIDIA NVENC (h264_nvenc)"},
	{"videotoolbox", "h264_videotoolbox", accel.TypeVideoToolbox, 30, "Apple VideoToolbox (h264_videotoolbox)"},
	{"software", "libx264", accel.TypeSoftware, 900, "x264 software encoder (libx264)"},
}

func init() {
	for _, e := range encoders {
		e := e
		accel.Register(accel.Backend{
			Name:        e.name,
			Type:        e.typ,
			Priority:    e.priority,
			Description: e.description,
			Check:       func() bool { return tryOpen(e) },
			New: func() (accel.Device, error) {
				return New(e.codec), nil
			},
		})
	}
}

// quietOpen silences FFmpeg and libva while test-opening hardware
func quietOpen() func() {
	oldLevel := astiav.GetLogLevel()
	astiav.SetLogLevel(astiav.LogLevelQuiet)

	oldLibva, hadLibva := os.LookupEnv("LIBVA_MESSAGING_LEVEL")
	os.Setenv("LIBVA_MESSAGING_LEVEL", "0")

	return func() {
		astiav.SetLogLevel(oldLevel)
		if hadLibva {
			os.Setenv("LIBVA_MESSAGING_LEVEL", oldLibva)
		} else {
			os.Unsetenv("LIBVA_MESSAGING_LEVEL")
		}
	}
}

// tryOpen opens the encoder once at a small size; that is the only reliable
// test that the hardware behind it works.
func tryOpen(e encoder) bool {
	defer quietOpen()()

	d := New(e.codec)
	err := d.Init(accel.Params{
		Info: surface.FrameInfo{
			FourCC:     surface.FourCCNV12,
			Width:      256,
			Height:     256,
			FrameRateN: 30,
			FrameRateD: 1,
		},
		TargetKbps:  1000,
		TargetUsage: accel.TargetUsageBalanced,
		AsyncDepth:  1,
	})
	if err != nil {
		logger.Debugf("%s unavailable: %v", e.codec, err)
		return false
	}
	d.Close()
	return true
}

// Device wraps one FFmpeg encoder session
type Device struct {
	codecName string

	mu       sync.Mutex
	params   accel.Params
	codec    *astiav.Codec
	ctx      *astiav.CodecContext
	frame    *astiav.Frame
	pkt      *astiav.Packet
	ready    [][]byte
	accepted *surface.Surface
	flushing bool
	pending  map[accel.SyncPoint]struct{}
	nextSP   accel.SyncPoint
	required int
}

// New returns an uninitialised device for the named FFmpeg encoder
func New(codecName string) *Device {
	return &Device{codecName: codecName}
}

// Init opens the encoder for p
func (d *Device) Init(p accel.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("%w: %s already open", accel.ErrInvalidParams, d.codecName)
	}

	codec := astiav.FindEncoderByName(d.codecName)
	if codec == nil {
		return fmt.Errorf("%w: %s not compiled into FFmpeg", accel.ErrDeviceFailed, d.codecName)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return fmt.Errorf("%w: failed to allocate %s context", accel.ErrDeviceFailed, d.codecName)
	}

	info := p.Info
	ctx.SetWidth(info.Width)
	ctx.SetHeight(info.Height)
	ctx.SetPixelFormat(astiav.PixelFormatNv12)
	ctx.SetTimeBase(astiav.NewRational(info.FrameRateD, info.FrameRateN))
	ctx.SetFramerate(astiav.NewRational(info.FrameRateN, info.FrameRateD))
	ctx.SetBitRate(int64(p.TargetKbps) * 1000)
	if p.GopSize > 0 {
		ctx.SetGopSize(p.GopSize)
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	for k, v := range encoderOptions(d.codecName, p) {
		if err := opts.Set(k, v, 0); err != nil {
			ctx.Free()
			return fmt.Errorf("setting %s=%s: %w", k, v, err)
		}
	}

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return fmt.Errorf("%w: opening %s: %v", accel.ErrDeviceFailed, d.codecName, err)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(info.Width)
	frame.SetHeight(info.Height)
	frame.SetPixelFormat(astiav.PixelFormatNv12)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		ctx.Free()
		return fmt.Errorf("%w: allocating frame: %v", accel.ErrDeviceFailed, err)
	}

	d.params = p
	d.codec = codec
	d.ctx = ctx
	d.frame = frame
	d.pkt = astiav.AllocPacket()
	d.ready = nil
	d.accepted = nil
	d.flushing = false
	d.pending = make(map[accel.SyncPoint]struct{})
	d.required = 0

	logger.Debugf("%s opened at %dx%d, %d kbps", d.codecName, info.Width, info.Height, p.TargetKbps)
	return nil
}

// encoderOptions maps params onto FFmpeg private options for codec
func encoderOptions(codec string, p accel.Params) map[string]string {
	opts := map[string]string{
		// Output order must equal input order for FIFO task completion
		"bf": "0",
	}

	kbps := strconv.Itoa(p.TargetKbps) + "k"
	if p.RateControl == accel.RateControlCBR {
		opts["maxrate"] = kbps
		opts["minrate"] = kbps
		opts["bufsize"] = strconv.Itoa(p.TargetKbps*2) + "k"
	}

	switch codec {
	case "h264_qsv":
		opts["preset"] = map[accel.TargetUsage]string{
			accel.TargetUsageBestQuality: "veryslow",
			accel.TargetUsageBalanced:    "medium",
			accel.TargetUsageBestSpeed:   "veryfast",
		}[p.TargetUsage]
		opts["async_depth"] = strconv.Itoa(p.AsyncDepth)
		if p.LowPower {
			opts["low_power"] = "1"
		}
		if p.Lookahead > 0 {
			opts["look_ahead"] = "1"
			opts["look_ahead_depth"] = strconv.Itoa(p.Lookahead)
		}
	case "h264_nvenc":
		opts["preset"] = map[accel.TargetUsage]string{
			accel.TargetUsageBestQuality: "p7",
			accel.TargetUsageBalanced:    "p4",
			accel.TargetUsageBestSpeed:   "p1",
		}[p.TargetUsage]
		opts["rc"] = p.RateControl.String()
		if p.Lookahead > 0 {
			opts["rc-lookahead"] = strconv.Itoa(p.Lookahead)
		}
	case "h264_videotoolbox":
		opts["realtime"] = strconv.FormatBool(p.TargetUsage == accel.TargetUsageBestSpeed)
	case "libx264":
		opts["preset"] = map[accel.TargetUsage]string{
			accel.TargetUsageBestQuality: "slow",
			accel.TargetUsageBalanced:    "medium",
			accel.TargetUsageBestSpeed:   "veryfast",
		}[p.TargetUsage]
		opts["rc-lookahead"] = strconv.Itoa(p.Lookahead)
		if p.RateControl == accel.RateControlCBR {
			opts["nal-hrd"] = "cbr"
		}
	}

	for k, v := range opts {
		if v == "" {
			delete(opts, k)
		}
	}
	return opts
}

// Close frees the encoder session
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil
	}
	d.pkt.Free()
	d.frame.Free()
	d.ctx.Free()
	d.pkt, d.frame, d.ctx = nil, nil, nil
	d.ready = nil
	d.pending = nil
	d.accepted = nil
	return nil
}

// QueryIOSurf reports the surface count for p. Surfaces are copied into
// FFmpeg frames on submission so the pool only covers the task ring.
func (d *Device) QueryIOSurf(p accel.Params) (accel.SurfaceRequest, error) {
	if err := p.Validate(); err != nil {
		return accel.SurfaceRequest{}, err
	}
	return accel.SurfaceRequest{
		Info:      p.Info,
		Min:       1,
		Suggested: p.AsyncDepth + 1,
	}, nil
}

// RequiredBufferSize returns a buffer size that fits the next packet
func (d *Device) RequiredBufferSize() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return 0, accel.ErrNotInitialized
	}
	size := d.params.Info.Width * d.params.Info.Height * 3 / 2
	if d.required > size {
		size = d.required
	}
	return size, nil
}

// EncodeFrameAsync sends s (nil drains) and moves the oldest finished
// packet into bs.
func (d *Device) EncodeFrameAsync(ctrl *accel.EncodeCtrl, s *surface.Surface, bs *bitstream.Buffer) (accel.SyncPoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return 0, accel.ErrNotInitialized
	}

	switch {
	case s != nil && s != d.accepted:
		if err := d.send(ctrl, s); err != nil {
			return 0, err
		}
		d.accepted = s
	case s == nil && !d.flushing:
		if err := d.ctx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return 0, deviceError("flush", err)
		}
		d.flushing = true
	}

	if err := d.receive(); err != nil {
		return 0, err
	}
	if len(d.ready) == 0 {
		d.accepted = nil
		return 0, accel.ErrMoreData
	}

	next := d.ready[0]
	free := bs.Cap() - bs.Offset() - bs.Len()
	if len(next) > free {
		// Keep the frame accepted so the retry does not send it twice
		d.required = bs.Offset() + bs.Len() + len(next)
		return 0, accel.ErrNotEnoughBuffer
	}
	if err := bs.Append(next); err != nil {
		return 0, err
	}
	d.ready = d.ready[1:]
	d.accepted = nil

	d.nextSP++
	d.pending[d.nextSP] = struct{}{}
	return d.nextSP, nil
}

// send copies s into the FFmpeg frame and submits it
func (d *Device) send(ctrl *accel.EncodeCtrl, s *surface.Surface) error {
	s.Lock()
	defer s.Unlock()

	if err := d.frame.MakeWritable(); err != nil {
		return deviceError("frame not writable", err)
	}
	if err := d.frame.Data().SetBytes(s.Data, 1); err != nil {
		return deviceError("copying surface", err)
	}
	d.frame.SetPts(int64(s.FrameOrder))
	if ctrl.ForceKeyframe() {
		d.frame.SetPictureType(astiav.PictureTypeI)
	} else {
		d.frame.SetPictureType(astiav.PictureTypeNone)
	}

	for {
		err := d.ctx.SendFrame(d.frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, astiav.ErrEagain) {
			return deviceError("send frame", err)
		}
		// Output queue full; move packets out and try again
		if err := d.receive(); err != nil {
			return err
		}
	}
}

// receive moves every finished packet into the ready queue
func (d *Device) receive() error {
	for {
		err := d.ctx.ReceivePacket(d.pkt)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return deviceError("receive packet", err)
		}
		d.ready = append(d.ready, append([]byte(nil), d.pkt.Data()...))
		d.pkt.Unref()
	}
}

// SyncOperation completes sp; the packet was written at submission
func (d *Device) SyncOperation(sp accel.SyncPoint, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return accel.ErrNotInitialized
	}
	if _, ok := d.pending[sp]; !ok {
		return accel.ErrInvalidSyncPoint
	}
	delete(d.pending, sp)
	return nil
}

// deviceError classifies an FFmpeg failure as a failed device so the
// driver rebuilds the session.
func deviceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", accel.ErrDeviceFailed, op, err)
}
