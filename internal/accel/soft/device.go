// Package soft implements an accelerator that runs on the CPU.
//
// It follows the asynchronous submit/sync protocol of a hardware encoder:
// submissions are queued to a worker goroutine, frames are held back by a
// configurable lookahead, surfaces stay locked until the worker has read
// them and output is a stream of msgpack packets carrying zstd-compressed
// NV12 pictures.
package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/golog"
	"github.com/klauspost/compress/zstd"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

var logger = golog.Child("[soft]")

// packetOverhead bounds the envelope fields and the zstd frame header
const packetOverhead = 256

func init() {
	accel.Register(accel.Backend{
		Name:        "soft",
		Type:        accel.TypeSoft,
		Priority:    1000,
		Description: "Simulated encoder (CPU)",
		Check:       func() bool { return true },
		New: func() (accel.Device, error) {
			return New(Config{}), nil
		},
	})
}

// Faults injects device failures. Counters run over the lifetime of the
// Device, so each fault fires once even across Init/Close cycles.
type Faults struct {
	// BusySubmits makes the first N submissions report ErrDeviceBusy
	BusySubmits int

	// HangAtSync makes the Nth blocking SyncOperation report ErrDeviceHang
	HangAtSync int

	// LostAtSubmit makes the Nth submission report ErrDeviceLost
	LostAtSubmit int
}

// Config tunes the simulated device
type Config struct {
	Faults Faults

	// Delay is the processing time of each frame
	Delay time.Duration

	// Surfaces overrides the suggested surface count when > 0
	Surfaces int

	// Level is the zstd level; zero means fastest
	Level zstd.EncoderLevel
}

// Stats counts device activity
type Stats struct {
	Submissions int
	Outputs     int
	Syncs       int
	Sessions    int
}

type heldFrame struct {
	surf  *surface.Surface
	order uint64
	idr   bool
}

type job struct {
	frame    heldFrame
	bs       *bitstream.Buffer
	keyframe bool
	done     chan struct{}
	err      error
}

// Device is the simulated accelerator
type Device struct {
	cfg Config

	mu          sync.Mutex
	initialized bool
	params      accel.Params
	session     uuid.UUID
	enc         *zstd.Encoder
	jobs        chan *job
	pending     map[accel.SyncPoint]*job
	held        []heldFrame
	nextSP      accel.SyncPoint
	gopPos      int
	busyShown   int
	blockSyncs  int
	stats       Stats

	worker   sync.WaitGroup
	inflight sync.WaitGroup
}

// New returns an uninitialised device
func New(cfg Config) *Device {
	if cfg.Level == 0 {
		cfg.Level = zstd.SpeedFastest
	}
	return &Device{cfg: cfg}
}

// Init opens a new session for p
func (d *Device) Init(p accel.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return fmt.Errorf("%w: session %s already open", accel.ErrInvalidParams, d.session)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(d.cfg.Level))
	if err != nil {
		return fmt.Errorf("%w: %v", accel.ErrDeviceFailed, err)
	}

	d.params = p
	d.session = uuid.New()
	d.enc = enc
	d.jobs = make(chan *job, p.AsyncDepth+p.Lookahead+1)
	d.pending = make(map[accel.SyncPoint]*job)
	d.held = nil
	d.gopPos = 0
	d.initialized = true
	d.stats.Sessions++

	d.worker.Add(1)
	go d.run(enc, d.jobs, d.session.String())

	logger.Infof("session %s: %dx%d, %d kbps %s, async depth %d, lookahead %d",
		d.session, p.Info.Width, p.Info.Height, p.TargetKbps, p.RateControl, p.AsyncDepth, p.Lookahead)
	return nil
}

// Close ends the session, waiting for queued work and releasing held surfaces
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.initialized = false
	close(d.jobs)
	held := d.held
	d.held = nil
	enc := d.enc
	d.enc = nil
	d.mu.Unlock()

	d.worker.Wait()

	for _, f := range held {
		f.surf.Unlock()
	}

	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()

	logger.Debugf("session %s closed", d.session)
	return enc.Close()
}

// QueryIOSurf reports how many surfaces p needs
func (d *Device) QueryIOSurf(p accel.Params) (accel.SurfaceRequest, error) {
	if err := p.Validate(); err != nil {
		return accel.SurfaceRequest{}, err
	}

	req := accel.SurfaceRequest{
		Info:      p.Info,
		Min:       p.Lookahead + 1,
		Suggested: p.AsyncDepth + p.Lookahead + 1,
	}
	if d.cfg.Surfaces > 0 {
		req.Suggested = d.cfg.Surfaces
	}
	return req, nil
}

// RequiredBufferSize returns the largest packet one frame can produce
func (d *Device) RequiredBufferSize() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return 0, accel.ErrNotInitialized
	}
	return requiredSize(d.params.Info), nil
}

func requiredSize(info surface.FrameInfo) int {
	raw := info.Width * info.Height * 3 / 2
	return raw + raw>>8 + packetOverhead
}

// EncodeFrameAsync queues s for encoding into bs. A nil s flushes one
// frame held by the lookahead.
func (d *Device) EncodeFrameAsync(ctrl *accel.EncodeCtrl, s *surface.Surface, bs *bitstream.Buffer) (accel.SyncPoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return 0, accel.ErrNotInitialized
	}

	d.stats.Submissions++
	if f := d.cfg.Faults.LostAtSubmit; f > 0 && d.stats.Submissions == f {
		logger.Warnf("session %s: injected device loss at submission %d", d.session, f)
		return 0, accel.ErrDeviceLost
	}
	if d.busyShown < d.cfg.Faults.BusySubmits {
		d.busyShown++
		return 0, accel.ErrDeviceBusy
	}

	if s == nil && len(d.held) == 0 {
		return 0, accel.ErrMoreData
	}
	if need := requiredSize(d.params.Info); bs.Cap()-bs.Offset()-bs.Len() < need {
		return 0, fmt.Errorf("%w: have %d, need %d", accel.ErrNotEnoughBuffer, bs.Cap(), need)
	}

	if s != nil {
		s.Lock()
		d.held = append(d.held, heldFrame{surf: s, order: s.FrameOrder, idr: ctrl.ForceKeyframe()})
		if len(d.held) <= d.params.Lookahead {
			return 0, accel.ErrMoreData
		}
	}

	f := d.held[0]
	d.held = d.held[1:]

	keyframe := f.idr || d.gopPos == 0
	if keyframe {
		d.gopPos = 0
	}
	d.gopPos++
	if d.params.GopSize > 0 && d.gopPos >= d.params.GopSize {
		d.gopPos = 0
	}

	d.nextSP++
	j := &job{frame: f, bs: bs, keyframe: keyframe, done: make(chan struct{})}
	d.pending[d.nextSP] = j
	d.inflight.Add(1)
	d.jobs <- j

	return d.nextSP, nil
}

// SyncOperation waits up to timeout for sp to complete
func (d *Device) SyncOperation(sp accel.SyncPoint, timeout time.Duration) error {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return accel.ErrNotInitialized
	}
	j, ok := d.pending[sp]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", accel.ErrInvalidSyncPoint, sp)
	}
	d.stats.Syncs++

	if timeout > 0 {
		d.blockSyncs++
		if f := d.cfg.Faults.HangAtSync; f > 0 && d.blockSyncs == f {
			d.mu.Unlock()
			// A hung device stops touching its buffers
			d.inflight.Wait()
			logger.Warnf("session %s: injected hang at sync %d", d.session, f)
			return accel.ErrDeviceHang
		}
	}
	d.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-j.done:
		default:
			return accel.ErrInExecution
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-j.done:
		case <-timer.C:
			return accel.ErrInExecution
		}
	}

	d.mu.Lock()
	delete(d.pending, sp)
	if j.err == nil {
		d.stats.Outputs++
	}
	d.mu.Unlock()

	return j.err
}

// Session returns the identity of the current (or last) session
func (d *Device) Session() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Stats returns a snapshot of the activity counters
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) run(enc *zstd.Encoder, jobs <-chan *job, session string) {
	defer d.worker.Done()

	for j := range jobs {
		j.err = d.process(enc, j, session)
		close(j.done)
		d.inflight.Done()
	}
}

func (d *Device) process(enc *zstd.Encoder, j *job, session string) error {
	if d.cfg.Delay > 0 {
		time.Sleep(d.cfg.Delay)
	}

	s := j.frame.surf
	raw := append([]byte(nil), s.Data...)
	info := s.Info
	s.Unlock()

	pkt := Packet{
		Session:    session,
		FrameOrder: j.frame.order,
		Keyframe:   j.keyframe,
		Width:      info.Width,
		Height:     info.Height,
		Payload:    enc.EncodeAll(raw, nil),
	}

	data, err := marshalPacket(&pkt)
	if err != nil {
		return fmt.Errorf("%w: %v", accel.ErrDeviceFailed, err)
	}
	if err := j.bs.Append(data); err != nil {
		return fmt.Errorf("%w: %v", accel.ErrDeviceFailed, err)
	}
	return nil
}
