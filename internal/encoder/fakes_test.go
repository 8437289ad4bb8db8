package encoder

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

// fakeDevice completes every submission inside EncodeFrameAsync and
// replays scripted faults.
type fakeDevice struct {
	lookahead int
	suggested int
	required  int

	busy          int // first N attempts report busy
	tooSmallAt    int // the Nth accepted frame needs tooSmallNeed bytes
	tooSmallNeed  int
	hangAtSync    int   // Nth blocking sync reports a hang
	lostAtSubmit  int   // Nth accepted frame reports device lost
	fatalAtSubmit int   // Nth accepted frame reports fatalErr
	fatalErr      error // error for fatalAtSubmit
	lockSurfaces  bool  // never release submitted surfaces
	initErr       error

	params     accel.Params
	open       bool
	inits      int
	closes     int
	attempts   map[uint64]int
	accepted   []uint64 // frame orders accepted, in order
	ctrls      map[uint64]accel.FrameType
	drainCalls int
	busyShown  int
	blockSyncs int
	zeroSyncs  int
	nextSP     accel.SyncPoint
	pending    map[accel.SyncPoint]bool
	held       []uint64
	lostFired  bool
	fatalFired bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		attempts: make(map[uint64]int),
		ctrls:    make(map[uint64]accel.FrameType),
	}
}

func (d *fakeDevice) Init(p accel.Params) error {
	if d.initErr != nil {
		return d.initErr
	}
	d.params = p
	d.open = true
	d.inits++
	d.pending = make(map[accel.SyncPoint]bool)
	d.held = nil
	if d.required == 0 {
		d.required = 1000
	}
	return nil
}

func (d *fakeDevice) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	d.closes++
	d.pending = nil
	d.held = nil
	return nil
}

func (d *fakeDevice) QueryIOSurf(p accel.Params) (accel.SurfaceRequest, error) {
	n := d.suggested
	if n == 0 {
		n = p.AsyncDepth + d.lookahead + 1
	}
	return accel.SurfaceRequest{Info: p.Info, Min: 1, Suggested: n}, nil
}

func (d *fakeDevice) RequiredBufferSize() (int, error) {
	if !d.open {
		return 0, accel.ErrNotInitialized
	}
	return d.required, nil
}

func (d *fakeDevice) EncodeFrameAsync(ctrl *accel.EncodeCtrl, s *surface.Surface, bs *bitstream.Buffer) (accel.SyncPoint, error) {
	if !d.open {
		return 0, accel.ErrNotInitialized
	}
	if d.busyShown < d.busy {
		d.busyShown++
		return 0, accel.ErrDeviceBusy
	}

	if s == nil {
		d.drainCalls++
		if len(d.held) == 0 {
			return 0, accel.ErrMoreData
		}
	} else {
		d.attempts[s.FrameOrder]++
		n := len(d.accepted) + 1

		if n == d.lostAtSubmit && !d.lostFired {
			d.lostFired = true
			return 0, accel.ErrDeviceLost
		}
		if n == d.fatalAtSubmit && !d.fatalFired {
			d.fatalFired = true
			return 0, d.fatalErr
		}
		if n == d.tooSmallAt && bs.Cap() < d.tooSmallNeed {
			d.required = d.tooSmallNeed
			return 0, accel.ErrNotEnoughBuffer
		}

		d.accepted = append(d.accepted, s.FrameOrder)
		if ctrl != nil {
			d.ctrls[s.FrameOrder] = ctrl.FrameType
		}
		if d.lockSurfaces {
			s.Lock()
		}
		d.held = append(d.held, s.FrameOrder)
		if len(d.held) <= d.lookahead {
			return 0, accel.ErrMoreData
		}
	}

	order := d.held[0]
	d.held = d.held[1:]
	if err := bs.Append([]byte(fmt.Sprintf("frame %d", order+1))); err != nil {
		return 0, err
	}

	d.nextSP++
	d.pending[d.nextSP] = true
	return d.nextSP, nil
}

func (d *fakeDevice) SyncOperation(sp accel.SyncPoint, timeout time.Duration) error {
	if !d.open {
		return accel.ErrNotInitialized
	}
	if timeout > 0 {
		d.blockSyncs++
		if d.blockSyncs == d.hangAtSync {
			return accel.ErrDeviceHang
		}
	} else {
		d.zeroSyncs++
	}
	if !d.pending[sp] {
		return accel.ErrInvalidSyncPoint
	}
	delete(d.pending, sp)
	return nil
}

// recordingSink keeps every written frame
type recordingSink struct {
	frames   []string
	resets   int
	writeErr error
	closed   bool
}

func (s *recordingSink) WriteNextFrame(b *bitstream.Buffer) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, string(b.Bytes()))
	b.Consume(b.Len())
	return nil
}

func (s *recordingSink) Reset() error {
	s.resets++
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

// countingSource produces n frames
type countingSource struct {
	n      int
	next   int
	resets int
	err    error
}

func (c *countingSource) LoadNextFrame(s *surface.Surface) error {
	if c.err != nil {
		return c.err
	}
	if c.next >= c.n {
		return io.EOF
	}
	s.Data[0] = byte(c.next)
	c.next++
	return nil
}

func (c *countingSource) Reset() error {
	c.next = 0
	c.resets++
	return nil
}

// fakeClock advances only when Sleep is called
type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.sleeps++
}

// scriptSyncer returns a scripted result per sync point
type scriptSyncer struct {
	errs  map[accel.SyncPoint]error
	calls []syncCall
}

type syncCall struct {
	sp      accel.SyncPoint
	timeout time.Duration
}

func (s *scriptSyncer) SyncOperation(sp accel.SyncPoint, timeout time.Duration) error {
	s.calls = append(s.calls, syncCall{sp: sp, timeout: timeout})
	if err, ok := s.errs[sp]; ok {
		return err
	}
	return nil
}

var errBoom = errors.New("boom")
