package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

// MinDrainPasses is the number of flush passes always run at end of stream
const MinDrainPasses = 2

// FrameSource fills surfaces with raw pictures
type FrameSource interface {
	// LoadNextFrame fills s, returning io.EOF when the input is exhausted
	LoadNextFrame(s *surface.Surface) error

	// Reset rewinds to the first frame
	Reset() error
}

// State is the stage of the stream lifecycle
type State int32

const (
	StateIdle State = iota
	StatePriming
	StateSteady
	StateDraining
	StateFlushing
	StateSynchronizing
	StateDone
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StateSteady:
		return "steady"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateSynchronizing:
		return "synchronizing"
	case StateDone:
		return "done"
	case StateRecovering:
		return "recovering"
	default:
		return "idle"
	}
}

// Config holds the pipeline configuration
type Config struct {
	Params     accel.Params
	BufferSize int // Initial task buffer size in bytes

	SurfaceTimeout time.Duration
	SurfacePoll    time.Duration
	SyncTimeout    time.Duration
	BusyBackoff    time.Duration

	HangRecovery  bool
	MaxRecoveries int

	// RestartOnReset rewinds the input after a device reset; otherwise
	// encoding continues from the next unread frame.
	RestartOnReset bool

	// KeyframeAt forces an IDR on these frame orders. Like RequestKeyframe
	// the request is consumed by the next submission attempt: if the device
	// answers busy or asks for a larger buffer, the retry that is finally
	// accepted carries no IDR.
	KeyframeAt []uint64

	// Clock drives surface polling and busy back-off; nil uses the wall clock
	Clock surface.Clock

	// OnProgress receives a snapshot after every synchronized task and state change
	OnProgress func(Stats)
}

// Stats counts pipeline activity
type Stats struct {
	State         State
	FramesRead    uint64
	Submitted     int // Frames accepted by the device
	DrainSubmits  int // Flush submissions that produced output
	Synchronized  int // Tasks written to the sink
	BusyRetries   int
	BufferGrowths int
	Recoveries    int
	InFlight      int
	DrainPasses   int
}

// Pipeline drives a device through the submit/sync protocol
type Pipeline struct {
	cfg    Config
	device accel.Device
	source FrameSource
	sink   bitstream.Sink
	clock  surface.Clock

	pool  *surface.Pool
	tasks TaskPool

	keyframes   map[uint64]bool
	insertIDR   atomic.Bool
	writerReset bool
	framesRead  uint64

	state atomic.Int32
	stats Stats
}

// New validates cfg and returns a pipeline. No device work happens until Encode.
func New(cfg Config, device accel.Device, source FrameSource, sink bitstream.Sink) (*Pipeline, error) {
	if device == nil || source == nil || sink == nil {
		return nil, fmt.Errorf("%w: device, source and sink are required", ErrInvalidArgument)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidArgument, cfg.BufferSize)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = cfg.Params.Info.Width * cfg.Params.Info.Height * 4
	}
	if cfg.SurfaceTimeout <= 0 || cfg.SurfacePoll <= 0 || cfg.SyncTimeout <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidArgument)
	}
	if cfg.MaxRecoveries < 0 {
		cfg.MaxRecoveries = 0
	}

	clock := cfg.Clock
	if clock == nil {
		clock = surface.SystemClock
	}

	p := &Pipeline{
		cfg:       cfg,
		device:    device,
		source:    source,
		sink:      sink,
		clock:     clock,
		keyframes: make(map[uint64]bool, len(cfg.KeyframeAt)),
	}
	for _, order := range cfg.KeyframeAt {
		p.keyframes[order] = true
	}
	return p, nil
}

// RequestKeyframe makes the next submission attempt an IDR.
// It may be called from any goroutine.
func (p *Pipeline) RequestKeyframe() { p.insertIDR.Store(true) }

// State returns the current lifecycle stage
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Stats returns a snapshot of the counters. Call it from the driving
// goroutine or after Encode has returned; OnProgress is the concurrent view.
func (p *Pipeline) Stats() Stats {
	s := p.stats
	s.State = p.State()
	s.FramesRead = p.framesRead
	s.InFlight = p.tasks.InFlight()
	return s
}

func (p *Pipeline) setState(s State) {
	if State(p.state.Swap(int32(s))) == s {
		return
	}
	logger.Debugf("state: %s", s)
	p.report()
}

func (p *Pipeline) report() {
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(p.Stats())
	}
}

// ResetComponents tears down and rebuilds the device session, the surface
// pool and the task ring for the configured parameters.
func (p *Pipeline) ResetComponents() error {
	if err := p.device.Close(); err != nil && !errors.Is(err, accel.ErrNotInitialized) {
		return fmt.Errorf("failed to close device: %w", err)
	}

	p.pool = nil
	p.tasks.Close()

	req, err := p.device.QueryIOSurf(p.cfg.Params)
	if err != nil {
		return fmt.Errorf("failed to query surfaces: %w", err)
	}
	if req.Suggested < p.cfg.Params.AsyncDepth {
		return fmt.Errorf("%w: device suggests %d surfaces, async depth is %d",
			ErrAllocation, req.Suggested, p.cfg.Params.AsyncDepth)
	}

	info := req.Info
	if info.Width == 0 {
		info = p.cfg.Params.Info
	}
	pool, err := surface.NewPool(req.Suggested, info, p.clock)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	p.pool = pool

	if err := p.device.Init(p.cfg.Params); err != nil {
		if !errors.Is(err, accel.ErrPartialAcceleration) {
			return fmt.Errorf("failed to initialise device: %w", err)
		}
		logger.Warn("partial acceleration: some stages run in software")
	}

	if err := p.tasks.Init(p.device, p.sink, p.cfg.Params.AsyncDepth, p.cfg.BufferSize, p.cfg.SyncTimeout); err != nil {
		return fmt.Errorf("failed to initialise task pool: %w", err)
	}
	p.tasks.SetHangRecovery(p.cfg.HangRecovery)

	logger.Debugf("components ready: %d surfaces, %d tasks of %d bytes",
		pool.Len(), p.tasks.Size(), p.cfg.BufferSize)
	return nil
}

// Encode runs the whole stream, rebuilding the session after a hang, a
// lost device or a failed device until MaxRecoveries is exhausted.
func (p *Pipeline) Encode(ctx context.Context) error {
	if err := p.ResetComponents(); err != nil {
		return err
	}

	for {
		err := p.Run(ctx)
		if err == nil {
			return nil
		}
		if !accel.NeedsReset(err) {
			return err
		}
		if errors.Is(err, accel.ErrDeviceHang) && !p.cfg.HangRecovery {
			return err
		}
		if p.stats.Recoveries >= p.cfg.MaxRecoveries {
			return fmt.Errorf("giving up after %d recoveries: %w", p.stats.Recoveries, err)
		}

		p.stats.Recoveries++
		p.setState(StateRecovering)
		logger.Warnf("%v: rebuilding encoder (recovery %d of %d)", err, p.stats.Recoveries, p.cfg.MaxRecoveries)

		if err := p.ResetComponents(); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		if p.cfg.RestartOnReset {
			if err := p.source.Reset(); err != nil {
				return fmt.Errorf("failed to rewind input: %w", err)
			}
			p.framesRead = 0
		}
		p.writerReset = true
	}
}

// Run encodes from the current input position to the end of the stream
// and flushes every task to the sink in submission order.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.pool == nil || p.tasks.Size() == 0 {
		return fmt.Errorf("%w: components not initialised", ErrInvalidArgument)
	}

	p.setState(StatePriming)
	if err := p.submitFrames(ctx); err != nil {
		return err
	}

	if err := p.drainAll(ctx); err != nil {
		return err
	}

	p.setState(StateSynchronizing)
	for {
		err := p.synchronize()
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
	}

	p.setState(StateDone)
	return nil
}

func (p *Pipeline) submitFrames(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := p.getFreeTask()
		if err != nil {
			return err
		}

		s, err := p.pool.Acquire(p.cfg.SurfaceTimeout, p.cfg.SurfacePoll)
		if err != nil {
			return fmt.Errorf("failed to get free surface: %w", err)
		}

		if err := p.loadNextFrame(s); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to load frame %d: %w", p.framesRead, err)
		}

		sp, err := p.submit(ctx, task, s)
		if errors.Is(err, accel.ErrMoreData) {
			// Held by the device's lookahead
			p.stats.Submitted++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to submit frame %d: %w", s.FrameOrder, err)
		}

		if err := p.tasks.Submit(task, sp); err != nil {
			return fmt.Errorf("failed to track frame %d: %w", s.FrameOrder, err)
		}
		p.stats.Submitted++
	}
}

func (p *Pipeline) loadNextFrame(s *surface.Surface) error {
	if err := p.source.LoadNextFrame(s); err != nil {
		return err
	}

	// Frame order drives reference and reordering decisions in the device
	s.FrameOrder = p.framesRead
	if p.keyframes[s.FrameOrder] {
		p.RequestKeyframe()
	}
	p.framesRead++
	return nil
}

// drainAll runs flush passes until one produces nothing. At least
// MinDrainPasses run; at most one more per frame of device lookahead.
func (p *Pipeline) drainAll(ctx context.Context) error {
	maxPasses := MinDrainPasses + p.cfg.Params.Lookahead

	for pass := 1; pass <= maxPasses; pass++ {
		if pass == 1 {
			p.setState(StateDraining)
		} else {
			p.setState(StateFlushing)
		}

		produced, err := p.drain(ctx)
		p.stats.DrainPasses++
		if err != nil {
			return err
		}
		logger.Debugf("drain pass %d produced %d task(s)", pass, produced)

		if pass >= MinDrainPasses && produced == 0 {
			break
		}
	}
	return nil
}

// drain submits without input until the device reports it holds no more frames
func (p *Pipeline) drain(ctx context.Context) (int, error) {
	produced := 0
	for {
		if err := ctx.Err(); err != nil {
			return produced, err
		}

		task, err := p.getFreeTask()
		if err != nil {
			return produced, err
		}

		sp, err := p.submit(ctx, task, nil)
		if errors.Is(err, accel.ErrMoreData) {
			return produced, nil
		}
		if err != nil {
			return produced, fmt.Errorf("failed to flush device: %w", err)
		}

		if err := p.tasks.Submit(task, sp); err != nil {
			return produced, fmt.Errorf("failed to track flush output: %w", err)
		}
		p.stats.DrainSubmits++
		produced++
	}
}

// submit hands one submission to the device, absorbing busy warnings and
// growing the task buffer until the device accepts it.
func (p *Pipeline) submit(ctx context.Context, task *Task, s *surface.Surface) (accel.SyncPoint, error) {
	for {
		sp, err := p.device.EncodeFrameAsync(p.nextCtrl(), s, task.Buffer)

		switch {
		case err == nil && sp != 0:
			return sp, nil

		case err == nil:
			return 0, accel.ErrMoreData

		case accel.IsWarning(err) && sp == 0:
			p.stats.BusyRetries++
			logger.Debugf("device busy, retrying: %v", err)
			if cerr := ctx.Err(); cerr != nil {
				return 0, cerr
			}
			p.clock.Sleep(p.cfg.BusyBackoff)

		case accel.IsWarning(err):
			// Output exists, the warning is informational
			return sp, nil

		case errors.Is(err, accel.ErrNotEnoughBuffer):
			if gerr := p.growBuffer(task); gerr != nil {
				return 0, gerr
			}

		default:
			return 0, err
		}
	}
}

func (p *Pipeline) nextCtrl() *accel.EncodeCtrl {
	ctrl := &accel.EncodeCtrl{FrameType: accel.FrameTypeAuto}
	if p.insertIDR.Swap(false) {
		ctrl.FrameType = accel.FrameTypeIDR
	}
	return ctrl
}

func (p *Pipeline) growBuffer(task *Task) error {
	size, err := p.device.RequiredBufferSize()
	if err != nil {
		return fmt.Errorf("failed to query buffer size: %w", err)
	}

	old := task.Buffer.Cap()
	if err := task.Buffer.Extend(size); err != nil {
		return fmt.Errorf("failed to extend task buffer: %w", err)
	}
	p.stats.BufferGrowths++
	logger.Debugf("task buffer grown from %d to %d bytes", old, size)
	return nil
}

// getFreeTask returns a free task, synchronizing the oldest one first when
// the ring is saturated. A pending sink reset is applied before any new output.
func (p *Pipeline) getFreeTask() (*Task, error) {
	if p.writerReset {
		if err := p.sink.Reset(); err != nil {
			return nil, fmt.Errorf("failed to reset output: %w", err)
		}
		p.writerReset = false
	}

	task, err := p.tasks.GetFreeTask()
	if errors.Is(err, ErrNotFound) {
		if p.State() == StatePriming {
			p.setState(StateSteady)
		}
		if err := p.synchronize(); err != nil {
			return nil, err
		}
		task, err = p.tasks.GetFreeTask()
	}
	return task, err
}

func (p *Pipeline) synchronize() error {
	if err := p.tasks.SynchronizeFirstTask(); err != nil {
		return err
	}
	p.stats.Synchronized++
	p.report()
	return nil
}

// Close releases the device session and the task ring, then closes the
// source and sink when they hold resources.
func (p *Pipeline) Close() error {
	var result *multierror.Error

	if err := p.device.Close(); err != nil && !errors.Is(err, accel.ErrNotInitialized) {
		result = multierror.Append(result, fmt.Errorf("device: %w", err))
	}
	p.tasks.Close()
	p.pool = nil

	if c, ok := p.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("input: %w", err))
		}
	}
	if c, ok := p.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("output: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Surfaces returns the current surface pool
func (p *Pipeline) Surfaces() *surface.Pool { return p.pool }

// Tasks returns the task ring
func (p *Pipeline) Tasks() *TaskPool { return &p.tasks }
