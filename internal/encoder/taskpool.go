package encoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/kataras/golog"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
)

var logger = golog.Child("[encoder]")

var (
	// ErrInvalidArgument is returned for configuration that cannot work
	ErrInvalidArgument = errors.New("encoder: invalid argument")

	// ErrNotFound means the ring is saturated (no free task) or idle (nothing to sync)
	ErrNotFound = errors.New("encoder: no task found")

	// ErrAllocation is returned when the device cannot be given enough surfaces
	ErrAllocation = errors.New("encoder: allocation failed")
)

// Syncer waits for submitted work to complete
type Syncer interface {
	SyncOperation(sp accel.SyncPoint, timeout time.Duration) error
}

// Task is one slot of the ring: an output buffer and, while submitted,
// the sync point of the work writing into it.
type Task struct {
	Buffer *bitstream.Buffer

	sp   accel.SyncPoint
	sink bitstream.Sink
}

// SyncPoint returns the pending completion handle, zero when the task is free
func (t *Task) SyncPoint() accel.SyncPoint { return t.sp }

// Free reports whether the task can take a submission
func (t *Task) Free() bool { return t.sp == 0 }

func (t *Task) init(sink bitstream.Sink, bufferSize int) error {
	t.sink = sink
	t.sp = 0

	b, err := bitstream.New(bufferSize)
	if err != nil {
		return err
	}
	t.Buffer = b
	return nil
}

func (t *Task) writeBitstream() error {
	if t.sink == nil {
		return fmt.Errorf("%w: task has no sink", ErrInvalidArgument)
	}
	return t.sink.WriteNextFrame(t.Buffer)
}

func (t *Task) reset() {
	t.Buffer.Reset()
	t.sp = 0
}

func (t *Task) close() {
	if t.Buffer != nil {
		t.Buffer.Wipe()
	}
	t.sp = 0
	t.sink = nil
}

// TaskPool is a fixed ring of tasks completed strictly in submission order.
//
// In-flight tasks occupy a contiguous circular window beginning at start,
// so the task at start is always the oldest submission. TaskPool is not
// safe for concurrent use: one goroutine acquires, submits and syncs.
type TaskPool struct {
	tasks        []Task
	start        int
	count        int
	syncer       Syncer
	timeout      time.Duration
	hangRecovery bool
}

// Init allocates poolSize tasks with bufferSize-byte output buffers.
// timeout bounds each completion wait.
func (p *TaskPool) Init(syncer Syncer, sink bitstream.Sink, poolSize, bufferSize int, timeout time.Duration) error {
	if syncer == nil || sink == nil {
		return fmt.Errorf("%w: task pool needs a device and a sink", ErrInvalidArgument)
	}
	if poolSize <= 0 || bufferSize <= 0 {
		return fmt.Errorf("%w: pool size %d, buffer size %d", ErrInvalidArgument, poolSize, bufferSize)
	}

	p.Close()

	p.tasks = make([]Task, poolSize)
	for i := range p.tasks {
		if err := p.tasks[i].init(sink, bufferSize); err != nil {
			p.Close()
			return fmt.Errorf("task %d: %w", i, err)
		}
	}

	p.syncer = syncer
	p.timeout = timeout
	p.hangRecovery = true
	return nil
}

// SetHangRecovery controls whether a device hang discards every task
func (p *TaskPool) SetHangRecovery(enabled bool) { p.hangRecovery = enabled }

// GetFreeTask returns the first free task at or after start
func (p *TaskPool) GetFreeTask() (*Task, error) {
	n := len(p.tasks)
	for i := 0; i < n; i++ {
		t := &p.tasks[(p.start+i)%n]
		if t.Free() {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// Submit records that t is now waiting on sp. A zero sync point or a task
// that is still in flight is rejected and leaves the ring unchanged.
func (p *TaskPool) Submit(t *Task, sp accel.SyncPoint) error {
	if sp == 0 {
		logger.Warnf("submit with zero sync point rejected")
		return fmt.Errorf("%w: zero sync point", ErrInvalidArgument)
	}
	if !t.Free() {
		logger.Warnf("submit to busy task rejected (sync point %d in flight)", t.sp)
		return fmt.Errorf("%w: task already in flight", ErrInvalidArgument)
	}
	t.sp = sp
	p.count++
	return nil
}

// SynchronizeFirstTask waits for the oldest submission, writes its output
// to the sink and frees it. It returns ErrNotFound when nothing is in
// flight.
//
// When the device reports a hang and recovery is enabled every task is
// discarded, start returns to 0 and accel.ErrDeviceHang is returned so the
// caller can rebuild the session.
func (p *TaskPool) SynchronizeFirstTask() error {
	if len(p.tasks) == 0 {
		return ErrNotFound
	}

	t := &p.tasks[p.start]
	if t.Free() {
		return ErrNotFound
	}

	err := p.syncer.SyncOperation(t.sp, p.timeout)
	if errors.Is(err, accel.ErrDeviceHang) && p.hangRecovery {
		logger.Warnf("device hang with %d task(s) in flight, discarding them", p.count)

		// Let the device settle whatever it still holds
		for i := range p.tasks {
			if sp := p.tasks[i].sp; sp != 0 {
				if serr := p.syncer.SyncOperation(sp, 0); serr != nil {
					logger.Debugf("task %d: sync after hang: %v", i, serr)
				}
			}
		}
		p.ClearTasks()
		return err
	}
	if err != nil {
		return fmt.Errorf("sync operation failed: %w", err)
	}

	if err := t.writeBitstream(); err != nil {
		return fmt.Errorf("failed to write bitstream: %w", err)
	}
	t.reset()
	p.count--

	// Move start to the next task in execution
	n := len(p.tasks)
	for i := 0; i < n; i++ {
		p.start = (p.start + 1) % n
		if !p.tasks[p.start].Free() {
			break
		}
	}

	return nil
}

// ClearTasks frees every task without writing its output
func (p *TaskPool) ClearTasks() {
	for i := range p.tasks {
		p.tasks[i].reset()
	}
	p.start = 0
	p.count = 0
}

// Close releases every buffer and empties the ring
func (p *TaskPool) Close() {
	for i := range p.tasks {
		p.tasks[i].close()
	}
	p.tasks = nil
	p.start = 0
	p.count = 0
}

// InFlight returns the number of submitted, unsynchronized tasks
func (p *TaskPool) InFlight() int { return p.count }

// Size returns the number of tasks
func (p *TaskPool) Size() int { return len(p.tasks) }

// Start returns the index of the oldest possibly in-flight task
func (p *TaskPool) Start() int { return p.start }

// Task returns task i
func (p *TaskPool) Task(i int) *Task { return &p.tasks[i] }
