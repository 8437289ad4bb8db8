package surface

import (
	"errors"
	"fmt"
	"time"

	"github.com/kataras/golog"
)

var logger = golog.Child("[surface]")

// ErrNotFound is returned when no unlocked surface became available in time
var ErrNotFound = errors.New("surface: no free surface in pool")

// Clock abstracts monotonic time for the acquisition wait
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock; time.Now carries a monotonic reading.
var SystemClock Clock = systemClock{}

// Pool is a fixed set of surfaces for one encoder configuration.
type Pool struct {
	surfaces []*Surface
	clock    Clock
}

// NewPool allocates count surfaces described by info.
// A nil clock uses SystemClock.
func NewPool(count int, info FrameInfo, clock Clock) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid surface count: %d", count)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid surface dimensions: %dx%d", info.Width, info.Height)
	}
	if clock == nil {
		clock = SystemClock
	}

	p := &Pool{
		surfaces: make([]*Surface, count),
		clock:    clock,
	}
	for i := range p.surfaces {
		p.surfaces[i] = NewSurface(info)
	}
	return p, nil
}

// FreeIndex returns the index of the first unlocked surface, or -1
func (p *Pool) FreeIndex() int {
	for i, s := range p.surfaces {
		if !s.Locked() {
			return i
		}
	}
	return -1
}

// Acquire scans for an unlocked surface, polling every pollInterval until
// timeout has elapsed. The accelerator's release of surfaces is not
// observable here, so this is a bounded spin-wait rather than a blocking one.
func (p *Pool) Acquire(timeout, pollInterval time.Duration) (*Surface, error) {
	start := p.clock.Now()

	for {
		if idx := p.FreeIndex(); idx >= 0 {
			return p.surfaces[idx], nil
		}

		if p.clock.Now().Sub(start) >= timeout {
			break
		}
		p.clock.Sleep(pollInterval)
	}

	logger.Errorf("no free surfaces in pool of %d after %v: accelerator is holding every buffer", len(p.surfaces), timeout)
	return nil, ErrNotFound
}

// Len returns the number of surfaces
func (p *Pool) Len() int { return len(p.surfaces) }

// At returns surface i
func (p *Pool) At(i int) *Surface { return p.surfaces[i] }

// Locked returns how many surfaces the accelerator currently holds
func (p *Pool) Locked() int {
	n := 0
	for _, s := range p.surfaces {
		if s.Locked() {
			n++
		}
	}
	return n
}
