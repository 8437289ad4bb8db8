package surface

import (
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when Sleep is called
type fakeClock struct {
	now    time.Time
	sleeps int
	onTick func(n int)
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.sleeps++
	if c.onTick != nil {
		c.onTick(c.sleeps)
	}
}

func testInfo() FrameInfo {
	return FrameInfo{FourCC: FourCCNV12, Width: 32, Height: 16, CropW: 30, CropH: 16}
}

func TestPool_AcquireReturnsFirstUnlocked(t *testing.T) {
	p, err := NewPool(3, testInfo(), &fakeClock{})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	p.At(0).Lock()
	s, err := p.Acquire(time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s != p.At(1) {
		t.Errorf("Acquire returned wrong surface, want index 1")
	}
	if s.Locked() {
		t.Errorf("Acquire must not lock the surface itself")
	}
}

func TestPool_AcquireTimesOut(t *testing.T) {
	clock := &fakeClock{}
	p, _ := NewPool(2, testInfo(), clock)
	p.At(0).Lock()
	p.At(1).Lock()

	_, err := p.Acquire(100*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Acquire error = %v, want ErrNotFound", err)
	}
	if clock.sleeps != 10 {
		t.Errorf("slept %d times, want 10", clock.sleeps)
	}
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	clock := &fakeClock{}
	p, _ := NewPool(2, testInfo(), clock)
	p.At(0).Lock()
	p.At(1).Lock()

	// Accelerator releases surface 1 after the third poll
	clock.onTick = func(n int) {
		if n == 3 {
			p.At(1).Unlock()
		}
	}

	s, err := p.Acquire(time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s != p.At(1) {
		t.Errorf("Acquire returned wrong surface")
	}
	if clock.sleeps != 3 {
		t.Errorf("slept %d times, want 3", clock.sleeps)
	}
}

func TestPool_InvalidArguments(t *testing.T) {
	if _, err := NewPool(0, testInfo(), nil); err == nil {
		t.Error("expected error for zero surfaces")
	}
	if _, err := NewPool(2, FrameInfo{}, nil); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestSurface_Planes(t *testing.T) {
	s := NewSurface(testInfo())
	if got := len(s.Y()); got != 32*16 {
		t.Errorf("len(Y) = %d, want %d", got, 32*16)
	}
	if got := len(s.UV()); got != 32*8 {
		t.Errorf("len(UV) = %d, want %d", got, 32*8)
	}
	if w, h := s.Info.VisibleSize(); w != 30 || h != 16 {
		t.Errorf("VisibleSize = %dx%d, want 30x16", w, h)
	}
}

func TestSurface_UnlockNeverNegative(t *testing.T) {
	s := NewSurface(testInfo())
	s.Unlock()
	if s.Locked() {
		t.Fatal("surface locked after unbalanced Unlock")
	}
	s.Lock()
	if !s.Locked() {
		t.Fatal("surface not locked after Lock")
	}
}

func TestParseFourCC(t *testing.T) {
	testCases := []struct {
		input   string
		want    FourCC
		wantErr bool
	}{
		{input: "NV12", want: FourCCNV12},
		{input: "i420", want: FourCCI420},
		{input: " YV12 ", want: FourCCYV12},
		{input: "rgb4", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseFourCC(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseFourCC(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseFourCC(%q) = %q, %v; want %q", tc.input, got, err, tc.want)
		}
	}
}
