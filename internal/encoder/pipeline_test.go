package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/surface"
)

func testConfig(asyncDepth int) Config {
	return Config{
		Params: accel.Params{
			Info: surface.FrameInfo{
				FourCC:     surface.FourCCNV12,
				Width:      16,
				Height:     16,
				CropW:      16,
				CropH:      16,
				FrameRateN: 30,
				FrameRateD: 1,
			},
			TargetKbps: 1000,
			AsyncDepth: asyncDepth,
		},
		SurfaceTimeout: 20 * time.Second,
		SurfacePoll:    10 * time.Millisecond,
		SyncTimeout:    time.Second,
		BusyBackoff:    time.Millisecond,
		HangRecovery:   true,
		MaxRecoveries:  3,
		Clock:          &fakeClock{},
	}
}

func newTestPipeline(t *testing.T, cfg Config, dev *fakeDevice, frames int) (*Pipeline, *recordingSink, *countingSource) {
	t.Helper()
	sink := &recordingSink{}
	src := &countingSource{n: frames}
	p, err := New(cfg, dev, src, sink)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, sink, src
}

func wantFrames(t *testing.T, got []string, first, last int) {
	t.Helper()
	if len(got) != last-first+1 {
		t.Fatalf("sink got %d frames, want %d: %v", len(got), last-first+1, got)
	}
	for i, f := range got {
		if want := fmt.Sprintf("frame %d", first+i); f != want {
			t.Errorf("output %d = %q, want %q", i, f, want)
		}
	}
}

func TestPipeline_TenFramesInOrder(t *testing.T) {
	dev := newFakeDevice()
	p, sink, _ := newTestPipeline(t, testConfig(4), dev, 10)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(dev.accepted) != 10 {
		t.Errorf("submissions = %d, want 10", len(dev.accepted))
	}
	for order, n := range dev.attempts {
		if n != 1 {
			t.Errorf("frame %d submitted %d times, want 1", order, n)
		}
	}
	if dev.blockSyncs < 10 {
		t.Errorf("synchronizations = %d, want at least 10", dev.blockSyncs)
	}
	wantFrames(t, sink.frames, 1, 10)

	stats := p.Stats()
	if stats.State != StateDone || stats.InFlight != 0 {
		t.Errorf("final state %s with %d in flight, want done with 0", stats.State, stats.InFlight)
	}
	if stats.Synchronized != 10 || stats.FramesRead != 10 {
		t.Errorf("synchronized %d, read %d, want 10 and 10", stats.Synchronized, stats.FramesRead)
	}
	if stats.DrainPasses != MinDrainPasses {
		t.Errorf("drain passes = %d, want %d", stats.DrainPasses, MinDrainPasses)
	}
}

func TestPipeline_FrameOrderIsStamped(t *testing.T) {
	dev := newFakeDevice()
	p, _, _ := newTestPipeline(t, testConfig(2), dev, 6)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i, order := range dev.accepted {
		if order != uint64(i) {
			t.Errorf("submission %d carried FrameOrder %d, want %d", i, order, i)
		}
	}
}

func TestPipeline_GrowsBufferAndRetries(t *testing.T) {
	dev := newFakeDevice()
	dev.tooSmallAt = 3
	dev.tooSmallNeed = 5000

	cfg := testConfig(4)
	cfg.BufferSize = 1000
	p, sink, _ := newTestPipeline(t, cfg, dev, 6)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if got := p.Tasks().Task(2).Buffer.Cap(); got < 5000 {
		t.Errorf("task buffer capacity = %d, want >= 5000", got)
	}
	if got := p.Tasks().Task(0).Buffer.Cap(); got != 1000 {
		t.Errorf("untouched task buffer capacity = %d, want 1000", got)
	}

	wantAttempts := map[uint64]int{0: 1, 1: 1, 2: 2, 3: 1}
	for order, want := range wantAttempts {
		if got := dev.attempts[order]; got != want {
			t.Errorf("frame %d attempts = %d, want %d", order, got, want)
		}
	}
	if p.Stats().BufferGrowths != 1 {
		t.Errorf("BufferGrowths = %d, want 1", p.Stats().BufferGrowths)
	}
	wantFrames(t, sink.frames, 1, 6)
}

func TestPipeline_BusyDeviceIsRetried(t *testing.T) {
	dev := newFakeDevice()
	dev.busy = 3

	cfg := testConfig(4)
	clock := &fakeClock{}
	cfg.Clock = clock
	p, sink, _ := newTestPipeline(t, cfg, dev, 5)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if got := p.Stats().BusyRetries; got != 3 {
		t.Errorf("BusyRetries = %d, want 3", got)
	}
	if clock.sleeps != 3 {
		t.Errorf("back-off sleeps = %d, want 3", clock.sleeps)
	}
	if dev.attempts[0] != 1 {
		t.Errorf("busy replies should not count as attempts on the frame, got %d", dev.attempts[0])
	}
	wantFrames(t, sink.frames, 1, 5)
}

func TestPipeline_LookaheadIsDrained(t *testing.T) {
	dev := newFakeDevice()
	dev.lookahead = 2

	cfg := testConfig(4)
	cfg.Params.Lookahead = 2
	p, sink, _ := newTestPipeline(t, cfg, dev, 10)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	wantFrames(t, sink.frames, 1, 10)
	stats := p.Stats()
	if stats.DrainSubmits != 2 {
		t.Errorf("DrainSubmits = %d, want 2", stats.DrainSubmits)
	}
	if stats.Submitted != 10 {
		t.Errorf("Submitted = %d, want 10", stats.Submitted)
	}
	if stats.DrainPasses != 2 {
		t.Errorf("DrainPasses = %d, want 2", stats.DrainPasses)
	}
}

func TestPipeline_HangRecovery(t *testing.T) {
	testCases := []struct {
		name        string
		restart     bool
		first, last int
		wantResets  int
	}{
		// Frames 1-3 were in flight and are lost
		{name: "continue", restart: false, first: 4, last: 10},
		// Input rewinds and every frame is encoded again
		{name: "restart", restart: true, first: 1, last: 10, wantResets: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.hangAtSync = 1

			cfg := testConfig(3)
			cfg.RestartOnReset = tc.restart
			p, sink, src := newTestPipeline(t, cfg, dev, 10)

			if err := p.Encode(context.Background()); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			if dev.zeroSyncs != 3 {
				t.Errorf("settle syncs = %d, want 3", dev.zeroSyncs)
			}
			if dev.inits != 2 {
				t.Errorf("device inits = %d, want 2", dev.inits)
			}
			if sink.resets != 1 {
				t.Errorf("sink resets = %d, want 1", sink.resets)
			}
			if src.resets != tc.wantResets {
				t.Errorf("source resets = %d, want %d", src.resets, tc.wantResets)
			}
			if p.Stats().Recoveries != 1 {
				t.Errorf("Recoveries = %d, want 1", p.Stats().Recoveries)
			}
			wantFrames(t, sink.frames, tc.first, tc.last)

			if _, err := p.Tasks().GetFreeTask(); err != nil {
				t.Errorf("GetFreeTask after recovery = %v", err)
			}
		})
	}
}

func TestPipeline_HangWithoutRecoveryIsFatal(t *testing.T) {
	dev := newFakeDevice()
	dev.hangAtSync = 1

	cfg := testConfig(2)
	cfg.HangRecovery = false
	p, _, _ := newTestPipeline(t, cfg, dev, 10)

	err := p.Encode(context.Background())
	if !errors.Is(err, accel.ErrDeviceHang) {
		t.Fatalf("Encode = %v, want ErrDeviceHang", err)
	}
	if dev.inits != 1 {
		t.Errorf("device inits = %d, want 1", dev.inits)
	}
}

func TestPipeline_DeviceLost(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		dev := newFakeDevice()
		dev.lostAtSubmit = 2
		p, sink, _ := newTestPipeline(t, testConfig(4), dev, 5)

		if err := p.Encode(context.Background()); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if dev.inits != 2 {
			t.Errorf("device inits = %d, want 2", dev.inits)
		}
		// Frame 1 was in flight at the reset and frame 2 was refused
		wantFrames(t, sink.frames, 3, 5)
	})

	t.Run("gives up", func(t *testing.T) {
		dev := newFakeDevice()
		dev.lostAtSubmit = 2
		cfg := testConfig(4)
		cfg.MaxRecoveries = 0
		p, _, _ := newTestPipeline(t, cfg, dev, 5)

		err := p.Encode(context.Background())
		if !errors.Is(err, accel.ErrDeviceLost) {
			t.Fatalf("Encode = %v, want ErrDeviceLost", err)
		}
		if !strings.Contains(err.Error(), "giving up") {
			t.Errorf("error %q should say recovery gave up", err)
		}
	})
}

func TestPipeline_FatalErrorStopsSubmission(t *testing.T) {
	dev := newFakeDevice()
	dev.fatalAtSubmit = 3
	dev.fatalErr = errBoom
	p, _, _ := newTestPipeline(t, testConfig(4), dev, 10)

	err := p.Encode(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Encode = %v, want errBoom", err)
	}
	if len(dev.accepted) != 2 {
		t.Errorf("accepted submissions = %d, want 2", len(dev.accepted))
	}
	if dev.inits != 1 {
		t.Errorf("fatal errors must not trigger a reset, inits = %d", dev.inits)
	}
}

func TestPipeline_KeyframeIsOneShot(t *testing.T) {
	dev := newFakeDevice()
	cfg := testConfig(4)
	cfg.KeyframeAt = []uint64{5}
	p, _, _ := newTestPipeline(t, cfg, dev, 8)

	p.RequestKeyframe()
	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for order := uint64(0); order < 8; order++ {
		want := accel.FrameTypeAuto
		if order == 0 || order == 5 {
			want = accel.FrameTypeIDR
		}
		if got := dev.ctrls[order]; got != want {
			t.Errorf("frame %d frame type = %d, want %d", order, got, want)
		}
	}
}

func TestPipeline_KeyframeConsumedByRetriedAttempt(t *testing.T) {
	dev := newFakeDevice()
	dev.busy = 1
	dev.tooSmallAt = 4
	dev.tooSmallNeed = 5000

	cfg := testConfig(4)
	cfg.BufferSize = 1000
	cfg.KeyframeAt = []uint64{0, 3, 4}
	p, _, _ := newTestPipeline(t, cfg, dev, 6)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := p.Stats().BusyRetries; got != 1 {
		t.Errorf("BusyRetries = %d, want 1", got)
	}
	if got := p.Stats().BufferGrowths; got != 1 {
		t.Errorf("BufferGrowths = %d, want 1", got)
	}

	// Frames 0 and 3 lose their IDR to the busy and too-small attempts
	for order := uint64(0); order < 6; order++ {
		want := accel.FrameTypeAuto
		if order == 4 {
			want = accel.FrameTypeIDR
		}
		if got := dev.ctrls[order]; got != want {
			t.Errorf("frame %d frame type = %d, want %d", order, got, want)
		}
	}
}

func TestPipeline_AllocationError(t *testing.T) {
	dev := newFakeDevice()
	dev.suggested = 2
	p, _, _ := newTestPipeline(t, testConfig(4), dev, 1)

	if err := p.Encode(context.Background()); !errors.Is(err, ErrAllocation) {
		t.Fatalf("Encode = %v, want ErrAllocation", err)
	}
}

func TestPipeline_SurfaceExhaustion(t *testing.T) {
	dev := newFakeDevice()
	dev.suggested = 2
	dev.lockSurfaces = true

	cfg := testConfig(2)
	clock := &fakeClock{}
	cfg.Clock = clock
	p, _, _ := newTestPipeline(t, cfg, dev, 10)

	err := p.Encode(context.Background())
	if !errors.Is(err, surface.ErrNotFound) {
		t.Fatalf("Encode = %v, want surface.ErrNotFound", err)
	}
	if want := int(cfg.SurfaceTimeout / cfg.SurfacePoll); clock.sleeps != want {
		t.Errorf("surface polls = %d, want %d", clock.sleeps, want)
	}
}

func TestPipeline_ContextCancelled(t *testing.T) {
	dev := newFakeDevice()
	p, _, _ := newTestPipeline(t, testConfig(4), dev, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Encode(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Encode = %v, want context.Canceled", err)
	}
}

func TestPipeline_StateSequence(t *testing.T) {
	dev := newFakeDevice()
	cfg := testConfig(2)

	var states []State
	cfg.OnProgress = func(s Stats) {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	p, _, _ := newTestPipeline(t, cfg, dev, 5)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []State{StatePriming, StateSteady, StateDraining, StateFlushing, StateSynchronizing, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestPipeline_CloseClosesEverything(t *testing.T) {
	dev := newFakeDevice()
	p, sink, _ := newTestPipeline(t, testConfig(2), dev, 3)

	if err := p.Encode(context.Background()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if dev.open {
		t.Error("device still open after Close")
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	dev := newFakeDevice()

	bad := testConfig(4)
	bad.Params.AsyncDepth = 0
	if _, err := New(bad, dev, &countingSource{}, &recordingSink{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New with zero async depth = %v, want ErrInvalidArgument", err)
	}

	if _, err := New(testConfig(4), nil, &countingSource{}, &recordingSink{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New without device = %v, want ErrInvalidArgument", err)
	}

	if dev.inits != 0 {
		t.Error("New must not touch the device")
	}
}
