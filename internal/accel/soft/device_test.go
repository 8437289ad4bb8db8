package soft

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/linuxmatters/kiln/internal/accel"
	"github.com/linuxmatters/kiln/internal/bitstream"
	"github.com/linuxmatters/kiln/internal/surface"
)

func testParams(lookahead int) accel.Params {
	return accel.Params{
		Info: surface.FrameInfo{
			FourCC:     surface.FourCCNV12,
			Width:      32,
			Height:     16,
			CropW:      32,
			CropH:      16,
			FrameRateN: 30,
			FrameRateD: 1,
		},
		TargetKbps: 1000,
		AsyncDepth: 4,
		GopSize:    3,
		Lookahead:  lookahead,
	}
}

func openDevice(t *testing.T, cfg Config, p accel.Params) *Device {
	t.Helper()
	d := New(cfg)
	if err := d.Init(p); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newBuffer(t *testing.T, d *Device) *bitstream.Buffer {
	t.Helper()
	size, err := d.RequiredBufferSize()
	if err != nil {
		t.Fatalf("RequiredBufferSize failed: %v", err)
	}
	b, err := bitstream.New(size)
	if err != nil {
		t.Fatalf("bitstream.New failed: %v", err)
	}
	return b
}

func filledSurface(p accel.Params, order uint64) *surface.Surface {
	s := surface.NewSurface(p.Info)
	s.FrameOrder = order
	for i := range s.Data {
		s.Data[i] = byte(order)
	}
	return s
}

func TestDevice_EncodeAndDecode(t *testing.T) {
	p := testParams(0)
	d := openDevice(t, Config{}, p)

	var out bytes.Buffer
	for i := uint64(1); i <= 5; i++ {
		s := filledSurface(p, i)
		bs := newBuffer(t, d)

		sp, err := d.EncodeFrameAsync(nil, s, bs)
		if err != nil {
			t.Fatalf("frame %d: EncodeFrameAsync failed: %v", i, err)
		}
		if err := d.SyncOperation(sp, time.Second); err != nil {
			t.Fatalf("frame %d: SyncOperation failed: %v", i, err)
		}
		if s.Locked() {
			t.Errorf("frame %d: surface still locked after sync", i)
		}
		out.Write(bs.Bytes())
	}

	packets, err := DecodePackets(&out)
	if err != nil {
		t.Fatalf("DecodePackets failed: %v", err)
	}
	if len(packets) != 5 {
		t.Fatalf("got %d packets, want 5", len(packets))
	}

	wantKey := []bool{true, false, false, true, false}
	for i, pkt := range packets {
		if pkt.FrameOrder != uint64(i+1) {
			t.Errorf("packet %d: FrameOrder = %d, want %d", i, pkt.FrameOrder, i+1)
		}
		if pkt.Keyframe != wantKey[i] {
			t.Errorf("packet %d: Keyframe = %v, want %v", i, pkt.Keyframe, wantKey[i])
		}
		if len(pkt.Payload) != 32*16*3/2 || pkt.Payload[0] != byte(i+1) {
			t.Errorf("packet %d: payload does not round trip", i)
		}
		if pkt.Session != d.Session().String() {
			t.Errorf("packet %d: session = %s, want %s", i, pkt.Session, d.Session())
		}
	}
}

func TestDevice_LookaheadHoldsFrames(t *testing.T) {
	p := testParams(2)
	d := openDevice(t, Config{}, p)

	surfaces := []*surface.Surface{filledSurface(p, 1), filledSurface(p, 2), filledSurface(p, 3)}

	for i := 0; i < 2; i++ {
		sp, err := d.EncodeFrameAsync(nil, surfaces[i], newBuffer(t, d))
		if !errors.Is(err, accel.ErrMoreData) || sp != 0 {
			t.Fatalf("submission %d = (%d, %v), want (0, ErrMoreData)", i+1, sp, err)
		}
		if !surfaces[i].Locked() {
			t.Errorf("held surface %d not locked", i+1)
		}
	}

	var orders []uint64
	collect := func(sp accel.SyncPoint, bs *bitstream.Buffer) {
		t.Helper()
		if err := d.SyncOperation(sp, time.Second); err != nil {
			t.Fatalf("SyncOperation failed: %v", err)
		}
		packets, err := DecodePackets(bytes.NewReader(bs.Bytes()))
		if err != nil || len(packets) != 1 {
			t.Fatalf("DecodePackets = %d packets, %v", len(packets), err)
		}
		orders = append(orders, packets[0].FrameOrder)
	}

	bs := newBuffer(t, d)
	sp, err := d.EncodeFrameAsync(nil, surfaces[2], bs)
	if err != nil {
		t.Fatalf("third submission failed: %v", err)
	}
	collect(sp, bs)

	// Drain the lookahead with nil surfaces
	for {
		bs := newBuffer(t, d)
		sp, err := d.EncodeFrameAsync(nil, nil, bs)
		if errors.Is(err, accel.ErrMoreData) {
			break
		}
		if err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		collect(sp, bs)
	}

	want := []uint64{1, 2, 3}
	if len(orders) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(orders), len(want))
	}
	for i := range want {
		if orders[i] != want[i] {
			t.Errorf("output %d: FrameOrder = %d, want %d", i, orders[i], want[i])
		}
	}
	for i, s := range surfaces {
		if s.Locked() {
			t.Errorf("surface %d still locked after drain", i+1)
		}
	}
}

func TestDevice_NotEnoughBuffer(t *testing.T) {
	p := testParams(0)
	d := openDevice(t, Config{}, p)

	small, _ := bitstream.New(100)
	s := filledSurface(p, 1)

	_, err := d.EncodeFrameAsync(nil, s, small)
	if !errors.Is(err, accel.ErrNotEnoughBuffer) {
		t.Fatalf("error = %v, want ErrNotEnoughBuffer", err)
	}
	if s.Locked() {
		t.Error("rejected submission must not lock the surface")
	}

	need, _ := d.RequiredBufferSize()
	if err := small.Extend(need); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	sp, err := d.EncodeFrameAsync(nil, s, small)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := d.SyncOperation(sp, time.Second); err != nil {
		t.Fatalf("SyncOperation failed: %v", err)
	}
}

func TestDevice_ForcedKeyframe(t *testing.T) {
	p := testParams(0)
	p.GopSize = 0
	d := openDevice(t, Config{}, p)

	ctrls := []*accel.EncodeCtrl{nil, nil, {FrameType: accel.FrameTypeIDR}, nil}
	want := []bool{true, false, true, false}

	for i, ctrl := range ctrls {
		bs := newBuffer(t, d)
		sp, err := d.EncodeFrameAsync(ctrl, filledSurface(p, uint64(i+1)), bs)
		if err != nil {
			t.Fatalf("submission %d failed: %v", i+1, err)
		}
		if err := d.SyncOperation(sp, time.Second); err != nil {
			t.Fatalf("sync %d failed: %v", i+1, err)
		}
		packets, _ := DecodePackets(bytes.NewReader(bs.Bytes()))
		if len(packets) != 1 || packets[0].Keyframe != want[i] {
			t.Errorf("frame %d: keyframe = %v, want %v", i+1, packets, want[i])
		}
	}
}

func TestDevice_Faults(t *testing.T) {
	p := testParams(0)

	t.Run("busy", func(t *testing.T) {
		d := openDevice(t, Config{Faults: Faults{BusySubmits: 2}}, p)
		s := filledSurface(p, 1)
		bs := newBuffer(t, d)

		for i := 0; i < 2; i++ {
			if _, err := d.EncodeFrameAsync(nil, s, bs); !errors.Is(err, accel.ErrDeviceBusy) {
				t.Fatalf("submission %d error = %v, want ErrDeviceBusy", i+1, err)
			}
		}
		if _, err := d.EncodeFrameAsync(nil, s, bs); err != nil {
			t.Fatalf("third submission failed: %v", err)
		}
	})

	t.Run("hang", func(t *testing.T) {
		d := openDevice(t, Config{Faults: Faults{HangAtSync: 1}}, p)
		sp, err := d.EncodeFrameAsync(nil, filledSurface(p, 1), newBuffer(t, d))
		if err != nil {
			t.Fatalf("submission failed: %v", err)
		}
		if err := d.SyncOperation(sp, time.Second); !errors.Is(err, accel.ErrDeviceHang) {
			t.Fatalf("sync error = %v, want ErrDeviceHang", err)
		}
		// The hang fires once; a zero timeout sync then releases the task
		if err := d.SyncOperation(sp, 0); err != nil {
			t.Fatalf("zero timeout sync after hang: %v", err)
		}
	})

	t.Run("lost", func(t *testing.T) {
		d := openDevice(t, Config{Faults: Faults{LostAtSubmit: 1}}, p)
		_, err := d.EncodeFrameAsync(nil, filledSurface(p, 1), newBuffer(t, d))
		if !errors.Is(err, accel.ErrDeviceLost) {
			t.Fatalf("error = %v, want ErrDeviceLost", err)
		}
	})
}

func TestDevice_SyncTimeout(t *testing.T) {
	p := testParams(0)
	d := openDevice(t, Config{Delay: 200 * time.Millisecond}, p)

	sp, err := d.EncodeFrameAsync(nil, filledSurface(p, 1), newBuffer(t, d))
	if err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	if err := d.SyncOperation(sp, 0); !errors.Is(err, accel.ErrInExecution) {
		t.Fatalf("zero timeout sync = %v, want ErrInExecution", err)
	}
	if err := d.SyncOperation(sp, 5*time.Second); err != nil {
		t.Fatalf("blocking sync failed: %v", err)
	}
	if err := d.SyncOperation(sp, time.Second); !errors.Is(err, accel.ErrInvalidSyncPoint) {
		t.Fatalf("second sync = %v, want ErrInvalidSyncPoint", err)
	}
}

func TestDevice_Lifecycle(t *testing.T) {
	p := testParams(0)
	d := New(Config{})

	if _, err := d.RequiredBufferSize(); !errors.Is(err, accel.ErrNotInitialized) {
		t.Errorf("RequiredBufferSize before Init = %v, want ErrNotInitialized", err)
	}

	bad := p
	bad.TargetKbps = 0
	if err := d.Init(bad); !errors.Is(err, accel.ErrInvalidParams) {
		t.Errorf("Init with zero bitrate = %v, want ErrInvalidParams", err)
	}

	if err := d.Init(p); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	first := d.Session()
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := d.Init(p); err != nil {
		t.Fatalf("re-Init failed: %v", err)
	}
	defer d.Close()

	if d.Session() == first {
		t.Error("re-Init should start a new session")
	}
	if got := d.Stats().Sessions; got != 2 {
		t.Errorf("Sessions = %d, want 2", got)
	}
}

func TestDevice_QueryIOSurf(t *testing.T) {
	p := testParams(2)

	req, err := New(Config{}).QueryIOSurf(p)
	if err != nil {
		t.Fatalf("QueryIOSurf failed: %v", err)
	}
	if req.Suggested != p.AsyncDepth+p.Lookahead+1 {
		t.Errorf("Suggested = %d, want %d", req.Suggested, p.AsyncDepth+p.Lookahead+1)
	}

	req, _ = New(Config{Surfaces: 2}).QueryIOSurf(p)
	if req.Suggested != 2 {
		t.Errorf("Suggested with override = %d, want 2", req.Suggested)
	}
}
