package meter

import (
	"math"
	"testing"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/kalman"
)

// primeFilter gives the filter a near-exact state so side-task predictions
// are deterministic enough to assert against.
func primeFilter(m *PowerMeter, angle, velocity float64, ts uint32) {
	for i := 0; i < 20; i++ {
		m.Filter.Update(kalman.State{Angle: angle, Velocity: velocity}, ts)
	}
}

func TestSideTaskEmitsRecords(t *testing.T) {
	rig := newTestRig(t)
	fakeNow(t, 0)

	next := *config.Get()
	next.Left.ZeroOffset = 1000
	next.Left.Coefficient = 2
	next.Left.TempCoefficient = 0
	if err := config.Set(&next); err != nil {
		t.Fatal(err)
	}

	primeFilter(rig.m, 0, 5, 0)
	rig.leftADC.raws = []uint32{1500}

	stop := make(chan struct{})
	defer close(stop)
	go rig.m.RunSideTask(rig.m.Left, stop)

	for i := 1; i <= 5; i++ {
		mustSend(t, rig.m.Left, uint32(i)*10_000)
	}
	waitFor(t, "5 side records", func() bool { return rig.q.Left.Len() >= 5 })

	recs := drainSide(rig.q.Left)
	prev := uint32(0)
	for _, r := range recs {
		if r.Raw != 1500 {
			t.Errorf("raw = %d, want 1500", r.Raw)
		}
		if math.Abs(float64(r.Torque)-1000) > 1 {
			t.Errorf("torque = %v, want ~1000", r.Torque)
		}
		if r.Power != r.Torque*r.Velocity {
			t.Errorf("power %v != torque %v * velocity %v", r.Power, r.Torque, r.Velocity)
		}
		if r.Timestamp < prev {
			t.Error("side record timestamps not monotonic")
		}
		prev = r.Timestamp
	}
}

func TestSideAveragePowerOverRotation(t *testing.T) {
	rig := newTestRig(t)
	fakeNow(t, 0)

	next := *config.Get()
	next.Left.ZeroOffset = 0
	next.Left.Coefficient = 1
	next.Left.TempCoefficient = 0
	if err := config.Set(&next); err != nil {
		t.Fatal(err)
	}

	const w = 5.0
	primeFilter(rig.m, 0, w, 0)
	rig.leftADC.raws = []uint32{1000} // torque 1000 N·m

	stop := make(chan struct{})
	defer close(stop)
	go rig.m.RunSideTask(rig.m.Left, stop)

	// Five samples 10 ms apart, then the rotation completes.
	for i := 1; i <= 5; i++ {
		mustSend(t, rig.m.Left, uint32(i)*10_000)
	}
	waitFor(t, "5 side records", func() bool { return rig.q.Left.Len() >= 5 })
	rig.m.Rotation.Complete(50_000)

	// The next sample triggers the bookkeeping.
	mustSend(t, rig.m.Left, 60_000)
	waitFor(t, "rendezvous bit", func() bool { return rig.m.Rendezvous.Bits()&BitLeft != 0 })

	// Energy: five intervals of w*torque*10ms = 50 J each (10 ms to 60 ms;
	// the 60 ms sample accumulates before the bookkeeping runs), over the
	// 60 ms segment that started at the task's first now() = 0.
	want := (5 * w * 1000 * 0.01) / 0.060
	if got := rig.m.Left.AveragePower(); math.Abs(got-want) > want*0.02 {
		t.Errorf("average power = %v, want ~%v", got, want)
	}
}

func TestZeroOffsetCalibration(t *testing.T) {
	rig := newTestRig(t)
	fakeNow(t, 0)

	next := *config.Get()
	next.Left.ZeroOffset = 0
	next.Left.Coefficient = 1
	next.Left.TempCoefficient = 0
	if err := config.Set(&next); err != nil {
		t.Fatal(err)
	}

	primeFilter(rig.m, 0, 2, 0)
	const raw = 9_848_390
	rig.leftADC.raws = []uint32{raw}

	stop := make(chan struct{})
	defer close(stop)
	go rig.m.RunSideTask(rig.m.Left, stop)

	rig.m.Left.StartZeroOffset()
	for i := 1; i <= zeroOffsetSamples; i++ {
		mustSend(t, rig.m.Left, uint32(i)*10_000)
	}
	waitFor(t, "calibration to finish", func() bool {
		return config.Get().Left.ZeroOffset == raw
	})

	// No torque records were emitted while calibrating.
	if got := rig.q.Left.Len(); got != 0 {
		t.Errorf("%d records emitted during calibration, want 0", got)
	}

	// The next conversion carries the offset-calibration pulse request and
	// an equal raw reading now maps to exactly zero torque.
	mustSend(t, rig.m.Left, uint32(zeroOffsetSamples+1)*10_000)
	waitFor(t, "post-calibration record", func() bool { return rig.q.Left.Len() >= 1 })

	pulses := rig.leftADC.lastPulses()
	if !pulses[len(pulses)-1] {
		t.Error("offset-calibration pulse not requested on the first read after calibration")
	}
	recs := drainSide(rig.q.Left)
	if recs[0].Torque != 0 {
		t.Errorf("torque on raw == offset = %v, want exactly 0", recs[0].Torque)
	}
	if recs[0].Power != 0 {
		t.Errorf("power on raw == offset = %v, want exactly 0", recs[0].Power)
	}
}

func TestSideTimeoutStillRendezvouses(t *testing.T) {
	rig := newTestRig(t)
	clk := fakeNow(t, 1_000_000)

	stop := make(chan struct{})
	defer close(stop)
	go rig.m.RunSideTask(rig.m.Right, stop)

	// No conversions arrive; the wait times out at 100 ms. A rotation
	// completing must still produce the right side's rendezvous bit.
	time.Sleep(20 * time.Millisecond)
	rig.m.Rotation.Complete(1_500_000)
	clk.Store(2_000_000)

	waitFor(t, "right rendezvous bit", func() bool {
		return rig.m.Rendezvous.Bits()&BitRight != 0
	})
	if got := rig.m.Right.AveragePower(); got != 0 {
		t.Errorf("average power with no samples = %v, want 0", got)
	}
}
