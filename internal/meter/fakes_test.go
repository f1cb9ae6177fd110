package meter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/records"
	"github.com/relabs-tech/crank_power_meter/internal/sensors"
)

type fakeADC struct {
	mu     sync.Mutex
	raws   []uint32
	pulses []bool
	err    error
}

func (f *fakeADC) WaitReady(time.Duration) bool { return false }

// Read pops the next scripted raw value, repeating the last one forever.
func (f *fakeADC) Read(pulse bool) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, pulse)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.raws) == 0 {
		return 0, nil
	}
	v := f.raws[0]
	if len(f.raws) > 1 {
		f.raws = f.raws[1:]
	}
	return v, nil
}

func (f *fakeADC) lastPulses() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.pulses...)
}

type fakeTemp struct {
	mu  sync.Mutex
	t   float32
	err error
}

func (f *fakeTemp) ReadTemp() (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t, f.err
}

type fakeBattery struct {
	mu  sync.Mutex
	mv  uint16
	err error
}

func (f *fakeBattery) ReadMillivolts() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mv, f.err
}

func (f *fakeBattery) set(mv uint16) {
	f.mu.Lock()
	f.mv = mv
	f.mu.Unlock()
}

type fakeAmp struct {
	ups, downs atomic.Int32
}

func (f *fakeAmp) Up() error   { f.ups.Add(1); return nil }
func (f *fakeAmp) Down() error { f.downs.Add(1); return nil }

type fakeIMU struct {
	motion chan struct{}
	halted atomic.Bool
}

func newFakeIMU() *fakeIMU {
	return &fakeIMU{motion: make(chan struct{}, 1)}
}

func (f *fakeIMU) StartSampling(int, float64, float64) error { return nil }
func (f *fakeIMU) WaitWatermark(timeout time.Duration) bool  { time.Sleep(timeout); return false }
func (f *fakeIMU) DrainFIFO(func(sensors.IMUSample)) error   { return nil }
func (f *fakeIMU) EnableMotionWake() error                   { return nil }
func (f *fakeIMU) WaitMotion(timeout time.Duration) bool {
	select {
	case <-f.motion:
		return true
	case <-time.After(timeout):
		return false
	}
}
func (f *fakeIMU) Halt() error { f.halted.Store(true); return nil }

type testRig struct {
	m        *PowerMeter
	q        *conn.Queues
	leftADC  *fakeADC
	rightADC *fakeADC
	battery  *fakeBattery
	leftTemp *fakeTemp
	imu      *fakeIMU
	amp      *fakeAmp
}

// newTestRig builds a meter over fakes with centripetal offsets zeroed and
// the queues accepting data.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.IMUOffsetXMetres = 0
	cfg.IMUOffsetYMetres = 0
	if err := config.Set(cfg); err != nil {
		t.Fatal(err)
	}

	rig := &testRig{
		q:        conn.NewQueues(cfg.HighSpeedBatch),
		leftADC:  &fakeADC{},
		rightADC: &fakeADC{},
		battery:  &fakeBattery{mv: 4000},
		leftTemp: &fakeTemp{t: 21},
		imu:      newFakeIMU(),
		amp:      &fakeAmp{},
	}
	rig.q.SetAcceptData(true)
	rig.m = New(cfg, rig.q,
		rig.imu, rig.amp, rig.battery,
		rig.leftADC, rig.rightADC, rig.leftTemp, &fakeTemp{t: 22})
	return rig
}

// fakeNow pins the meter's timeout-path clock and restores it on cleanup.
func fakeNow(t *testing.T, start uint32) *atomic.Uint32 {
	t.Helper()
	var v atomic.Uint32
	v.Store(start)
	prev := now
	now = v.Load
	t.Cleanup(func() { now = prev })
	return &v
}

// mustSend delivers a timestamp to a side task, retrying while the
// one-deep signal is full.
func mustSend(t *testing.T, s *SideState, ts uint32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Signal.Send(ts) {
		if time.Now().After(deadline) {
			t.Fatalf("%s: side task never consumed the signal", s.ID)
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// waitFor polls until cond holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// drainSide empties a side queue.
func drainSide(q interface {
	TryReceive() (records.Side, bool)
}) []records.Side {
	var out []records.Side
	for {
		r, ok := q.TryReceive()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}
