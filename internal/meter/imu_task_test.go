package meter

import (
	"math"
	"testing"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/kalman"
	"github.com/relabs-tech/crank_power_meter/internal/records"
	"github.com/relabs-tech/crank_power_meter/internal/sensors"
)

// synthSample builds the raw FIFO frame for a crank at filter angle phi
// with angular velocity w, with centripetal offsets zeroed.
func synthSample(cfg *config.Config, phi, w float64) sensors.IMUSample {
	accelScale := cfg.IMUAccelRangeG * gravity / 32767
	gyroScale := cfg.IMUGyroRangeDPS * math.Pi / 180 / 32767
	// The task negates atan2(ay, ax), so feed the mirrored angle.
	return sensors.IMUSample{
		Ax:         int16(gravity * math.Cos(phi) / accelScale),
		Ay:         int16(-gravity * math.Sin(phi) / accelScale),
		Gz:         int16(w / gyroScale),
		Temp:       10,
		AccelValid: true,
		GyroValid:  true,
	}
}

func TestSyntheticUniformRotation(t *testing.T) {
	rig := newTestRig(t)
	cfg := config.Get()

	// One revolution per second for 3.5 s at 100 Hz.
	const w = 2 * math.Pi
	for i := 0; i < 350; i++ {
		ts := uint32(i) * 10_000
		phi := kalman.NormalizeAngle(w * float64(ts) * 1e-6)
		rig.m.processIMUSample(synthSample(cfg, phi, w), ts, cfg)
	}

	count, _, dur := rig.m.Rotation.Snapshot()
	if count < 1 {
		t.Fatalf("rotation count = %d after 3.5 s at 60 RPM, want >= 1", count)
	}
	if dur == 0 {
		t.Fatal("no rotation duration after multiple revolutions")
	}
	if dur > 0 {
		cadence := 60 / (float64(dur) * 1e-6)
		if math.Abs(cadence-60) > 2 {
			t.Errorf("cadence from rotation duration = %.2f RPM, want 60 +/- 2", cadence)
		}
	}

	var recs []records.IMU
	for {
		r, ok := rig.q.IMU.TryReceive()
		if !ok {
			break
		}
		recs = append(recs, r)
	}
	if len(recs) == 0 {
		t.Fatal("no IMU records emitted")
	}
	last := recs[len(recs)-1]
	if cad := float64(last.Cadence()); math.Abs(cad-60) > 2 {
		t.Errorf("last record cadence = %.2f RPM, want 60 +/- 2", cad)
	}
	prev := recs[0].Timestamp
	for _, r := range recs[1:] {
		if r.Timestamp < prev {
			t.Fatal("IMU record timestamps not monotonic")
		}
		prev = r.Timestamp
		if r.Position > math.Pi || float64(r.Position) <= -math.Pi-1e-6 {
			t.Fatalf("record position %v outside (-pi, pi]", r.Position)
		}
	}
}

func TestInvalidSampleDropped(t *testing.T) {
	rig := newTestRig(t)
	cfg := config.Get()

	rig.m.processIMUSample(synthSample(cfg, 0.5, 1), 10_000, cfg)
	before, _ := rig.m.Filter.Predict(10_000)

	bad := synthSample(cfg, 2.0, 3)
	bad.AccelValid = false
	rig.m.processIMUSample(bad, 20_000, cfg)

	after, _ := rig.m.Filter.Predict(10_000)
	if before != after {
		t.Errorf("invalid sample advanced the filter: %+v vs %+v", before, after)
	}
}

func TestDecimation(t *testing.T) {
	rig := newTestRig(t)
	next := *config.Get()
	next.IMUDecimation = 4
	if err := config.Set(&next); err != nil {
		t.Fatal(err)
	}
	cfg := config.Get()

	for i := 0; i < 8; i++ {
		rig.m.processIMUSample(synthSample(cfg, 0, 0), uint32(i)*10_000, cfg)
	}
	if got := rig.q.IMU.Len(); got != 2 {
		t.Errorf("records with decimation 4 over 8 samples = %d, want 2", got)
	}
}

func TestIMUTemperatureCached(t *testing.T) {
	rig := newTestRig(t)
	cfg := config.Get()

	if got := rig.m.IMUTemperature(); got != records.TempUnreadable {
		t.Errorf("temperature before first sample = %v, want sentinel", got)
	}
	s := synthSample(cfg, 0, 0)
	s.Temp = 10
	rig.m.processIMUSample(s, 1000, cfg)
	if got := rig.m.IMUTemperature(); got != 30 {
		t.Errorf("cached IMU temperature = %v, want 30", got)
	}
}

func TestNoEnqueueWhenNotAccepting(t *testing.T) {
	rig := newTestRig(t)
	rig.q.SetAcceptData(false)
	cfg := config.Get()

	for i := 0; i < 20; i++ {
		rig.m.processIMUSample(synthSample(cfg, 0, 0), uint32(i)*10_000, cfg)
	}
	if got := rig.q.IMU.Len(); got != 0 {
		t.Errorf("%d records enqueued with accept-data false", got)
	}
	if drops := rig.q.IMU.Drops(); drops != 0 {
		t.Errorf("accept-data false counted %d drops, want 0 (not enqueued at all)", drops)
	}
}
