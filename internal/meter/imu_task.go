package meter

import (
	"log"
	"math"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/kalman"
	"github.com/relabs-tech/crank_power_meter/internal/records"
	"github.com/relabs-tech/crank_power_meter/internal/sensors"
)

const gravity = 9.80665

// imuWatermarkWait bounds the FIFO interrupt wait so the task can observe
// stop.
const imuWatermarkWait = 100 * time.Millisecond

// RunIMUTask drains the IMU FIFO on every watermark interrupt, feeds the
// filter and detects rotation completions. It is the filter's only writer.
func (m *PowerMeter) RunIMUTask(stop <-chan struct{}) {
	log.Printf("imu: task started")
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !m.IMU.WaitWatermark(imuWatermarkWait) {
			continue
		}
		capture := clock.Micros()
		cfg := config.Get()
		if err := m.IMU.DrainFIFO(func(s sensors.IMUSample) {
			m.processIMUSample(s, capture, cfg)
		}); err != nil {
			log.Printf("imu: FIFO drain: %v", err)
		}
	}
}

// processIMUSample scales one FIFO frame, corrects the body-plane
// accelerations for centripetal force, reconstructs the measured angle and
// runs the filter update. Invalid frames are dropped without advancing the
// filter timestep; the next valid frame's timestep covers the gap.
func (m *PowerMeter) processIMUSample(s sensors.IMUSample, capture uint32, cfg *config.Config) {
	if !s.AccelValid || !s.GyroValid {
		log.Printf("imu: accel or gyro data invalid, dropping sample")
		return
	}
	m.setIMUTemperature(imuTempCelsius(s.Temp))

	accelScale := cfg.IMUAccelRangeG * gravity / 32767
	gyroScale := cfg.IMUGyroRangeDPS * math.Pi / 180 / 32767

	wz := float64(s.Gz) * gyroScale
	// The IMU sits off the rotation centre, so each body-plane axis sees a
	// centripetal term r*w^2 on top of gravity.
	ax := float64(s.Ax)*accelScale + cfg.IMUOffsetXMetres*wz*wz
	ay := float64(s.Ay)*accelScale + cfg.IMUOffsetYMetres*wz*wz

	// The mounting orientation flips the reconstructed angle's sign.
	theta := -math.Atan2(ay, ax)
	m.Filter.Update(kalman.State{Angle: theta, Velocity: wz}, capture)
	state, _ := m.Filter.Predict(capture)

	m.decim++
	if m.decim >= cfg.IMUDecimation {
		m.decim = 0
		m.Queues.SendIMU(records.IMU{
			Base: records.Base{
				Timestamp: capture,
				Velocity:  float32(state.Velocity),
				Position:  float32(state.Angle),
			},
			XAccel: float32(ax),
			YAccel: float32(ay),
			ZAccel: float32(float64(s.Az) * accelScale),
			XGyro:  float32(float64(s.Gx) * gyroScale),
			YGyro:  float32(float64(s.Gy) * gyroScale),
			ZGyro:  float32(wz),
		})
	}

	if m.detector.Observe(state.Angle) {
		m.Rotation.Complete(capture)
		m.Rendezvous.Notify(BitRotation)
	}
}

// imuTempCelsius converts the raw FIFO die-temperature byte.
func imuTempCelsius(raw int16) float32 {
	return float32(raw)/2 + 25
}
