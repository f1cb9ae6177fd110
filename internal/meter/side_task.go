package meter

import (
	"log"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// sideEdgeWait bounds the interrupt goroutine's edge wait so it can
// observe stop.
const sideEdgeWait = 500 * time.Millisecond

// RunSideIRQ is the data-ready interrupt for one side: it waits for the
// falling edge, captures the timestamp, hands it to the task as the
// notification value and then stays detached until the task re-arms it.
func (m *PowerMeter) RunSideIRQ(s *SideState, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !s.ADC.WaitReady(sideEdgeWait) {
			continue
		}
		s.Signal.Send(clock.Micros())
		select {
		case <-s.rearm:
		case <-stop:
			return
		}
	}
}

// RunSideTask consumes one side's conversions: it queries the filter at
// the capture timestamp, clocks out the reading, converts it to torque and
// accumulates energy for the per-rotation average. On a wait timeout it
// still performs the average-power bookkeeping so the rendezvous never
// stalls when a sensor dies.
func (m *PowerMeter) RunSideTask(s *SideState, stop <-chan struct{}) {
	log.Printf("%s: side task started", s.ID)
	s.segmentStart = now()
	for {
		select {
		case <-stop:
			return
		default:
		}
		cfg := config.Get()

		var tNow uint32
		ts, ok := s.Signal.Wait(sideWaitTimeout)
		if ok {
			tNow = ts
			m.handleSideSample(s, cfg, ts)
		} else {
			tNow = now()
			s.Rearm()
		}
		m.sideBookkeeping(s, tNow)
	}
}

func (m *PowerMeter) handleSideSample(s *SideState, cfg *config.Config, ts uint32) {
	state, _ := m.Filter.Predict(ts)

	raw, err := s.ADC.Read(s.takeCalibPulse())
	s.Rearm()
	if err != nil {
		log.Printf("%s: ADC read: %v", s.ID, err)
		return
	}

	if consumed, offset := s.calibStep(raw); consumed {
		if offset >= 0 {
			m.persistZeroOffset(s.ID, offset)
		}
		return
	}

	cal := sideCalibration(cfg, s.ID)
	torque := sideTorque(raw, cal, s)
	m.Queues.SendSide(s.ID, records.Side{
		Base: records.Base{
			Timestamp: ts,
			Velocity:  float32(state.Velocity),
			Position:  float32(state.Angle),
		},
		Raw:    raw,
		Torque: float32(torque),
		Power:  float32(torque) * float32(state.Velocity),
	})

	if s.sampled {
		dt := clock.Seconds(clock.Delta(ts, s.lastSample))
		s.energy += state.Velocity * torque * dt
	}
	s.lastSample = ts
	s.sampled = true
}

// sideTorque applies the side's strain calibration:
//
//	torque = (raw - zero) * coefficient * (1 - tempCo*(T - Tref))
//
// with T the most recently cached side temperature. Before the first
// temperature read the compensation term is skipped.
func sideTorque(raw uint32, cal config.SideCalibration, s *SideState) float64 {
	torque := (float64(raw) - cal.ZeroOffset) * cal.Coefficient
	if temp, ok := s.CachedTemp(); ok {
		torque *= 1 - cal.TempCoefficient*(temp-cal.ReferenceTemp)
	}
	return torque
}

// sideBookkeeping publishes the side's average power once per completed
// rotation and notifies the rendezvous.
func (m *PowerMeter) sideBookkeeping(s *SideState, tNow uint32) {
	count, _, _ := m.Rotation.Snapshot()
	if count == s.lastRotation {
		return
	}
	s.lastRotation = count

	var avg float64
	if delta := clock.Delta(tNow, s.segmentStart); delta > 0 {
		avg = s.energy / clock.Seconds(delta)
	}
	s.setAveragePower(avg)
	s.segmentStart = tNow
	s.energy = 0
	m.Rendezvous.Notify(s.bit)
}
