package meter

import (
	"log"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// RunLowSpeedTask produces one summary record per rotation. It waits for
// both sides' rendezvous bits, accumulating notification values across
// wake-ups without clearing, then combines the per-side averages into
// total power and balance. A rendezvous timeout still emits a record so
// downstream consumers see the stall.
func (m *PowerMeter) RunLowSpeedTask(stop <-chan struct{}) {
	log.Printf("low-speed: task started")
	for {
		select {
		case <-stop:
			return
		default:
		}
		m.Queues.SendLowSpeed(m.lowSpeedCycle(stop))
		m.Rendezvous.Clear()
	}
}

// lowSpeedCycle runs one rendezvous and builds the record.
func (m *PowerMeter) lowSpeedCycle(stop <-chan struct{}) records.LowSpeed {
	deadline := time.Now().Add(rendezvousTimeout)
	both := false
	for !both && !stopped(stop) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		bits := m.Rendezvous.Wait(remaining)
		both = bits&BitLeft != 0 && bits&BitRight != 0
	}

	count, rotTime, rotDuration := m.Rotation.Snapshot()
	rec := records.LowSpeed{
		Timestamp: rotTime,
		Rotations: count,
		Balance:   50,
	}
	if rotDuration > 0 {
		rec.Cadence = float32(60 / clock.Seconds(rotDuration))
	}
	if !both {
		// Rendezvous timed out: keep the last rotation metadata but report
		// no power.
		return rec
	}

	left := m.Left.AveragePower()
	right := m.Right.AveragePower()
	total := left + right
	rec.Power = float32(total)
	if total > 0 {
		rec.Balance = float32(100 * right / total)
	}
	return rec
}
