package meter

import (
	"log"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// housekeepingInterval paces the supervisor.
const housekeepingInterval = 10 * time.Second

// RunHousekeeping samples temperatures, battery and calibration offsets on
// a slow cycle, and raises the sleep-timeout and flat-battery events.
// Sampling only happens while the top-level machine is in the active
// state.
func (m *PowerMeter) RunHousekeeping(stop <-chan struct{}) {
	log.Printf("housekeeping: task started")
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	lowBattery := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !m.active.Load() {
			continue
		}
		m.housekeepingCycle(&lowBattery)
	}
}

func (m *PowerMeter) housekeepingCycle(lowBattery *int) {
	cfg := config.Get()

	rec := records.Housekeeping{
		Temps: records.Temps{
			Left:  m.readSideTemp(m.Left),
			Right: m.readSideTemp(m.Right),
			IMU:   m.IMUTemperature(),
		},
		LeftOffset:  cfg.Left.ZeroOffset,
		RightOffset: cfg.Right.ZeroOffset,
	}

	mv, err := m.Battery.ReadMillivolts()
	if err != nil {
		log.Printf("housekeeping: battery read: %v", err)
		*lowBattery = 0
	} else {
		rec.Battery = mv
		if mv < cfg.BatteryCutoffMV {
			*lowBattery++
			log.Printf("housekeeping: battery %d mV below cutoff (%d/%d)", mv, *lowBattery, cfg.BatteryCutoffCount)
			if *lowBattery >= cfg.BatteryCutoffCount {
				m.requestEvent(EventFlat)
			}
		} else {
			*lowBattery = 0
		}
	}

	m.Queues.SendHousekeeping(rec)

	if cfg.SleepTimeoutSecs > 0 {
		_, rotTime, _ := m.Rotation.Snapshot()
		idle := clock.Seconds(clock.Delta(now(), rotTime))
		if idle > float64(cfg.SleepTimeoutSecs) {
			m.requestEvent(EventSleep)
		}
	}
}

// readSideTemp reads one side's sensor synchronously, caching a good value
// for torque compensation and reporting the sentinel on failure. A failed
// read keeps the last good compensation temperature.
func (m *PowerMeter) readSideTemp(s *SideState) float32 {
	t, err := s.Temp.ReadTemp()
	if err != nil {
		log.Printf("housekeeping: %s temperature: %v", s.ID, err)
		return records.TempUnreadable
	}
	s.SetCachedTemp(t)
	return t
}
