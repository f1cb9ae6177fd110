package meter

import (
	"log"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
)

// SystemState is a state of the top-level machine.
type SystemState int

const (
	SystemActive SystemState = iota
	SystemSleep
	SystemFlat
)

func (s SystemState) String() string {
	switch s {
	case SystemActive:
		return "Active"
	case SystemSleep:
		return "Sleep"
	default:
		return "Flat"
	}
}

// motionPollWait bounds the wake-interrupt wait in the sleep state.
const motionPollWait = time.Second

// RunStateMachine drives the Active/Sleep/Flat machine as a plain tagged
// variant with a single driver loop. Flat is terminal: it quiesces
// everything and parks until stop.
func (m *PowerMeter) RunStateMachine(c *conn.Conn, stop <-chan struct{}) {
	state := SystemActive
	for !stopped(stop) {
		log.Printf("states: entering %s", state)
		switch state {
		case SystemActive:
			state = m.stateActive(c, stop)
		case SystemSleep:
			state = m.stateSleep(stop)
		case SystemFlat:
			m.stateFlat(c, stop)
			return
		}
	}
}

func (m *PowerMeter) stateActive(c *conn.Conn, stop <-chan struct{}) SystemState {
	cfg := config.Get()
	if err := m.Amp.Up(); err != nil {
		log.Printf("states: amp power up: %v", err)
	}
	if err := m.IMU.StartSampling(cfg.IMUSampleRateHz, cfg.IMUAccelRangeG, cfg.IMUGyroRangeDPS); err != nil {
		log.Printf("states: IMU start: %v", err)
	}
	m.active.Store(true)
	c.Enable()

	for {
		select {
		case <-stop:
			m.quiesce(c, cfg)
			return SystemActive
		case ev := <-m.Events:
			switch ev {
			case EventSleep:
				m.quiesce(c, cfg)
				return SystemSleep
			case EventFlat:
				return SystemFlat
			}
		}
	}
}

// quiesce sends disable to the connection, waits for the producers to
// observe accept-data low, then power-gates the analog front end.
func (m *PowerMeter) quiesce(c *conn.Conn, cfg *config.Config) {
	c.Disable()
	m.active.Store(false)
	// Producers stop enqueueing within one sample period of the disable.
	time.Sleep(2 * samplePeriod(cfg))
	if err := m.Amp.Down(); err != nil {
		log.Printf("states: amp power down: %v", err)
	}
}

func (m *PowerMeter) stateSleep(stop <-chan struct{}) SystemState {
	if err := m.IMU.EnableMotionWake(); err != nil {
		log.Printf("states: enable motion wake: %v", err)
	}
	for !stopped(stop) {
		if m.IMU.WaitMotion(motionPollWait) {
			log.Printf("states: motion wake")
			return SystemActive
		}
	}
	return SystemSleep
}

// stateFlat is terminal: the battery is too low to keep running, so every
// wake source is disabled and the machine parks.
func (m *PowerMeter) stateFlat(c *conn.Conn, stop <-chan struct{}) {
	log.Printf("states: battery flat, shutting down")
	m.quiesce(c, config.Get())
	if err := m.IMU.Halt(); err != nil {
		log.Printf("states: IMU halt: %v", err)
	}
	<-stop
}

func samplePeriod(cfg *config.Config) time.Duration {
	if cfg.IMUSampleRateHz <= 0 {
		return 10 * time.Millisecond
	}
	return time.Second / time.Duration(cfg.IMUSampleRateHz)
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
