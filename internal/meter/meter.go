// Package meter implements the acquisition core: the IMU ingest task, the
// two per-side strain tasks, the low-speed rendezvous task, the
// housekeeping supervisor and the top-level state machine, all hanging off
// one owned PowerMeter root that is passed by pointer to the task entry
// points.
package meter

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/kalman"
	"github.com/relabs-tech/crank_power_meter/internal/notify"
	"github.com/relabs-tech/crank_power_meter/internal/records"
	"github.com/relabs-tech/crank_power_meter/internal/sensors"
)

// Bits on the low-speed task's notification word.
const (
	BitRotation = 1 << 0 // IMU task: a rotation just completed
	BitLeft     = 1 << 1 // left side: average power published
	BitRight    = 1 << 2 // right side: average power published
)

// zeroOffsetSamples is how many no-load conversions are averaged into a
// side's zero offset.
const zeroOffsetSamples = 200

// sideWaitTimeout bounds the per-side wait for a conversion so the
// rotation rendezvous never stalls on a dead sensor.
const sideWaitTimeout = 100 * time.Millisecond

// rendezvousTimeout bounds the low-speed task's wait for both sides.
var rendezvousTimeout = 3 * time.Second

// TempReader yields the current temperature of one sensor in celsius.
type TempReader interface {
	ReadTemp() (float32, error)
}

// BatteryReader samples the cell voltage.
type BatteryReader interface {
	ReadMillivolts() (uint16, error)
}

// AmpControl sequences the strain amplifier supply rails.
type AmpControl interface {
	Up() error
	Down() error
}

// Event is a request to the top-level state machine.
type Event int

const (
	EventSleep Event = iota
	EventFlat
)

// SideState is everything one strain side owns: its hardware, its
// calibration progress and the per-rotation energy bookkeeping. The fields
// below the mutex are shared with the housekeeping and low-speed tasks;
// the plain fields at the bottom are touched only by this side's task.
type SideState struct {
	ID     records.SideID
	ADC    sensors.StrainADC
	Temp   TempReader
	Signal *notify.TimestampSignal
	rearm  chan struct{}
	bit    uint32

	mu           sync.Mutex
	cachedTemp   float64
	tempCached   bool
	calibRemain  int
	calibSum     int64
	calibPulse   bool
	averagePower float64

	// Side-task private.
	energy       float64
	segmentStart uint32
	lastSample   uint32
	sampled      bool
	lastRotation uint32
}

func newSideState(id records.SideID, bit uint32, adc sensors.StrainADC, temp TempReader) *SideState {
	return &SideState{
		ID:     id,
		ADC:    adc,
		Temp:   temp,
		Signal: notify.NewTimestampSignal(),
		rearm:  make(chan struct{}, 1),
		bit:    bit,
	}
}

// Rearm lets the interrupt goroutine wait for the next conversion. The
// task calls it after every read and after every wait timeout.
func (s *SideState) Rearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// SetCachedTemp stores the most recent temperature for torque
// compensation.
func (s *SideState) SetCachedTemp(t float32) {
	s.mu.Lock()
	s.cachedTemp = float64(t)
	s.tempCached = true
	s.mu.Unlock()
}

// CachedTemp returns the compensation temperature and whether one has been
// read yet.
func (s *SideState) CachedTemp() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedTemp, s.tempCached
}

// StartZeroOffset arms the no-load averaging countdown.
func (s *SideState) StartZeroOffset() {
	s.mu.Lock()
	s.calibRemain = zeroOffsetSamples
	s.calibSum = 0
	s.mu.Unlock()
}

// Calibrating reports whether the countdown is running.
func (s *SideState) Calibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibRemain > 0
}

// calibStep consumes raw into the countdown if one is running. The
// returned offset is non-negative exactly once, on the sample that
// finishes the countdown. The raw counts are summed as integers and
// divided once at the end so a constant input yields its exact value.
func (s *SideState) calibStep(raw uint32) (consumed bool, offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calibRemain == 0 {
		return false, -1
	}
	s.calibSum += int64(raw)
	s.calibRemain--
	if s.calibRemain > 0 {
		return true, -1
	}
	s.calibPulse = true
	return true, float64(s.calibSum) / zeroOffsetSamples
}

// takeCalibPulse consumes the one-shot offset-calibration pulse request.
func (s *SideState) takeCalibPulse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := s.calibPulse
	s.calibPulse = false
	return armed
}

func (s *SideState) setAveragePower(p float64) {
	s.mu.Lock()
	s.averagePower = p
	s.mu.Unlock()
}

// AveragePower returns the side's power averaged over its last completed
// rotation segment. The low-speed task only reads it after this side's
// rendezvous bit, so the notification is the ordering.
func (s *SideState) AveragePower() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averagePower
}

// PowerMeter is the owned root of the acquisition core.
type PowerMeter struct {
	Filter   *kalman.Filter
	Rotation *RotationTracker
	Queues   *conn.Queues
	// Rendezvous is the low-speed task's notification word.
	Rendezvous *notify.Word

	Left  *SideState
	Right *SideState

	IMU     sensors.IMUSource
	Amp     AmpControl
	Battery BatteryReader

	// Events feed the top-level state machine.
	Events chan Event

	// active gates the housekeeping supervisor to the Active state.
	active atomic.Bool

	imuTempMu  sync.Mutex
	imuTemp    float32
	imuTempSet bool

	cfgMu sync.Mutex // serialises snapshot rewrites from the two sides

	detector rotationDetector
	decim    int
}

// initialCovariance is deliberately huge so the first measurements
// dominate the boot-time state guess.
var initialCovariance = kalman.Mat2{{1e6, 0}, {0, 1e6}}

// New builds the root structure. Hardware arrives as interfaces so bench
// tests can substitute fakes.
func New(cfg *config.Config, q *conn.Queues,
	imu sensors.IMUSource, amp AmpControl, battery BatteryReader,
	leftADC, rightADC sensors.StrainADC, leftTemp, rightTemp TempReader) *PowerMeter {
	return &PowerMeter{
		Filter:     kalman.New(cfg.KalmanQ, cfg.KalmanR, kalman.State{}, initialCovariance),
		Rotation:   &RotationTracker{},
		Queues:     q,
		Rendezvous: notify.NewWord(),
		Left:       newSideState(records.LeftSide, BitLeft, leftADC, leftTemp),
		Right:      newSideState(records.RightSide, BitRight, rightADC, rightTemp),
		IMU:        imu,
		Amp:        amp,
		Battery:    battery,
		Events:     make(chan Event, 4),
	}
}

// Side returns the state for one crank side.
func (m *PowerMeter) Side(id records.SideID) *SideState {
	if id == records.LeftSide {
		return m.Left
	}
	return m.Right
}

func (m *PowerMeter) setIMUTemperature(t float32) {
	m.imuTempMu.Lock()
	m.imuTemp = t
	m.imuTempSet = true
	m.imuTempMu.Unlock()
}

// IMUTemperature returns the last die temperature seen by the IMU task, or
// the unreadable sentinel before the first sample.
func (m *PowerMeter) IMUTemperature() float32 {
	m.imuTempMu.Lock()
	defer m.imuTempMu.Unlock()
	if !m.imuTempSet {
		return records.TempUnreadable
	}
	return m.imuTemp
}

// StartZeroOffset arms the no-load averaging on both sides. Wired to the
// perform-adc-zero-offset command.
func (m *PowerMeter) StartZeroOffset() {
	log.Printf("meter: starting zero-offset calibration, %d samples per side", zeroOffsetSamples)
	m.Left.StartZeroOffset()
	m.Right.StartZeroOffset()
}

// persistZeroOffset folds a freshly measured offset into the configuration
// snapshot. The copy-update-publish is serialised so the two sides cannot
// lose each other's result.
func (m *PowerMeter) persistZeroOffset(id records.SideID, offset float64) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	next := *config.Get()
	if id == records.LeftSide {
		next.Left.ZeroOffset = offset
	} else {
		next.Right.ZeroOffset = offset
	}
	if err := config.Set(&next); err != nil {
		log.Printf("meter: persist %s zero offset: %v", id, err)
		return
	}
	log.Printf("meter: %s zero offset set to %.1f", id, offset)
}

func (m *PowerMeter) requestEvent(ev Event) {
	select {
	case m.Events <- ev:
	default:
	}
}

// sideCalibration picks one side's calibration out of the snapshot.
func sideCalibration(cfg *config.Config, id records.SideID) config.SideCalibration {
	if id == records.LeftSide {
		return cfg.Left
	}
	return cfg.Right
}

// now is the side tasks' clock on the timeout path; a fake makes the
// timeout tests deterministic.
var now = clock.Micros
