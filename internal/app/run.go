package app

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/meter"
	"github.com/relabs-tech/crank_power_meter/internal/records"
	"github.com/relabs-tech/crank_power_meter/internal/sensors"
)

// Device identity reported in the about payload.
const (
	DeviceName = "crank-power-meter"
	SWVersion  = "s1.2.0"
	HWVersion  = "v1.1.1"
)

// Compiled is stamped via -ldflags at build time.
var Compiled = "unknown"

// RunFirmware wires the hardware, starts every task and drives the
// top-level state machine until a termination signal.
func RunFirmware(configPath string) error {
	log.Printf("starting %s %s, hardware %s, compiled %s", DeviceName, SWVersion, HWVersion, Compiled)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	hw := cfg.Hardware

	// --- Hardware ---
	imuDev, err := sensors.NewIMU(hw.IMUSPIDevice, hw.IMUCSPin, hw.IMUInterruptPin)
	if err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	leftADC, err := sensors.NewStrainADC(hw.LeftDoutPin, hw.LeftSclkPin)
	if err != nil {
		return fmt.Errorf("firmware: left: %w", err)
	}
	rightADC, err := sensors.NewStrainADC(hw.RightDoutPin, hw.RightSclkPin)
	if err != nil {
		return fmt.Errorf("firmware: right: %w", err)
	}
	amp, err := sensors.NewAmpPower(hw.AmpPwdnPin, hw.PowerSavePin)
	if err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	leftTemp, err := sensors.NewTempSensor(hw.I2CBus, hw.LeftTempAddr)
	if err != nil {
		log.Printf("firmware: left temperature sensor unavailable: %v", err)
	}
	rightTemp, err := sensors.NewTempSensor(hw.I2CBus, hw.RightTempAddr)
	if err != nil {
		log.Printf("firmware: right temperature sensor unavailable: %v", err)
	}
	battery := sensors.NewBattery(hw.BatteryIIOPath)

	// --- Core ---
	q := conn.NewQueues(cfg.HighSpeedBatch)
	m := meter.New(cfg, q, imuDev, amp, battery,
		leftADC, rightADC, tempOrSentinel(leftTemp), tempOrSentinel(rightTemp))

	handlers := conn.Handlers{
		SetConfiguration: func(payload []byte) error {
			if err := config.ApplyJSON(payload); err != nil {
				return err
			}
			next := config.Get()
			m.Filter.SetCovariances(next.KalmanQ, next.KalmanR)
			log.Printf("firmware: configuration updated")
			return nil
		},
		ZeroOffset: m.StartZeroOffset,
	}

	var transport conn.Transport
	switch cfg.Connection {
	case "ble":
		transport = conn.NewBLETransport(handlers)
	default:
		transport = conn.NewMQTTTransport(handlers)
	}
	cn := conn.New(transport, q, aboutRecord)

	// --- Tasks ---
	stop := make(chan struct{})
	go cn.Run(stop)
	go m.RunIMUTask(stop)
	go m.RunSideIRQ(m.Left, stop)
	go m.RunSideTask(m.Left, stop)
	go m.RunSideIRQ(m.Right, stop)
	go m.RunSideTask(m.Right, stop)
	go m.RunLowSpeedTask(stop)
	go m.RunHousekeeping(stop)
	go runConsolePort(m, hw.ConsolePort, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("firmware: termination signal, stopping")
		close(stop)
	}()

	m.RunStateMachine(cn, stop)
	return nil
}

// tempOrSentinel wraps a possibly-missing sensor so the housekeeping path
// always has something to call.
func tempOrSentinel(s *sensors.TempSensor) meter.TempReader {
	if s == nil {
		return missingTemp{}
	}
	return s
}

type missingTemp struct{}

func (missingTemp) ReadTemp() (float32, error) {
	return 0, fmt.Errorf("temperature sensor not present")
}

// aboutRecord snapshots the device identity and calibration for the
// about-device payload published on transport attach.
func aboutRecord() records.About {
	cfg := config.Get()
	return records.About{
		Name:        DeviceName,
		Compiled:    Compiled,
		SWVersion:   SWVersion,
		HWVersion:   HWVersion,
		ConnectTime: time.Now().Format(time.RFC3339),
		Calibration: records.AboutCalibration{
			LeftOffset:       cfg.Left.ZeroOffset,
			LeftCoefficient:  cfg.Left.Coefficient,
			RightOffset:      cfg.Right.ZeroOffset,
			RightCoefficient: cfg.Right.Coefficient,
		},
		MAC: deviceMAC(),
	}
}

// deviceMAC returns the first non-loopback interface's hardware address.
func deviceMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
