// Package config holds the device configuration snapshot.
//
// The snapshot is loaded once from the persistent JSON blob at boot (defaults
// are written back if the blob is absent or unreadable) and republished
// atomically on explicit command. Producers read the snapshot at loop head
// via Get; no same-sample coherence is promised across an update.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/relabs-tech/crank_power_meter/internal/kalman"
)

// SideCalibration converts one side's raw strain readings into torque:
//
//	torque = (raw - ZeroOffset) * Coefficient * (1 - TempCoefficient*(T - ReferenceTemp))
type SideCalibration struct {
	ZeroOffset      float64 `json:"zero-offset"`
	Coefficient     float64 `json:"coefficient"`
	ReferenceTemp   float64 `json:"reference-temp"`
	TempCoefficient float64 `json:"temp-coefficient"`
}

// Hardware pins and bus names. These mirror the board layout and are not
// settable over the wire, but live in the same blob so a bench build can
// remap them.
type Hardware struct {
	IMUSPIDevice    string `json:"imu-spi-device"`
	IMUCSPin        string `json:"imu-cs-pin"`
	IMUInterruptPin string `json:"imu-interrupt-pin"`

	LeftDoutPin  string `json:"left-dout-pin"`
	LeftSclkPin  string `json:"left-sclk-pin"`
	RightDoutPin string `json:"right-dout-pin"`
	RightSclkPin string `json:"right-sclk-pin"`
	AmpPwdnPin   string `json:"amp-pwdn-pin"`
	PowerSavePin string `json:"power-save-pin"`

	I2CBus        string `json:"i2c-bus"`
	LeftTempAddr  uint16 `json:"left-temp-addr"`
	RightTempAddr uint16 `json:"right-temp-addr"`

	BatteryIIOPath string `json:"battery-iio-path"`
	DisplayI2CAddr uint16 `json:"display-i2c-addr"`
	ConsolePort    string `json:"console-port"`
}

// Config is the full configuration snapshot consumed read-only by the core.
type Config struct {
	// Connection selects the transport: "mqtt" or "ble".
	Connection string `json:"connection"`

	MQTTBroker   string `json:"mqtt-broker"`
	MQTTClientID string `json:"mqtt-client-id"`
	TopicPrefix  string `json:"topic-prefix"`
	BLEName      string `json:"ble-name"`

	// Kalman covariances.
	KalmanQ kalman.Mat2 `json:"kalman-q"`
	KalmanR kalman.Mat2 `json:"kalman-r"`

	// IMUDecimation emits one IMU record per N samples; 1 sends every sample.
	IMUDecimation int `json:"imu-decimation"`

	// SleepTimeoutSecs puts the device to sleep after this long without a
	// rotation. 0 disables the timeout; values 1..20 are rejected as too
	// aggressive to ride with.
	SleepTimeoutSecs int `json:"sleep-timeout-secs"`

	// IMU scaling and mounting geometry.
	IMUAccelRangeG   float64 `json:"imu-accel-range-g"`
	IMUGyroRangeDPS  float64 `json:"imu-gyro-range-dps"`
	IMUSampleRateHz  int     `json:"imu-sample-rate-hz"`
	IMUOffsetXMetres float64 `json:"imu-offset-x"`
	IMUOffsetYMetres float64 `json:"imu-offset-y"`

	Left  SideCalibration `json:"left"`
	Right SideCalibration `json:"right"`

	// Transport batching and power supervision.
	HighSpeedBatch     int    `json:"high-speed-batch"`
	BatteryCutoffMV    uint16 `json:"battery-cutoff-mv"`
	BatteryCutoffCount int    `json:"battery-cutoff-count"`

	Hardware Hardware `json:"hardware"`
}

// Default returns the configuration written to a fresh device.
func Default() *Config {
	return &Config{
		Connection:   "mqtt",
		MQTTBroker:   "tcp://192.168.4.1:1883",
		MQTTClientID: "crank-power-meter",
		TopicPrefix:  "power",
		BLEName:      "CrankPower",

		KalmanQ: kalman.Mat2{{2e-3, 0}, {0, 0.1}},
		KalmanR: kalman.Mat2{{100, 0}, {0, 1e-2}},

		IMUDecimation:    1,
		SleepTimeoutSecs: 600,

		IMUAccelRangeG:   4,
		IMUGyroRangeDPS:  2000,
		IMUSampleRateHz:  100,
		IMUOffsetXMetres: 0.035,
		IMUOffsetYMetres: 0.0,

		Left:  SideCalibration{Coefficient: 1.0, ReferenceTemp: 20},
		Right: SideCalibration{Coefficient: 1.0, ReferenceTemp: 20},

		HighSpeedBatch:     160,
		BatteryCutoffMV:    3300,
		BatteryCutoffCount: 3,

		Hardware: Hardware{
			IMUSPIDevice:    "/dev/spidev0.0",
			IMUCSPin:        "GPIO42",
			IMUInterruptPin: "GPIO38",
			LeftDoutPin:     "GPIO2",
			LeftSclkPin:     "GPIO5",
			RightDoutPin:    "GPIO1",
			RightSclkPin:    "GPIO4",
			AmpPwdnPin:      "GPIO6",
			PowerSavePin:    "GPIO7",
			I2CBus:          "",
			LeftTempAddr:    0x48,
			RightTempAddr:   0x49,
			BatteryIIOPath:  "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			DisplayI2CAddr:  0x3C,
			ConsolePort:     "/dev/ttyS0",
		},
	}
}

// Validate checks the fields the core depends on.
func (c *Config) Validate() error {
	switch c.Connection {
	case "mqtt", "ble":
	default:
		return fmt.Errorf("unknown connection method %q", c.Connection)
	}
	if c.IMUDecimation < 1 {
		return fmt.Errorf("imu-decimation must be >= 1, got %d", c.IMUDecimation)
	}
	if c.SleepTimeoutSecs >= 1 && c.SleepTimeoutSecs <= 20 {
		return fmt.Errorf("sleep-timeout-secs %d is in the rejected range 1..20", c.SleepTimeoutSecs)
	}
	if c.SleepTimeoutSecs < 0 {
		return fmt.Errorf("sleep-timeout-secs must not be negative, got %d", c.SleepTimeoutSecs)
	}
	if c.HighSpeedBatch < 1 {
		return fmt.Errorf("high-speed-batch must be >= 1, got %d", c.HighSpeedBatch)
	}
	if c.BatteryCutoffCount < 1 {
		return fmt.Errorf("battery-cutoff-count must be >= 1, got %d", c.BatteryCutoffCount)
	}
	if c.IMUAccelRangeG <= 0 || c.IMUGyroRangeDPS <= 0 {
		return errors.New("IMU ranges must be positive")
	}
	return nil
}

var (
	current  atomic.Pointer[Config]
	blobPath atomic.Pointer[string]
)

// Get returns the current snapshot. The returned value must be treated as
// immutable; mutations go through Set or ApplyJSON, which publish a fresh
// copy.
func Get() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	return Default()
}

// Load reads the persistent blob at path and publishes it as the current
// snapshot. If the blob is missing, unreadable or invalid, the defaults are
// written back and used, matching a first boot.
func Load(path string) (*Config, error) {
	blobPath.Store(&path)

	data, err := os.ReadFile(path)
	if err == nil {
		cfg := Default()
		if jsonErr := json.Unmarshal(data, cfg); jsonErr == nil {
			if valErr := cfg.Validate(); valErr == nil {
				current.Store(cfg)
				return cfg, nil
			} else {
				log.Printf("config: stored blob invalid (%v), resetting to defaults", valErr)
			}
		} else {
			log.Printf("config: cannot decode stored blob (%v), resetting to defaults", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	} else {
		log.Printf("config: no blob at %s, writing defaults", path)
	}

	cfg := Default()
	current.Store(cfg)
	if err := save(cfg, path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Set validates cfg, publishes it atomically and persists it. On a
// validation error the previous snapshot is retained untouched.
func Set(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	current.Store(cfg)
	if p := blobPath.Load(); p != nil {
		return save(cfg, *p)
	}
	return nil
}

// ApplyJSON merges a set-configuration payload over the current snapshot.
// An undecodable or invalid payload is rejected atomically: the previous
// values remain in force. A hardware block in the payload is ignored.
func ApplyJSON(payload []byte) error {
	prev := Get()
	next := *prev
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("config: decode payload: %w", err)
	}
	next.Hardware = prev.Hardware
	return Set(&next)
}

func save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
