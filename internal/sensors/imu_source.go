// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// IMUSample is one decoded FIFO frame.
type IMUSample struct {
	Ax, Ay, Az int16 // raw accelerometer counts
	Gx, Gy, Gz int16 // raw gyroscope counts
	Temp       int16 // raw die temperature
	AccelValid bool
	GyroValid  bool
}

// IMUSource is the view of the inertial sensor the acquisition core
// consumes. The real device below implements it; tests substitute a fake.
type IMUSource interface {
	// StartSampling configures ranges and rates and enables the FIFO
	// watermark interrupt line.
	StartSampling(sampleRateHz int, accelRangeG, gyroRangeDPS float64) error
	// WaitWatermark blocks until the FIFO watermark line asserts.
	WaitWatermark(timeout time.Duration) bool
	// DrainFIFO reads every buffered frame and hands each to fn.
	DrainFIFO(fn func(IMUSample)) error
	// EnableMotionWake stops sampling and arms wake-on-motion.
	EnableMotionWake() error
	// WaitMotion blocks until the motion interrupt asserts.
	WaitMotion(timeout time.Duration) bool
	// Halt powers the sensor down entirely.
	Halt() error
}

// Register map of the six-axis IMU used on the crank (FIFO-capable,
// SPI-attached). Only the registers this firmware touches are listed.
const (
	imuRegWhoAmI      = 0x75
	imuRegPwrMgmt     = 0x1F
	imuRegAccelConfig = 0x21
	imuRegGyroConfig  = 0x20
	imuRegFifoConfig  = 0x16
	imuRegFifoWmLow   = 0x29
	imuRegFifoWmHigh  = 0x2A
	imuRegFifoCountHi = 0x3D
	imuRegFifoCountLo = 0x3E
	imuRegFifoData    = 0x3F
	imuRegIntConfig   = 0x06
	imuRegIntSource   = 0x2B
	imuRegWomConfig   = 0x27
	imuRegWomThreshX  = 0x4A

	imuWhoAmIValue = 0x67

	imuFifoFrameLen = 16 // header, accel[6], gyro[6], temp, timestamp[2]

	// FIFO frame header bits.
	imuHeaderAccel = 0x40
	imuHeaderGyro  = 0x20

	imuReadFlag = 0x80
)

// fifoWatermarkFrames is how many frames accumulate before the interrupt
// line asserts.
const fifoWatermarkFrames = 10

type imuDevice struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinIO
	irq  gpio.PinIO
}

// NewIMU opens the IMU on the given SPI device with a GPIO chip select and
// interrupt line, and verifies its identity.
func NewIMU(spiDev, csPin, intPin string) (IMUSource, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("IMU: periph host init: %w", err)
	}

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("IMU: CS pin %q not found", csPin)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("IMU: CS pin: %w", err)
	}

	irq := gpioreg.ByName(intPin)
	if irq == nil {
		return nil, fmt.Errorf("IMU: interrupt pin %q not found", intPin)
	}
	if err := irq.In(gpio.PullUp, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("IMU: interrupt pin: %w", err)
	}

	port, err := spireg.Open(spiDev)
	if err != nil {
		return nil, fmt.Errorf("IMU: SPI open (%s): %w", spiDev, err)
	}
	conn, err := port.Connect(8*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("IMU: SPI connect: %w", err)
	}

	d := &imuDevice{port: port, conn: conn, cs: cs, irq: irq}
	id, err := d.readReg(imuRegWhoAmI)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("IMU: read WHO_AM_I: %w", err)
	}
	if id != imuWhoAmIValue {
		port.Close()
		return nil, fmt.Errorf("IMU: WHO_AM_I = 0x%02X, want 0x%02X", id, imuWhoAmIValue)
	}
	log.Printf("IMU: detected, WHO_AM_I = 0x%02X", id)
	return d, nil
}

func (d *imuDevice) tx(w, r []byte) error {
	if err := d.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer d.cs.Out(gpio.High)
	return d.conn.Tx(w, r)
}

func (d *imuDevice) readReg(reg byte) (byte, error) {
	r := make([]byte, 2)
	if err := d.tx([]byte{reg | imuReadFlag, 0}, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

func (d *imuDevice) writeReg(reg, value byte) error {
	return d.tx([]byte{reg, value}, make([]byte, 2))
}

func (d *imuDevice) StartSampling(sampleRateHz int, accelRangeG, gyroRangeDPS float64) error {
	// Gyro and accel on in low-noise mode.
	if err := d.writeReg(imuRegPwrMgmt, 0x0F); err != nil {
		return fmt.Errorf("IMU: power mgmt: %w", err)
	}
	if err := d.writeReg(imuRegAccelConfig, rangeBits(accelRangeG, []float64{16, 8, 4, 2})<<5|rateBits(sampleRateHz)); err != nil {
		return fmt.Errorf("IMU: accel config: %w", err)
	}
	if err := d.writeReg(imuRegGyroConfig, rangeBits(gyroRangeDPS, []float64{2000, 1000, 500, 250})<<5|rateBits(sampleRateHz)); err != nil {
		return fmt.Errorf("IMU: gyro config: %w", err)
	}

	// Stream-to-FIFO with a watermark interrupt on INT1.
	wm := uint16(fifoWatermarkFrames)
	if err := d.writeReg(imuRegFifoWmLow, byte(wm)); err != nil {
		return fmt.Errorf("IMU: FIFO watermark: %w", err)
	}
	if err := d.writeReg(imuRegFifoWmHigh, byte(wm>>8)); err != nil {
		return fmt.Errorf("IMU: FIFO watermark: %w", err)
	}
	if err := d.writeReg(imuRegFifoConfig, 0x02); err != nil {
		return fmt.Errorf("IMU: FIFO config: %w", err)
	}
	if err := d.writeReg(imuRegIntSource, 0x04); err != nil {
		return fmt.Errorf("IMU: interrupt source: %w", err)
	}
	return nil
}

func (d *imuDevice) WaitWatermark(timeout time.Duration) bool {
	return d.irq.WaitForEdge(timeout)
}

func (d *imuDevice) DrainFIFO(fn func(IMUSample)) error {
	hi, err := d.readReg(imuRegFifoCountHi)
	if err != nil {
		return fmt.Errorf("IMU: FIFO count: %w", err)
	}
	lo, err := d.readReg(imuRegFifoCountLo)
	if err != nil {
		return fmt.Errorf("IMU: FIFO count: %w", err)
	}
	frames := int(binary.BigEndian.Uint16([]byte{hi, lo}))

	buf := make([]byte, imuFifoFrameLen+1)
	w := make([]byte, imuFifoFrameLen+1)
	w[0] = imuRegFifoData | imuReadFlag
	for i := 0; i < frames; i++ {
		if err := d.tx(w, buf); err != nil {
			return fmt.Errorf("IMU: FIFO read: %w", err)
		}
		f := buf[1:]
		header := f[0]
		fn(IMUSample{
			Ax:         int16(binary.BigEndian.Uint16(f[1:3])),
			Ay:         int16(binary.BigEndian.Uint16(f[3:5])),
			Az:         int16(binary.BigEndian.Uint16(f[5:7])),
			Gx:         int16(binary.BigEndian.Uint16(f[7:9])),
			Gy:         int16(binary.BigEndian.Uint16(f[9:11])),
			Gz:         int16(binary.BigEndian.Uint16(f[11:13])),
			Temp:       int16(f[13]),
			AccelValid: header&imuHeaderAccel != 0,
			GyroValid:  header&imuHeaderGyro != 0,
		})
	}
	return nil
}

func (d *imuDevice) EnableMotionWake() error {
	if err := d.writeReg(imuRegFifoConfig, 0x00); err != nil {
		return fmt.Errorf("IMU: FIFO off: %w", err)
	}
	// Accel alone in low-power mode with the wake-on-motion threshold armed.
	if err := d.writeReg(imuRegPwrMgmt, 0x02); err != nil {
		return fmt.Errorf("IMU: low-power mode: %w", err)
	}
	if err := d.writeReg(imuRegWomThreshX, 0x10); err != nil {
		return fmt.Errorf("IMU: WoM threshold: %w", err)
	}
	if err := d.writeReg(imuRegWomConfig, 0x01); err != nil {
		return fmt.Errorf("IMU: WoM enable: %w", err)
	}
	if err := d.writeReg(imuRegIntSource, 0x01); err != nil {
		return fmt.Errorf("IMU: interrupt source: %w", err)
	}
	return nil
}

func (d *imuDevice) WaitMotion(timeout time.Duration) bool {
	return d.irq.WaitForEdge(timeout)
}

func (d *imuDevice) Halt() error {
	if err := d.writeReg(imuRegPwrMgmt, 0x00); err != nil {
		return fmt.Errorf("IMU: power off: %w", err)
	}
	return d.port.Close()
}

// rangeBits maps a configured full-scale range onto the register encoding,
// falling back to the widest range for unknown values.
func rangeBits(want float64, ranges []float64) byte {
	for i, r := range ranges {
		if r == want {
			return byte(i)
		}
	}
	return 0
}

// rateBits maps a sample rate in Hz onto the register encoding. Unlisted
// rates fall back to 100 Hz.
func rateBits(hz int) byte {
	rates := map[int]byte{1600: 0x05, 800: 0x06, 400: 0x07, 200: 0x08, 100: 0x09, 50: 0x0A, 25: 0x0B, 12: 0x0C}
	if b, ok := rates[hz]; ok {
		return b
	}
	return 0x09
}
