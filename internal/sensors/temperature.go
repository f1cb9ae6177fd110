// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// P3T1755 register pointers and configuration bits.
const (
	tempPtrTemp = 0x00
	tempPtrConf = 0x01

	tempConfSD = 1 << 0 // shutdown between conversions
	tempConfF0 = 1 << 3
	tempConfR0 = 1 << 5
	tempConfOS = 1 << 7 // one-shot trigger

	// A conversion typically finishes in 7.8 ms but may take up to 12 ms.
	tempConversionWait = 12 * time.Millisecond
)

// TempSensor reads one P3T1755 temperature sensor in single-shot mode for
// power saving.
type TempSensor struct {
	dev i2c.Dev
}

// NewTempSensor opens the sensor at the given address and puts it into
// shutdown single-shot mode.
func NewTempSensor(busName string, addr uint16) (*TempSensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("temp 0x%02X: periph host init: %w", addr, err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("temp 0x%02X: I2C open: %w", addr, err)
	}
	s := &TempSensor{dev: i2c.Dev{Bus: bus, Addr: addr}}
	if err := s.dev.Tx([]byte{tempPtrConf, tempConfR0 | tempConfF0 | tempConfSD}, nil); err != nil {
		return nil, fmt.Errorf("temp 0x%02X: configure: %w", addr, err)
	}
	return s, nil
}

// StartCapture triggers a one-shot conversion.
func (s *TempSensor) StartCapture() error {
	if err := s.dev.Tx([]byte{tempPtrConf, tempConfR0 | tempConfF0 | tempConfSD | tempConfOS}, nil); err != nil {
		return fmt.Errorf("temp 0x%02X: start capture: %w", s.dev.Addr, err)
	}
	return nil
}

// ReadTempRegister returns the temperature register contents in celsius.
// The value is stale if StartCapture has not run recently.
func (s *TempSensor) ReadTempRegister() (float32, error) {
	var raw [2]byte
	if err := s.dev.Tx([]byte{tempPtrTemp}, raw[:]); err != nil {
		return 0, fmt.Errorf("temp 0x%02X: read: %w", s.dev.Addr, err)
	}
	// 12-bit left-justified two's complement, 0.0625 C per LSB.
	counts := int16(uint16(raw[0])<<8|uint16(raw[1])) >> 4
	return float32(counts) * 0.0625, nil
}

// ReadTemp performs a synchronous single-shot read. It blocks for the full
// conversion time.
func (s *TempSensor) ReadTemp() (float32, error) {
	if err := s.StartCapture(); err != nil {
		return 0, err
	}
	time.Sleep(tempConversionWait)
	return s.ReadTempRegister()
}
