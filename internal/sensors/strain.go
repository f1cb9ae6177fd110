// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// StrainADC is the view of one side's 24-bit strain-gauge converter. The
// data-ready line doubles as the serial data-out line: it falls when a
// conversion completes and the result is then clocked out bit-banged.
type StrainADC interface {
	// WaitReady blocks until the data-ready line falls.
	WaitReady(timeout time.Duration) bool
	// Read clocks out the conversion result. With offsetCalibrate set, two
	// extra clock pulses request the converter's internal offset
	// calibration; the trailing two bits are dropped either way the result
	// is the 24-bit reading.
	Read(offsetCalibrate bool) (uint32, error)
}

type strainADC struct {
	dout gpio.PinIO
	sclk gpio.PinIO
}

// NewStrainADC opens the bit-banged serial interface of one side's
// converter.
func NewStrainADC(doutPin, sclkPin string) (StrainADC, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("strain ADC: periph host init: %w", err)
	}
	dout := gpioreg.ByName(doutPin)
	if dout == nil {
		return nil, fmt.Errorf("strain ADC: DOUT pin %q not found", doutPin)
	}
	if err := dout.In(gpio.PullNoChange, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("strain ADC: DOUT pin: %w", err)
	}
	sclk := gpioreg.ByName(sclkPin)
	if sclk == nil {
		return nil, fmt.Errorf("strain ADC: SCLK pin %q not found", sclkPin)
	}
	if err := sclk.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("strain ADC: SCLK pin: %w", err)
	}
	return &strainADC{dout: dout, sclk: sclk}, nil
}

func (a *strainADC) WaitReady(timeout time.Duration) bool {
	return a.dout.WaitForEdge(timeout)
}

func (a *strainADC) Read(offsetCalibrate bool) (uint32, error) {
	bits := 24
	if offsetCalibrate {
		bits = 26
	}
	var value uint32
	for i := 0; i < bits; i++ {
		if err := a.sclk.Out(gpio.High); err != nil {
			return 0, fmt.Errorf("strain ADC: SCLK: %w", err)
		}
		value <<= 1
		if a.dout.Read() == gpio.High {
			value |= 1
		}
		if err := a.sclk.Out(gpio.Low); err != nil {
			return 0, fmt.Errorf("strain ADC: SCLK: %w", err)
		}
	}
	if offsetCalibrate {
		value >>= 2
	}
	return value & 0xFFFFFF, nil
}

// AmpPower sequences the strain amplifier supply rails shared by both
// sides.
type AmpPower struct {
	pwdn gpio.PinIO
	save gpio.PinIO
}

// NewAmpPower opens the power-down and power-save control lines.
func NewAmpPower(pwdnPin, savePin string) (*AmpPower, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("amp power: periph host init: %w", err)
	}
	pwdn := gpioreg.ByName(pwdnPin)
	if pwdn == nil {
		return nil, fmt.Errorf("amp power: PWDN pin %q not found", pwdnPin)
	}
	save := gpioreg.ByName(savePin)
	if save == nil {
		return nil, fmt.Errorf("amp power: power-save pin %q not found", savePin)
	}
	return &AmpPower{pwdn: pwdn, save: save}, nil
}

// Up powers the strain gauges and amplifiers and runs the converter reset
// sequence. Wait for data-ready to fall before reading afterwards.
func (p *AmpPower) Up() error {
	if err := p.save.Out(gpio.High); err != nil {
		return fmt.Errorf("amp power: %w", err)
	}
	// Let the reference and bridge voltages settle.
	time.Sleep(5 * time.Millisecond)
	// Converter reset: two short PWDN pulses, ending powered.
	for _, level := range []gpio.Level{gpio.High, gpio.Low, gpio.High} {
		if err := p.pwdn.Out(level); err != nil {
			return fmt.Errorf("amp power: %w", err)
		}
		time.Sleep(26 * time.Microsecond)
	}
	return nil
}

// Down drops both rails.
func (p *AmpPower) Down() error {
	if err := p.pwdn.Out(gpio.Low); err != nil {
		return fmt.Errorf("amp power: %w", err)
	}
	if err := p.save.Out(gpio.Low); err != nil {
		return fmt.Errorf("amp power: %w", err)
	}
	return nil
}
