// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// batteryDividerRatio is fixed by the resistor divider between the cell and
// the ADC input.
const batteryDividerRatio = 2.0

// batteryLSBMillivolts converts raw ADC counts at the pin to millivolts.
const batteryLSBMillivolts = 3300.0 / 4095.0

// Battery reads the cell voltage through the platform ADC exposed under
// sysfs IIO.
type Battery struct {
	rawPath string
}

// NewBattery points the reader at an in_voltageN_raw attribute.
func NewBattery(rawPath string) *Battery {
	return &Battery{rawPath: rawPath}
}

// ReadMillivolts samples the cell voltage.
func (b *Battery) ReadMillivolts() (uint16, error) {
	data, err := os.ReadFile(b.rawPath)
	if err != nil {
		return 0, fmt.Errorf("battery: read %s: %w", b.rawPath, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("battery: parse %q: %w", strings.TrimSpace(string(data)), err)
	}
	mv := float64(raw) * batteryLSBMillivolts * batteryDividerRatio
	return uint16(mv), nil
}
