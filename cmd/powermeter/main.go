// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/crank_power_meter/internal/app"
)

func main() {
	configPath := flag.String("config", "power-conf.json", "path to the persistent configuration blob")
	flag.Parse()

	if err := app.RunFirmware(*configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
