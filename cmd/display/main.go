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
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker the meter publishes to")
	flag.Parse()

	log.Println("starting power meter bench display")
	if err := app.RunDisplay(*broker); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
