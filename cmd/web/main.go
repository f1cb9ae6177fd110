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
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	log.Println("starting power meter web viewer (MQTT subscriber)")
	if err := app.RunWeb(*broker, *addr); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
