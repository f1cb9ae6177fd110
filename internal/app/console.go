package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/meter"
)

// setConfigTimeout bounds how long the console waits for the multi-line
// JSON body of a set-config command.
var setConfigTimeout = 30 * time.Second

// osExit is stubbed in tests.
var osExit = os.Exit

// runConsolePort opens the operator serial link and serves commands on it.
func runConsolePort(m *meter.PowerMeter, port string, stop <-chan struct{}) {
	p, err := serial.Open(serial.OpenOptions{
		PortName:        port,
		BaudRate:        115200,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		log.Printf("console: cannot open %s: %v", port, err)
		return
	}
	defer p.Close()
	RunConsole(m, p, stop)
}

// RunConsole serves the operator command set on any line-oriented stream:
// get-config, set-config, force-calibrate, reboot, reboot-to-bootloader,
// help.
func RunConsole(m *meter.PowerMeter, rw io.ReadWriter, stop <-chan struct{}) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(rw)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(rw, "crank power meter console, type `help`")
	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleCommand(m, rw, lines, strings.TrimSpace(line))
		}
	}
}

func handleCommand(m *meter.PowerMeter, w io.Writer, lines <-chan string, cmd string) {
	switch cmd {
	case "":
	case "help":
		fmt.Fprintln(w, "commands:")
		fmt.Fprintln(w, "  get-config            print the active configuration")
		fmt.Fprintln(w, "  set-config            read a JSON configuration (30 s timeout)")
		fmt.Fprintln(w, "  force-calibrate       start the no-load zero-offset averaging")
		fmt.Fprintln(w, "  reboot                restart the firmware")
		fmt.Fprintln(w, "  reboot-to-bootloader  restart into the bootloader")
	case "get-config":
		data, err := json.MarshalIndent(config.Get(), "", "  ")
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		w.Write(append(data, '\n'))
	case "set-config":
		fmt.Fprintln(w, "paste the configuration JSON:")
		payload, ok := readJSON(lines)
		if !ok {
			fmt.Fprintln(w, "error: timed out waiting for valid JSON")
			return
		}
		if err := config.ApplyJSON(payload); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		next := config.Get()
		m.Filter.SetCovariances(next.KalmanQ, next.KalmanR)
		fmt.Fprintln(w, "configuration updated")
	case "force-calibrate":
		m.StartZeroOffset()
		fmt.Fprintln(w, "zero-offset calibration started, keep the cranks unloaded")
	case "reboot":
		fmt.Fprintln(w, "rebooting")
		osExit(0)
	case "reboot-to-bootloader":
		fmt.Fprintln(w, "rebooting to bootloader")
		osExit(3)
	default:
		fmt.Fprintf(w, "unknown command %q, type `help`\n", cmd)
	}
}

// readJSON accumulates lines until they form a valid JSON document or the
// timeout elapses.
func readJSON(lines <-chan string) ([]byte, bool) {
	deadline := time.NewTimer(setConfigTimeout)
	defer deadline.Stop()

	var buf []byte
	for {
		select {
		case <-deadline.C:
			return nil, false
		case line, ok := <-lines:
			if !ok {
				return nil, false
			}
			buf = append(buf, line...)
			buf = append(buf, '\n')
			if json.Valid(buf) {
				return buf, true
			}
		}
	}
}
