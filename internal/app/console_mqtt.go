package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// RunConsoleMQTT is the bench debug console: it subscribes to the meter's
// topics and pretty-prints live records, decoding the binary high-speed
// batches.
func RunConsoleMQTT(broker string) error {
	cfg := config.Get()
	prefix := cfg.TopicPrefix

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("power-console-subscriber")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", broker)

	subscribe := func(suffix string, fn mqtt.MessageHandler) error {
		topic := prefix + "/" + suffix
		token := client.Subscribe(topic, 0, fn)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("console: subscribe %s: %w", topic, token.Error())
		}
		log.Printf("console: subscribed to %s", topic)
		return nil
	}

	if err := subscribe(conn.TopicLowSpeed, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.LowSpeed
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("console: low-speed unmarshal error: %v", err)
			return
		}
		fmt.Printf("[LOW ]  rot=%5d  cad=%6.1f rpm  power=%6.1f W  balance=%5.1f%%\n",
			r.Rotations, r.Cadence, r.Power, r.Balance)
	}); err != nil {
		return err
	}

	if err := subscribe(conn.TopicHousekeeping, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.Housekeeping
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("console: housekeeping unmarshal error: %v", err)
			return
		}
		fmt.Printf("[HK  ]  tL=%6.1fC tR=%6.1fC tIMU=%6.1fC  batt=%4d mV  off=%.0f/%.0f\n",
			r.Temps.Left, r.Temps.Right, r.Temps.IMU, r.Battery, r.LeftOffset, r.RightOffset)
	}); err != nil {
		return err
	}

	for _, side := range []records.SideID{records.LeftSide, records.RightSide} {
		side := side
		if err := subscribe(fmt.Sprintf(conn.TopicHighSpeedFmt, side), func(_ mqtt.Client, msg mqtt.Message) {
			payload := msg.Payload()
			if len(payload) == 0 || len(payload)%records.SideSize != 0 {
				log.Printf("console: %s batch length %d not a record multiple", side, len(payload))
				return
			}
			n := len(payload) / records.SideSize
			last := records.DecodeSide(payload[(n-1)*records.SideSize:])
			fmt.Printf("[%-4s]  %3d recs  raw=%8d  torque=%7.2f Nm  power=%7.1f W  cad=%5.1f rpm\n",
				side, n, last.Raw, last.Torque, last.Power, last.Cadence())
		}); err != nil {
			return err
		}
	}

	if err := subscribe(fmt.Sprintf(conn.TopicHighSpeedFmt, "imu"), func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		if len(payload) == 0 || len(payload)%records.IMUSize != 0 {
			log.Printf("console: IMU batch length %d not a record multiple", len(payload))
			return
		}
		n := len(payload) / records.IMUSize
		last := records.DecodeIMU(payload[(n-1)*records.IMUSize:])
		fmt.Printf("[IMU ]  %3d recs  pos=%6.2f rad  vel=%6.2f rad/s  a=(%5.1f %5.1f %5.1f)\n",
			n, last.Position, last.Velocity, last.XAccel, last.YAccel, last.ZAccel)
	}); err != nil {
		return err
	}

	if err := subscribe(conn.TopicAbout, func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Printf("[INFO]  %s\n", msg.Payload())
	}); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
