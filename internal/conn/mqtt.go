package conn

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// MQTT topic suffixes under the configured prefix. Names are fixed by the
// existing consumers.
const (
	TopicAbout        = "about"
	TopicHousekeeping = "housekeeping"
	TopicLowSpeed     = "low-speed"
	TopicHighSpeedFmt = "high-speed/%s" // left, right, imu

	TopicSetConfiguration = "set-configuration"
	TopicZeroOffset       = "perform-adc-zero-offset"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTTransport publishes over a broker on the local network. High-speed
// batches go out as raw binary payloads; slow records as JSON.
type MQTTTransport struct {
	handlers Handlers
	client   mqtt.Client
	prefix   string
}

// NewMQTTTransport wires the inbound command handlers; the client itself is
// created in Begin from the configuration snapshot.
func NewMQTTTransport(handlers Handlers) *MQTTTransport {
	return &MQTTTransport{handlers: handlers}
}

func (t *MQTTTransport) topic(suffix string) string {
	return t.prefix + "/" + suffix
}

func (t *MQTTTransport) Begin() error {
	cfg := config.Get()
	t.prefix = cfg.TopicPrefix

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})
	t.client = mqtt.NewClient(opts)
	return nil
}

func (t *MQTTTransport) Connect() error {
	token := t.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt: connect timed out after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	if err := t.subscribe(TopicSetConfiguration, func(payload []byte) {
		if err := t.handlers.SetConfiguration(payload); err != nil {
			log.Printf("mqtt: set-configuration rejected: %v", err)
		}
	}); err != nil {
		return err
	}
	if err := t.subscribe(TopicZeroOffset, func([]byte) {
		t.handlers.ZeroOffset()
	}); err != nil {
		return err
	}
	log.Printf("mqtt: connected to %s", config.Get().MQTTBroker)
	return nil
}

func (t *MQTTTransport) subscribe(suffix string, fn func(payload []byte)) error {
	token := t.client.Subscribe(t.topic(suffix), 1, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", suffix, err)
	}
	return nil
}

func (t *MQTTTransport) IsConnected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *MQTTTransport) publish(suffix string, retained bool, payload []byte) error {
	token := t.client.Publish(t.topic(suffix), 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", suffix, err)
	}
	return nil
}

func (t *MQTTTransport) PublishAbout(r records.About) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.publish(TopicAbout, true, payload)
}

func (t *MQTTTransport) PublishHousekeeping(r records.Housekeeping) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.publish(TopicHousekeeping, false, payload)
}

func (t *MQTTTransport) PublishLowSpeed(r records.LowSpeed) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.publish(TopicLowSpeed, false, payload)
}

func (t *MQTTTransport) PublishSideBatch(id records.SideID, batch []byte) error {
	return t.publish(fmt.Sprintf(TopicHighSpeedFmt, id), false, batch)
}

func (t *MQTTTransport) PublishIMUBatch(batch []byte) error {
	return t.publish(fmt.Sprintf(TopicHighSpeedFmt, "imu"), false, batch)
}

func (t *MQTTTransport) Close() {
	if t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(250)
	}
}
