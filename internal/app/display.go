package app

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/conn"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

const displayRefresh = 500 * time.Millisecond

// displayData holds the latest records for rendering.
type displayData struct {
	mu      sync.RWMutex
	low     records.LowSpeed
	haveLow bool
	hk      records.Housekeeping
	haveHK  bool
}

// RunDisplay drives a small OLED on the bench rig showing live power,
// cadence, balance and battery, fed from the meter's MQTT topics.
func RunDisplay(broker string) error {
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("display: periph host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.Hardware.I2CBus)
	if err != nil {
		return fmt.Errorf("display: I2C open: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("display: init: %w", err)
	}
	log.Printf("display: initialized on %q", cfg.Hardware.I2CBus)

	data := &displayData{}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("power-display-subscriber")
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)

	prefix := cfg.TopicPrefix
	token := client.Subscribe(prefix+"/"+conn.TopicLowSpeed, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.LowSpeed
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			return
		}
		data.mu.Lock()
		data.low = r
		data.haveLow = true
		data.mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	token = client.Subscribe(prefix+"/"+conn.TopicHousekeeping, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r records.Housekeeping
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			return
		}
		data.mu.Lock()
		data.hk = r
		data.haveHK = true
		data.mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	ticker := time.NewTicker(displayRefresh)
	defer ticker.Stop()
	for range ticker.C {
		if err := renderFrame(dev, data); err != nil {
			log.Printf("display: render: %v", err)
		}
	}
	return nil
}

func renderFrame(dev *ssd1306.Dev, data *displayData) error {
	img := image1bit.NewVerticalLSB(dev.Bounds())

	data.mu.RLock()
	low, haveLow := data.low, data.haveLow
	hk, haveHK := data.hk, data.haveHK
	data.mu.RUnlock()

	if !haveLow {
		drawText(img, 0, 12, "waiting for data")
	} else {
		drawText(img, 0, 12, fmt.Sprintf("%4.0f W", low.Power))
		drawText(img, 0, 26, fmt.Sprintf("%4.0f rpm", low.Cadence))
		drawText(img, 0, 40, fmt.Sprintf("bal %2.0f/%2.0f", 100-low.Balance, low.Balance))
	}
	if haveHK {
		drawText(img, 0, 54, fmt.Sprintf("%4d mV", hk.Battery))
	}
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func drawText(img *image1bit.VerticalLSB, x, y int, s string) {
	d := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
