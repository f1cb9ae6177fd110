package conn

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"

	"tinygo.org/x/bluetooth"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// Vendor service carrying the raw record streams and the command
// characteristics next to the standard Cycling Power Service.
var (
	bleVendorService  = mustUUID("8e400001-f315-4f60-9fb8-838830daea50")
	bleCharAbout      = mustUUID("8e400002-f315-4f60-9fb8-838830daea50")
	bleCharHousekeep  = mustUUID("8e400003-f315-4f60-9fb8-838830daea50")
	bleCharLowSpeed   = mustUUID("8e400004-f315-4f60-9fb8-838830daea50")
	bleCharLeft       = mustUUID("8e400005-f315-4f60-9fb8-838830daea50")
	bleCharRight      = mustUUID("8e400006-f315-4f60-9fb8-838830daea50")
	bleCharIMU        = mustUUID("8e400007-f315-4f60-9fb8-838830daea50")
	bleCharSetConfig  = mustUUID("8e400008-f315-4f60-9fb8-838830daea50")
	bleCharZeroOffset = mustUUID("8e400009-f315-4f60-9fb8-838830daea50")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// bleChunk keeps notifications inside a conservative MTU.
const bleChunk = 180

// Cycling Power Measurement flags: pedal power balance present, crank
// revolution data present.
const cpsFlags = 0x0001 | 0x0020

// BLETransport exposes the meter as a Bluetooth Low Energy peripheral: the
// standard Cycling Power Service for head units plus a vendor service for
// the raw streams and commands.
type BLETransport struct {
	handlers Handlers
	adapter  *bluetooth.Adapter

	measurement bluetooth.Characteristic
	about       bluetooth.Characteristic
	housekeep   bluetooth.Characteristic
	lowSpeed    bluetooth.Characteristic
	left        bluetooth.Characteristic
	right       bluetooth.Characteristic
	imu         bluetooth.Characteristic

	advertising atomic.Bool
	centrals    atomic.Int32
}

// NewBLETransport wires the inbound command handlers.
func NewBLETransport(handlers Handlers) *BLETransport {
	return &BLETransport{handlers: handlers, adapter: bluetooth.DefaultAdapter}
}

func (t *BLETransport) Begin() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			t.centrals.Add(1)
			log.Printf("ble: central connected")
		} else {
			t.centrals.Add(-1)
			log.Printf("ble: central disconnected")
		}
	})

	if err := t.adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.ServiceUUIDCyclingPower,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &t.measurement,
				UUID:   bluetooth.CharacteristicUUIDCyclingPowerMeasurement,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
		},
	}); err != nil {
		return fmt.Errorf("ble: add cycling power service: %w", err)
	}

	if err := t.adapter.AddService(&bluetooth.Service{
		UUID: bleVendorService,
		Characteristics: []bluetooth.CharacteristicConfig{
			{Handle: &t.about, UUID: bleCharAbout, Flags: bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission},
			{Handle: &t.housekeep, UUID: bleCharHousekeep, Flags: bluetooth.CharacteristicNotifyPermission},
			{Handle: &t.lowSpeed, UUID: bleCharLowSpeed, Flags: bluetooth.CharacteristicNotifyPermission},
			{Handle: &t.left, UUID: bleCharLeft, Flags: bluetooth.CharacteristicNotifyPermission},
			{Handle: &t.right, UUID: bleCharRight, Flags: bluetooth.CharacteristicNotifyPermission},
			{Handle: &t.imu, UUID: bleCharIMU, Flags: bluetooth.CharacteristicNotifyPermission},
			{
				UUID:  bleCharSetConfig,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					if err := t.handlers.SetConfiguration(value); err != nil {
						log.Printf("ble: set-configuration rejected: %v", err)
					}
				},
			},
			{
				UUID:  bleCharZeroOffset,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, _ []byte) {
					t.handlers.ZeroOffset()
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("ble: add vendor service: %w", err)
	}
	return nil
}

func (t *BLETransport) Connect() error {
	adv := t.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    config.Get().BLEName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.ServiceUUIDCyclingPower},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	t.advertising.Store(true)
	log.Printf("ble: advertising as %q", config.Get().BLEName)
	return nil
}

// IsConnected reports whether the peripheral is reachable. Advertising is
// the link-health criterion: a head unit may come and go without the data
// paths cycling.
func (t *BLETransport) IsConnected() bool {
	return t.advertising.Load()
}

func (t *BLETransport) notifyChunked(char *bluetooth.Characteristic, payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > bleChunk {
			n = bleChunk
		}
		if _, err := char.Write(payload[:n]); err != nil {
			return fmt.Errorf("ble: notify: %w", err)
		}
		payload = payload[n:]
	}
	return nil
}

func (t *BLETransport) PublishAbout(r records.About) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.notifyChunked(&t.about, payload)
}

func (t *BLETransport) PublishHousekeeping(r records.Housekeeping) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.notifyChunked(&t.housekeep, payload)
}

func (t *BLETransport) PublishLowSpeed(r records.LowSpeed) error {
	if err := t.notifyMeasurement(r); err != nil {
		return err
	}
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	return t.notifyChunked(&t.lowSpeed, payload)
}

// notifyMeasurement encodes the standard Cycling Power Measurement
// characteristic: flags, instantaneous power, pedal power balance in 0.5%
// units, cumulative crank revolutions and the last crank event time in
// 1/1024 s ticks.
func (t *BLETransport) notifyMeasurement(r records.LowSpeed) error {
	buf := make([]byte, 0, 9)
	buf = binary.LittleEndian.AppendUint16(buf, cpsFlags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(r.Power)))
	buf = append(buf, uint8(r.Balance*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Rotations))
	eventTime := uint64(r.Timestamp) * 1024 / 1_000_000
	buf = binary.LittleEndian.AppendUint16(buf, uint16(eventTime))
	if _, err := t.measurement.Write(buf); err != nil {
		return fmt.Errorf("ble: notify measurement: %w", err)
	}
	return nil
}

func (t *BLETransport) PublishSideBatch(id records.SideID, batch []byte) error {
	if id == records.LeftSide {
		return t.notifyChunked(&t.left, batch)
	}
	return t.notifyChunked(&t.right, batch)
}

func (t *BLETransport) PublishIMUBatch(batch []byte) error {
	return t.notifyChunked(&t.imu, batch)
}

func (t *BLETransport) Close() {
	if t.advertising.Swap(false) {
		if err := t.adapter.DefaultAdvertisement().Stop(); err != nil {
			log.Printf("ble: stop advertising: %v", err)
		}
	}
}
