// Package conn implements the connection subsystem: the
// Disabled/Connect/Active/Shutdown state machine, the bounded record queues
// with their accept-data backpressure flag, and the two transports (MQTT
// and BLE) it drives.
package conn

import (
	"log"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/notify"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// Transport is the capability set the connection task dispatches on. Each
// implementation owns its wire encoding; the payload layouts are fixed by
// the existing consumers.
type Transport interface {
	// Begin performs one-time initialisation at boot.
	Begin() error
	// Connect brings the link up. Called again after any connectivity
	// loss; it must be safe to retry indefinitely.
	Connect() error
	// IsConnected reports link health between publish cycles.
	IsConnected() bool

	PublishAbout(records.About) error
	PublishHousekeeping(records.Housekeeping) error
	PublishLowSpeed(records.LowSpeed) error
	// PublishSideBatch sends a contiguous little-endian batch of side
	// records for one side.
	PublishSideBatch(id records.SideID, batch []byte) error
	// PublishIMUBatch sends a contiguous little-endian batch of IMU
	// records.
	PublishIMUBatch(batch []byte) error

	// Close releases transport resources. The state machine calls it on
	// shutdown and may call Connect again afterwards.
	Close()
}

// Handlers are the inbound command callbacks a transport invokes. Command
// names are fixed by the existing consumers.
type Handlers struct {
	// SetConfiguration applies a set-configuration JSON payload.
	SetConfiguration func(payload []byte) error
	// ZeroOffset arms the zero-offset averaging on both sides.
	ZeroOffset func()
}

// State is the connection state machine's current state.
type State int32

const (
	StateDisabled State = iota
	StateConnect
	StateActive
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	default:
		return "Shutdown"
	}
}

// Notification bits on the connection task's word.
const (
	bitEnable  = 1 << 0
	bitDisable = 1 << 1
)

// activeTick is how long the Active loop waits for a disable notification
// between publish cycles.
const activeTick = time.Millisecond

// connectRetryWait spaces reconnect attempts.
var connectRetryWait = time.Second

// Conn drives one transport through the connection state machine.
type Conn struct {
	q     *Queues
	t     Transport
	about func() records.About
	word  *notify.Word
}

// New wires a connection around the given transport. about is evaluated at
// each successful connect to build the about-device payload.
func New(t Transport, q *Queues, about func() records.About) *Conn {
	return &Conn{q: q, t: t, about: about, word: notify.NewWord()}
}

// Queues returns the producer-facing queues.
func (c *Conn) Queues() *Queues {
	return c.q
}

// Enable asks the state machine to bring the transport up.
func (c *Conn) Enable() {
	c.word.Notify(bitEnable)
}

// Disable asks the state machine to quiesce and release the transport.
func (c *Conn) Disable() {
	c.word.Notify(bitDisable)
}

// Run drives the state machine until stop closes. It owns draining all
// five queues; no other goroutine receives from them.
func (c *Conn) Run(stop <-chan struct{}) {
	if err := c.t.Begin(); err != nil {
		log.Printf("conn: transport begin: %v", err)
	}
	state := StateDisabled
	for {
		select {
		case <-stop:
			c.runShutdown()
			return
		default:
		}
		log.Printf("conn: entering %s", state)
		switch state {
		case StateDisabled:
			state = c.runDisabled(stop)
		case StateConnect:
			state = c.runConnect(stop)
		case StateActive:
			state = c.runActive(stop)
		case StateShutdown:
			state = c.runShutdown()
		}
	}
}

func (c *Conn) runDisabled(stop <-chan struct{}) State {
	for {
		select {
		case <-stop:
			return StateDisabled
		default:
		}
		bits := c.word.Wait(100 * time.Millisecond)
		if bits&bitEnable != 0 {
			c.word.Clear()
			return StateConnect
		}
		// A disable with no transport up is already satisfied.
		if bits != 0 {
			c.word.Clear()
		}
	}
}

func (c *Conn) runConnect(stop <-chan struct{}) State {
	for {
		select {
		case <-stop:
			return StateConnect
		default:
		}
		if c.word.Bits()&bitDisable != 0 {
			return StateShutdown
		}
		err := c.t.Connect()
		if err == nil {
			if err := c.t.PublishAbout(c.about()); err != nil {
				log.Printf("conn: publish about: %v", err)
			}
			return StateActive
		}
		log.Printf("conn: connect failed, retrying: %v", err)
		if bits := c.word.Wait(connectRetryWait); bits&bitDisable != 0 {
			return StateShutdown
		}
	}
}

func (c *Conn) runActive(stop <-chan struct{}) State {
	c.q.SetAcceptData(true)
	for {
		select {
		case <-stop:
			return StateShutdown
		default:
		}
		c.publishCycle()
		if bits := c.word.Wait(activeTick); bits&bitDisable != 0 {
			return StateShutdown
		}
		if !c.t.IsConnected() {
			log.Printf("conn: transport lost, reconnecting")
			return StateConnect
		}
	}
}

func (c *Conn) runShutdown() State {
	// Order matters: producers must observe accept-data low before the
	// transport goes away.
	c.q.SetAcceptData(false)
	c.word.Clear()
	log.Printf("conn: shutdown, drops imu=%d left=%d right=%d low=%d hk=%d",
		c.q.IMU.Drops(), c.q.Left.Drops(), c.q.Right.Drops(),
		c.q.LowSpeed.Drops(), c.q.Housekeeping.Drops())
	c.t.Close()
	return StateDisabled
}

// publishCycle drains the slow queues completely and each high-speed queue
// whenever a full batch is waiting.
func (c *Conn) publishCycle() {
	for {
		hk, ok := c.q.Housekeeping.TryReceive()
		if !ok {
			break
		}
		if err := c.t.PublishHousekeeping(hk); err != nil {
			log.Printf("conn: publish housekeeping: %v", err)
		}
	}
	for {
		ls, ok := c.q.LowSpeed.TryReceive()
		if !ok {
			break
		}
		if err := c.t.PublishLowSpeed(ls); err != nil {
			log.Printf("conn: publish low-speed: %v", err)
		}
	}

	batch := config.Get().HighSpeedBatch
	c.publishSide(records.LeftSide, c.q.Left, batch)
	c.publishSide(records.RightSide, c.q.Right, batch)

	if c.q.IMU.Len() >= batch {
		buf := make([]byte, 0, batch*records.IMUSize)
		for i := 0; i < batch; i++ {
			r, ok := c.q.IMU.TryReceive()
			if !ok {
				break
			}
			buf = r.AppendBytes(buf)
		}
		if err := c.t.PublishIMUBatch(buf); err != nil {
			log.Printf("conn: publish IMU batch: %v", err)
		}
	}
}

func (c *Conn) publishSide(id records.SideID, q *notify.Queue[records.Side], batch int) {
	if q.Len() < batch {
		return
	}
	buf := make([]byte, 0, batch*records.SideSize)
	for i := 0; i < batch; i++ {
		r, ok := q.TryReceive()
		if !ok {
			break
		}
		buf = r.AppendBytes(buf)
	}
	if err := c.t.PublishSideBatch(id, buf); err != nil {
		log.Printf("conn: publish %s batch: %v", id, err)
	}
}
