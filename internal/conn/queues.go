package conn

import (
	"sync/atomic"

	"github.com/relabs-tech/crank_power_meter/internal/notify"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

// queueReserve is the headroom above one full batch in each high-speed
// queue.
const queueReserve = 32

// slowQueueDepth bounds the low-speed and housekeeping queues; both fill at
// well under a record per second.
const slowQueueDepth = 8

// Queues is the producer-facing face of the connection subsystem: the five
// bounded record queues and the accept-data flag. Producers consult the
// flag before every enqueue and drop silently when it is false; nothing
// ever blocks on a full queue.
type Queues struct {
	IMU          *notify.Queue[records.IMU]
	Left         *notify.Queue[records.Side]
	Right        *notify.Queue[records.Side]
	LowSpeed     *notify.Queue[records.LowSpeed]
	Housekeeping *notify.Queue[records.Housekeeping]

	accept atomic.Bool
}

// NewQueues sizes the high-speed queues for the given batch size plus
// reserve.
func NewQueues(batch int) *Queues {
	hs := batch + queueReserve
	return &Queues{
		IMU:          notify.NewQueue[records.IMU](hs),
		Left:         notify.NewQueue[records.Side](hs),
		Right:        notify.NewQueue[records.Side](hs),
		LowSpeed:     notify.NewQueue[records.LowSpeed](slowQueueDepth),
		Housekeeping: notify.NewQueue[records.Housekeeping](slowQueueDepth),
	}
}

// AcceptData reports whether producers may enqueue.
func (q *Queues) AcceptData() bool {
	return q.accept.Load()
}

// SetAcceptData opens or closes the data paths.
func (q *Queues) SetAcceptData(accept bool) {
	q.accept.Store(accept)
}

// SendIMU enqueues an IMU record if data is being accepted.
func (q *Queues) SendIMU(r records.IMU) bool {
	if !q.accept.Load() {
		return false
	}
	return q.IMU.Send(r)
}

// SendSide enqueues a side record if data is being accepted.
func (q *Queues) SendSide(id records.SideID, r records.Side) bool {
	if !q.accept.Load() {
		return false
	}
	if id == records.LeftSide {
		return q.Left.Send(r)
	}
	return q.Right.Send(r)
}

// SendLowSpeed enqueues a low-speed record if data is being accepted.
func (q *Queues) SendLowSpeed(r records.LowSpeed) bool {
	if !q.accept.Load() {
		return false
	}
	return q.LowSpeed.Send(r)
}

// SendHousekeeping enqueues a housekeeping record if data is being
// accepted.
func (q *Queues) SendHousekeeping(r records.Housekeeping) bool {
	if !q.accept.Load() {
		return false
	}
	return q.Housekeeping.Send(r)
}
