package conn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/crank_power_meter/internal/config"
	"github.com/relabs-tech/crank_power_meter/internal/records"
)

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	failConnects int
	connects     int
	closes       int

	abouts       []records.About
	housekeeping []records.Housekeeping
	lowSpeed     []records.LowSpeed
	sideBatches  map[records.SideID][][]byte
	imuBatches   [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sideBatches: make(map[records.SideID][][]byte)}
}

func (f *fakeTransport) Begin() error { return nil }

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("broker unreachable")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) dropLink() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) PublishAbout(r records.About) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abouts = append(f.abouts, r)
	return nil
}

func (f *fakeTransport) PublishHousekeeping(r records.Housekeeping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.housekeeping = append(f.housekeeping, r)
	return nil
}

func (f *fakeTransport) PublishLowSpeed(r records.LowSpeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowSpeed = append(f.lowSpeed, r)
	return nil
}

func (f *fakeTransport) PublishSideBatch(id records.SideID, batch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sideBatches[id] = append(f.sideBatches[id], append([]byte(nil), batch...))
	return nil
}

func (f *fakeTransport) PublishIMUBatch(batch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imuBatches = append(f.imuBatches, append([]byte(nil), batch...))
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
}

func testAbout() records.About {
	return records.About{Name: "crank-power-meter", SWVersion: "s1.2.0"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startConn(t *testing.T) (*Conn, *fakeTransport, *Queues, chan struct{}) {
	t.Helper()
	if err := config.Set(config.Default()); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	q := NewQueues(config.Get().HighSpeedBatch)
	c := New(ft, q, testAbout)
	stop := make(chan struct{})
	go c.Run(stop)
	t.Cleanup(func() { close(stop) })
	return c, ft, q, stop
}

func TestEnableBringsUpTransport(t *testing.T) {
	c, ft, q, _ := startConn(t)

	if q.AcceptData() {
		t.Fatal("accepting data while disabled")
	}
	c.Enable()
	waitFor(t, "accept-data", q.AcceptData)

	ft.mu.Lock()
	abouts := len(ft.abouts)
	ft.mu.Unlock()
	if abouts != 1 {
		t.Errorf("about published %d times on attach, want 1", abouts)
	}
}

func TestSlowRecordsFlow(t *testing.T) {
	c, ft, q, _ := startConn(t)
	c.Enable()
	waitFor(t, "accept-data", q.AcceptData)

	if !q.SendLowSpeed(records.LowSpeed{Power: 210, Rotations: 7}) {
		t.Fatal("low-speed record rejected while active")
	}
	if !q.SendHousekeeping(records.Housekeeping{Battery: 3800}) {
		t.Fatal("housekeeping record rejected while active")
	}
	waitFor(t, "slow records published", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.lowSpeed) == 1 && len(ft.housekeeping) == 1
	})
}

func TestHighSpeedBatching(t *testing.T) {
	c, ft, q, _ := startConn(t)
	c.Enable()
	waitFor(t, "accept-data", q.AcceptData)

	batch := config.Get().HighSpeedBatch
	// One short of a batch publishes nothing.
	for i := 0; i < batch-1; i++ {
		q.SendSide(records.LeftSide, records.Side{Base: records.Base{Timestamp: uint32(i)}})
	}
	time.Sleep(20 * time.Millisecond)
	ft.mu.Lock()
	early := len(ft.sideBatches[records.LeftSide])
	ft.mu.Unlock()
	if early != 0 {
		t.Fatalf("batch published at depth %d, want none below %d", batch-1, batch)
	}

	q.SendSide(records.LeftSide, records.Side{Base: records.Base{Timestamp: uint32(batch)}})
	waitFor(t, "left batch", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.sideBatches[records.LeftSide]) == 1
	})

	ft.mu.Lock()
	got := len(ft.sideBatches[records.LeftSide][0])
	ft.mu.Unlock()
	if want := batch * records.SideSize; got != want {
		t.Errorf("batch payload = %d bytes, want %d", got, want)
	}
}

func TestDisableMidStream(t *testing.T) {
	c, ft, q, _ := startConn(t)
	c.Enable()
	waitFor(t, "accept-data", q.AcceptData)

	// Keep the high-speed queues filling while the disable lands.
	feeding := make(chan struct{})
	go func() {
		defer close(feeding)
		for i := 0; i < 500; i++ {
			q.SendSide(records.LeftSide, records.Side{Base: records.Base{Timestamp: uint32(i)}})
			q.SendIMU(records.IMU{Base: records.Base{Timestamp: uint32(i)}})
			time.Sleep(50 * time.Microsecond)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	c.Disable()
	// Once the disable lands the flag goes down and producers drop.
	waitFor(t, "accept-data low", func() bool { return !q.AcceptData() })
	if q.SendSide(records.LeftSide, records.Side{}) {
		t.Error("record accepted after disable")
	}
	<-feeding

	waitFor(t, "transport closed", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.closes == 1
	})

	// The machine is back in Disabled: a fresh enable reconnects.
	c.Enable()
	waitFor(t, "reconnect", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.connects >= 2 && ft.connected
	})
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	prev := connectRetryWait
	connectRetryWait = 5 * time.Millisecond
	defer func() { connectRetryWait = prev }()

	c, ft, q, _ := startConn(t)
	ft.mu.Lock()
	ft.failConnects = 3
	ft.mu.Unlock()

	c.Enable()
	waitFor(t, "eventual connect", q.AcceptData)
	ft.mu.Lock()
	connects := ft.connects
	ft.mu.Unlock()
	if connects != 4 {
		t.Errorf("connect attempts = %d, want 4", connects)
	}
}

func TestConnectivityLossReturnsToConnect(t *testing.T) {
	c, ft, q, _ := startConn(t)
	c.Enable()
	waitFor(t, "accept-data", q.AcceptData)

	ft.dropLink()
	waitFor(t, "reconnect after loss", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.connects >= 2 && ft.connected
	})
	// The about payload goes out again on the new attachment.
	ft.mu.Lock()
	abouts := len(ft.abouts)
	ft.mu.Unlock()
	if abouts < 2 {
		t.Errorf("about published %d times across two attaches, want >= 2", abouts)
	}
}

func TestProducersDropWhenNotAccepting(t *testing.T) {
	if err := config.Set(config.Default()); err != nil {
		t.Fatal(err)
	}
	q := NewQueues(8)
	if q.SendIMU(records.IMU{}) || q.SendSide(records.LeftSide, records.Side{}) ||
		q.SendLowSpeed(records.LowSpeed{}) || q.SendHousekeeping(records.Housekeeping{}) {
		t.Error("records accepted with accept-data false")
	}
	if q.IMU.Len()+q.Left.Len()+q.LowSpeed.Len()+q.Housekeeping.Len() != 0 {
		t.Error("queues not empty")
	}
}
