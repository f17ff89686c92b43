package broker

import (
	"encoding/binary"
	"testing"
	"time"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	_ "github.com/outlandnish/openinverter-can-gateway/pkg/can/virtual"
	"github.com/outlandnish/openinverter-can-gateway/pkg/driver"
	"github.com/outlandnish/openinverter-can-gateway/pkg/firmware"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scanner"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scheduler"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
	"github.com/outlandnish/openinverter-can-gateway/pkg/store"
	"github.com/stretchr/testify/assert"
)

// fakeSession records every OutboundEvent it receives, for assertion.
type fakeSession struct {
	events chan OutboundEvent
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan OutboundEvent, 32)}
}

func (fs *fakeSession) send(ev OutboundEvent) error {
	fs.events <- ev
	return nil
}

func (fs *fakeSession) next(t *testing.T, timeout time.Duration) OutboundEvent {
	select {
	case ev := <-fs.events:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return OutboundEvent{}
	}
}

// peerNode answers the identity probe (serial 0x2A), paramId 7 read/write,
// and getNodeId/setNodeId on the gateway-private nodeIdIndex.
func peerNode(t *testing.T, q interface {
	TX() <-chan can.Frame
	Handle(can.Frame)
}, node uint8) chan struct{} {
	stop := make(chan struct{})
	paramValue := uint32(0)
	go func() {
		for {
			select {
			case <-stop:
				return
			case req := <-q.TX():
				if req.ID != 0x600+uint32(node) {
					continue
				}
				idx := uint16(req.Data[1]) | uint16(req.Data[2])<<8
				sub := req.Data[3]
				var resp can.Frame
				switch {
				case idx == scanner.IdentityIndex && sub == scanner.IdentitySubindex:
					resp = can.Frame{ID: 0x580 + uint32(node), DLC: 8, Data: [8]byte{0x43, req.Data[1], req.Data[2], req.Data[3], 0x2A}}
				case idx == nodeIdIndex && req.Data[0] == 0x40:
					resp = can.Frame{ID: 0x580 + uint32(node), DLC: 8, Data: [8]byte{0x43, req.Data[1], req.Data[2], req.Data[3], node}}
				case idx == nodeIdIndex && req.Data[0]&0x20 != 0:
					resp = can.Frame{ID: 0x580 + uint32(node), DLC: 8, Data: [8]byte{0x60, req.Data[1], req.Data[2], req.Data[3]}}
				case idx == paramBaseIndex && req.Data[0] == 0x40:
					var data [8]byte
					data[0] = 0x43
					data[1], data[2], data[3] = req.Data[1], req.Data[2], req.Data[3]
					binary.LittleEndian.PutUint32(data[4:8], paramValue)
					resp = can.Frame{ID: 0x580 + uint32(node), DLC: 8, Data: data}
				case idx == paramBaseIndex && req.Data[0]&0x20 != 0:
					paramValue = binary.LittleEndian.Uint32(req.Data[4:8])
					resp = can.Frame{ID: 0x580 + uint32(node), DLC: 8, Data: [8]byte{0x60, req.Data[1], req.Data[2], req.Data[3]}}
				default:
					continue
				}
				q.Handle(resp)
			}
		}
	}()
	return stop
}

func testBroker(t *testing.T, channel string) (*Broker, *driver.Driver) {
	d := driver.New(driver.Config{Interface: "virtualcan", Channel: channel, Baud: driver.Baud500k}, nil)
	assert.NoError(t, d.OpenForScan())
	// No driver pump: peerNode is the only consumer of the TX queue, so
	// every request reaches the fake peer.
	t.Cleanup(func() { d.Close() })

	tr := sdo.New(d.Queues(), nil)
	sched := scheduler.New(d.Queues(), nil)
	t.Cleanup(sched.Close)

	st, err := store.Open(t.TempDir() + "/gateway.ini")
	assert.NoError(t, err)

	fw := firmware.New(tr, sched, 0x7F0, noopFirmwareEvents{}, nil)

	b := New(d, tr, sched, nil, fw, st, nil)
	sc := scanner.New(tr, b, nil)
	b.BindScanner(sc)
	return b, d
}

type noopFirmwareEvents struct{}

func (noopFirmwareEvents) OtaProgress(int)    {}
func (noopFirmwareEvents) OtaSuccess()        {}
func (noopFirmwareEvents) OtaError(string)    {}

func TestConnectThenReadParamRoundTrip(t *testing.T) {
	b, _ := testBroker(t, "broker-rw")
	stopPeer := peerNode(t, b.FrameQueues(), 9)
	defer close(stopPeer)

	fs := newFakeSession()
	s := b.Register("sess-1", fs.send)

	b.Dispatch(s, []byte(`{"action":"connect","nodeId":9,"serial":"abc"}`))
	ev := fs.next(t, time.Second)
	assert.Equal(t, "connected", ev.Event)

	b.Dispatch(s, []byte(`{"action":"updateParam","paramId":7,"value":42}`))
	ev = fs.next(t, time.Second)
	assert.Equal(t, "paramUpdateSuccess", ev.Event)

	b.Dispatch(s, []byte(`{"action":"readParam","paramId":7}`))
	ev = fs.next(t, time.Second)
	assert.Equal(t, "paramUpdateSuccess", ev.Event)
	data := ev.Data.(map[string]any)
	assert.EqualValues(t, 42, data["value"])
}

func TestReadParamWithoutConnectFails(t *testing.T) {
	b, _ := testBroker(t, "broker-noconn")
	fs := newFakeSession()
	s := b.Register("sess-2", fs.send)

	b.Dispatch(s, []byte(`{"action":"readParam","paramId":1}`))
	ev := fs.next(t, time.Second)
	assert.Equal(t, "paramUpdateError", ev.Event)
}

func TestUnknownActionRejected(t *testing.T) {
	b, _ := testBroker(t, "broker-unknown")
	fs := newFakeSession()
	s := b.Register("sess-3", fs.send)

	b.Dispatch(s, []byte(`{"action":"doesNotExist"}`))
	ev := fs.next(t, time.Second)
	assert.Equal(t, "actionError", ev.Event)
}

func TestScanBroadcastsDiscoveryToAllSessions(t *testing.T) {
	b, _ := testBroker(t, "broker-scan")
	stopPeer := peerNode(t, b.FrameQueues(), 2)
	defer close(stopPeer)

	fs1 := newFakeSession()
	fs2 := newFakeSession()
	s1 := b.Register("sess-a", fs1.send)
	_ = b.Register("sess-b", fs2.send)

	b.Dispatch(s1, []byte(`{"action":"startScan","start":1,"end":3}`))

	found1 := waitForEvent(t, fs1, "deviceDiscovered", 2*time.Second)
	found2 := waitForEvent(t, fs2, "deviceDiscovered", 2*time.Second)
	assert.NotNil(t, found1)
	assert.NotNil(t, found2)
}

func waitForEvent(t *testing.T, fs *fakeSession, event string, timeout time.Duration) *OutboundEvent {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-fs.events:
			if ev.Event == event {
				e := ev
				return &e
			}
		case <-deadline:
			return nil
		}
	}
}

func TestDeviceRenameAndDelete(t *testing.T) {
	b, _ := testBroker(t, "broker-devicename")
	fs := newFakeSession()
	s := b.Register("sess-4", fs.send)

	b.Dispatch(s, []byte(`{"action":"setDeviceName","serial":"AABBCCDD","name":"inverter-1"}`))
	ev := fs.next(t, time.Second)
	assert.Equal(t, "deviceNameSet", ev.Event)
	ev = fs.next(t, time.Second)
	assert.Equal(t, "savedDevices", ev.Event)

	b.Dispatch(s, []byte(`{"action":"deleteDevice","serial":"AABBCCDD"}`))
	ev = fs.next(t, time.Second)
	assert.Equal(t, "deviceDeleted", ev.Event)
}
