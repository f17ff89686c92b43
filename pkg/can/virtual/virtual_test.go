package virtual

import (
	"sync"
	"testing"
	"time"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/stretchr/testify/assert"
)

var vcanChannel = "test-channel-1"

func newVcan(channel string) *VirtualCanBus {
	bus, _ := NewVirtualCanBus(channel)
	vcan, _ := bus.(*VirtualCanBus)
	return vcan
}

type frameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestSendAndSubscribe(t *testing.T) {
	vcan1 := newVcan(vcanChannel)
	vcan2 := newVcan(vcanChannel)
	assert.NoError(t, vcan1.Connect())
	assert.NoError(t, vcan2.Connect())
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()

	recv := &frameReceiver{}
	assert.NoError(t, vcan2.Subscribe(recv))

	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		assert.NoError(t, vcan1.Send(frame))
	}

	assert.Eventually(t, func() bool { return recv.count() == 10 }, time.Second, time.Millisecond)
	recv.mu.Lock()
	defer recv.mu.Unlock()
	for i, f := range recv.frames {
		assert.EqualValues(t, 0x111, f.ID)
		assert.EqualValues(t, uint8(i), f.Data[0])
	}
}

func TestSendWithoutConnectFails(t *testing.T) {
	vcan1 := newVcan(vcanChannel + "-unconnected")
	err := vcan1.Send(can.Frame{ID: 0x1})
	assert.Error(t, err)
}

func TestReceiveOwn(t *testing.T) {
	vcan1 := newVcan(vcanChannel + "-loopback")
	assert.NoError(t, vcan1.Connect())
	defer vcan1.Disconnect()

	recv := &frameReceiver{}
	assert.NoError(t, vcan1.Subscribe(recv))
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8}
	assert.NoError(t, vcan1.Send(frame))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, recv.count())

	vcan1.SetReceiveOwn(true)
	assert.NoError(t, vcan1.Send(frame))
	assert.Eventually(t, func() bool { return recv.count() > 0 }, time.Second, time.Millisecond)
}
