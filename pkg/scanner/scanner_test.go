package scanner

import (
	"testing"
	"time"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
	"github.com/stretchr/testify/assert"
)

type fakeEvents struct {
	discovered []DeviceDiscovered
	statuses   []ScanStatus
}

func (f *fakeEvents) DeviceDiscovered(d DeviceDiscovered) { f.discovered = append(f.discovered, d) }
func (f *fakeEvents) ScanStatus(s ScanStatus)              { f.statuses = append(f.statuses, s) }

// onlyNodeRespond starts a fake peer that answers identity reads only for
// respondingNode, ignoring every other node's request.
func onlyNodeRespond(q *queues.Queues, respondingNode uint8) chan struct{} {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case req := <-q.TX():
				node := req.ID - 0x600
				if uint8(node) != respondingNode {
					continue
				}
				q.Handle(can.Frame{
					ID:  0x580 + node,
					DLC: 8,
					Data: [8]byte{0x4B, req.Data[1], req.Data[2], req.Data[3], byte(respondingNode), 0, 0, 0},
				})
			}
		}
	}()
	return stop
}

func TestScanS4OnlyMiddleNodeResponds(t *testing.T) {
	q := queues.New()
	stop := onlyNodeRespond(q, 2)
	defer close(stop)

	tr := sdo.New(q, nil)
	events := &fakeEvents{}
	s := New(tr, events, nil)

	s.Start(1, 3, 15*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, events.discovered, 1)
	assert.EqualValues(t, 2, events.discovered[0].NodeId)
	assert.Len(t, events.statuses, 2)
	assert.True(t, events.statuses[0].Active)
	assert.False(t, events.statuses[1].Active)
}

func TestStopFinishesCooperatively(t *testing.T) {
	q := queues.New()
	tr := sdo.New(q, nil)
	events := &fakeEvents{}
	s := New(tr, events, nil)

	s.Start(1, 127, 50*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	s.Stop()
	assert.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)
}

func TestSecondStartReplacesFirst(t *testing.T) {
	q := queues.New()
	tr := sdo.New(q, nil)
	events := &fakeEvents{}
	s := New(tr, events, nil)

	s.Start(1, 127, 200*time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	s.Start(1, 1, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Active() }, 2*time.Second, 5*time.Millisecond)
}
