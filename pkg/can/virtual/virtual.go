package virtual

import (
	"sync"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
)

// In-process loopback CAN bus used by tests and the device simulator.
// Unlike the hardware backends, no external broker process is required:
// two buses constructed with the same channel name share a broker and see
// each other's frames.

func init() {
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

// broker fans a frame out to every subscriber on a channel name, except
// the sender.
type broker struct {
	mu   sync.Mutex
	subs map[*VirtualCanBus]struct{}
}

func (b *broker) publish(from *VirtualCanBus, frame can.Frame) {
	b.mu.Lock()
	subs := make([]*VirtualCanBus, 0, len(b.subs))
	for s := range b.subs {
		if s == from && !from.receiveOwn {
			continue
		}
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(frame)
	}
}

func (b *broker) join(v *VirtualCanBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[v] = struct{}{}
}

func (b *broker) leave(v *VirtualCanBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, v)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*broker)
)

func brokerFor(name string) *broker {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	if !ok {
		b = &broker{subs: make(map[*VirtualCanBus]struct{})}
		registry[name] = b
	}
	return b
}

type VirtualCanBus struct {
	mu         sync.Mutex
	channel    string
	broker     *broker
	rxCallback can.FrameListener
	connected  bool
	receiveOwn bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &VirtualCanBus{channel: channel, broker: brokerFor(channel)}, nil
}

func (v *VirtualCanBus) Connect(...any) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	v.broker.join(v)
	return nil
}

func (v *VirtualCanBus) Disconnect() error {
	v.broker.leave(v)
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *VirtualCanBus) Send(frame can.Frame) error {
	v.mu.Lock()
	connected := v.connected
	v.mu.Unlock()
	if !connected {
		return coreerr.ErrNotConnected
	}
	v.broker.publish(v, frame)
	return nil
}

func (v *VirtualCanBus) Subscribe(callback can.FrameListener) error {
	v.mu.Lock()
	v.rxCallback = callback
	v.mu.Unlock()
	return nil
}

// SetReceiveOwn mirrors the teacher's loopback toggle: when set, frames
// this bus sends are also delivered to its own subscriber.
func (v *VirtualCanBus) SetReceiveOwn(receiveOwn bool) {
	v.mu.Lock()
	v.receiveOwn = receiveOwn
	v.mu.Unlock()
}

func (v *VirtualCanBus) deliver(frame can.Frame) {
	v.mu.Lock()
	cb := v.rxCallback
	v.mu.Unlock()
	if cb != nil {
		cb.Handle(frame)
	}
}
