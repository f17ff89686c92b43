// Package queues implements the gateway's frame queues (spec.md §4.2): a
// bounded TX queue drained by the driver, a bounded SDO-RX queue fed only
// by response-range frames, and a raw-RX fan-out for scanner/firmware/
// client subscribers. This replaces the teacher's TxArray/rxBuffer maps
// (referenced throughout pkg/network) with plain buffered channels, which
// is how the whole corpus expresses queuing — no queue library appears
// anywhere in the examples.
package queues

import (
	"sync"
	"sync/atomic"
	"time"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
)

const (
	DefaultTxDepth    = 32
	DefaultSdoRxDepth = 16

	sdoResponseLow  = 0x580
	sdoResponseHigh = 0x5FF
)

// Queues owns the TX channel, the SDO-RX channel and the raw-RX
// subscriber fan-out. It implements can.FrameListener so it can be
// registered directly with a Bus.
type Queues struct {
	tx    chan can.Frame
	sdoRx chan can.Frame

	mu          sync.Mutex
	subscribers map[int]chan can.Frame
	nextSubID   int

	closed atomic.Bool
}

func New() *Queues {
	return &Queues{
		tx:          make(chan can.Frame, DefaultTxDepth),
		sdoRx:       make(chan can.Frame, DefaultSdoRxDepth),
		subscribers: make(map[int]chan can.Frame),
	}
}

// Handle classifies a received frame and routes it: spec.md's SDO-RX
// queue takes only frames in the 0x580-0x5FF response range, everything
// else fans out to raw subscribers (scanner, firmware ACK listener,
// client-requested raw monitors).
func (q *Queues) Handle(frame can.Frame) {
	if frame.ID >= sdoResponseLow && frame.ID <= sdoResponseHigh {
		select {
		case q.sdoRx <- frame:
		default:
			// SDO-RX full: drop oldest to make room for the newest response,
			// matching the transactor's "discard, never buffer stale" model.
			select {
			case <-q.sdoRx:
			default:
			}
			select {
			case q.sdoRx <- frame:
			default:
			}
		}
		return
	}
	q.mu.Lock()
	subs := make([]chan can.Frame, 0, len(q.subscribers))
	for _, ch := range q.subscribers {
		subs = append(subs, ch)
	}
	q.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Transmit enqueues a frame for the driver to send, failing with
// DriverClosed once Close has been called or QueueFull if the TX queue
// doesn't drain within a short wait.
func (q *Queues) Transmit(frame can.Frame) error {
	if q.closed.Load() {
		return coreerr.ErrDriverClosed
	}
	select {
	case q.tx <- frame:
		return nil
	case <-time.After(20 * time.Millisecond):
		return coreerr.ErrQueueFull
	}
}

// Close marks the queues closed; subsequent Transmit calls fail with
// DriverClosed instead of enqueueing frames nothing will ever drain.
func (q *Queues) Close() {
	q.closed.Store(true)
}

// TX returns the channel the driver pump drains.
func (q *Queues) TX() <-chan can.Frame {
	return q.tx
}

// RecvSDO waits up to timeout for the next SDO-RX frame.
func (q *Queues) RecvSDO(timeout time.Duration) (can.Frame, bool) {
	select {
	case f := <-q.sdoRx:
		return f, true
	case <-time.After(timeout):
		return can.Frame{}, false
	}
}

// ClearResponses drains the SDO-RX queue non-blockingly. The transactor
// calls this before issuing a fresh request so stale frames from an
// aborted prior transaction can't satisfy the new one.
func (q *Queues) ClearResponses() {
	for {
		select {
		case <-q.sdoRx:
		default:
			return
		}
	}
}

// Subscribe registers a raw-RX fan-out channel and returns an unsubscribe
// function.
func (q *Queues) Subscribe(depth int) (<-chan can.Frame, func()) {
	if depth <= 0 {
		depth = 8
	}
	ch := make(chan can.Frame, depth)
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = ch
	q.mu.Unlock()
	return ch, func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}
