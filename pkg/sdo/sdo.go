// Package sdo implements the SDO Transactor (spec.md §4.3): a per-node
// exclusive request/response engine supporting expedited upload/download
// and segmented upload. Grounded on the teacher's pkg/sdo/client.go for
// the wire-correlation rules (response ID, index/subindex/toggle
// matching, abort byte 0x80) and pkg/sdo/common.go for the abort-code
// layout, but the control flow is rewritten from the teacher's C-ported
// synchronous tick state machine to goroutines/channels, in the idiom of
// pkg/network's per-node goroutine model. Block-transfer states and the
// teacher's internal/fifo ring buffer are not carried forward — block
// transfer is an explicit Non-goal (spec.md §1) and segmented-upload
// accumulation is a plain []byte here.
package sdo

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
)

// NodeId identifies an SDO peer, in [0, 127].
type NodeId uint8

const (
	sdoRequestBase  = 0x600
	sdoResponseBase = 0x580

	minInterTransaction = 2 * time.Millisecond
)

// RequestId returns the CAN ID of an SDO request frame addressed to node.
func RequestId(node NodeId) uint32 { return sdoRequestBase + uint32(node) }

// ResponseId returns the CAN ID an SDO response from node carries.
func ResponseId(node NodeId) uint32 { return sdoResponseBase + uint32(node) }

// Transactor is the C3 SDO Transactor: it serialises requests to the same
// node through a per-node slot and correlates responses off the SDO-RX
// queue.
type Transactor struct {
	q *queues.Queues

	slotsMu sync.Mutex
	slots   map[NodeId]*sync.Mutex

	lastMu sync.Mutex
	lastTx map[NodeId]time.Time

	log *logrus.Entry
}

func New(q *queues.Queues, log *logrus.Entry) *Transactor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transactor{
		q:      q,
		slots:  make(map[NodeId]*sync.Mutex),
		lastTx: make(map[NodeId]time.Time),
		log:    log,
	}
}

func (t *Transactor) slotFor(node NodeId) *sync.Mutex {
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	m, ok := t.slots[node]
	if !ok {
		m = &sync.Mutex{}
		t.slots[node] = m
	}
	return m
}

// acquire locks node's exclusive slot and enforces the ≥2ms
// inter-transaction spacing before returning.
func (t *Transactor) acquire(node NodeId) func() {
	slot := t.slotFor(node)
	slot.Lock()

	t.lastMu.Lock()
	last, ok := t.lastTx[node]
	t.lastMu.Unlock()
	if ok {
		if wait := minInterTransaction - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}

	t.q.ClearResponses()
	return func() {
		t.lastMu.Lock()
		t.lastTx[node] = time.Now()
		t.lastMu.Unlock()
		slot.Unlock()
	}
}

func abortCode(data [8]byte) uint32 {
	return binary.LittleEndian.Uint32(data[4:8])
}

func indexSubMatch(data [8]byte, index uint16, subindex uint8) bool {
	return data[1] == byte(index) && data[2] == byte(index>>8) && data[3] == subindex
}

func sendAbort(q *queues.Queues, node NodeId, index uint16, subindex uint8, code uint32) {
	var data [8]byte
	data[0] = 0x80
	data[1] = byte(index)
	data[2] = byte(index >> 8)
	data[3] = subindex
	binary.LittleEndian.PutUint32(data[4:8], code)
	_ = q.Transmit(can.Frame{ID: RequestId(node), DLC: 8, Data: data})
}

// waitFor blocks until a matching, non-abort response arrives, an abort
// frame arrives, ctx is cancelled, or timeout elapses. Non-matching
// frames are discarded, never buffered, per spec.md §4.3.
func (t *Transactor) waitFor(ctx context.Context, node NodeId, index uint16, subindex uint8, timeout time.Duration) (can.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return can.Frame{}, coreerr.ErrTimeout
		}
		step := remaining
		if step > 20*time.Millisecond {
			step = 20 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			sendAbort(t.q, node, index, subindex, 0x05040001) // local control error: cancelled
			return can.Frame{}, coreerr.ErrCancelled
		default:
		}
		f, ok := t.q.RecvSDO(step)
		if !ok {
			continue
		}
		if f.ID != ResponseId(node) {
			continue
		}
		if f.Data[0] == 0x80 && indexSubMatch(f.Data, index, subindex) {
			return f, nil
		}
		if !indexSubMatch(f.Data, index, subindex) {
			continue
		}
		return f, nil
	}
}

// AbortError reports an SDO abort response.
type AbortError struct{ Code uint32 }

func (e *AbortError) Error() string { return coreerr.NewAbortDomain(e.Code).Error() }

// ReadExpedited issues an expedited upload-initiate and returns the
// decoded value. If the peer responds with a non-expedited upload
// response it transparently upgrades to segmented upload, per spec.md
// §4.3.
func (t *Transactor) ReadExpedited(ctx context.Context, node NodeId, index uint16, subindex uint8, timeout time.Duration) (uint32, error) {
	release := t.acquire(node)
	defer release()

	var data [8]byte
	data[0] = 0x40
	data[1] = byte(index)
	data[2] = byte(index >> 8)
	data[3] = subindex
	if err := t.q.Transmit(can.Frame{ID: RequestId(node), DLC: 8, Data: data}); err != nil {
		return 0, err
	}

	resp, err := t.waitFor(ctx, node, index, subindex, timeout)
	if err != nil {
		return 0, err
	}
	cmd := resp.Data[0]
	if cmd == 0x80 {
		return 0, &AbortError{Code: abortCode(resp.Data)}
	}
	const eBit, sBit = 0x02, 0x01
	if cmd&eBit != 0 {
		n := 4
		if cmd&sBit != 0 {
			n = 4 - int((cmd>>2)&0x3)
		}
		if n < 1 {
			n = 1
		}
		if n > 4 {
			n = 4
		}
		var buf [4]byte
		copy(buf[:n], resp.Data[4:4+n])
		return binary.LittleEndian.Uint32(buf[:]), nil
	}

	// Not expedited: transparently upgrade to segmented upload.
	bytes, err := t.readSegmentedLocked(ctx, node, index, subindex, timeout, resp)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	n := len(bytes)
	if n > 4 {
		n = 4
	}
	copy(buf[:n], bytes[:n])
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadSegmented performs a full segmented upload and returns the
// assembled payload.
func (t *Transactor) ReadSegmented(ctx context.Context, node NodeId, index uint16, subindex uint8, timeout time.Duration) ([]byte, error) {
	release := t.acquire(node)
	defer release()

	var data [8]byte
	data[0] = 0x40
	data[1] = byte(index)
	data[2] = byte(index >> 8)
	data[3] = subindex
	if err := t.q.Transmit(can.Frame{ID: RequestId(node), DLC: 8, Data: data}); err != nil {
		return nil, err
	}
	resp, err := t.waitFor(ctx, node, index, subindex, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Data[0] == 0x80 {
		return nil, &AbortError{Code: abortCode(resp.Data)}
	}
	return t.readSegmentedLocked(ctx, node, index, subindex, timeout, resp)
}

// readSegmentedLocked drives the upload-segment loop. initResp is the
// already-received upload-initiate response (caller holds the node slot).
func (t *Transactor) readSegmentedLocked(ctx context.Context, node NodeId, index uint16, subindex uint8, timeout time.Duration, initResp can.Frame) ([]byte, error) {
	var out []byte
	toggle := byte(0)
	for {
		var req [8]byte
		req[0] = 0x60 | (toggle << 4)
		if err := t.q.Transmit(can.Frame{ID: RequestId(node), DLC: 8, Data: req}); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(timeout)
		var seg can.Frame
		found := false
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				sendAbort(t.q, node, index, subindex, 0x05040001)
				return nil, coreerr.ErrCancelled
			default:
			}
			f, ok := t.q.RecvSDO(20 * time.Millisecond)
			if !ok {
				continue
			}
			if f.ID != ResponseId(node) {
				continue
			}
			if f.Data[0] != 0x80 && (f.Data[0]>>4)&0x1 != toggle {
				continue
			}
			seg = f
			found = true
			break
		}
		if !found {
			sendAbort(t.q, node, index, subindex, 0x05040000) // timeout
			return nil, coreerr.ErrTimeout
		}
		if seg.Data[0] == 0x80 {
			return nil, &AbortError{Code: abortCode(seg.Data)}
		}

		cmd := seg.Data[0]
		n := 7 - int((cmd>>1)&0x7)
		if n < 0 {
			n = 0
		}
		if n > 7 {
			n = 7
		}
		out = append(out, seg.Data[1:1+n]...)

		if cmd&0x1 != 0 { // complete bit
			return out, nil
		}
		toggle ^= 1
	}
}

// WriteExpedited issues an expedited download-initiate with byteLen
// significant bytes of value (byteLen ∈ {1,2,4}).
func (t *Transactor) WriteExpedited(ctx context.Context, node NodeId, index uint16, subindex uint8, value uint32, byteLen int, timeout time.Duration) error {
	if byteLen < 1 || byteLen > 4 {
		byteLen = 4
	}
	release := t.acquire(node)
	defer release()

	n := 4 - byteLen
	cmd := byte(0x20 | (n << 2) | 0x03) // e=1, s=1

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], value)

	var data [8]byte
	data[0] = cmd
	data[1] = byte(index)
	data[2] = byte(index >> 8)
	data[3] = subindex
	copy(data[4:4+byteLen], payload[:byteLen])

	if err := t.q.Transmit(can.Frame{ID: RequestId(node), DLC: 8, Data: data}); err != nil {
		return err
	}
	resp, err := t.waitFor(ctx, node, index, subindex, timeout)
	if err != nil {
		return err
	}
	if resp.Data[0] == 0x80 {
		return &AbortError{Code: abortCode(resp.Data)}
	}
	if resp.Data[0] != 0x60 {
		return coreerr.ErrInvalidFrame
	}
	return nil
}
