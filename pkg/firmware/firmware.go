// Package firmware implements the Firmware Update Engine (C7, spec.md
// §4.7): a state machine streaming a binary image onto the bus as
// CRC-32-checked pages. New code — the teacher has no OTA concept — but
// state-enum + dispatch is grounded stylistically on the teacher's
// pkg/sdo state-machine idiom, and page emission reuses the Periodic
// Scheduler's FirmwareSource hook (spec.md §4.4) rather than a private
// ticker. Page checksums use the standard stdlib hash/crc32 IEEE table,
// unlike the control frame's hand-written non-reflected CRC-32 — spec.md
// places no reflection requirement on firmware paging.
package firmware

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scheduler"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
)

// Object dictionary indices used by the handshake/ack/commit exchange.
// These are gateway-private conventions (spec.md describes the state
// machine but not a concrete OD layout), documented in DESIGN.md.
const (
	EntryIndex     = 0x1F50
	EntrySubindex  = 0x01
	ChallengeIndex = 0x1F51
	AckIndex       = 0x1F52
	CommitIndex    = 0x1F53
	ChecksumIndex  = 0x1F54

	DefaultPageSize   = 1024
	DefaultFramePause = 10 * time.Millisecond
	maxPageRetries    = 3
)

type State int

const (
	StateIdle State = iota
	StateHandshake
	StateStreaming
	StateAwaitAck
	StateCommit
	StateDone
	StateFailed
)

const ReasonCrc = "Crc"

// Events is the sink an Engine publishes OTA progress/outcome to.
type Events interface {
	OtaProgress(percent int)
	OtaSuccess()
	OtaError(reason string)
}

// Session mirrors spec.md §3's FirmwareSession entity.
type Session struct {
	TargetNode sdo.NodeId
	Image      []byte
	TotalSize  int
	Offset     int
	PageSize   int
	State      State
}

// Engine is the C7 firmware update state machine.
type Engine struct {
	tr     *sdo.Transactor
	sched  *scheduler.Scheduler
	dataId uint32
	events Events
	log    *logrus.Entry

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
}

func New(tr *sdo.Transactor, sched *scheduler.Scheduler, dataCanId uint32, events Events, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{tr: tr, sched: sched, dataId: dataCanId, events: events, log: log}
}

// pageSource feeds 8-byte chunks of one page to the scheduler and signals
// completion; the cursor advances per scheduler tick, per spec.md §4.4.
type pageSource struct {
	frames [][8]byte
	idx    int
	doneCh chan struct{}
}

func (p *pageSource) NextChunk() ([8]byte, bool) {
	if p.idx >= len(p.frames) {
		select {
		case p.doneCh <- struct{}{}:
		default:
		}
		return [8]byte{}, true
	}
	f := p.frames[p.idx]
	p.idx++
	return f, false
}

func splitPage(page []byte) [][8]byte {
	var frames [][8]byte
	for i := 0; i < len(page); i += 8 {
		var f [8]byte
		copy(f[:], page[i:min(i+8, len(page))])
		frames = append(frames, f)
	}
	return frames
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Start begins an update of image onto targetNode. pageSize defaults to
// DefaultPageSize when 0.
func (e *Engine) Start(ctx context.Context, targetNode sdo.NodeId, image []byte, pageSize int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.session = &Session{
		TargetNode: targetNode,
		Image:      image,
		TotalSize:  len(image),
		PageSize:   pageSize,
		State:      StateHandshake,
	}
	e.mu.Unlock()

	go e.run(runCtx)
}

// Cancel aborts an in-flight update cooperatively; the engine emits
// otaError and leaves the transactor/scheduler in a clean state.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) fail(reason string) {
	e.mu.Lock()
	if e.session != nil {
		e.session.State = StateFailed
	}
	e.mu.Unlock()
	e.events.OtaError(reason)
}

func (e *Engine) run(ctx context.Context) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	// Handshake: write the image size to the firmware-entry object and
	// await a challenge response; any non-error reply is accepted.
	if err := e.tr.WriteExpedited(ctx, s.TargetNode, EntryIndex, EntrySubindex, uint32(s.TotalSize), 4, 200*time.Millisecond); err != nil {
		e.fail(classify(err))
		return
	}
	if _, err := e.tr.ReadExpedited(ctx, s.TargetNode, ChallengeIndex, 0, 500*time.Millisecond); err != nil {
		e.fail(classify(err))
		return
	}

	e.mu.Lock()
	s.State = StateStreaming
	e.mu.Unlock()

	lastProgressAt := time.Now()
	lastProgressBytes := 0

	for s.Offset < s.TotalSize {
		select {
		case <-ctx.Done():
			e.fail("Cancelled")
			return
		default:
		}

		end := min(s.Offset+s.PageSize, s.TotalSize)
		page := s.Image[s.Offset:end]
		pageIndex := s.Offset / s.PageSize

		ok := false
		for attempt := 0; attempt < maxPageRetries; attempt++ {
			if err := e.streamPage(ctx, page); err != nil {
				e.fail(classify(err))
				return
			}

			// The target's ack compares its own running CRC-32 of the
			// received frames against this value; a mismatch here is what
			// AckIndex's nonzero status byte reports back.
			if err := e.tr.WriteExpedited(ctx, s.TargetNode, ChecksumIndex, 0, PageChecksum(page), 4, 200*time.Millisecond); err != nil {
				e.fail(classify(err))
				return
			}

			e.mu.Lock()
			s.State = StateAwaitAck
			e.mu.Unlock()

			mismatch, err := e.awaitAck(ctx, s.TargetNode, pageIndex, 500*time.Millisecond)
			if err != nil {
				e.fail(classify(err))
				return
			}
			if !mismatch {
				ok = true
				break
			}
		}
		if !ok {
			e.fail(ReasonCrc)
			return
		}

		s.Offset = end
		if s.Offset-lastProgressBytes >= 64*1024 || time.Since(lastProgressAt) >= time.Second || s.Offset == s.TotalSize {
			e.events.OtaProgress(s.Offset * 100 / s.TotalSize)
			lastProgressAt = time.Now()
			lastProgressBytes = s.Offset
		}

		e.mu.Lock()
		s.State = StateStreaming
		e.mu.Unlock()
	}

	e.mu.Lock()
	s.State = StateCommit
	e.mu.Unlock()

	err := e.tr.WriteExpedited(ctx, s.TargetNode, CommitIndex, 0, 1, 1, 500*time.Millisecond)
	if err != nil && err != coreerr.ErrTimeout {
		e.fail(classify(err))
		return
	}
	// Commit ack timeout is an accepted success path: the target may
	// reboot before acknowledging the write.
	e.mu.Lock()
	s.State = StateDone
	e.mu.Unlock()
	e.events.OtaSuccess()
}

func (e *Engine) streamPage(ctx context.Context, page []byte) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	frames := splitPage(page)
	src := &pageSource{frames: frames, doneCh: make(chan struct{}, 1)}
	jobId := fmt.Sprintf("firmware-%d", s.TargetNode)
	if err := e.sched.StartFirmwareStream(jobId, e.dataId, src); err != nil {
		return err
	}
	defer e.sched.Stop(jobId)

	select {
	case <-src.doneCh:
		return nil
	case <-ctx.Done():
		return coreerr.ErrCancelled
	case <-time.After(time.Duration(len(frames))*DefaultFramePause + 2*time.Second):
		return coreerr.ErrTimeout
	}
}

// awaitAck reads the ack object; the low byte is 0 for PageOk, nonzero
// for PageCrcMismatch, with the page index in the upper bytes (a
// gateway-private convention, see DESIGN.md).
func (e *Engine) awaitAck(ctx context.Context, node sdo.NodeId, pageIndex int, timeout time.Duration) (mismatch bool, err error) {
	v, err := e.tr.ReadExpedited(ctx, node, AckIndex, 0, timeout)
	if err != nil {
		return false, err
	}
	return v&0xFF != 0, nil
}

func classify(err error) string {
	switch err {
	case coreerr.ErrTimeout:
		return "Timeout"
	case coreerr.ErrCancelled:
		return "Cancelled"
	default:
		return err.Error()
	}
}

// PageChecksum computes the standard reflected IEEE CRC-32 of page data,
// written to ChecksumIndex after each page so the target can verify it
// against its own running checksum of the received frames.
func PageChecksum(page []byte) uint32 {
	return crc32.ChecksumIEEE(page)
}
