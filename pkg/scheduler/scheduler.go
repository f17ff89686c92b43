// Package scheduler implements the Periodic Scheduler (C4, spec.md §4.4):
// a keyed map of periodic emitters driven by a single ≥100 Hz tick loop,
// generalizing the inhibit/event time.AfterFunc pair in the teacher's
// pkg/pdo/tpdo.go from one TPDO object to an unbounded set of jobs.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/controlframe"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
)

const (
	MinPeriodMs = 10
	MaxPeriodMs = 10000

	tickInterval = 5 * time.Millisecond // 200 Hz, above the ≥100 Hz floor
)

// Kind tags a PeriodicJob's payload source.
type Kind int

const (
	KindRaw Kind = iota
	KindControl
	KindFirmwareChunk
)

// FirmwareSource supplies the next 8-byte chunk for a firmware-streaming
// job; it advances its own cursor each call (spec.md §4.4/§4.7).
type FirmwareSource interface {
	NextChunk() (data [8]byte, done bool)
}

type job struct {
	id         string
	canId      uint32
	kind       Kind
	periodMs   int
	deadline   time.Time
	enabled    bool
	raw        [8]byte
	rawLen     uint8
	state      *controlframe.ControlState
	counter    uint8
	firmware   FirmwareSource
}

// Scheduler is the C4 Periodic Scheduler.
type Scheduler struct {
	q *queues.Queues

	mu   sync.Mutex
	jobs map[string]*job

	stop chan struct{}
	once sync.Once
	log  *logrus.Entry
}

func New(q *queues.Queues, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{q: q, jobs: make(map[string]*job), stop: make(chan struct{}), log: log}
	go s.run()
	return s
}

func validatePeriod(periodMs int) error {
	if periodMs < MinPeriodMs || periodMs > MaxPeriodMs {
		return coreerr.ErrRateOutOfRange
	}
	return nil
}

// StartRaw starts a raw-frame periodic job. It fails with
// ErrAlreadyRunning if jobId is already in use.
func (s *Scheduler) StartRaw(jobId string, canId uint32, data [8]byte, dlc uint8, periodMs int) error {
	if err := validatePeriod(periodMs); err != nil {
		return err
	}
	if !can.IsValidID(canId) {
		return coreerr.ErrInvalidFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobId]; exists {
		return coreerr.ErrAlreadyRunning
	}
	s.jobs[jobId] = &job{
		id: jobId, canId: canId, kind: KindRaw, periodMs: periodMs,
		deadline: time.Now().Add(time.Duration(periodMs) * time.Millisecond),
		enabled:  true, raw: data, rawLen: dlc,
	}
	return nil
}

// StartControl starts a control-frame periodic job. It fails with
// ErrAlreadyRunning if jobId is already in use.
func (s *Scheduler) StartControl(jobId string, canId uint32, state controlframe.ControlState, periodMs int) error {
	if err := validatePeriod(periodMs); err != nil {
		return err
	}
	if !can.IsValidID(canId) {
		return coreerr.ErrInvalidFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobId]; exists {
		return coreerr.ErrAlreadyRunning
	}
	st := state
	s.jobs[jobId] = &job{
		id: jobId, canId: canId, kind: KindControl, periodMs: periodMs,
		deadline: time.Now().Add(time.Duration(periodMs) * time.Millisecond),
		enabled:  true, state: &st,
	}
	return nil
}

// StartFirmwareStream starts a firmware-streaming job; src advances its
// cursor on each tick, not each period (spec.md §4.4/§4.7).
func (s *Scheduler) StartFirmwareStream(jobId string, canId uint32, src FirmwareSource) error {
	if !can.IsValidID(canId) {
		return coreerr.ErrInvalidFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobId]; exists {
		return coreerr.ErrAlreadyRunning
	}
	s.jobs[jobId] = &job{
		id: jobId, canId: canId, kind: KindFirmwareChunk, periodMs: MinPeriodMs,
		deadline: time.Now(), enabled: true, firmware: src,
	}
	return nil
}

// UpdateControl mutates the live ControlState of a running control-frame
// job; it takes effect on the job's next tick.
func (s *Scheduler) UpdateControl(jobId string, mutate func(*controlframe.ControlState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobId]
	if !ok || j.kind != KindControl {
		return coreerr.ErrUnknownJob
	}
	mutate(j.state)
	return nil
}

// Stop removes a single job.
func (s *Scheduler) Stop(jobId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobId]; !ok {
		return coreerr.ErrUnknownJob
	}
	delete(s.jobs, jobId)
	return nil
}

// StopAll removes every job whose id matches pattern exactly, or every
// job if pattern is empty.
func (s *Scheduler) StopAll(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pattern == "" {
		s.jobs = make(map[string]*job)
		return
	}
	delete(s.jobs, pattern)
}

// Close stops the tick loop.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.enabled {
			continue
		}
		if j.kind == KindFirmwareChunk || !now.Before(j.deadline) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.emit(j, now)
	}
}

func (s *Scheduler) emit(j *job, now time.Time) {
	var data [8]byte
	var dlc uint8 = 8

	switch j.kind {
	case KindRaw:
		data = j.raw
		dlc = j.rawLen
	case KindControl:
		s.mu.Lock()
		j.counter = (j.counter + 1) % 4
		j.state.Counter = j.counter
		data = j.state.Pack()
		s.mu.Unlock()
	case KindFirmwareChunk:
		chunk, done := j.firmware.NextChunk()
		if done {
			s.mu.Lock()
			delete(s.jobs, j.id)
			s.mu.Unlock()
			return
		}
		data = chunk
	}

	if err := s.q.Transmit(can.Frame{ID: j.canId, DLC: dlc, Data: data}); err != nil {
		s.log.WithError(err).WithField("job", j.id).Warn("periodic job failed to enqueue frame")
	}

	if j.kind != KindFirmwareChunk {
		s.mu.Lock()
		// No drift catch-up: advance by one period, or re-anchor to now if
		// the tick loop fell behind by more than one period.
		next := j.deadline.Add(time.Duration(j.periodMs) * time.Millisecond)
		if next.Before(now) {
			next = now.Add(time.Duration(j.periodMs) * time.Millisecond)
		}
		j.deadline = next
		s.mu.Unlock()
	}
}
