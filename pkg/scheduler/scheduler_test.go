package scheduler

import (
	"testing"
	"time"

	"github.com/outlandnish/openinverter-can-gateway/pkg/controlframe"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
	"github.com/stretchr/testify/assert"
)

func TestStartRawRejectsBadPeriod(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	assert.ErrorIs(t, s.StartRaw("j1", 0x100, [8]byte{}, 8, 9), coreerr.ErrRateOutOfRange)
	assert.ErrorIs(t, s.StartRaw("j1", 0x100, [8]byte{}, 8, 10001), coreerr.ErrRateOutOfRange)
	assert.NoError(t, s.StartRaw("j1", 0x100, [8]byte{}, 8, 10))
	assert.NoError(t, s.Stop("j1"))
	assert.NoError(t, s.StartRaw("j2", 0x100, [8]byte{}, 8, 10000))
}

func TestStartRawTwiceFails(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	assert.NoError(t, s.StartRaw("dup", 0x100, [8]byte{}, 8, 50))
	assert.ErrorIs(t, s.StartRaw("dup", 0x100, [8]byte{}, 8, 50), coreerr.ErrAlreadyRunning)
}

func TestPeriodicEmissionRate(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	assert.NoError(t, s.StartRaw("rate", 0x200, [8]byte{1}, 8, 20))

	var timestamps []time.Time
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && len(timestamps) < 5 {
		select {
		case <-q.TX():
			timestamps = append(timestamps, time.Now())
		case <-time.After(300 * time.Millisecond):
		}
	}
	assert.GreaterOrEqual(t, len(timestamps), 3)
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		assert.Greater(t, gap, 10*time.Millisecond)
		assert.Less(t, gap, 60*time.Millisecond)
	}
}

func TestRestartYieldsSameBehavior(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	assert.NoError(t, s.StartRaw("r", 0x300, [8]byte{9}, 8, 10))
	assert.NoError(t, s.Stop("r"))
	assert.NoError(t, s.StartRaw("r", 0x300, [8]byte{9}, 8, 10))

	select {
	case f := <-q.TX():
		assert.EqualValues(t, 0x300, f.ID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a frame from the restarted job")
	}
}

func TestControlFrameCounterIncrementsModFour(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	st := controlframe.ControlState{Pot: 1}
	assert.NoError(t, s.StartControl("ctl", 0x3F, st, 10))

	var counters []uint8
	for i := 0; i < 5; i++ {
		select {
		case f := <-q.TX():
			word0 := uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16 | uint32(f.Data[3])<<24
			counters = append(counters, uint8((word0>>30)&0x3))
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected control frame emissions")
		}
	}
	for i, c := range counters {
		assert.EqualValues(t, (i+1)%4, c)
	}
}

func TestUnknownJobOperations(t *testing.T) {
	q := queues.New()
	s := New(q, nil)
	defer s.Close()
	assert.ErrorIs(t, s.Stop("nope"), coreerr.ErrUnknownJob)
	assert.ErrorIs(t, s.UpdateControl("nope", func(*controlframe.ControlState) {}), coreerr.ErrUnknownJob)
}
