package engine

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvow/vodstream/internal/cache"
	"github.com/arvow/vodstream/internal/config"
)

// newTestEngine builds an Engine whose workers are never started, so
// a dispatched LOAD/ZERO command sits in the worker's buffered channel
// for the test to inspect directly instead of racing a live run loop.
func newTestEngine(workers int, clients int) *Engine {
	e := &Engine{
		cfg:   &config.Config{Workers: workers, Clients: clients},
		cache: cache.New(0),
	}
	e.workers = make([]*Worker, workers)
	for i := range e.workers {
		e.workers[i] = newWorker(i, e.cache)
	}
	return e
}

func TestDispatchPicksLeastLoadedWorker(t *testing.T) {
	e := newTestEngine(3, 100)
	e.cfg.Throttle = 20.0
	e.workers[0].load.Store(5)
	e.workers[1].load.Store(1)
	e.workers[2].load.Store(3)

	s := &Stream{Conn: &fakeConn{}, Source: bytes.NewReader(nil)}
	result := e.Dispatch(s)
	require.Equal(t, DispatchOK, result)

	select {
	case cmd := <-e.workers[1].commands:
		require.Equal(t, cmdLoad, cmd.tag)
		require.Same(t, s, cmd.stream)
	default:
		t.Fatal("expected the least-loaded worker to receive the LOAD command")
	}

	for _, idx := range []int{0, 2} {
		select {
		case <-e.workers[idx].commands:
			t.Fatalf("worker %d should not have received a command", idx)
		default:
		}
	}

	assert.EqualValues(t, e.cfg.Throttle, s.throttle)
}

func TestDispatchRejectsAtAdmissionCap(t *testing.T) {
	e := newTestEngine(2, 10)
	e.workers[0].load.Store(4)
	e.workers[1].load.Store(6)

	s := &Stream{Conn: &fakeConn{}, Source: bytes.NewReader(nil)}
	require.Equal(t, DispatchOverload, e.Dispatch(s))
}

func TestDispatchRejectsInvalidStream(t *testing.T) {
	e := newTestEngine(1, 10)

	require.Equal(t, DispatchInvalid, e.Dispatch(nil))
	require.Equal(t, DispatchInvalid, e.Dispatch(&Stream{Conn: nil, Source: bytes.NewReader(nil)}))
	require.Equal(t, DispatchInvalid, e.Dispatch(&Stream{Conn: &fakeConn{}, Source: nil}))
}

func TestMonitorCacheAndLoadIndicators(t *testing.T) {
	e := newTestEngine(2, 10)
	e.workers[0].load.Store(2)
	e.workers[1].load.Store(3)

	assert.EqualValues(t, 5, e.Monitor("load"))
	assert.EqualValues(t, 0, e.Monitor("cache:used"))
	assert.EqualValues(t, 0, e.Monitor("unknown:indicator"))
}

func TestMonitorDataTotalSumsWorkerRates(t *testing.T) {
	e := newTestEngine(2, 10)
	e.workers[0].mu.Lock()
	e.workers[0].stats.dataRate = 1000
	e.workers[0].mu.Unlock()
	e.workers[1].mu.Lock()
	e.workers[1].stats.dataRate = 2500
	e.workers[1].mu.Unlock()

	assert.InDelta(t, 3500, e.Monitor("data:total"), 1e-9)
}

// TestMonitorDataDelayMeansAndEnqueuesReset exercises the "data:delay"
// indicator's read-then-reset contract: the returned value is the
// mean of each worker's current average, and a ZERO command is
// enqueued on every worker as a side effect of the read.
func TestMonitorDataDelayMeansAndEnqueuesReset(t *testing.T) {
	e := newTestEngine(2, 10)
	e.workers[0].mu.Lock()
	e.workers[0].stats.delayAvg = 2.0
	e.workers[0].mu.Unlock()
	e.workers[1].mu.Lock()
	e.workers[1].stats.delayAvg = 4.0
	e.workers[1].mu.Unlock()

	mean := e.Monitor("data:delay")
	assert.InDelta(t, 3.0, mean, 1e-9)

	for _, w := range e.workers {
		select {
		case cmd := <-w.commands:
			require.Equal(t, cmdZero, cmd.tag)
		default:
			t.Fatal("expected a ZERO command to have been enqueued")
		}
	}
}

// fakeConn is a minimal net.Conn stand-in: Write appends to an
// in-memory buffer and always succeeds, which is all Dispatch's
// validity check and the stream-sender tests need.
type fakeConn struct {
	bytes.Buffer
}

func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }
