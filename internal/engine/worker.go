package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvow/vodstream/internal/cache"
)

// delayCountReset is the point at which the running delay average's
// sum/count pair is folded back to zero, matching the original's
// 10^9 rollover for delay_count.
const delayCountReset = 1_000_000_000

type cmdTag int

const (
	cmdLoad cmdTag = iota
	cmdZero
	cmdStop
)

// workerCommand is one entry of the worker's command queue. The
// original guards a doubly-linked list of these with a spin-lock; a
// buffered Go channel gives the same producer/consumer contract
// without hand-rolled locking.
type workerCommand struct {
	tag    cmdTag
	stream *Stream
}

// deltaEvent is how a stream's sender goroutine reports progress back
// to the worker that owns it: bytes actually written, an optional
// delay sample, and a final "finished" event that releases the load
// slot. The worker's run loop is the only goroutine that ever mutates
// its counters, so this is the message-passing stand-in for the
// spec's "statistics back-pointers" from stream to worker.
type deltaEvent struct {
	bytes    int64
	delay    float64
	hasDelay bool
	finished bool
}

type workerStats struct {
	dataTotal  int64 // bytes accumulated since the last pivot tick
	dataRate   float64
	delaySum   float64
	delayCount int64
	delayAvg   float64
}

// Worker owns one event loop, a command queue, and the counters the
// engine aggregates for its monitoring indicators. Each LOAD spawns a
// dedicated goroutine for that stream's lifetime rather than
// multiplexing every stream through the worker's own loop: this is
// the idiomatic-Go rendering of "one worker thread per event loop,
// one socket serviced per write-readiness event" (go-vod's teacher
// lineage runs one goroutine per transcoding stream the same way).
// The worker loop itself stays the single writer of every counter.
type Worker struct {
	id    int
	cache *cache.Cache

	commands chan workerCommand
	deltas   chan deltaEvent

	load atomic.Int64

	mu    sync.Mutex
	stats workerStats

	stopped chan struct{}
}

func newWorker(id int, c *cache.Cache) *Worker {
	return &Worker{
		id:       id,
		cache:    c,
		commands: make(chan workerCommand, 32),
		deltas:   make(chan deltaEvent, 256),
		stopped:  make(chan struct{}),
	}
}

// run is the worker's single-threaded event loop: it drains commands,
// applies counter deltas reported by streams it owns, and pivots the
// data-rate estimate once a second.
func (w *Worker) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-w.commands:
			switch cmd.tag {
			case cmdStop:
				return
			case cmdLoad:
				w.load.Add(1)
				cmd.stream.cache = w.cache
				go cmd.stream.serve(w)
			case cmdZero:
				w.mu.Lock()
				w.stats.delaySum = 0
				w.stats.delayCount = 0
				w.stats.delayAvg = 0
				w.mu.Unlock()
			}

		case d := <-w.deltas:
			w.mu.Lock()
			w.stats.dataTotal += d.bytes
			if d.hasDelay {
				w.stats.delaySum += d.delay
				w.stats.delayCount++
				w.stats.delayAvg = w.stats.delaySum / float64(w.stats.delayCount)
				if w.stats.delayCount >= delayCountReset {
					w.stats.delaySum = 0
					w.stats.delayCount = 0
				}
			}
			w.mu.Unlock()
			if d.finished {
				w.load.Add(-1)
			}

		case <-ticker.C:
			w.mu.Lock()
			// Exponential pivot: last second's raw count blended with
			// the running estimate rather than replacing it outright,
			// so a single quiet second doesn't make data:total look
			// like the stream stopped.
			w.stats.dataRate = w.stats.dataRate*0.5 + float64(w.stats.dataTotal)*0.5
			w.stats.dataTotal = 0
			w.mu.Unlock()
		}
	}
}

// Load returns the worker's current in-flight stream count, used for
// least-loaded dispatch and the "load" monitoring indicator.
func (w *Worker) Load() int64 { return w.load.Load() }

// DataRate returns the worker's pivoted bytes-per-second estimate.
func (w *Worker) DataRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.dataRate
}

// DelayAvg returns the worker's current running mean send delay,
// without resetting it.
func (w *Worker) DelayAvg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.delayAvg
}

// Zero enqueues a ZERO command, resetting this worker's delay counters
// once the command is drained. It has no return value: callers that
// need the pre-reset average must read it (via DelayAvg) before
// calling Zero, matching the worker_zero contract.
func (w *Worker) Zero() {
	select {
	case w.commands <- workerCommand{tag: cmdZero}:
	case <-w.stopped:
	}
}

// enqueueLoad hands stream to this worker's event loop via a LOAD
// command.
func (w *Worker) enqueueLoad(s *Stream) {
	w.commands <- workerCommand{tag: cmdLoad, stream: s}
}

// stop enqueues a STOP command, causing run to return once drained.
func (w *Worker) stop() {
	select {
	case w.commands <- workerCommand{tag: cmdStop}:
	case <-w.stopped:
	}
}
