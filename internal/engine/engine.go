// Package engine implements the dispatch pool, per-worker event loop,
// and per-stream sender state machine that sit behind the HTTP front
// door: C9 (Engine), C8 (Worker) and C7 (Stream) from the design this
// repository follows.
package engine

import (
	"log"
	"time"

	"github.com/arvow/vodstream/internal/cache"
	"github.com/arvow/vodstream/internal/config"
)

// DispatchResult is the three-way outcome of Engine.Dispatch.
type DispatchResult int

const (
	DispatchOK DispatchResult = iota
	DispatchOverload
	DispatchInvalid
)

func (r DispatchResult) String() string {
	switch r {
	case DispatchOK:
		return "ok"
	case DispatchOverload:
		return "overload"
	default:
		return "invalid"
	}
}

// Engine owns the worker pool and the shared metadata cache, and is
// the single entry point the HTTP layer dispatches streams through.
type Engine struct {
	cfg     *config.Config
	cache   *cache.Cache
	workers []*Worker
}

// New constructs an Engine with cfg.Workers workers and a cache sized
// to cfg.CacheBytes, starting every worker's event loop immediately.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:   cfg,
		cache: cache.New(cfg.CacheBytes),
	}
	e.workers = make([]*Worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = newWorker(i, e.cache)
		go e.workers[i].run()
	}
	log.Printf("engine: started %d workers, cache budget %d bytes", cfg.Workers, cfg.CacheBytes)
	return e
}

// Dispatch hands stream to the least-loaded worker, subject to the
// engine-wide admission cap (cfg.Clients). On success it copies the
// engine's throttle budget onto the stream before enqueueing it.
func (e *Engine) Dispatch(s *Stream) DispatchResult {
	if s == nil || s.Conn == nil || s.Source == nil {
		return DispatchInvalid
	}

	var total int64
	best := -1
	var bestLoad int64
	for i, w := range e.workers {
		l := w.Load()
		total += l
		if best == -1 || l < bestLoad {
			best, bestLoad = i, l
		}
	}
	if best == -1 {
		return DispatchInvalid
	}
	if total >= int64(e.cfg.Clients) {
		return DispatchOverload
	}

	s.throttle = e.cfg.Throttle
	e.workers[best].enqueueLoad(s)
	return DispatchOK
}

// Monitor resolves one of the spec's named indicators to its current
// value. "data:delay" has a read-resets-counters side effect: once the
// cross-worker mean is computed, every worker's delay accumulator is
// zeroed via a ZERO command so the next read reflects only what has
// happened since.
func (e *Engine) Monitor(indicator string) float64 {
	switch indicator {
	case "load":
		var sum int64
		for _, w := range e.workers {
			sum += w.Load()
		}
		return float64(sum)

	case "cache:used":
		return float64(e.cache.Used())
	case "cache:items":
		return float64(e.cache.Items())
	case "cache:hits":
		return float64(e.cache.Hits())
	case "cache:misses":
		return float64(e.cache.Misses())

	case "data:total":
		var sum float64
		for _, w := range e.workers {
			sum += w.DataRate()
		}
		return sum

	case "data:delay":
		if len(e.workers) == 0 {
			return 0
		}
		var sum float64
		for _, w := range e.workers {
			sum += w.DelayAvg()
		}
		mean := sum / float64(len(e.workers))
		for _, w := range e.workers {
			w.Zero()
		}
		return mean

	default:
		return 0
	}
}

// Destroy sends STOP to every worker and waits up to 5 seconds for
// their event loops to exit before giving up. It does not close
// in-flight streams: each stream's goroutine keeps running after its
// worker's loop has exited. The cache is left as it is.
func (e *Engine) Destroy() {
	for _, w := range e.workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range e.workers {
			<-w.stopped
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("engine: workers did not stop within the shutdown window, abandoning wait")
	}
}
