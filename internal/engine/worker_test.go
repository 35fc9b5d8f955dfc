package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arvow/vodstream/internal/cache"
)

// TestWorkerProcessesLoadAndFinishedLifecycle drives a real LOAD
// command through a running worker against the generic pass-through
// path (no MIME set), and checks that the load counter rises to 1
// while the stream's goroutine is in flight and falls back to 0 once
// it reports finished.
func TestWorkerProcessesLoadAndFinishedLifecycle(t *testing.T) {
	w := newWorker(0, cache.New(0))
	go w.run()
	defer w.stop()

	conn := &fakeConn{}
	s := &Stream{
		ID:         uuid.New(),
		Conn:       conn,
		Source:     bytes.NewReader([]byte("hello")),
		FileLength: 5,
		HTTPVer:    "1.1",
		ServerName: "vodstream",
		ServerVer:  "0.1.0",
	}
	w.enqueueLoad(s)

	require.Eventually(t, func() bool { return w.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return w.Load() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return conn.Len() > 0 }, time.Second, time.Millisecond)
}

func TestWorkerZeroResetsDelayCounters(t *testing.T) {
	w := newWorker(0, nil)
	go w.run()
	defer w.stop()

	w.deltas <- deltaEvent{delay: 4.0, hasDelay: true}
	require.Eventually(t, func() bool { return w.DelayAvg() == 4.0 }, time.Second, time.Millisecond)

	w.Zero()
	require.Eventually(t, func() bool { return w.DelayAvg() == 0 }, time.Second, time.Millisecond)
}

func TestWorkerDelayAverageAcrossSamples(t *testing.T) {
	w := newWorker(0, nil)
	go w.run()
	defer w.stop()

	w.deltas <- deltaEvent{delay: 2.0, hasDelay: true}
	w.deltas <- deltaEvent{delay: 6.0, hasDelay: true}

	require.Eventually(t, func() bool { return w.DelayAvg() == 4.0 }, time.Second, time.Millisecond)
}
