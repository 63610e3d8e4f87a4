package playback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sink receives buffers from a PacedOutput when they become due.
type Sink interface {
	// Release hands over a buffer that must start playing at the given
	// output time.
	Release(buf Buffer, at time.Duration)
	// Cancel tells the sink to drop whatever it has already been given.
	Cancel()
}

// PacedOutput is an Output driven by a clock. It releases each buffer to its
// sink shortly before the buffer's start time, so a remote player only ever
// holds a small amount of audio and can be silenced quickly.
//
// Buffers reach the sink in the order they were started, whatever order
// their timers fire in. Sink calls are made with the output's lock held.
type PacedOutput struct {
	clock clock.Clock
	epoch time.Time
	lead  time.Duration
	sink  Sink

	mu sync.Mutex
	// queue holds started handles not yet released, in start order.
	queue []*pacedHandle
}

// NewPacedOutput creates an output whose clock starts at zero now. lead is how
// far ahead of its start time a buffer is released.
func NewPacedOutput(clk clock.Clock, sink Sink, lead time.Duration) *PacedOutput {
	if lead < 0 {
		lead = 0
	}
	return &PacedOutput{
		clock: clk,
		epoch: clk.Now(),
		lead:  lead,
		sink:  sink,
	}
}

// Now returns the output clock.
func (o *PacedOutput) Now() time.Duration {
	return o.clock.Since(o.epoch)
}

// Start queues buf and arms its release and end timers.
func (o *PacedOutput) Start(buf Buffer, at time.Duration, onEnded func()) Handle {
	h := &pacedHandle{out: o, buf: buf, at: at, onEnded: onEnded}

	now := o.Now()
	releaseIn := at - o.lead - now
	if releaseIn < 0 {
		releaseIn = 0
	}
	endIn := at + buf.Duration() - now
	if endIn < 0 {
		endIn = 0
	}

	o.mu.Lock()
	o.queue = append(o.queue, h)
	h.releaseTimer = o.clock.AfterFunc(releaseIn, h.release)
	h.endTimer = o.clock.AfterFunc(endIn, h.end)
	o.mu.Unlock()

	return h
}

// drain releases due handles from the head of the queue. A handle that is not
// due yet holds back everything started after it. Callers hold o.mu.
func (o *PacedOutput) drain() {
	for len(o.queue) > 0 {
		h := o.queue[0]
		if !h.stopped && !h.due {
			return
		}
		o.queue[0] = nil
		o.queue = o.queue[1:]
		if h.stopped {
			continue
		}
		h.released = true
		o.sink.Release(h.buf, h.at)
	}
}

type pacedHandle struct {
	out     *PacedOutput
	buf     Buffer
	at      time.Duration
	onEnded func()

	// Guarded by out.mu.
	releaseTimer *clock.Timer
	endTimer     *clock.Timer
	due          bool
	released     bool
	ended        bool
	stopped      bool
}

func (h *pacedHandle) release() {
	o := h.out
	o.mu.Lock()
	defer o.mu.Unlock()

	h.due = true
	o.drain()
}

func (h *pacedHandle) end() {
	o := h.out
	o.mu.Lock()
	if h.stopped || h.ended {
		o.mu.Unlock()
		return
	}
	h.ended = true
	// Everything started up to this buffer is due once it has finished,
	// even if those release timers have not run yet.
	if !h.released {
		for _, q := range o.queue {
			q.due = true
			if q == h {
				break
			}
		}
		o.drain()
	}
	o.mu.Unlock()

	h.onEnded()
}

// Stop cancels both timers. A buffer already released but not yet finished is
// cancelled at the sink.
func (h *pacedHandle) Stop() {
	o := h.out
	o.mu.Lock()
	defer o.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	h.releaseTimer.Stop()
	h.endTimer.Stop()
	o.drain()

	if h.released && !h.ended {
		o.sink.Cancel()
	}
}
