package peer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer tunables. Vars, not consts: tests shrink the cadence to avoid
// waiting out real timers, and ConfigurePacing lets the gateway's
// env-driven config override the defaults at startup.
var (
	pacerTick        = 20 * time.Millisecond
	pacerIdleTimeout = 250 * time.Millisecond
	pacerHardCap     = 200
)

// ConfigurePacing applies the VOICE_UPLINK_PACING_* settings. Callers
// are expected to have already clamped maxQueueFrames to [1,2000] and
// idleTimeoutMs to [50,5000]; this just wires the values through.
func ConfigurePacing(intervalMs, maxQueueFrames, idleTimeoutMs int) {
	pacerTick = time.Duration(intervalMs) * time.Millisecond
	pacerHardCap = maxQueueFrames
	pacerIdleTimeout = time.Duration(idleTimeoutMs) * time.Millisecond
}

// pendingFrame is one queued opus payload, or an end-of-talk marker.
type pendingFrame struct {
	target uint8
	opus   []byte
	isEnd  bool
}

// Pacer smooths a peer's uplink voice frames to Mumble's ~20ms cadence.
// When the queue is empty and the connection isn't congested, a frame is
// sent immediately (the idle fast path); otherwise it is queued and
// drained by a single background goroutine gated by a token-bucket
// limiter, started lazily on first use and stopped after sitting idle
// for pacerIdleTimeout. Under congestion only the newest frame is kept,
// dropping stale audio rather than building a queue.
type Pacer struct {
	send      func(target uint8, opus []byte, isEnd bool) error
	congested func() bool

	limiter *rate.Limiter

	mu          sync.Mutex
	queue       []pendingFrame
	ticking     bool
	lastEnqueue time.Time
	dropped     uint64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewPacer builds a pacer. send transmits one frame (opus nil + isEnd
// true for an end-of-talk marker); congested reports whether the
// downstream transport is currently backed up, in which case new
// arrivals collapse the queue down to the single newest frame.
func NewPacer(send func(target uint8, opus []byte, isEnd bool) error, congested func() bool) *Pacer {
	return &Pacer{
		send:      send,
		congested: congested,
		limiter:   rate.NewLimiter(rate.Every(pacerTick), 1),
		stopCh:    make(chan struct{}),
	}
}

// EnqueueOpus submits one opus frame for transmission.
func (p *Pacer) EnqueueOpus(target uint8, opus []byte) {
	p.mu.Lock()
	idle := len(p.queue) == 0 && !p.ticking
	isCongested := p.congested != nil && p.congested()
	if idle && !isCongested {
		p.lastEnqueue = time.Now()
		p.mu.Unlock()
		_ = p.send(target, opus, false)
		return
	}

	if isCongested {
		if len(p.queue) > 0 {
			p.dropped += uint64(len(p.queue))
		}
		p.queue = []pendingFrame{{target: target, opus: opus}}
	} else {
		p.queue = append(p.queue, pendingFrame{target: target, opus: opus})
		if len(p.queue) > pacerHardCap {
			drop := len(p.queue) - pacerHardCap
			p.queue = p.queue[drop:]
			p.dropped += uint64(drop)
		}
	}
	p.lastEnqueue = time.Now()
	needStart := p.startLocked()
	p.mu.Unlock()
	if needStart {
		go p.run()
	}
}

// EnqueueEnd submits an end-of-talk marker. Any earlier marker still
// waiting in the queue is replaced so at most one is ever pending.
func (p *Pacer) EnqueueEnd(target uint8) {
	p.mu.Lock()
	if len(p.queue) == 0 && !p.ticking {
		p.mu.Unlock()
		_ = p.send(target, nil, true)
		return
	}
	filtered := p.queue[:0]
	for _, f := range p.queue {
		if !f.isEnd {
			filtered = append(filtered, f)
		}
	}
	p.queue = append(filtered, pendingFrame{target: target, isEnd: true})
	p.lastEnqueue = time.Now()
	needStart := p.startLocked()
	p.mu.Unlock()
	if needStart {
		go p.run()
	}
}

// startLocked marks the pacer as ticking if it wasn't already, reporting
// whether the caller must start the run goroutine. Must hold p.mu.
func (p *Pacer) startLocked() bool {
	if p.ticking {
		return false
	}
	p.ticking = true
	return true
}

// Dropped returns the number of frames discarded to congestion or the
// hard cap since the pacer was created.
func (p *Pacer) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// QueueLen reports the current queue depth, for tests and metrics.
func (p *Pacer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops the pacer's background goroutine if one is running.
func (p *Pacer) Close() {
	p.closeOnce.Do(func() { close(p.stopCh) })
}

func (p *Pacer) run() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			if time.Since(p.lastEnqueue) >= pacerIdleTimeout {
				p.ticking = false
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			select {
			case <-p.stopCh:
				return
			case <-time.After(pacerTick):
				continue
			}
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*pacerTick)
		err := p.limiter.Wait(ctx)
		cancel()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
		_ = p.send(frame.target, frame.opus, frame.isEnd)
	}
}
