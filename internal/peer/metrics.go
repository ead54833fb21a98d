package peer

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/smallnest/ringbuffer"
)

// windowSampleCapacity is the byte capacity of the rolling window used
// for the congestion-hint byte rate below: 1024 two-byte samples, about
// 20 seconds of frames at a 20ms cadence.
const windowSampleCapacity = 2048

// Snapshot is the outbound `metrics` envelope payload: cumulative totals
// since the session started, plus rates computed from the delta since
// the previous emit.
type Snapshot struct {
	UplinkFrames    uint64 `json:"uplinkFrames"`
	DownlinkFrames  uint64 `json:"downlinkFrames"`
	UplinkBytes     uint64 `json:"uplinkBytes"`
	DownlinkBytes   uint64 `json:"downlinkBytes"`
	UplinkDropped   uint64 `json:"uplinkDropped"`
	DownlinkDropped uint64 `json:"downlinkDropped"`

	FPSUplink    float64 `json:"fpsUplink"`
	FPSDownlink  float64 `json:"fpsDownlink"`
	KbpsUplink   float64 `json:"kbpsUplink"`
	KbpsDownlink float64 `json:"kbpsDownlink"`

	// RTT measurements, -1 until the first sample of each arrives.
	ServerRttMs float64 `json:"serverRttMs"`
	UDPRttMs    float64 `json:"udpRttMs"`
}

// Metrics accumulates per-session counters on a 2s emit cadence.
// Alongside the cumulative/interval counters it keeps a short rolling
// log of recent uplink frame sizes in a smallnest/ringbuffer byte ring:
// a fixed-capacity FIFO of 2-byte length samples that the pacer's
// congestion check can consult for an instantaneous throughput figure
// without waiting for the next 2s emit.
type Metrics struct {
	mu sync.Mutex

	totalUplinkFrames, totalDownlinkFrames         uint64
	totalUplinkBytes, totalDownlinkBytes           uint64
	totalUplinkDropped, totalDownlinkDropped       uint64
	intervalUplinkFrames, intervalDownlinkFrames   uint64
	intervalUplinkBytes, intervalDownlinkBytes     uint64
	intervalUplinkDropped, intervalDownlinkDropped uint64

	serverRTT time.Duration
	udpRTT    time.Duration
	haveRTT   bool
	haveUDP   bool

	lastEmit time.Time

	window    *ringbuffer.RingBuffer
	windowSum uint64
}

// NewMetrics builds an empty accumulator.
func NewMetrics() *Metrics {
	return &Metrics{
		lastEmit: time.Now(),
		window:   ringbuffer.New(windowSampleCapacity),
	}
}

// RecordUplink accounts for one uplink opus frame of n bytes.
func (m *Metrics) RecordUplink(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalUplinkFrames++
	m.intervalUplinkFrames++
	m.totalUplinkBytes += uint64(n)
	m.intervalUplinkBytes += uint64(n)
	m.recordSampleLocked(n)
}

// RecordDownlink accounts for one downlink opus frame of n bytes.
func (m *Metrics) RecordDownlink(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDownlinkFrames++
	m.intervalDownlinkFrames++
	m.totalDownlinkBytes += uint64(n)
	m.intervalDownlinkBytes += uint64(n)
}

// RecordUplinkDropped accounts for count frames dropped by the pacer.
func (m *Metrics) RecordUplinkDropped(count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalUplinkDropped += count
	m.intervalUplinkDropped += count
}

// RecordDownlinkDropped accounts for count frames dropped by downlink
// backpressure.
func (m *Metrics) RecordDownlinkDropped(count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDownlinkDropped += count
	m.intervalDownlinkDropped += count
}

// RecordServerRTT stores the latest control-plane ping RTT.
func (m *Metrics) RecordServerRTT(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverRTT = rtt
	m.haveRTT = true
}

// RecordUDPRTT stores the latest UDP voice ping RTT.
func (m *Metrics) RecordUDPRTT(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.udpRTT = rtt
	m.haveUDP = true
}

// recordSampleLocked pushes a frame-size sample into the rolling window,
// evicting the oldest sample first if the ring is full. Must hold m.mu.
func (m *Metrics) recordSampleLocked(n int) {
	if n > 0xffff {
		n = 0xffff
	}
	if m.window.Free() < 2 {
		old := make([]byte, 2)
		if nr, err := m.window.Read(old); err == nil && nr == 2 {
			m.windowSum -= uint64(binary.LittleEndian.Uint16(old))
		}
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(n))
	_, _ = m.window.Write(b[:])
	m.windowSum += uint64(n)
}

// WindowedUplinkBytes returns the sum of the recent uplink frame sizes
// still held in the rolling window, usable as a fast congestion signal.
func (m *Metrics) WindowedUplinkBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowSum
}

// Snapshot computes a Snapshot from the counters accumulated since the
// previous call, resets the interval counters, and advances the emit
// clock. Cumulative totals are never reset.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastEmit).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	snap := Snapshot{
		UplinkFrames:    m.totalUplinkFrames,
		DownlinkFrames:  m.totalDownlinkFrames,
		UplinkBytes:     m.totalUplinkBytes,
		DownlinkBytes:   m.totalDownlinkBytes,
		UplinkDropped:   m.totalUplinkDropped,
		DownlinkDropped: m.totalDownlinkDropped,
		FPSUplink:       float64(m.intervalUplinkFrames) / elapsed,
		FPSDownlink:     float64(m.intervalDownlinkFrames) / elapsed,
		KbpsUplink:      float64(m.intervalUplinkBytes) * 8 / 1000 / elapsed,
		KbpsDownlink:    float64(m.intervalDownlinkBytes) * 8 / 1000 / elapsed,
		ServerRttMs:     -1,
		UDPRttMs:        -1,
	}
	if m.haveRTT {
		snap.ServerRttMs = float64(m.serverRTT.Microseconds()) / 1000
	}
	if m.haveUDP {
		snap.UDPRttMs = float64(m.udpRTT.Microseconds()) / 1000
	}

	m.intervalUplinkFrames, m.intervalDownlinkFrames = 0, 0
	m.intervalUplinkBytes, m.intervalDownlinkBytes = 0, 0
	m.intervalUplinkDropped, m.intervalDownlinkDropped = 0, 0
	m.lastEmit = now

	return snap
}

// LogLine renders a snapshot as a single human-readable line for the
// periodic metrics log.
func (s Snapshot) LogLine() string {
	return "voice up=" + humanize.Bytes(s.UplinkBytes) +
		" down=" + humanize.Bytes(s.DownlinkBytes) +
		" fps=" + humanize.Ftoa(s.FPSUplink) + "/" + humanize.Ftoa(s.FPSDownlink) +
		" dropped=" + humanize.Comma(int64(s.UplinkDropped+s.DownlinkDropped))
}
