package peer

// downlinkBufferThreshold is the outbound WebSocket buffer size (in
// bytes) above which downlink voice frames are dropped rather than
// queued further; control messages are never subject to this.
const downlinkBufferThreshold = 2 * 1024 * 1024

// DownlinkGate decides whether a downlink voice frame should be sent or
// dropped given the current outbound buffer depth.
type DownlinkGate struct {
	thresholdBytes int
}

// NewDownlinkGate builds a gate using the default 2MB threshold.
func NewDownlinkGate() *DownlinkGate {
	return &DownlinkGate{thresholdBytes: downlinkBufferThreshold}
}

// ShouldDrop reports whether a downlink voice frame should be dropped
// given bufferedBytes currently queued for write.
func (g *DownlinkGate) ShouldDrop(bufferedBytes int) bool {
	return bufferedBytes > g.thresholdBytes
}
