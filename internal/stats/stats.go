// Package stats implements the per-proxy statistics tracker attached to
// every ProxyRegistration: atomic counters, no lock, safe to read
// concurrently with the splice tasks that mutate it.
package stats

import "sync/atomic"

// ProxyStats holds the counters for one (name, publish_port) registration,
// using plain atomics since there is no async runtime here to thread a
// shared lock through.
type ProxyStats struct {
	active     int64
	total      int64
	bytesSent  int64
	bytesRecv  int64
}

// ConnectionStarted records the beginning of a new spliced connection.
func (s *ProxyStats) ConnectionStarted() {
	atomic.AddInt64(&s.active, 1)
	atomic.AddInt64(&s.total, 1)
}

// ConnectionEnded records the end of a spliced connection. Safe to call via
// a deferred guard even if ConnectionStarted's effects raced with a
// concurrent reader; the counter only ever moves in matched pairs per
// connection.
func (s *ProxyStats) ConnectionEnded() {
	atomic.AddInt64(&s.active, -1)
}

// AddBytesSent accumulates bytes written toward the external/visitor peer.
func (s *ProxyStats) AddBytesSent(n int64) { atomic.AddInt64(&s.bytesSent, n) }

// AddBytesReceived accumulates bytes read from the external/visitor peer.
func (s *ProxyStats) AddBytesReceived(n int64) { atomic.AddInt64(&s.bytesRecv, n) }

// Snapshot is a point-in-time copy of the counters, safe to serialize into a
// push_stats notification.
type Snapshot struct {
	ActiveConnections int64
	TotalConnections  int64
	BytesSent         int64
	BytesReceived     int64
}

// Snapshot reads every counter without blocking any writer.
func (s *ProxyStats) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: atomic.LoadInt64(&s.active),
		TotalConnections:  atomic.LoadInt64(&s.total),
		BytesSent:         atomic.LoadInt64(&s.bytesSent),
		BytesReceived:     atomic.LoadInt64(&s.bytesRecv),
	}
}

// ByteReportGranularity is the coarse threshold at which splice loops flush
// their running byte count into the tracker, bounding atomic-add overhead
// on hot paths.
const ByteReportGranularity = 64 * 1024
