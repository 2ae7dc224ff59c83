// Package pipe implements a two-directional splice discipline: two
// concurrent copy loops, one per direction, and the pair completes only
// when *both* finish. A single-winner select here would drop bytes still
// in flight on the losing direction, so this always waits for both via a
// sync.WaitGroup.
package pipe

import (
	"io"
	"sync"

	"github.com/varphone/tls-tunnel/internal/stats"
)

// Halves is anything with two independently closable, readable/writable
// directions — satisfied by both a net.Conn-shaped transport Stream and a
// mux.Substream.
type Halves interface {
	io.Reader
	io.Writer
}

// Splice copies bytes bidirectionally between a and b until both directions
// have reached EOF or error. It reports byte counts to tracker live, as the
// copy runs, flushed every stats.ByteReportGranularity bytes rather than
// only once at the end, with sent/received measured from a's perspective
// (a is the "outer" side — the external/visitor peer; b is the "inner"
// side — the substream toward the owning client). When one direction ends,
// Splice half-closes its destination if that side has CloseWrite and
// closes it fully otherwise, so EOF reaches the peer and the other
// direction ends as well; a full close also cuts off bytes still in flight
// toward that side. Callers still close both once Splice returns.
func Splice(a, b Halves, tracker *stats.ProxyStats) {
	var wg sync.WaitGroup
	wg.Add(2)

	finish := func(dst Halves) {
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else if c, ok := dst.(io.Closer); ok {
			_ = c.Close()
		}
	}

	go func() {
		defer wg.Done()
		copyTracked(b, a, func(n int64) {
			if tracker != nil {
				tracker.AddBytesReceived(n)
			}
		})
		finish(b)
	}()

	go func() {
		defer wg.Done()
		copyTracked(a, b, func(n int64) {
			if tracker != nil {
				tracker.AddBytesSent(n)
			}
		})
		finish(a)
	}()

	wg.Wait()
}

// copyTracked is io.Copy with report called every time at least
// stats.ByteReportGranularity bytes have passed through dst, plus once more
// on return for whatever remainder never reached that threshold.
func copyTracked(dst io.Writer, src io.Reader, report func(int64)) {
	cw := &countingWriter{dst: dst, report: report}
	io.Copy(cw, src)
	if cw.pending > 0 {
		report(cw.pending)
	}
}

// countingWriter wraps dst, accumulating bytes written since the last flush
// and calling report once the running total reaches
// stats.ByteReportGranularity, bounding atomic-add overhead on hot paths
// while still giving push_stats a live view of a long-running transfer.
type countingWriter struct {
	dst     io.Writer
	report  func(int64)
	pending int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.pending += int64(n)
		if w.pending >= stats.ByteReportGranularity {
			w.report(w.pending)
			w.pending = 0
		}
	}
	return n, err
}
