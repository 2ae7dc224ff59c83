package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLifecycle(t *testing.T) {
	s := &ProxyStats{}

	s.ConnectionStarted()
	s.ConnectionStarted()
	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)

	s.ConnectionEnded()
	snap = s.Snapshot()
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections, "total must not decrease when a connection ends")
}

func TestByteCounters(t *testing.T) {
	s := &ProxyStats{}
	s.AddBytesSent(100)
	s.AddBytesReceived(50)
	s.AddBytesSent(24)

	snap := s.Snapshot()
	assert.Equal(t, int64(124), snap.BytesSent)
	assert.Equal(t, int64(50), snap.BytesReceived)
}

func TestConcurrentUpdatesAreConsistent(t *testing.T) {
	s := &ProxyStats{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ConnectionStarted()
			s.AddBytesSent(ByteReportGranularity)
			s.ConnectionEnded()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Equal(t, int64(100), snap.TotalConnections)
	assert.Equal(t, int64(100*ByteReportGranularity), snap.BytesSent)
}
