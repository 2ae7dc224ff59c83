package pipe

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varphone/tls-tunnel/internal/stats"
)

func TestSpliceCopiesBothDirections(t *testing.T) {
	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice(aRight, bRight, nil)
	}()

	go func() {
		_, _ = aLeft.Write([]byte("to-b"))
	}()

	buf := make([]byte, 4)
	_, err := io.ReadFull(bLeft, buf)
	require.NoError(t, err)
	assert.Equal(t, "to-b", string(buf))

	go func() {
		_, _ = bLeft.Write([]byte("to-a"))
	}()
	buf2 := make([]byte, 4)
	_, err = io.ReadFull(aLeft, buf2)
	require.NoError(t, err)
	assert.Equal(t, "to-a", string(buf2))

	aLeft.Close()
	bLeft.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Splice did not return after both sides closed")
	}
}

func TestSpliceTracksBytesBothWays(t *testing.T) {
	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()
	tracker := &stats.ProxyStats{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice(aRight, bRight, tracker)
	}()

	payload := make([]byte, 128)
	go func() {
		_, _ = aLeft.Write(payload)
		aLeft.Close()
	}()
	_, err := io.ReadFull(bLeft, payload)
	require.NoError(t, err)
	bLeft.Close()

	<-done
	snap := tracker.Snapshot()
	assert.True(t, snap.BytesSent+snap.BytesReceived >= int64(len(payload)))
}

func TestSpliceReportsBytesBeforeTransferCompletes(t *testing.T) {
	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()
	tracker := &stats.ProxyStats{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		Splice(aRight, bRight, tracker)
	}()

	payload := make([]byte, 3*stats.ByteReportGranularity)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_, _ = aLeft.Write(payload)
	}()

	partial := make([]byte, 2*stats.ByteReportGranularity)
	_, err := io.ReadFull(bLeft, partial)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tracker.Snapshot().BytesReceived >= stats.ByteReportGranularity
	}, time.Second, 10*time.Millisecond, "Splice must flush bytes as the transfer runs, not only once it ends")

	select {
	case <-writeDone:
		t.Fatal("writer already finished; test no longer exercises a live, in-progress transfer")
	default:
	}

	rest := make([]byte, stats.ByteReportGranularity)
	_, err = io.ReadFull(bLeft, rest)
	require.NoError(t, err)

	aLeft.Close()
	bLeft.Close()
	<-done
}
