package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*Multiplexer, *Multiplexer) {
	clientConn, serverConn := net.Pipe()
	opts := DefaultOptions()

	clientMx, err := Open(clientConn, true, opts)
	require.NoError(t, err)
	serverMx, err := Open(serverConn, false, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		clientMx.Close()
		serverMx.Close()
	})
	return clientMx, serverMx
}

func TestOpenSubstreamAndAccept(t *testing.T) {
	clientMx, serverMx := openPair(t)

	acceptedCh := make(chan Substream, 1)
	errCh := make(chan error, 1)
	go func() {
		sub, err := serverMx.NextIncomingSubstream()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- sub
	}()

	clientSub, err := clientMx.OpenSubstream()
	require.NoError(t, err)
	defer clientSub.Close()

	var serverSub Substream
	select {
	case serverSub = <-acceptedCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for incoming substream")
	}
	defer serverSub.Close()

	const msg = "hello over smux"
	go func() {
		_, _ = clientSub.Write([]byte(msg))
	}()

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(serverSub, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestNumStreamsTracksOpenAndClose(t *testing.T) {
	clientMx, serverMx := openPair(t)

	go func() {
		for {
			sub, err := serverMx.NextIncomingSubstream()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, sub)
		}
	}()

	sub, err := clientMx.OpenSubstream()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return clientMx.NumStreams() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())

	assert.Eventually(t, func() bool {
		return clientMx.NumStreams() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCloseMarksMultiplexerClosed(t *testing.T) {
	clientMx, serverMx := openPair(t)
	assert.False(t, clientMx.IsClosed())

	require.NoError(t, clientMx.Close())
	assert.True(t, clientMx.IsClosed())

	_, err := serverMx.NextIncomingSubstream()
	assert.Error(t, err)
}
