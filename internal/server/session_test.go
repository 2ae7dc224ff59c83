package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/registry"
	"github.com/varphone/tls-tunnel/internal/transport"
)

// fakeTransport is a plain-TCP transport.Transport used only so proxy
// listeners have something real to bind to in these white-box session
// tests; it has no bearing on auth/config-handshake correctness.
type fakeTransport struct{}

func (fakeTransport) Dial(ctx context.Context, addr string) (transport.Stream, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func (fakeTransport) Listen(addr string) (transport.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &fakeListener{ln: ln}, nil
}

type fakeListener struct{ ln net.Listener }

func (l *fakeListener) Accept(ctx context.Context) (transport.Stream, error) {
	// Like the real listeners, return once ctx is cancelled.
	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-accepted:
		}
	}()
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}
func (l *fakeListener) Close() error { return l.ln.Close() }
func (l *fakeListener) Addr() string { return l.ln.Addr().String() }

func freePort(t *testing.T) uint16 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// testPeer drives the client side of a session from inside the server
// package's own tests, using mux/protocol directly rather than the real
// client package, so these tests stay focused on the session state machine.
type testPeer struct {
	conn  net.Conn
	mx    *mux.Multiplexer
	ctrl  mux.Substream
	codec *protocol.Codec
}

func dialPeer(t *testing.T, conn net.Conn) *testPeer {
	mx, err := mux.Open(conn, true, mux.DefaultOptions())
	require.NoError(t, err)
	return &testPeer{conn: conn, mx: mx}
}

// openCtrl opens the control substream on first use. Over net.Pipe the
// open only completes once the session's Run is reading the other end, so
// it cannot happen in dialPeer.
func (p *testPeer) openCtrl(t *testing.T) {
	if p.codec != nil {
		return
	}
	ctrl, err := p.mx.OpenSubstream()
	require.NoError(t, err)
	p.ctrl, p.codec = ctrl, protocol.NewCodec(ctrl)
}

// closeConn tears down the underlying transport connection directly,
// simulating an abrupt disconnect — this is what unblocks a session
// currently parked in a blocking read (e.g. mid-runConfig), since the
// session's state machine only watches stopCh/ctx inside runLoop.
func (p *testPeer) closeConn() { p.conn.Close() }

func (p *testPeer) authenticate(t *testing.T, authKey string) *protocol.Response {
	p.openCtrl(t)
	req, err := protocol.NewRequest(1, protocol.MethodAuthenticate, protocol.AuthenticateParams{AuthKey: authKey})
	require.NoError(t, err)
	require.NoError(t, p.codec.WriteMessage(req))
	var resp protocol.Response
	require.NoError(t, p.codec.ReadMessage(&resp))
	return &resp
}

func (p *testPeer) submitConfig(t *testing.T, params protocol.SubmitConfigParams) *protocol.Response {
	p.openCtrl(t)
	req, err := protocol.NewRequest(2, protocol.MethodSubmitConfig, params)
	require.NoError(t, err)
	require.NoError(t, p.codec.WriteMessage(req))
	var resp protocol.Response
	require.NoError(t, p.codec.ReadMessage(&resp))
	return &resp
}

func newSessionPair(t *testing.T, reg *registry.Registry, cfg Config) (*Session, *testPeer) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	s := newSession(serverConn, reg, cfg)
	peer := dialPeer(t, clientConn)
	return s, peer
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.AuthKey = "s3cret"
	cfg.AuthTimeout = 2 * time.Second
	cfg.IdleTimeout = 2 * time.Second
	cfg.StatsInterval = time.Hour
	cfg.Transport = fakeTransport{}
	return cfg
}

func TestSessionAuthSuccessReachesAwaitingConfig(t *testing.T) {
	reg := registry.New()
	s, peer := newSessionPair(t, reg, testSessionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	resp := peer.authenticate(t, "s3cret")
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingConfig
	}, time.Second, 10*time.Millisecond)

	peer.closeConn()
	<-done
}

func TestSessionAuthWrongKeyRejectedAndTerminates(t *testing.T) {
	reg := registry.New()
	s, peer := newSessionPair(t, reg, testSessionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	resp := peer.authenticate(t, "wrong-key")
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthFailed, resp.Error.Code)

	err := <-done
	assert.Error(t, err)
	assert.Equal(t, StateTerminating, s.State())
}

func TestSessionSubmitConfigAcceptsProxyAndReachesRunning(t *testing.T) {
	reg := registry.New()
	s, peer := newSessionPair(t, reg, testSessionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	peer.authenticate(t, "s3cret")

	resp := peer.submitConfig(t, protocol.SubmitConfigParams{
		Proxies: []protocol.ProxyDescriptor{{
			Name:        "web",
			PublishAddr: "127.0.0.1",
			PublishPort: freePort(t),
			LocalPort:   freePort(t),
		}},
	})
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		return s.State() == StateRunning
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, reg.Len())

	s.Stop()
	<-done

	assert.Equal(t, 0, reg.Len(), "teardown must unregister every key this session owned")
}

func TestSessionSubmitConfigRegistersVisitorOnlyProxyWithoutListener(t *testing.T) {
	reg := registry.New()
	s, peer := newSessionPair(t, reg, testSessionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	peer.authenticate(t, "s3cret")

	resp := peer.submitConfig(t, protocol.SubmitConfigParams{
		Proxies: []protocol.ProxyDescriptor{{
			Name:        "mysql",
			PublishPort: 3306,
			LocalPort:   3306,
		}},
	})
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		return s.State() == StateRunning
	}, time.Second, 10*time.Millisecond)

	handle, ok := reg.Lookup(registry.Key{Name: "mysql", PublishPort: 3306})
	require.True(t, ok, "visitor-only proxy must still be registered")
	assert.Equal(t, "mysql", handle.Proxy.Name)

	s.mu.Lock()
	numListeners := len(s.listeners)
	s.mu.Unlock()
	assert.Zero(t, numListeners, "a visitor-only descriptor must never get a public listener")

	s.Stop()
	<-done
}

func TestSessionSubmitConfigRejectsDuplicateKeyAcrossSessions(t *testing.T) {
	reg := registry.New()
	cfg := testSessionConfig()

	s1, peer1 := newSessionPair(t, reg, cfg)
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	done1 := make(chan error, 1)
	go func() { done1 <- s1.Run(ctx1) }()
	peer1.authenticate(t, "s3cret")
	resp1 := peer1.submitConfig(t, protocol.SubmitConfigParams{
		Proxies: []protocol.ProxyDescriptor{{Name: "dup", PublishPort: 19090, LocalPort: 19091}},
	})
	require.Nil(t, resp1.Error)
	require.Eventually(t, func() bool { return s1.State() == StateRunning }, time.Second, 10*time.Millisecond)

	s2, peer2 := newSessionPair(t, reg, cfg)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done2 := make(chan error, 1)
	go func() { done2 <- s2.Run(ctx2) }()
	peer2.authenticate(t, "s3cret")
	resp2 := peer2.submitConfig(t, protocol.SubmitConfigParams{
		Proxies: []protocol.ProxyDescriptor{{Name: "dup", PublishPort: 19090, LocalPort: 19092}},
	})
	require.NotNil(t, resp2.Error)
	assert.Equal(t, protocol.CodeAllRejected, resp2.Error.Code)

	s1.Stop()
	<-done1
	s2.Stop()
	<-done2
}

func TestSessionIdleTimeoutTerminates(t *testing.T) {
	reg := registry.New()
	cfg := testSessionConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	s, peer := newSessionPair(t, reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	peer.authenticate(t, "s3cret")
	peer.submitConfig(t, protocol.SubmitConfigParams{})

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated after idle timeout")
	}
}

func TestSessionHeartbeatKeepsAlive(t *testing.T) {
	reg := registry.New()
	cfg := testSessionConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	s, peer := newSessionPair(t, reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	peer.authenticate(t, "s3cret")
	peer.submitConfig(t, protocol.SubmitConfigParams{})
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 10*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		req, err := protocol.NewRequest(3, protocol.MethodHeartbeat, protocol.HeartbeatParams{})
		require.NoError(t, err)
		require.NoError(t, peer.codec.WriteMessage(req))
		var resp protocol.Response
		require.NoError(t, peer.codec.ReadMessage(&resp))
		require.Nil(t, resp.Error)
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, StateRunning, s.State(), "regular heartbeats must reset the idle timer")

	s.Stop()
	<-done
}
