// Package client implements the client-side session state machine, the
// inbound-substream-to-local-dial path, the visitor listeners, and the
// local connection pool this file defines.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/varphone/tls-tunnel/internal/config"
	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/terr"
)

// Pool maintains a small set of pre-dialed, idle connections to one local
// backend address, so handing off a freshly arrived substream to the local
// service does not always pay a fresh TCP handshake. Built on plain
// goroutines and channels rather than any async runtime.
//
// A connection handed out by Get is never returned to the pool: once it is
// spliced to a substream for the life of that connection, its framing
// state is no longer known to be request-boundary-aligned, so reusing it
// would risk corrupting whatever protocol runs over it. The pool's only
// job is keeping MinIdle warm spares ready so Get rarely pays dial latency.
type Pool struct {
	addr string
	cfg  config.PoolConfig

	mu     sync.Mutex
	idle   []net.Conn
	closed bool

	wakeWarm chan struct{}
	doneCh   chan struct{}
}

// NewPool constructs a Pool dialing addr, warming up to cfg.MinIdle idle
// connections in the background.
func NewPool(addr string, cfg config.PoolConfig) *Pool {
	p := &Pool{
		addr:     addr,
		cfg:      cfg,
		wakeWarm: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
	go p.warmLoop()
	return p
}

// Get returns a connection to addr, preferring a warm idle one that still
// passes a cheap liveness check over dialing a new one.
func (p *Pool) Get(ctx context.Context) (net.Conn, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if isHealthy(c) {
			p.requestWarm()
			return c, nil
		}
		c.Close()
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.requestWarm()
	return conn, nil
}

func (p *Pool) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", p.addr)
	if err != nil {
		return nil, terr.Wrap(terr.KindTransport, err, "dial local backend %s", p.addr)
	}
	return conn, nil
}

func (p *Pool) requestWarm() {
	select {
	case p.wakeWarm <- struct{}{}:
	default:
	}
}

// warmLoop keeps the idle set topped up to cfg.MinIdle, dialing in the
// background so Get rarely blocks on a cold TCP handshake, and sweeps dead
// idle connections every half MaxIdleTime (at most once a second).
func (p *Pool) warmLoop() {
	ticker := time.NewTicker(maxDuration(p.cfg.MaxIdleTime/2, time.Second))
	defer ticker.Stop()

	p.topUp()
	for {
		select {
		case <-p.doneCh:
			return
		case <-p.wakeWarm:
			p.topUp()
		case <-ticker.C:
			p.sweep()
			p.topUp()
		}
	}
}

func (p *Pool) topUp() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || len(p.idle) >= p.cfg.MaxSize {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			log.L.WithError(err).WithFields(log.Fields{"addr": p.addr}).Debug("pool warm-up dial failed")
			return
		}

		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MaxSize {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// sweep drops idle connections that have gone stale, identified the same
// way Get does: a non-blocking, zero-deadline read that should return
// nothing but wouldn't-block if the peer is still there.
func (p *Pool) sweep() {
	p.mu.Lock()
	live := p.idle[:0]
	for _, c := range p.idle {
		if isHealthy(c) {
			live = append(live, c)
		} else {
			c.Close()
		}
	}
	p.idle = live
	p.mu.Unlock()
}

// Close drains and closes every idle connection and stops the warm loop.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.doneCh)
	for _, c := range idle {
		c.Close()
	}
}

// isHealthy does a non-blocking, immediately-expiring read to check that
// the peer has not closed the connection without actually consuming any
// application data from it, restoring the deadline afterward.
func isHealthy(c net.Conn) bool {
	if err := c.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer c.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := c.Read(buf[:])
	if err == nil {
		// Data was actually waiting; the connection is live but now has
		// unread bytes we can't put back. Treat as unhealthy rather than
		// silently dropping application data.
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
