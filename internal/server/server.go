package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/registry"
	"github.com/varphone/tls-tunnel/internal/transport"
)

// Server is the top-level control-channel acceptor. It owns the
// process-wide Registry and hands each accepted connection to its own
// Session goroutine.
type Server struct {
	transport transport.Transport
	bindAddr  string
	reg       *registry.Registry
	cfg       Config
	limiter   *AuthRateLimiter

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New builds a Server bound to bindAddr over tp, authenticating with
// cfg.AuthKey. cfg.Transport is set to tp automatically so every session's
// public listeners bind with the same transport the control channel uses.
func New(tp transport.Transport, bindAddr string, cfg Config) *Server {
	if cfg.Transport == nil {
		cfg.Transport = tp
	}
	return &Server{
		transport: tp,
		bindAddr:  bindAddr,
		reg:       registry.New(),
		cfg:       cfg,
		limiter:   NewAuthRateLimiter(time.Minute, 5),
		sessions:  make(map[*Session]struct{}),
	}
}

// Registry exposes the process-wide registry, mostly for tests and for a
// future admin/status endpoint.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Run binds the control-channel listener and serves until ctx is
// cancelled, at which point every live session is stopped and Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.transport.Listen(s.bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.L.WithFields(log.Fields{"addr": s.bindAddr}).Info("control listener started")

	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				s.stopAll()
				return nil
			default:
			}
			log.L.WithError(err).Warn("control listener accept failed")
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if s.limiter.Blocked(ip) {
			log.L.WithFields(log.Fields{"remote": ip}).Warn("rejecting connection: too many recent auth failures")
			conn.Close()
			continue
		}

		go s.handleClient(ctx, conn, ip)
	}
}

func (s *Server) handleClient(ctx context.Context, conn transport.Stream, ip string) {
	sess := newSession(conn, s.reg, s.cfg)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	err := sess.Run(ctx)
	if sess.ID() == "" && err != nil {
		// Authentication never completed successfully; count it against
		// the remote IP's rate-limit budget.
		s.limiter.RecordFailure(ip)
	} else if sess.ID() != "" {
		s.limiter.Reset(ip)
	}
	if err != nil {
		log.L.WithFields(log.Fields{"remote": ip}).WithError(err).Info("session ended")
	}
}

func (s *Server) stopAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
		<-sess.Done()
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.Sweep()
		}
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
