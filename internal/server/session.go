// Package server implements the server-side session state machine, the
// proxy registry's public listener/dispatcher, and the visitor redirector.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/registry"
	"github.com/varphone/tls-tunnel/internal/stats"
	"github.com/varphone/tls-tunnel/internal/terr"
	"github.com/varphone/tls-tunnel/internal/transport"
)

// State is one of the server session states.
type State int

const (
	StateHandshakingTransport State = iota
	StateAwaitingAuth
	StateAwaitingConfig
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateHandshakingTransport:
		return "handshaking_transport"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateRunning:
		return "running"
	default:
		return "terminating"
	}
}

// Config bounds the behavior of every Session the Server creates.
type Config struct {
	AuthKey          string
	BindPort         uint16 // server's own control-channel port; §4.4's publish_port conflict check
	AuthTimeout      time.Duration
	IdleTimeout      time.Duration
	MailboxCapacity  int
	StatsInterval    time.Duration
	MuxOptions       mux.Options
	Transport        transport.Transport // used by listeners to bind publish addr/port
}

// DefaultConfig fills in the policy knobs left as implementer freedom:
// seconds-scale auth/idle windows, bounded well below any human patience
// threshold but far above normal network jitter.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:     10 * time.Second,
		IdleTimeout:     2 * time.Minute,
		MailboxCapacity: 32,
		StatsInterval:   30 * time.Second,
		MuxOptions:      mux.DefaultOptions(),
	}
}

// Session is the per-client server-side task. It exclusively
// owns its transport, multiplexer, control substream, registrations, and
// listeners; everything else reaches it only through its mailbox.
type Session struct {
	id         string
	remoteAddr string
	conn       transport.Stream
	mx         *mux.Multiplexer
	codec      *protocol.Codec
	ctrl       mux.Substream

	reg *registry.Registry
	cfg Config

	mailbox     chan registry.OpenRequest
	exceptionCh chan protocol.PushExceptionParams

	mu             sync.Mutex
	state          State
	registeredKeys []registry.Key
	listeners      []*proxyListener
	proxyStats     map[string]*stats.ProxyStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// newSession constructs a Session around an already-open transport
// connection. It does not start the control/mux handshake; call Run to
// drive the state machine to completion.
func newSession(conn transport.Stream, reg *registry.Registry, cfg Config) *Session {
	return &Session{
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		reg:        reg,
		cfg:        cfg,
		mailbox:     make(chan registry.OpenRequest, maxInt(cfg.MailboxCapacity, 1)),
		exceptionCh: make(chan protocol.PushExceptionParams, 8),
		proxyStats:  make(map[string]*stats.ProxyStats),
		state:       StateHandshakingTransport,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ID returns the server-assigned client id, valid once authentication
// succeeds.
func (s *Session) ID() string { return s.id }

// State returns the session's current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Mailbox exposes the channel the registry's public dispatcher and the
// visitor redirector use to request an outbound substream. It is the one
// piece of session state handed out beyond the session's own goroutine,
// it is a shared handle that does not own the session itself.
func (s *Session) Mailbox() chan registry.OpenRequest { return s.mailbox }

// Stop requests teardown; Run returns once teardown completes.
func (s *Session) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Done is closed once the session has fully terminated and every
// registration/listener it owned has been released.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Run drives the session through HandshakingTransport -> AwaitingAuth ->
// AwaitingConfig -> Running -> Terminating.
// It returns the reason the session ended.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.doneCh)
	defer s.teardown()

	mx, err := mux.Open(s.conn, false /* server is passive */, s.cfg.MuxOptions)
	if err != nil {
		s.setState(StateTerminating)
		return terr.Wrap(terr.KindTransport, err, "open multiplexer")
	}
	s.mx = mx

	type ctrlResult struct {
		sub mux.Substream
		err error
	}
	ctrlCh := make(chan ctrlResult, 1)
	go func() {
		sub, err := s.mx.NextIncomingSubstream()
		ctrlCh <- ctrlResult{sub, err}
	}()

	var ctrl mux.Substream
	select {
	case <-ctx.Done():
		s.setState(StateTerminating)
		return terr.New(terr.KindCancelled, "shutdown before control substream opened")
	case <-time.After(s.cfg.AuthTimeout):
		s.setState(StateTerminating)
		return terr.New(terr.KindAuth, "timed out waiting for control substream")
	case r := <-ctrlCh:
		if r.err != nil {
			s.setState(StateTerminating)
			return terr.Wrap(terr.KindTransport, r.err, "accept control substream")
		}
		ctrl = r.sub
	}
	s.ctrl = ctrl
	s.codec = protocol.NewCodec(ctrl)

	s.setState(StateAwaitingAuth)
	if err := s.runAuth(ctx); err != nil {
		s.setState(StateTerminating)
		return err
	}

	s.setState(StateAwaitingConfig)
	if err := s.runConfig(ctx); err != nil {
		s.setState(StateTerminating)
		return err
	}

	s.setState(StateRunning)
	err = s.runLoop(ctx)
	s.setState(StateTerminating)
	return err
}

func (s *Session) runAuth(ctx context.Context) error {
	s.codec.SetMaxFrame(protocol.MaxAuthFrameSize)
	var req protocol.Request
	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.codec.ReadMessage(&req) }()

	select {
	case <-authCtx.Done():
		return terr.New(terr.KindAuth, "authentication timed out")
	case err := <-errCh:
		if err != nil {
			return terr.Wrap(terr.KindAuth, err, "read authenticate message")
		}
	}

	if req.Method != protocol.MethodAuthenticate {
		s.writeError(req.ID, protocol.CodeInvalidRequest, "expected authenticate as first message")
		return terr.New(terr.KindAuth, "first message was %q, not authenticate", req.Method)
	}

	var params protocol.AuthenticateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(req.ID, protocol.CodeInvalidRequest, "invalid authenticate params")
		return terr.Wrap(terr.KindAuth, err, "decode authenticate params")
	}

	if !constantTimeEqual(params.AuthKey, s.cfg.AuthKey) {
		s.writeError(req.ID, protocol.CodeAuthFailed, "invalid auth_key")
		return terr.New(terr.KindAuth, "auth_key mismatch from %s", s.remoteAddr)
	}

	s.id = uuid.NewString()
	s.codec.SetMaxFrame(protocol.MaxFrameSize)

	resp, err := protocol.NewResult(req.ID, protocol.AuthenticateResult{ClientID: s.id})
	if err != nil {
		return err
	}
	if err := s.codec.WriteMessage(resp); err != nil {
		return terr.Wrap(terr.KindTransport, err, "write authenticate response")
	}

	log.L.WithFields(log.Fields{"client_id": s.id, "remote": s.remoteAddr}).Info("client authenticated")
	return nil
}

func (s *Session) writeError(id json.RawMessage, code int, msg string) {
	resp, err := protocol.NewError(id, code, msg, nil)
	if err != nil {
		return
	}
	_ = s.codec.WriteMessage(resp)
}

func (s *Session) runConfig(ctx context.Context) error {
	var req protocol.Request
	if err := s.codec.ReadMessage(&req); err != nil {
		return terr.Wrap(terr.KindProtocol, err, "read submit_config message")
	}
	if req.Method != protocol.MethodSubmitConfig {
		s.writeError(req.ID, protocol.CodeInvalidRequest, "expected submit_config")
		return terr.New(terr.KindProtocol, "expected submit_config, got %q", req.Method)
	}

	var params protocol.SubmitConfigParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(req.ID, protocol.CodeInvalidRequest, "invalid submit_config params")
		return terr.Wrap(terr.KindValidation, err, "decode submit_config params")
	}

	bundle := protocol.ConfigBundle{Proxies: params.Proxies, Visitors: params.Visitors}
	if err := bundle.ValidateSelfConsistent(s.cfg.BindPort); err != nil {
		s.writeError(req.ID, protocol.CodeInvalidRequest, err.Error())
		return terr.Wrap(terr.KindValidation, err, "submit_config validation failed")
	}

	accepted := make([]string, 0, len(params.Proxies))
	rejected := make(map[string]string)

	for _, p := range params.Proxies {
		key := registry.Key{Name: p.Name, PublishPort: p.PublishPort}
		tracker := &stats.ProxyStats{}
		reg := &registry.Registration{
			Mailbox: s.mailbox,
			Proxy:   p,
			Stats:   tracker,
			Owner:   s,
		}
		if err := s.reg.TryRegister(key, reg); err != nil {
			rejected[p.Name] = "already registered"
			continue
		}
		s.mu.Lock()
		s.registeredKeys = append(s.registeredKeys, key)
		s.proxyStats[p.Name] = tracker
		s.mu.Unlock()
		accepted = append(accepted, p.Name)

		// A visitor-only descriptor (no publish_addr) still needs a
		// registry entry so the visitor redirector can look it up by
		// (name, publish_port); it just never binds a public listener.
		if p.VisitorOnly() {
			continue
		}
		l := newProxyListener(p, s.mailbox, tracker, s.cfg.Transport, s.exceptionCh)
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
		go l.run()
	}

	hadProxies := len(params.Proxies) > 0
	allRejected := hadProxies && len(accepted) == 0

	var resp *protocol.Response
	var err error
	if allRejected {
		resp, err = protocol.NewError(req.ID, protocol.CodeAllRejected, "all proxies rejected", protocol.SubmitConfigResult{Rejected: rejected})
	} else {
		resp, err = protocol.NewResult(req.ID, protocol.SubmitConfigResult{Accepted: accepted, Rejected: rejected})
	}
	if err != nil {
		return err
	}
	if err := s.codec.WriteMessage(resp); err != nil {
		return terr.Wrap(terr.KindTransport, err, "write submit_config response")
	}

	notif, _ := protocol.NewRequest(nil, protocol.MethodPushConfigStatus, protocol.PushConfigStatusParams{Accepted: accepted, Rejected: rejected})
	_ = s.codec.WriteMessage(notif)

	if allRejected {
		return terr.New(terr.KindValidation, "every submitted proxy was rejected")
	}

	// Visitors need no server-side state beyond the submitted descriptors;
	// the server learns the visitor's target only when it opens a
	// substream carrying the (name, publish_port) header.
	return nil
}

func (s *Session) runLoop(ctx context.Context) error {
	inboundCh := make(chan protocol.Request, 8)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			var req protocol.Request
			if err := s.codec.ReadMessage(&req); err != nil {
				readErrCh <- err
				return
			}
			inboundCh <- req
		}
	}()

	visitorCh := make(chan mux.Substream, 8)
	visitorErrCh := make(chan error, 1)
	go func() {
		for {
			sub, err := s.mx.NextIncomingSubstream()
			if err != nil {
				visitorErrCh <- err
				return
			}
			visitorCh <- sub
		}
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	statsInterval := s.cfg.StatsInterval
	if statsInterval == 0 {
		statsInterval = 30 * time.Second
	}
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return terr.New(terr.KindCancelled, "process shutdown")
		case <-s.stopCh:
			return terr.New(terr.KindCancelled, "session stopped")

		case req := <-inboundCh:
			idle.Reset(s.cfg.IdleTimeout)
			s.handleControlMessage(req)

		case err := <-readErrCh:
			return terr.Wrap(terr.KindTransport, err, "control substream read failed")

		case sub := <-visitorCh:
			go handleVisitorStream(sub, s.reg)

		case err := <-visitorErrCh:
			return terr.Wrap(terr.KindTransport, err, "multiplexer closed")

		case openReq := <-s.mailbox:
			s.serveMailbox(openReq)

		case exc := <-s.exceptionCh:
			notif, _ := protocol.NewRequest(nil, protocol.MethodPushException, exc)
			_ = s.codec.WriteMessage(notif)

		case <-statsTicker.C:
			s.pushStats()

		case <-idle.C:
			return terr.New(terr.KindIdleTimeout, "no control traffic for %s", s.cfg.IdleTimeout)
		}
	}
}

func (s *Session) serveMailbox(req registry.OpenRequest) {
	sub, err := s.mx.OpenSubstream()
	if err == nil {
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], req.PublishPort)
		if _, werr := sub.Write(hdr[:]); werr != nil {
			sub.Close()
			sub, err = nil, werr
		}
	}
	req.Result <- registry.OpenResult{Substream: sub, Err: err}
}

// pushStats sends a push_stats notification summarizing every proxy this
// session owns, per the Statistics supplement's 30s reporting cadence.
func (s *Session) pushStats() {
	s.mu.Lock()
	perProxy := make(map[string]protocol.ProxyStatsSnapshot, len(s.proxyStats))
	for name, tracker := range s.proxyStats {
		snap := tracker.Snapshot()
		perProxy[name] = protocol.ProxyStatsSnapshot{
			ActiveConnections: snap.ActiveConnections,
			TotalConnections:  snap.TotalConnections,
			BytesSent:         snap.BytesSent,
			BytesReceived:     snap.BytesReceived,
		}
	}
	s.mu.Unlock()

	if len(perProxy) == 0 {
		return
	}
	notif, _ := protocol.NewRequest(nil, protocol.MethodPushStats, protocol.PushStatsParams{PerProxy: perProxy})
	_ = s.codec.WriteMessage(notif)
}

func (s *Session) handleControlMessage(req protocol.Request) {
	switch req.Method {
	case protocol.MethodHeartbeat:
		if !req.IsNotification() {
			resp, _ := protocol.NewResult(req.ID, struct{}{})
			_ = s.codec.WriteMessage(resp)
		}
	default:
		if !req.IsNotification() {
			resp, _ := protocol.NewError(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
			_ = s.codec.WriteMessage(resp)
		}
		// Unknown methods never close the substream.
	}
}

// teardown unregisters every registration, stops every listener, and
// closes the multiplexer/transport. It runs exactly once, deferred from
// Run, so a successor session can claim the same keys promptly afterward.
func (s *Session) teardown() {
	s.mu.Lock()
	keys := s.registeredKeys
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.stop()
	}
	for _, k := range keys {
		s.reg.Unregister(k, s)
	}
	if s.mx != nil {
		s.mx.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	log.L.WithFields(log.Fields{"client_id": s.id, "remote": s.remoteAddr}).Info("session terminated")
}

func constantTimeEqual(a, b string) bool {
	return subtleConstantTimeCompare(a, b)
}
