package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/varphone/tls-tunnel/internal/config"
	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/terr"
	"github.com/varphone/tls-tunnel/internal/transport"
)

// State is one of the client session's lifecycle states.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StatePublishing
	StateRunning
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StatePublishing:
		return "publishing"
	case StateRunning:
		return "running"
	default:
		return "reconnecting"
	}
}

// Client drives the reconnect loop: dial, authenticate, publish, run, and
// on any failure reconnect after a constant delay with full
// re-authentication and re-publishing (no attempt to resume a session id
// across reconnects).
type Client struct {
	transport transport.Transport
	cfg       *config.ClientConfig
	muxOpts   mux.Options

	mu    sync.Mutex
	state State
	id    string

	pools map[string]*Pool
}

// New builds a Client that dials serverAddr over tp using cfg.
func New(tp transport.Transport, cfg *config.ClientConfig) *Client {
	return &Client{
		transport: tp,
		cfg:       cfg,
		muxOpts:   mux.DefaultOptions(),
		pools:     make(map[string]*Pool),
	}
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// State returns the client's current state machine position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the client forever: connect, authenticate, publish, serve,
// and on disconnect wait ReconnectDelay and try again, until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeAllPools()

	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.L.WithError(err).Warn("session ended, reconnecting")

		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.transport.Dial(ctx, c.cfg.ServerAddr)
	if err != nil {
		return terr.Wrap(terr.KindTransport, err, "dial server %s", c.cfg.ServerAddr)
	}
	defer conn.Close()

	mx, err := mux.Open(conn, true /* client is active opener */, c.muxOpts)
	if err != nil {
		return terr.Wrap(terr.KindTransport, err, "open multiplexer")
	}
	defer mx.Close()

	ctrl, err := mx.OpenSubstream()
	if err != nil {
		return terr.Wrap(terr.KindTransport, err, "open control substream")
	}
	codec := protocol.NewCodec(ctrl)
	disp := protocol.NewDispatcher(codec)

	notifCh := make(chan protocol.Request, 8)
	readErrCh := make(chan error, 1)
	go c.readLoop(codec, disp, notifCh, readErrCh)
	defer disp.CancelAll()

	c.setState(StateAuthenticating)
	codec.SetMaxFrame(protocol.MaxAuthFrameSize)
	if err := c.authenticate(disp); err != nil {
		return err
	}
	codec.SetMaxFrame(protocol.MaxFrameSize)

	c.setState(StatePublishing)
	if err := c.publish(disp); err != nil {
		return err
	}

	c.setState(StateRunning)
	return c.serve(ctx, mx, disp, notifCh, readErrCh)
}

func (c *Client) readLoop(codec *protocol.Codec, disp *protocol.Dispatcher, notifCh chan protocol.Request, errCh chan error) {
	for {
		var env protocol.Envelope
		if err := codec.ReadMessage(&env); err != nil {
			errCh <- err
			return
		}
		if env.IsRequest() {
			select {
			case notifCh <- env.AsRequest():
			default:
				log.L.Warn("dropping push notification, consumer backed up")
			}
			continue
		}
		resp := env.AsResponse()
		if err := disp.Resolve(&resp); err != nil {
			log.L.WithError(err).Warn("unresolvable control response")
		}
	}
}

func (c *Client) authenticate(disp *protocol.Dispatcher) error {
	resp, err := disp.Call(protocol.MethodAuthenticate, protocol.AuthenticateParams{
		AuthKey:         c.cfg.AuthKey,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		return terr.Wrap(terr.KindAuth, err, "authenticate call")
	}
	if resp.Error != nil {
		return terr.New(terr.KindAuth, "authenticate rejected: %s", resp.Error.Message)
	}
	var result protocol.AuthenticateResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return terr.Wrap(terr.KindProtocol, err, "decode authenticate result")
	}
	c.mu.Lock()
	c.id = result.ClientID
	c.mu.Unlock()
	log.L.WithFields(log.Fields{"client_id": result.ClientID}).Info("authenticated")
	return nil
}

func (c *Client) publish(disp *protocol.Dispatcher) error {
	resp, err := disp.Call(protocol.MethodSubmitConfig, protocol.SubmitConfigParams{
		Proxies:  c.cfg.Proxies,
		Visitors: c.cfg.Visitors,
	})
	if err != nil {
		return terr.Wrap(terr.KindProtocol, err, "submit_config call")
	}
	if resp.Error != nil {
		return terr.New(terr.KindValidation, "submit_config rejected: %s", resp.Error.Message)
	}
	var result protocol.SubmitConfigResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return terr.Wrap(terr.KindProtocol, err, "decode submit_config result")
	}
	for name, reason := range result.Rejected {
		log.L.WithFields(log.Fields{"proxy": name, "reason": reason}).Warn("proxy rejected by server")
	}
	log.L.WithFields(log.Fields{"accepted": result.Accepted}).Info("proxies published")
	return nil
}

func (c *Client) serve(ctx context.Context, mx *mux.Multiplexer, disp *protocol.Dispatcher, notifCh chan protocol.Request, readErrCh chan error) error {
	inboundCh := make(chan mux.Substream, 8)
	inboundErrCh := make(chan error, 1)
	go func() {
		for {
			sub, err := mx.NextIncomingSubstream()
			if err != nil {
				inboundErrCh <- err
				return
			}
			inboundCh <- sub
		}
	}()

	visitorStop := c.startVisitorListeners(mx)
	defer close(visitorStop)

	heartbeatErrCh := make(chan error, 1)
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeatLoop(disp, heartbeatDone, heartbeatErrCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrCh:
			return terr.Wrap(terr.KindTransport, err, "control substream read failed")

		case err := <-heartbeatErrCh:
			return terr.Wrap(terr.KindTransport, err, "heartbeat failed")

		case err := <-inboundErrCh:
			return terr.Wrap(terr.KindTransport, err, "multiplexer closed")

		case sub := <-inboundCh:
			go c.handleInboundSubstream(sub)

		case notif := <-notifCh:
			c.handleNotification(notif)
		}
	}
}

func (c *Client) heartbeatLoop(disp *protocol.Dispatcher, done chan struct{}, errCh chan error) {
	interval := c.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if _, err := disp.Call(protocol.MethodHeartbeat, protocol.HeartbeatParams{}); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Client) handleNotification(req protocol.Request) {
	switch req.Method {
	case protocol.MethodPushException:
		var params protocol.PushExceptionParams
		_ = json.Unmarshal(req.Params, &params)
		log.L.WithFields(log.Fields{"code": params.Code, "level": params.Level}).Warn(params.Message)
	case protocol.MethodPushConfigStatus:
		var params protocol.PushConfigStatusParams
		_ = json.Unmarshal(req.Params, &params)
		for name, reason := range params.Rejected {
			log.L.WithFields(log.Fields{"proxy": name, "reason": reason}).Warn("proxy status: rejected")
		}
	case protocol.MethodPushStats:
		var params protocol.PushStatsParams
		_ = json.Unmarshal(req.Params, &params)
		log.L.WithFields(log.Fields{"proxies": len(params.PerProxy)}).Debug("received stats push")
	default:
		log.L.WithFields(log.Fields{"method": req.Method}).Debug(fmt.Sprintf("ignoring unknown notification %s", req.Method))
	}
}

func (c *Client) poolFor(p protocol.ProxyDescriptor) *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool, ok := c.pools[p.Name]; ok {
		return pool
	}
	poolCfg := c.cfg.Pool
	poolCfg.MaxSize = p.NormalizedType().PoolSize(poolCfg.MaxSize)
	pool := NewPool(p.LocalDialAddr(), poolCfg)
	c.pools[p.Name] = pool
	return pool
}

func (c *Client) closeAllPools() {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*Pool)
	c.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
