package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/pipe"
	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/registry"
	"github.com/varphone/tls-tunnel/internal/stats"
	"github.com/varphone/tls-tunnel/internal/terr"
	"github.com/varphone/tls-tunnel/internal/transport"
)

// Bind-retry schedule: 2s initial delay, doubling, capped at 60s, ten
// attempts before giving up and reporting PROXY_BIND_FAILED.
const (
	bindInitialDelay = 2 * time.Second
	bindMaxDelay     = 60 * time.Second
	bindMaxAttempts  = 10
)

// proxyListener owns the publicly bound listener for one accepted
// ProxyDescriptor. It never touches the owning session's multiplexer
// directly; every outbound substream it needs goes through mailbox, the
// exact channel the visitor redirector also uses, so there is only one
// code path for opening an outbound substream.
type proxyListener struct {
	descriptor  protocol.ProxyDescriptor
	mailbox     chan registry.OpenRequest
	stats       *stats.ProxyStats
	transport   transport.Transport
	exceptionCh chan protocol.PushExceptionParams

	stopCh chan struct{}
	doneCh chan struct{}
}

func newProxyListener(d protocol.ProxyDescriptor, mailbox chan registry.OpenRequest, tracker *stats.ProxyStats, tp transport.Transport, exceptionCh chan protocol.PushExceptionParams) *proxyListener {
	return &proxyListener{
		descriptor:  d,
		mailbox:     mailbox,
		stats:       tracker,
		transport:   tp,
		exceptionCh: exceptionCh,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// notifyException forwards a bind-retry/bind-failure event to the owning
// session's exception channel, which turns it into a push_exception control
// message. The send is non-blocking: if the session's event loop is
// momentarily backed up, the client simply misses one progress notification
// and catches up at the next retry or at PROXY_BIND_FAILED.
func (l *proxyListener) notifyException(level protocol.ExceptionLevel, code, message string, data protocol.BindRetryData) {
	if l.exceptionCh == nil {
		return
	}
	raw, _ := json.Marshal(data)
	select {
	case l.exceptionCh <- protocol.PushExceptionParams{Level: level, Message: message, Code: code, Data: raw}:
	default:
	}
}

func (l *proxyListener) stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}

func (l *proxyListener) run() {
	defer close(l.doneCh)

	fields := log.Fields{
		"proxy":        l.descriptor.Name,
		"publish_addr": l.descriptor.PublishAddr,
		"publish_port": l.descriptor.PublishPort,
	}

	ln, err := l.bindWithRetry()
	if err != nil {
		log.L.WithFields(fields).WithError(err).Error("giving up on proxy listener")
		return
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-l.stopCh
		cancel()
	}()
	defer cancel()

	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			log.L.WithFields(fields).WithError(err).Warn("public listener accept failed")
			return
		}
		go l.handleConn(stream)
	}
}

// bindWithRetry runs a bounded retry algorithm, reporting every retry and
// the final failure through notifyException so the owning session can
// surface them as push_exception control messages.
func (l *proxyListener) bindWithRetry() (transport.Listener, error) {
	addr := fmt.Sprintf("%s:%d", l.descriptor.PublishAddr, l.descriptor.PublishPort)
	delay := bindInitialDelay

	for attempt := 1; attempt <= bindMaxAttempts; attempt++ {
		ln, err := l.transport.Listen(addr)
		if err == nil {
			return ln, nil
		}

		sub := terr.ClassifyBindError(err)
		if attempt == bindMaxAttempts {
			l.notifyException(protocol.LevelError, protocol.CodeProxyBindFailed, "giving up binding public listener", protocol.BindRetryData{
				ProxyName:   l.descriptor.Name,
				PublishPort: l.descriptor.PublishPort,
				RetryCount:  attempt,
				Error:       err.Error(),
			})
			return nil, terr.Bind(sub, err, "bind %s failed after %d attempts", addr, attempt)
		}

		log.L.WithFields(log.Fields{
			"proxy":        l.descriptor.Name,
			"publish_port": l.descriptor.PublishPort,
			"attempt":      attempt,
			"delay":        delay,
		}).Warn("public listener bind failed, retrying")

		l.notifyException(protocol.LevelWarning, protocol.CodeProxyBindRetry, "retrying public listener bind", protocol.BindRetryData{
			ProxyName:      l.descriptor.Name,
			PublishPort:    l.descriptor.PublishPort,
			RetryCount:     attempt,
			RetryDelaySecs: int(delay / time.Second),
			Error:          err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-l.stopCh:
			return nil, terr.New(terr.KindCancelled, "listener stopped during bind retry")
		}

		delay *= 2
		if delay > bindMaxDelay {
			delay = bindMaxDelay
		}
	}
	return nil, terr.New(terr.KindBind, "unreachable: exhausted retry loop")
}

// handleConn is the public dispatcher: ask the owning session for a
// substream carrying this descriptor's publish_port header, then splice the
// two halves until both directions finish.
func (l *proxyListener) handleConn(conn transport.Stream) {
	defer conn.Close()
	setNoDelay(conn)

	result := make(chan registry.OpenResult, 1)
	select {
	case l.mailbox <- registry.OpenRequest{PublishPort: l.descriptor.PublishPort, Result: result}:
	default:
		log.L.WithFields(log.Fields{"proxy": l.descriptor.Name}).Warn("mailbox full, dropping connection")
		return
	}

	res := <-result
	if res.Err != nil {
		log.L.WithFields(log.Fields{"proxy": l.descriptor.Name}).WithError(res.Err).Warn("failed to open substream for visitor")
		return
	}
	defer res.Substream.Close()

	if l.stats != nil {
		l.stats.ConnectionStarted()
		defer l.stats.ConnectionEnded()
	}

	pipe.Splice(conn, res.Substream, l.stats)
}
