package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/pipe"
	"github.com/varphone/tls-tunnel/internal/protocol"
)

// handleInboundSubstream handles the client side of dispatch: every
// substream the server opens on this session's multiplexer carries a
// 2-byte publish_port header naming which published descriptor it is for
// (whether that substream arrived via the public dispatcher or the
// visitor redirector makes no difference here, the header format is
// identical either way).
func (c *Client) handleInboundSubstream(sub mux.Substream) {
	defer sub.Close()

	var hdr [2]byte
	if _, err := io.ReadFull(sub, hdr[:]); err != nil {
		log.L.WithError(err).Warn("inbound substream missing publish_port header")
		return
	}
	publishPort := binary.BigEndian.Uint16(hdr[:])

	desc, ok := c.findProxyByPort(publishPort)
	if !ok {
		log.L.WithFields(log.Fields{"publish_port": publishPort}).Warn("inbound substream for unknown publish_port")
		return
	}

	local, err := c.dialLocal(desc)
	if err != nil {
		log.L.WithError(err).WithFields(log.Fields{"proxy": desc.Name}).Warn("failed to reach local backend")
		return
	}
	defer local.Close()

	pipe.Splice(sub, local, nil)
}

func (c *Client) findProxyByPort(publishPort uint16) (protocol.ProxyDescriptor, bool) {
	for _, p := range c.cfg.Proxies {
		if p.PublishPort == publishPort {
			return p, true
		}
	}
	return protocol.ProxyDescriptor{}, false
}

// dialLocal reaches the local backend for desc, retrying
// cfg.LocalDialRetries times with cfg.LocalDialDelay between attempts. When
// the proxy type allows reuse it asks the connection pool first and falls
// back to those direct dials if the pool cannot supply a connection.
func (c *Client) dialLocal(desc protocol.ProxyDescriptor) (net.Conn, error) {
	if desc.NormalizedType().ShouldPoolConnections() {
		pool := c.poolFor(desc)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Pool.ConnectTimeout)
		conn, err := pool.Get(ctx)
		cancel()
		if err == nil {
			return conn, nil
		}
	}

	retries := c.cfg.LocalDialRetries
	delay := c.cfg.LocalDialDelay
	if delay == 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		d := net.Dialer{Timeout: c.cfg.Pool.ConnectTimeout}
		conn, err := d.Dial("tcp", desc.LocalDialAddr())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < retries {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}
