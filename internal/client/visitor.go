package client

import (
	"encoding/binary"
	"net"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/pipe"
	"github.com/varphone/tls-tunnel/internal/protocol"
)

// startVisitorListeners binds one local TCP listener per configured
// VisitorDescriptor: each accepted local connection becomes an outbound
// substream carrying the [2B name_len][name][2B publish_port] header the
// server's visitor redirector expects. It returns a channel that, once
// closed, tells every listener to stop.
func (c *Client) startVisitorListeners(mx *mux.Multiplexer) chan struct{} {
	stop := make(chan struct{})
	for _, v := range c.cfg.Visitors {
		v := v
		ln, err := net.Listen("tcp", v.BindListenAddr())
		if err != nil {
			log.L.WithError(err).WithFields(log.Fields{"visitor": v.Name}).Error("failed to bind visitor listener")
			continue
		}
		go func() {
			<-stop
			ln.Close()
		}()
		go c.acceptVisitorConns(mx, v, ln, stop)
	}
	return stop
}

func (c *Client) acceptVisitorConns(mx *mux.Multiplexer, v protocol.VisitorDescriptor, ln net.Listener, stop chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.L.WithError(err).WithFields(log.Fields{"visitor": v.Name}).Warn("visitor listener accept failed")
			return
		}
		go c.handleVisitorConn(mx, v, conn)
	}
}

func (c *Client) handleVisitorConn(mx *mux.Multiplexer, v protocol.VisitorDescriptor, conn net.Conn) {
	defer conn.Close()

	sub, err := mx.OpenSubstream()
	if err != nil {
		log.L.WithError(err).WithFields(log.Fields{"visitor": v.Name}).Warn("failed to open outbound substream")
		return
	}
	defer sub.Close()

	name := []byte(v.Name)
	hdr := make([]byte, 2+len(name)+2)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(name)))
	copy(hdr[2:], name)
	binary.BigEndian.PutUint16(hdr[2+len(name):], v.PublishPort)
	if _, err := sub.Write(hdr); err != nil {
		log.L.WithError(err).WithFields(log.Fields{"visitor": v.Name}).Warn("failed to write visitor header")
		return
	}

	pipe.Splice(conn, sub, nil)
}
