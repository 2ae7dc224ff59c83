package server

import (
	"encoding/binary"
	"io"

	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/pipe"
	"github.com/varphone/tls-tunnel/internal/registry"
)

// maxVisitorNameLen bounds the name field of the visitor header frame,
// matching protocol.MaxNameLen so a corrupt/malicious length prefix cannot
// force an oversized read.
const maxVisitorNameLen = 255

// handleVisitorStream handles every substream the server's multiplexer on a
// client session yields inbound: each one is a visitor request. It
// reads the [2B name_len][name][2B publish_port] header, looks up the
// target registration, and on a hit reuses exactly the same mailbox/splice
// path the public dispatcher uses (no second code path).
func handleVisitorStream(sub mux.Substream, reg *registry.Registry) {
	defer sub.Close()

	name, publishPort, err := readVisitorHeader(sub)
	if err != nil {
		log.L.WithError(err).Warn("visitor substream sent malformed header")
		return
	}

	key := registry.Key{Name: name, PublishPort: publishPort}
	handle, ok := reg.Lookup(key)
	if !ok {
		writeVisitorError(sub, "no such proxy registered")
		log.L.WithFields(log.Fields{"name": name, "publish_port": publishPort}).Info("visitor lookup miss")
		return
	}

	result := make(chan registry.OpenResult, 1)
	select {
	case handle.Mailbox <- registry.OpenRequest{PublishPort: handle.Proxy.PublishPort, Result: result}:
	default:
		writeVisitorError(sub, "target session is busy")
		return
	}

	res := <-result
	if res.Err != nil {
		writeVisitorError(sub, "target session could not open a substream")
		return
	}
	defer res.Substream.Close()

	if handle.Stats != nil {
		handle.Stats.ConnectionStarted()
		defer handle.Stats.ConnectionEnded()
	}

	pipe.Splice(sub, res.Substream, handle.Stats)
}

func readVisitorHeader(r io.Reader) (name string, publishPort uint16, err error) {
	var nameLen [2]byte
	if _, err = io.ReadFull(r, nameLen[:]); err != nil {
		return "", 0, err
	}
	n := binary.BigEndian.Uint16(nameLen[:])
	if n == 0 || int(n) > maxVisitorNameLen {
		return "", 0, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", 0, err
	}
	var portBuf [2]byte
	if _, err = io.ReadFull(r, portBuf[:]); err != nil {
		return "", 0, err
	}
	return string(buf), binary.BigEndian.Uint16(portBuf[:]), nil
}

// writeVisitorError sends a short human-readable rejection frame before
// closing. Best-effort: the caller closes the substream either way.
func writeVisitorError(w io.Writer, msg string) {
	body := []byte(msg)
	if len(body) > 4096 {
		body = body[:4096]
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	_, _ = w.Write(lenBuf[:])
	_, _ = w.Write(body)
}
