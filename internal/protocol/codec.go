// Package protocol implements the control-channel wire format: a uint32
// big-endian length prefix followed by a JSON-RPC 2.0 message.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/varphone/tls-tunnel/internal/terr"
)

// Frame size limits.
const (
	MaxAuthFrameSize = 10 * 1024          // 10 KiB
	MaxFrameSize     = 1024 * 1024        // 1 MiB
)

// JSON-RPC reserved/well-known error codes.
const (
	CodeMethodNotFound  = -32601
	CodeAuthFailed      = -32000
	CodeAllRejected     = -32001
	CodeInvalidRequest  = -32600
)

// Version is the baseline protocol version a client that omits
// protocol_version is assumed to speak.
const Version = 1

// Methods.
const (
	MethodAuthenticate      = "authenticate"
	MethodSubmitConfig      = "submit_config"
	MethodHeartbeat         = "heartbeat"
	MethodPushConfigStatus  = "push_config_status"
	MethodPushException     = "push_exception"
	MethodPushStats         = "push_stats"
)

// Request is a JSON-RPC 2.0 request or notification (Id == nil for a
// notification).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this message expects no response.
func (r Request) IsNotification() bool { return len(r.ID) == 0 }

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request with the given id (nil for a notification).
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}
	req := &Request{JSONRPC: "2.0", Method: method, Params: p}
	if id != nil {
		idBytes, err := json.Marshal(id)
		if err != nil {
			return nil, errors.Wrap(err, "marshal id")
		}
		req.ID = idBytes
	}
	return req, nil
}

// NewResult builds a successful response.
func NewResult(id json.RawMessage, result interface{}) (*Response, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: r}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string, data interface{}) (*Response, error) {
	resp := &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	if data != nil {
		d, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "marshal error data")
		}
		resp.Error.Data = d
	}
	return resp, nil
}

// Codec frames JSON-RPC messages with a uint32 big-endian length prefix
// over any io.ReadWriteCloser — the control substream on either peer.
type Codec struct {
	rw        io.ReadWriteCloser
	maxFrame  int
}

// NewCodec wraps rw with the default (general) max frame size. Callers that
// need the tighter auth-only limit call SetMaxFrame(MaxAuthFrameSize) before
// the first ReadMessage.
func NewCodec(rw io.ReadWriteCloser) *Codec {
	return &Codec{rw: rw, maxFrame: MaxFrameSize}
}

// SetMaxFrame adjusts the frame-size ceiling, e.g. to MaxAuthFrameSize while
// waiting for the first (authenticate) message.
func (c *Codec) SetMaxFrame(n int) { c.maxFrame = n }

// WriteMessage marshals v to JSON and writes it length-prefixed.
func (c *Codec) WriteMessage(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal control message")
	}
	if len(body) > c.maxFrame {
		return terr.New(terr.KindProtocol, "FrameTooLarge: %d bytes exceeds limit %d", len(body), c.maxFrame)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := c.rw.Write(body); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame and unmarshals it into v.
func (c *Codec) ReadMessage(v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return terr.Wrap(terr.KindRemoteClosed, err, "control substream closed")
		}
		return errors.Wrap(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > c.maxFrame {
		return terr.New(terr.KindProtocol, "FrameTooLarge: %d bytes exceeds limit %d", n, c.maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return errors.Wrap(err, "read frame body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return terr.Wrap(terr.KindProtocol, err, "malformed control frame")
	}
	return nil
}

// Close closes the underlying stream.
func (c *Codec) Close() error { return c.rw.Close() }

// Envelope decodes either shape a control frame can take: a request (or
// notification, when ID is empty) carries Method; a response carries
// Result/Error instead. The client's Running-state reader uses this to
// tell a push_* notification apart from a reply to its own heartbeat
// without needing two incompatible decode attempts on the same frame.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether this envelope is a request/notification rather
// than a response.
func (e Envelope) IsRequest() bool { return e.Method != "" }

// AsRequest reinterprets the envelope as a Request.
func (e Envelope) AsRequest() Request {
	return Request{JSONRPC: e.JSONRPC, ID: e.ID, Method: e.Method, Params: e.Params}
}

// AsResponse reinterprets the envelope as a Response.
func (e Envelope) AsResponse() Response {
	return Response{JSONRPC: e.JSONRPC, ID: e.ID, Result: e.Result, Error: e.Error}
}

// Method-specific params/results.

type AuthenticateParams struct {
	AuthKey         string `json:"auth_key"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
}

type AuthenticateResult struct {
	ClientID string `json:"client_id"`
}

type SubmitConfigParams struct {
	Proxies  []ProxyDescriptor   `json:"proxies"`
	Visitors []VisitorDescriptor `json:"visitors"`
}

type SubmitConfigResult struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

type HeartbeatParams struct{}

type PushConfigStatusParams struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// ExceptionLevel is the severity of a push_exception notification.
type ExceptionLevel string

const (
	LevelError   ExceptionLevel = "error"
	LevelWarning ExceptionLevel = "warning"
	LevelInfo    ExceptionLevel = "info"
)

// Exception codes used by the bind-retry algorithm.
const (
	CodeProxyBindRetry  = "PROXY_BIND_RETRY"
	CodeProxyBindFailed = "PROXY_BIND_FAILED"
)

type PushExceptionParams struct {
	Level   ExceptionLevel  `json:"level"`
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ProxyStatsSnapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
}

type PushStatsParams struct {
	PerProxy map[string]ProxyStatsSnapshot `json:"per_proxy"`
}

// BindRetryData is the data payload of a PROXY_BIND_RETRY/PROXY_BIND_FAILED
// exception.
type BindRetryData struct {
	ProxyName       string `json:"proxy_name"`
	PublishPort     uint16 `json:"publish_port"`
	RetryCount      int    `json:"retry_count"`
	RetryDelaySecs  int    `json:"retry_delay_secs,omitempty"`
	Error           string `json:"error"`
}

// MarshalID is a small helper for turning a Go value into a json.RawMessage
// id, used by request senders that track correlation ids as uint64s.
func MarshalID(id uint64) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}
