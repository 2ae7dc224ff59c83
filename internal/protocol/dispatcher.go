package protocol

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/varphone/tls-tunnel/internal/terr"
)

// Dispatcher tracks outstanding requests on one control substream so a
// response can be matched back to its caller by id. It is safe for
// concurrent use: one goroutine reads frames and calls Resolve,
// others call Call to send a request and block for its response.
type Dispatcher struct {
	codec   *Codec
	nextID  uint64
	mu      sync.Mutex
	waiters map[uint64]chan *Response
}

// NewDispatcher wraps codec with request/response correlation bookkeeping.
func NewDispatcher(codec *Codec) *Dispatcher {
	return &Dispatcher{codec: codec, waiters: make(map[uint64]chan *Response)}
}

// Call sends a request and blocks until its matching response arrives (via
// a concurrent call to Resolve from the read loop), or returns an error if
// the send itself fails. The caller is responsible for running a read loop
// that calls Resolve for every response frame it decodes.
func (d *Dispatcher) Call(method string, params interface{}) (*Response, error) {
	id := atomic.AddUint64(&d.nextID, 1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *Response, 1)
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()

	if err := d.codec.WriteMessage(req); err != nil {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, err
	}
	resp, ok := <-ch
	if !ok {
		return nil, terr.New(terr.KindCancelled, "request cancelled before response arrived")
	}
	return resp, nil
}

// Notify sends a notification (no id, no response expected).
func (d *Dispatcher) Notify(method string, params interface{}) error {
	req, err := NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return d.codec.WriteMessage(req)
}

// Resolve matches a decoded response to its waiter by id. A response whose
// id matches no outstanding request is a protocol error.
func (d *Dispatcher) Resolve(resp *Response) error {
	var id uint64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return terr.Wrap(terr.KindProtocol, err, "response id is not a recognized correlation id")
	}
	d.mu.Lock()
	ch, ok := d.waiters[id]
	if ok {
		delete(d.waiters, id)
	}
	d.mu.Unlock()
	if !ok {
		return terr.New(terr.KindProtocol, "response id %d matches no outstanding request", id)
	}
	ch <- resp
	close(ch)
	return nil
}

// CancelAll releases every pending waiter, e.g. on control substream
// teardown, so Call returns promptly instead of blocking forever.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.waiters {
		close(ch)
		delete(d.waiters, id)
	}
}
