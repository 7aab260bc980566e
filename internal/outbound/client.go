package outbound

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"
)

// ErrClientRetired is returned by Do after the client was retired and its
// connection pool torn down.
var ErrClientRetired = errors.New("outbound: client retired")

// ManagedClient is an owned, reusable request-issuing handle bound to one
// cluster's connection pool. The pool's lifetime is exclusively owned by the
// handle: Close tears down every pooled connection, deferred until no
// in-flight request (including an unread response body) still holds a
// reference.
type ManagedClient struct {
	clusterID string
	rt        http.RoundTripper // outermost; wraps transport
	transport *http.Transport   // owned pool
	encode    headerEncoder     // nil = passthrough

	// refs starts at 1 for the owner; each in-flight request holds one.
	refs    atomic.Int64
	retired atomic.Bool
}

func newManagedClient(clusterID string, rt http.RoundTripper, transport *http.Transport, encoding string) *ManagedClient {
	c := &ManagedClient{
		clusterID: clusterID,
		rt:        rt,
		transport: transport,
		encode:    encoderFor(encoding),
	}
	c.refs.Store(1)
	return c
}

// ClusterID returns the cluster this client belongs to.
func (c *ManagedClient) ClusterID() string {
	return c.clusterID
}

// Do issues one outbound request. Redirects are never followed (3xx
// responses surface to the caller), bodies are forwarded as received, and
// cookies are plain headers. The caller owns req; headers may be re-encoded
// in place per the cluster's request-header encoding.
//
// The returned response body must be closed; the client stays alive until
// every body from it has been closed, even after Close.
func (c *ManagedClient) Do(req *http.Request) (*http.Response, error) {
	if c.retired.Load() || !c.acquire() {
		return nil, ErrClientRetired
	}
	if c.encode != nil {
		encodeHeader(req.Header, c.encode)
	}
	resp, err := c.rt.RoundTrip(req)
	if err != nil {
		c.release()
		return nil, err
	}
	resp.Body = &trackedBody{ReadCloser: resp.Body, client: c}
	return resp, nil
}

// RoundTrip implements http.RoundTripper.
func (c *ManagedClient) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// Close retires the client. The connection pool is torn down once the last
// in-flight request drains; callers that replaced this client on config
// apply can Close immediately without severing active connections.
func (c *ManagedClient) Close() {
	if c.retired.Swap(true) {
		return
	}
	c.release() // drop the owner reference
}

// Retired reports whether Close has been called.
func (c *ManagedClient) Retired() bool {
	return c.retired.Load()
}

func (c *ManagedClient) acquire() bool {
	for {
		n := c.refs.Load()
		if n == 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *ManagedClient) release() {
	if c.refs.Add(-1) == 0 {
		c.transport.CloseIdleConnections()
	}
}

// trackedBody releases the client reference when the response body closes.
type trackedBody struct {
	io.ReadCloser
	client *ManagedClient
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed.Swap(true) {
		b.client.release()
	}
	return err
}
