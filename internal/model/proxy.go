// Package model defines the contract between the transport engine and the proxy core,
// plus the request/response envelopes passed to the upstream client.
package model

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"time"
)

// Interceptor is the set of callbacks the transport engine invokes for every request.
// For a single request the engine calls NewContext, SelectUpstream, FilterRequestHeaders
// and OnComplete in that order, and OnComplete exactly once. Calls for distinct
// requests may run concurrently.
type Interceptor interface {
	NewContext() *RequestContext
	SelectUpstream(s Session, rc *RequestContext) Peer
	FilterRequestHeaders(s Session, outbound http.Header, rc *RequestContext) error
	OnComplete(s Session, err error, rc *RequestContext)
}

// Session is the engine's view of one in-flight request.
type Session interface {
	// Method returns the request method.
	Method() string
	// URI returns the request target as received from the client.
	URI() string
	// RequestHeader returns the client's original headers. Callers must not modify it.
	RequestHeader() http.Header
	// ResponseStatus returns the upstream status code, or 0 if no response was received.
	ResponseStatus() int
}

// RequestContext is per-request state created by Interceptor.NewContext.
// It is owned by a single request and never shared.
type RequestContext struct {
	Start time.Time
}

// Peer describes where and how the engine should connect for a request.
type Peer struct {
	Addr netip.AddrPort
	TLS  bool
	// Name is the identity hint (SNI for TLS peers). For plaintext peers it only
	// participates in connection-pool keying.
	Name string
}

// Scheme returns the URL scheme used to reach the peer.
func (p Peer) Scheme() string {
	if p.TLS {
		return "https"
	}
	return "http"
}

// PoolKey identifies the connection pool the peer belongs to.
func (p Peer) PoolKey() string {
	return p.Scheme() + "://" + p.Name + "@" + p.Addr.String()
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
