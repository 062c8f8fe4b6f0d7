// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyConfig is the resolved, read-only configuration the forwarding engine
// works from. An empty Credential is a valid state.
type ProxyConfig struct {
	UpstreamBaseURL string
	APIVersion      string
	Credential      string
}

// HasCredential reports whether a bearer credential is configured.
func (c ProxyConfig) HasCredential() bool {
	return c.Credential != ""
}

// InboundRequest represents a client request to be forwarded upstream.
// Path is the escaped suffix after the mount prefix; RawQuery is the query
// string exactly as received.
type InboundRequest struct {
	Ctx         context.Context
	Method      string
	Path        string
	RawQuery    string
	ContentType string
	Body        io.Reader
}

// UpstreamResponse is the raw response returned by the upstream client.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ContentKind tells the caller how a relayed body should be written back.
type ContentKind int

const (
	ContentJSON ContentKind = iota
	ContentText
)

func (k ContentKind) String() string {
	if k == ContentJSON {
		return "json"
	}
	return "text"
}

// Relayed is an upstream response as it will be returned to the caller.
type Relayed struct {
	StatusCode  int
	Body        []byte
	ContentType ContentKind
}
