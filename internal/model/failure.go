package model

import (
	"errors"
	"net/http"
)

// FailureKind classifies why a request could not be relayed.
type FailureKind int

const (
	// ConfigError means the proxy itself is misconfigured (no credential).
	ConfigError FailureKind = iota + 1
	// UpstreamUnreachable means the HTTP exchange with upstream did not complete.
	UpstreamUnreachable
)

func (k FailureKind) String() string {
	switch k {
	case ConfigError:
		return "config_error"
	case UpstreamUnreachable:
		return "upstream_unreachable"
	default:
		return "unknown"
	}
}

// Failure is the error half of a forward result. Every error returned by the
// forwarding engine is a *Failure.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// HTTPStatus returns the status code the failure is reported with.
func (f *Failure) HTTPStatus() int {
	if f.Kind == ConfigError {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

// AsFailure extracts a *Failure from err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
