package api

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed fetch for the UI.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindNetwork means the backend could not be reached; it is transient and
	// retried automatically.
	KindNetwork
	// KindApplication means the backend answered with an error.
	KindApplication
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindApplication:
		return "application"
	default:
		return "none"
	}
}

var networkHints = []string{
	"networkerror",
	"failed to fetch",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
}

// Classify returns the kind of err.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if IsNetworkError(err) {
		return KindNetwork
	}
	return KindApplication
}

// IsNetworkError reports whether err is a transport failure rather than a
// response from the backend.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
