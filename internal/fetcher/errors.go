package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a fetch or format failure. It is set where the failure
// happens and surfaces to callers as the job's error_type.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindConnection    Kind = "connection"
	KindTimeout       Kind = "timeout"
	KindServerError   Kind = "server_error"
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindUnauthorized  Kind = "unauthorized"
	KindEmptyFile     Kind = "empty_file"
	KindInvalidFormat Kind = "invalid_format"
	KindCancelled     Kind = "cancelled"
	KindDuplicateID   Kind = "duplicate_id"
)

// Retryable reports whether the same request may succeed later.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindServerError:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Error is a classified fetch/format error.
type Error struct {
	Kind   Kind
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(redactURL(e.URL))
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation and deadline errors are classified even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err)
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// KindForStatus maps a non-2xx HTTP status code to a kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return KindNotFound
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusUnauthorized, code == http.StatusProxyAuthRequired:
		return KindUnauthorized
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests, code >= 500:
		return KindServerError
	}
	return KindUnknown
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindConnection
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return KindConnection
	}
	return KindUnknown
}

func newError(op, url string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// wrap classifies a transport-level error.
func wrap(op, url string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return newError(op, url, classify(err), err)
}

func redactURL(s string) string {
	if i := strings.Index(s, "?"); i >= 0 {
		return s[:i] + "?[redacted]"
	}
	return s
}
