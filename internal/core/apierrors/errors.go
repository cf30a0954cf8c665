// Package apierrors defines the failure taxonomy shared by every client
// component. Transport code translates HTTP and network failures into it;
// state holders expose UserMessage to callers.
package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthentication
	KindNotFound
	KindValidation
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks. An *Error matches the sentinel of its Kind.
var (
	ErrNetwork                = errors.New("network error")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrServer                 = errors.New("server error")
	ErrUnknown                = errors.New("unknown error")
)

var sentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindAuthentication: ErrAuthenticationRequired,
	KindNotFound:       ErrNotFound,
	KindValidation:     ErrValidation,
	KindServer:         ErrServer,
	KindUnknown:        ErrUnknown,
}

// Error is a classified failure. Code and Message carry the XRPC error body
// when the server sent one.
type Error struct {
	Err     error
	Op      string
	Code    string
	Message string
	Kind    Kind
	Status  int
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = sentinels[e.Kind].Error()
	}
	if e.Op == "" {
		return msg
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends work for *Error values.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New builds a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Validation is shorthand for local input validation failures.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// Network wraps a transport failure.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status.
func FromStatus(op string, status int, code, message string) *Error {
	return &Error{
		Kind:    KindForStatus(status),
		Op:      op,
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// KindForStatus maps an HTTP status code onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// KindOf classifies any error. Context deadlines and net.Error values count as
// network failures; unclassified errors are unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// IsAuthError reports whether signing in again could resolve err.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuthentication
}

// UserMessage renders err as a short string suitable for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindNetwork:
		return "Network error. Check your connection and try again."
	case KindAuthentication:
		return "Please sign in again."
	case KindNotFound:
		return "The requested content could not be found."
	case KindValidation:
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return apiErr.Message
		}
		return "The request was invalid."
	case KindServer:
		return "The server had a problem. Please try again later."
	default:
		return "Something went wrong."
	}
}
