package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies an RPC failure. Only Transport and RateLimited are
// retried inside the client; everything else is surfaced to the caller.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindDecode
	KindNodeRejected
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindNodeRejected:
		return "node_rejected"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ErrNotMined marks a receipt request answered with null: the transaction is
// not in a block yet and the caller should retry later.
var ErrNotMined = errors.New("transaction not mined yet")

// Error is a classified RPC error.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the client may retry the call.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimited
}

// Classify wraps err with its ErrorKind. A nil err returns nil.
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{Kind: kindOf(err), Method: method, Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, ErrNotMined) {
		return KindTransport
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if isRateLimitMessage(rpcErr.Error()) || rpcErr.ErrorCode() == -32029 {
			return KindRateLimited
		}
		return KindNodeRejected
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindDecode
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	msg := err.Error()
	switch {
	case isRateLimitMessage(msg):
		return KindRateLimited
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"):
		return KindTransport
	}
	return KindUnknown
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}
