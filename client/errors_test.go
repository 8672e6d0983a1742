package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeError implements the server-side JSON-RPC error interface.
type nodeError struct {
	code int
	msg  string
}

func (e *nodeError) Error() string  { return e.msg }
func (e *nodeError) ErrorCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"not mined", fmt.Errorf("wrapped: %w", ErrNotMined), KindTransport, true},
		{"deadline", context.DeadlineExceeded, KindTransport, true},
		{"net error", timeoutError{}, KindTransport, true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connection refused"), KindTransport, true},
		{"bad gateway", errors.New("502 Bad Gateway"), KindTransport, true},
		{"node rejected", &nodeError{code: -32000, msg: "execution reverted"}, KindNodeRejected, false},
		{"rate limited by code", &nodeError{code: -32029, msg: "slow down"}, KindRateLimited, true},
		{"rate limited by message", errors.New("429 Too Many Requests"), KindRateLimited, true},
		{"decode", errors.New("json: cannot unmarshal"), KindUnknown, false},
		{"unknown", errors.New("something else entirely"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify("eth_test", tt.err)
			var ce *Error
			require.ErrorAs(t, classified, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.retryable, ce.Retryable())
			assert.Equal(t, "eth_test", ce.Method)
			assert.ErrorIs(t, classified, tt.err)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify("eth_test", nil))
}

func TestClassifyIdempotent(t *testing.T) {
	first := Classify("eth_getBalance", errors.New("connection reset by peer"))
	second := Classify("eth_call", first)
	assert.Same(t, first, second)
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "decode", KindDecode.String())
	assert.Equal(t, "node_rejected", KindNodeRejected.String())
	assert.Equal(t, "rate_limited", KindRateLimited.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
