package jsonrpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoEndpoints means every endpoint in the pool is marked dead.
	// Callers should back off for the pool cooldown and retry the whole pool.
	ErrNoEndpoints = errors.New("no endpoints available")

	// ErrReadFailed wraps the last transient error after the cross-endpoint
	// retry budget is exhausted.
	ErrReadFailed = errors.New("read failed")

	// ErrCallReverted is a contract-level failure. It is not retried and does
	// not count against the endpoint's health.
	ErrCallReverted = errors.New("call reverted")

	// ErrMalformedResponse means the endpoint answered with a payload we
	// could not decode. Not retried for this call.
	ErrMalformedResponse = errors.New("malformed response")
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Reverted reports whether the error is an EVM execution revert rather than
// a node-side (and thus possibly transient) failure.
func (e *RPCError) Reverted() bool {
	// code 3 is the standard execution-revert code; geth historically used
	// -32000 with a "execution reverted" message
	return e.Code == 3 || strings.Contains(strings.ToLower(e.Message), "revert")
}
