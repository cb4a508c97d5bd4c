package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoAPIKey is returned before any network activity when the endpoint has no API key.
var ErrNoAPIKey = errors.New("jsonrpc: no API key configured")

// Standard JSON-RPC codes the pipeline reacts to.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// HTTPError is a non-2xx HTTP answer.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jsonrpc: http %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), preview(e.Body, 256))
}

// NetworkError wraps a transport failure: DNS, connect, TLS, timeout or cancellation.
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("jsonrpc: %s: network error: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError means the endpoint answered 2xx but the payload was not the expected shape.
type ProtocolError struct {
	Method string
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc: %s: protocol error: %s", e.Method, e.Msg)
}

// RPCError is a non-null "error" member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc: error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the same request may be sent again unchanged. Transport
// failures, HTTP 5xx and 429, and the invalid-params RPC class qualify.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeInvalidParams && !IsRejection(err)
	}
	return false
}

var rejectionMarkers = []string{
	"already known",
	"nonce too low",
	"invalid nonce",
	"aa25",
	"replacement underpriced",
}

// IsRejection reports whether the bundler refused the operation in a way that needs a
// fresh nonce before any retry.
func IsRejection(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
