// Package jsonrpc is the JSON-RPC 2.0 transport shared by the bundler and paymaster clients.
// Both services are reached over HTTPS POST with an API key carried in the URL query string.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const (
	DefaultAPIKeyParam = "apikey"
	DefaultTimeout     = 30 * time.Second
)

// Config describes one JSON-RPC endpoint.
type Config struct {
	URL         string
	APIKey      string
	APIKeyParam string
	Timeout     time.Duration
}

// Observer receives one notification per call. metrics.Collector implements it.
type Observer interface {
	ObserveRPC(method string, outcome string, elapsed time.Duration)
}

// Call outcomes reported to an Observer.
const (
	OutcomeOK            = "ok"
	OutcomeRPCError      = "rpc_error"
	OutcomeHTTPError     = "http_error"
	OutcomeNetworkError  = "network_error"
	OutcomeProtocolError = "protocol_error"
	OutcomeConfigError   = "config_error"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint32 `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type Client struct {
	cfg      Config
	http     *resty.Client
	logger   logger.Logger
	observer Observer
}

// NewClient returns a client for cfg. A missing API key is reported on the first call,
// so a client can still be built for an endpoint that is configured later.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.APIKeyParam == "" {
		cfg.APIKeyParam = DefaultAPIKeyParam
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		cfg: cfg,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		logger: logger.EnsureLogger(log),
	}
}

// SetObserver attaches o to every subsequent call.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

func (c *Client) URL() string {
	return c.cfg.URL
}

// Call invokes method and decodes a non-null result into result. A null result is a
// ProtocolError; use CallNullable for methods where null means "no value yet".
func (c *Client) Call(ctx context.Context, method string, result any, params ...any) error {
	found, err := c.CallNullable(ctx, method, result, params...)
	if err != nil {
		return err
	}
	if !found {
		return &ProtocolError{Method: method, Msg: "null result"}
	}
	return nil
}

// CallNullable invokes method. found is false, with a nil error, when the endpoint
// answered with a null result.
func (c *Client) CallNullable(ctx context.Context, method string, result any, params ...any) (found bool, err error) {
	if c.cfg.APIKey == "" {
		c.observe(method, OutcomeConfigError, 0)
		return false, ErrNoAPIKey
	}
	if params == nil {
		params = []any{}
	}

	started := time.Now()
	outcome := OutcomeOK
	defer func() {
		c.observe(method, outcome, time.Since(started))
	}()

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam(c.cfg.APIKeyParam, c.cfg.APIKey).
		SetBody(request{JSONRPC: "2.0", Method: method, Params: params, ID: rand.Uint32()}).
		Post(c.cfg.URL)
	if err != nil {
		outcome = OutcomeNetworkError
		c.logger.Debug("json-rpc transport failure", "method", method, "error", err)
		return false, &NetworkError{Method: method, Err: err}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		outcome = OutcomeHTTPError
		c.logger.Debug("json-rpc http failure", "method", method, "status", resp.StatusCode())
		return false, &HTTPError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var envelope response
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		outcome = OutcomeProtocolError
		return false, &ProtocolError{Method: method, Msg: fmt.Sprintf("malformed envelope: %v", err)}
	}

	if envelope.Error != nil {
		outcome = OutcomeRPCError
		c.logger.Debug("json-rpc error response", "method", method, "code", envelope.Error.Code, "message", envelope.Error.Message)
		return false, envelope.Error
	}

	raw := bytes.TrimSpace(envelope.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			outcome = OutcomeProtocolError
			return false, &ProtocolError{Method: method, Msg: fmt.Sprintf("unexpected result shape: %v", err)}
		}
	}

	c.logger.Debug("json-rpc call", "method", method, "elapsed", time.Since(started))
	return true, nil
}

func (c *Client) observe(method, outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRPC(method, outcome, elapsed)
	}
}
