package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// TestAPIKey is the key RPCServer accepts.
const TestAPIKey = "test-api-key"

// Fault is a JSON-RPC error object returned by a handler.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCHandler answers one JSON-RPC method. Returning a nil result and nil fault sends
// `"result": null`.
type RPCHandler func(params []json.RawMessage) (result any, fault *Fault)

// RecordedCall is one request seen by RPCServer.
type RecordedCall struct {
	Method string
	Params []json.RawMessage
	APIKey string
}

// RPCServer is an httptest JSON-RPC endpoint with per-method handlers. Unknown methods
// answer -32601.
type RPCServer struct {
	*httptest.Server

	mu         sync.Mutex
	handlers   map[string]RPCHandler
	httpStatus map[string][]int
	calls      []RecordedCall
}

func NewRPCServer(t testing.TB) *RPCServer {
	s := &RPCServer{
		handlers:   map[string]RPCHandler{},
		httpStatus: map[string][]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Result makes method always answer v.
func (s *RPCServer) Result(method string, v any) {
	s.Handle(method, func([]json.RawMessage) (any, *Fault) { return v, nil })
}

// Fail makes method always answer with an RPC error.
func (s *RPCServer) Fail(method string, code int, message string) {
	s.Handle(method, func([]json.RawMessage) (any, *Fault) {
		return nil, &Fault{Code: code, Message: message}
	})
}

// Sequence answers method with results in order, repeating the last one.
func (s *RPCServer) Sequence(method string, results ...any) {
	var (
		mu sync.Mutex
		i  int
	)
	s.Handle(method, func([]json.RawMessage) (any, *Fault) {
		mu.Lock()
		defer mu.Unlock()
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		if f, ok := r.(*Fault); ok {
			return nil, f
		}
		return r, nil
	})
}

// FailHTTP queues raw HTTP status codes for the next calls of method. Once drained the
// registered handler answers again.
func (s *RPCServer) FailHTTP(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpStatus[method] = append(s.httpStatus[method], statuses...)
}

// Calls returns the recorded calls of method, or every call when method is empty.
func (s *RPCServer) Calls(method string) []RecordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RecordedCall
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *RPCServer) Count(method string) int {
	return len(s.Calls(method))
}

func (s *RPCServer) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JSONRPC string            `json:"jsonrpc"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
		ID      json.RawMessage   `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, RecordedCall{Method: req.Method, Params: req.Params, APIKey: r.URL.Query().Get("apikey")})
	var status int
	if queued := s.httpStatus[req.Method]; len(queued) > 0 {
		status = queued[0]
		s.httpStatus[req.Method] = queued[1:]
	}
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case !ok:
		resp["error"] = Fault{Code: -32601, Message: "method not found: " + req.Method}
	default:
		result, fault := h(req.Params)
		if fault != nil {
			resp["error"] = fault
		} else {
			resp["result"] = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
