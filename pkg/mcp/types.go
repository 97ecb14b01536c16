// Package mcp defines the JSON-RPC message envelope and protocol types
// exchanged between clients, the proxy, and upstream MCP servers.
package mcp

import "encoding/json"

// Request represents an MCP request message.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

// Response represents an MCP response message.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents an MCP error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603

	// Proxy error codes.
	ErrorCodeSessionNotFound     = -32001
	ErrorCodeUpstreamUnavailable = -32002
	ErrorCodeStreamFailed        = -32003
	ErrorCodeUnauthorized        = -32004
	ErrorCodeRateLimitExceeded   = -32005
)

// Protocol methods the proxy inspects. Everything else passes through opaque.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
)

// InitializeParams represents parameters for the initialize method.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult represents the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// Capabilities represents MCP capabilities.
type Capabilities struct {
	Tools     map[string]interface{} `json:"tools,omitempty"`
	Resources map[string]interface{} `json:"resources,omitempty"`
	Prompts   map[string]interface{} `json:"prompts,omitempty"`
	Logging   map[string]interface{} `json:"logging,omitempty"`
}

// ClientInfo represents client information.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo represents server information.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Helper functions.

// NewRequest creates a new MCP request.
func NewRequest(method string, params, id interface{}) *Request {
	return &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// NewResponse creates a new MCP response.
func NewResponse(result, id interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates a new MCP error response.
func NewErrorResponse(code int, message string, data, id interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// IsInitialize reports whether the request is the session handshake.
func (r *Request) IsInitialize() bool {
	return r.Method == MethodInitialize
}

// ParseInitializeParams decodes the loosely typed params of an initialize
// request. Params arrive as map[string]interface{} after generic JSON
// decoding, so they are round-tripped through the encoder.
func ParseInitializeParams(req *Request) (*InitializeParams, error) {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return nil, err
	}

	var params InitializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	return &params, nil
}

// ParseInitializeResult decodes the loosely typed result of an initialize
// response.
func ParseInitializeResult(resp *Response) (*InitializeResult, error) {
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	return &result, nil
}
