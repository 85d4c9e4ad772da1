// Package rpc is the downstream JSON-RPC 2.0 surface: the wire protocol,
// the method dispatcher, and the WebSocket and line-delimited TCP
// transports clients connect through.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes. The -32000 block carries gateway semantics.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeNotAuthenticated = -32000
	CodeRateLimited      = -32001
	CodePermissionDenied = -32002
	CodeSessionExpired   = -32003
	CodeGatewayError     = -32004
	CodeTargetUnknown    = -32005
	CodeTimeout          = -32006
)

// Request is one JSON-RPC 2.0 call. A nil ID marks a notification; a
// literal null id is a call whose response carries a null id.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool { return r.ID == nil }

// validate enforces the strict 2.0 shape. The returned id is what an
// error response should echo: the request's id when its form is legal,
// null otherwise.
func (r *Request) validate() (json.RawMessage, *Error) {
	id := r.ID
	if id != nil && !validID(id) {
		return nil, &Error{Code: CodeInvalidRequest, Message: "id must be a string, an integer, or null"}
	}
	if r.JSONRPC != "2.0" {
		return id, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if r.Method == "" {
		return id, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	if r.Params != nil && !validParams(r.Params) {
		return id, &Error{Code: CodeInvalidParams, Message: "params must be an object or an array"}
	}
	return id, nil
}

// validID accepts strings, integers, and null. Fractional or exponent
// numbers are rejected.
func validID(raw json.RawMessage) bool {
	tok := bytes.TrimSpace(raw)
	if len(tok) == 0 {
		return false
	}
	switch tok[0] {
	case '"':
		var s string
		return json.Unmarshal(tok, &s) == nil
	case 'n':
		return bytes.Equal(tok, []byte("null"))
	}
	if tok[0] == '-' || (tok[0] >= '0' && tok[0] <= '9') {
		return !bytes.ContainsAny(tok, ".eE") && json.Valid(tok)
	}
	return false
}

func validParams(raw json.RawMessage) bool {
	tok := bytes.TrimSpace(raw)
	return len(tok) > 0 && (tok[0] == '{' || tok[0] == '[')
}

// Error is the JSON-RPC error member.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is one JSON-RPC reply. Exactly one of Result and Err is set;
// ID echoes the request id and is null when it could not be recovered.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// resultResponse marshals v as the result member. A value that cannot
// marshal becomes an internal error so the client always gets an answer.
func resultResponse(id json.RawMessage, v interface{}) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(id, &Error{Code: CodeInternal, Message: "result serialization failed"})
	}
	return &Response{JSONRPC: "2.0", Result: raw, ID: idOrNull(id)}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: "2.0", Err: e, ID: idOrNull(id)}
}

// idOrNull keeps the id member present even when the request's id never
// parsed.
func idOrNull(id json.RawMessage) json.RawMessage {
	if id == nil {
		return json.RawMessage("null")
	}
	return id
}

// Notification is a server-to-client event push: a request without an
// id, method named after the event type.
func notification(method string, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Request{JSONRPC: "2.0", Method: method, Params: raw})
}

// parseRequest distinguishes unparseable text from parseable text of the
// wrong shape, per the 2.0 error table.
func parseRequest(raw []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		if !json.Valid(raw) {
			return nil, &Error{Code: CodeParse, Message: "parse error"}
		}
		return nil, &Error{Code: CodeInvalidRequest, Message: "request must be an object"}
	}
	return &req, nil
}

// splitBatch detects and splits a batch envelope. A batch must contain
// at least one element.
func splitBatch(raw []byte) (elems []json.RawMessage, isBatch bool, e *Error) {
	tok := bytes.TrimSpace(raw)
	if len(tok) == 0 || tok[0] != '[' {
		return nil, false, nil
	}
	if err := json.Unmarshal(tok, &elems); err != nil {
		return nil, true, &Error{Code: CodeParse, Message: "parse error"}
	}
	if len(elems) == 0 {
		return nil, true, &Error{Code: CodeInvalidRequest, Message: "empty batch"}
	}
	return elems, true, nil
}
