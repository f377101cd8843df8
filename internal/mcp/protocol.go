// Package mcp implements the Model Context Protocol transport Marcus
// speaks to its worker agents: JSON-RPC 2.0, newline-delimited over stdio
// or POSTed over HTTP. The package is transport only; tool semantics live
// with the coordination server that registers the handlers.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this server implements.
const ProtocolVersion = "2024-11-05"

// JSONRPCVersion is the JSON-RPC version string stamped on every message.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request. A missing or null ID marks it as a
// notification, which never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response carrying either a result or an error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP-specific error codes (implementation range -32000 to -32099).
const (
	ErrCodeToolNotFound   = -32001
	ErrCodeToolExecFailed = -32002
)

// NewParseError builds a parse error.
func NewParseError(data any) *RPCError {
	return &RPCError{Code: ErrCodeParseError, Message: "Parse error", Data: data}
}

// NewInvalidRequest builds an invalid request error.
func NewInvalidRequest(data any) *RPCError {
	return &RPCError{Code: ErrCodeInvalidRequest, Message: "Invalid Request", Data: data}
}

// NewMethodNotFound builds a method not found error.
func NewMethodNotFound(method string) *RPCError {
	return &RPCError{Code: ErrCodeMethodNotFound, Message: "Method not found", Data: method}
}

// NewInvalidParams builds an invalid params error.
func NewInvalidParams(data any) *RPCError {
	return &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: data}
}

// NewInternalError builds an internal error.
func NewInternalError(message string) *RPCError {
	return &RPCError{Code: ErrCodeInternalError, Message: message}
}

// NewToolNotFound builds a tool not found error.
func NewToolNotFound(toolName string) *RPCError {
	return &RPCError{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("Unknown tool: %s", toolName), Data: toolName}
}

// NewToolExecFailed builds a tool execution failed error.
func NewToolExecFailed(message string) *RPCError {
	return &RPCError{Code: ErrCodeToolExecFailed, Message: message}
}

// InitializeParams carries the client's half of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapability   `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapability   `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ClientCapability describes what the connecting agent supports. Marcus
// only needs to know the client exists; unknown capabilities are ignored.
type ClientCapability struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// RootsCapability indicates filesystem root support.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability indicates LLM sampling request support.
type SamplingCapability struct{}

// ServerCapability describes what this server supports. Marcus is a
// tools-only server.
type ServerCapability struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability indicates callable tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ImplementationInfo identifies an MCP implementation by name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// Tool describes one callable tool for tools/list.
type Tool struct {
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description"`
	InputSchema *InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON Schema for a tool's arguments.
type InputSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]*PropertySchema `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// PropertySchema describes a single schema property.
type PropertySchema struct {
	Type        string                     `json:"type"`
	Description string                     `json:"description,omitempty"`
	Enum        []string                   `json:"enum,omitempty"`
	Properties  map[string]*PropertySchema `json:"properties,omitempty"`
	Items       *PropertySchema            `json:"items,omitempty"`
	Required    []string                   `json:"required,omitempty"`
}

// ToolsListResult is the tools/list response.
type ToolsListResult struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// ToolCallParams are the tools/call parameters.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the tools/call response. Tool-level failures set
// IsError and describe the failure in Content; they are not RPC errors.
type ToolCallResult struct {
	Content           []ContentItem `json:"content"`
	IsError           bool          `json:"isError,omitempty"`
	StructuredContent any           `json:"structuredContent,omitempty"`
}

// ContentItem is a single content block in a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content item.
func TextContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// SuccessResult builds a successful tool result with text content.
func SuccessResult(text string) *ToolCallResult {
	return &ToolCallResult{
		Content: []ContentItem{TextContent(text)},
		IsError: false,
	}
}

// ErrorResult builds a failed tool result with text content.
func ErrorResult(text string) *ToolCallResult {
	return &ToolCallResult{
		Content: []ContentItem{TextContent(text)},
		IsError: true,
	}
}

// StructuredResult builds a successful tool result carrying both a text
// rendering and the structured value.
func StructuredResult(text string, structured any) *ToolCallResult {
	return &ToolCallResult{
		Content:           []ContentItem{TextContent(text)},
		IsError:           false,
		StructuredContent: structured,
	}
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, err *RPCError) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}
