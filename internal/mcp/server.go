package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/marcushq/marcus/internal/log"
)

// ToolHandler handles one tool call. It receives the raw JSON arguments
// and returns a result or an error; errors become IsError tool results,
// never RPC errors, so agents always get a parseable body back.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server speaks MCP over stdio or HTTP. Tools are registered before
// serving; the listing order follows registration order.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	handlers     map[string]ToolHandler
	order        []string

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates an MCP server identified by name and version.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterTool registers a tool and its handler. Re-registering a name
// replaces the handler but keeps the original listing position.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "registered tool", "name", tool.Name)
}

// Serve reads newline-delimited JSON-RPC from stdin and writes responses
// to stdout. It returns when the input closes or the server is stopped.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Handler returns the HTTP handler for MCP-over-HTTP: a single POST
// endpoint taking one JSON-RPC message per request.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		response := s.handleRequestBytes(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(response); err != nil {
			log.Debug(log.CatMCP, "failed to write response", "error", err)
		}
	})
}

// handleRequestBytes processes one JSON-RPC message and returns the
// response bytes. Notifications return an empty object.
func (s *Server) handleRequestBytes(ctx context.Context, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		errResp := NewErrorResponse(nil, NewParseError(err.Error()))
		data, _ := json.Marshal(errResp)
		return data
	}

	if !isRequest(&req) {
		s.handleNotification(&req)
		return []byte("{}")
	}

	resp := s.dispatch(ctx, &req)
	data, _ := json.Marshal(resp)
	return data
}

// Stop cancels the server context. An in-flight tool call observes the
// cancellation through its ctx.
func (s *Server) Stop() {
	s.cancel()
}

// run is the stdio loop.
func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Agents send whole task descriptions in one line; allow up to 1MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		if isRequest(&req) {
			s.send(s.dispatch(s.ctx, &req))
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// isRequest reports whether the message expects a response. json.RawMessage
// is a byte slice, so a present, non-null ID means request.
func isRequest(req *Request) bool {
	return len(req.ID) > 0 && string(req.ID) != "null"
}

// dispatch routes one request to its method handler and builds the
// response.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	log.Debug(log.CatMCP, "handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList(req.Params)
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// handleNotification processes a notification; no response is sent.
func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "client initialized")

	case "notifications/cancelled":
		log.Debug(log.CatMCP, "request cancelled")

	default:
		// JSON-RPC forbids replying to notifications, unknown ones included.
		log.Debug(log.CatMCP, "unknown notification", "method", req.Method)
	}
}

// handleInitialize answers the handshake with the server's identity and
// its tools-only capability set.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	return result, nil
}

// handleToolsList returns the registered tools in registration order.
func (s *Server) handleToolsList(_ json.RawMessage) (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}

	return ToolsListResult{Tools: tools}, nil
}

// handleToolsCall invokes a tool. Handler errors come back as IsError
// tool results so the agent sees a structured failure, not an RPC fault.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "calling tool", "name", p.Name)

	result, err := handler(ctx, p.Arguments)
	if err != nil {
		log.Debug(log.CatMCP, "tool execution failed", "name", p.Name, "error", err)
		return ErrorResult(err.Error()), nil
	}

	return result, nil
}

// sendError writes an error response to the stdio transport.
func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	s.send(NewErrorResponse(id, err))
}

// send marshals and writes one newline-delimited response.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "failed to write response", "error", err)
	}
}
