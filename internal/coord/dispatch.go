package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/mcp"
	"github.com/marcushq/marcus/internal/tracing"
)

// handlerFunc is the inner tool handler shape: raw arguments in, response
// fields out. The dispatch wrapper owns scope, span, recording, and the
// envelopes.
type handlerFunc func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// scopedIDs are the argument keys shared across tools, pre-parsed so the
// operation scope and span carry them even when the handler later rejects
// the arguments.
type scopedIDs struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

// register wires one tool through the dispatch wrapper into the MCP server
// and keeps the wrapped handler addressable for tests.
func (s *Server) register(tool mcp.Tool, fn handlerFunc) {
	h := s.dispatch(tool.Name, fn)
	s.handlers[tool.Name] = h
	s.mcp.RegisterTool(tool, h)
}

// dispatch wraps a handler with the per-call discipline: operation scope,
// tracing span, panic containment, monitor recording, and the structured
// response envelopes. Handler errors become error envelopes in the tool
// result, never RPC faults.
func (s *Server) dispatch(tool string, fn handlerFunc) mcp.ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
		var ids scopedIDs
		if len(args) > 0 {
			// Best effort; strict validation happens in the handler.
			_ = json.Unmarshal(args, &ids)
		}
		var scopeOpts []fault.ScopeOption
		if ids.AgentID != "" {
			scopeOpts = append(scopeOpts, fault.ScopeAgent(ids.AgentID))
		}
		if ids.TaskID != "" {
			scopeOpts = append(scopeOpts, fault.ScopeTask(ids.TaskID))
		}
		ctx = fault.WithScope(ctx, tool, scopeOpts...)
		scope, _ := fault.ScopeFrom(ctx)

		ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixTool+tool,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		attrs := []attribute.KeyValue{
			attribute.String(tracing.AttrToolName, tool),
			attribute.String(tracing.AttrOperationID, scope.OperationID),
		}
		if ids.AgentID != "" {
			attrs = append(attrs, attribute.String(tracing.AttrAgentID, ids.AgentID))
		}
		if ids.TaskID != "" {
			attrs = append(attrs, attribute.String(tracing.AttrTaskID, ids.TaskID))
		}
		span.SetAttributes(attrs...)

		fields, err := s.invoke(ctx, tool, fn, args)
		if err != nil {
			fault.Capture(ctx, &err)
			if s.mon != nil {
				s.mon.Record(err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn(log.CatMCP, "tool call failed", "tool", tool, "error", err)
			return s.failure(err), nil
		}
		span.SetStatus(codes.Ok, "")
		return s.success(fields)
	}
}

// invoke runs the handler with a panic guard so one bad call cannot take
// the server down. A recovered panic surfaces as a CRITICAL system error.
func (s *Server) invoke(ctx context.Context, tool string, fn handlerFunc, args json.RawMessage) (fields map[string]any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error(log.CatMCP, "tool handler panicked",
			"tool", tool, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		fields = nil
		err = fault.New(fault.CorruptedState, fmt.Sprintf("tool %s panicked: %v", tool, r))
	}()
	return fn(ctx, args)
}

// success renders handler fields in the success envelope, as text and as
// structured content.
func (s *Server) success(fields map[string]any) (*mcp.ToolCallResult, error) {
	body := s.fmtr.Result(fields)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.StructuredResult(string(data), body), nil
}

// failure renders the error envelope. The result is IsError with the same
// JSON in both text and structured form.
func (s *Server) failure(err error) *mcp.ToolCallResult {
	body := s.fmtr.Tool(err)
	data, merr := json.Marshal(body)
	if merr != nil {
		data = []byte(`{"success":false,"error":{"code":"SYSTEM_ERROR","message":"error rendering failed"}}`)
	}
	res := mcp.ErrorResult(string(data))
	res.StructuredContent = body
	return res
}

// asFields flattens a JSON-tagged struct into envelope fields.
func asFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatten result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("flatten result: %w", err)
	}
	return out, nil
}
