package fault

import (
	"context"

	"github.com/google/uuid"
)

type scopeKey struct{}

// Scope is the per-operation identity flowed through context. Every tool
// dispatch opens a scope; errors escaping the operation are stamped with it.
type Scope struct {
	Operation   string
	OperationID string
	AgentID     string
	TaskID      string
}

// WithScope derives a context carrying a fresh operation scope. Agent and
// task ids from an enclosing scope are inherited unless overridden.
func WithScope(ctx context.Context, operation string, opts ...ScopeOption) context.Context {
	s := Scope{
		Operation:   operation,
		OperationID: uuid.NewString(),
	}
	if parent, ok := ScopeFrom(ctx); ok {
		s.AgentID = parent.AgentID
		s.TaskID = parent.TaskID
	}
	for _, opt := range opts {
		opt(&s)
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeOption customizes the scope being opened.
type ScopeOption func(*Scope)

// ScopeAgent records the agent the operation acts for.
func ScopeAgent(agentID string) ScopeOption {
	return func(s *Scope) { s.AgentID = agentID }
}

// ScopeTask records the task the operation acts on.
func ScopeTask(taskID string) ScopeOption {
	return func(s *Scope) { s.TaskID = taskID }
}

// ScopeFrom returns the scope carried by ctx, if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Capture stamps the error escaping an operation with the ambient scope.
// Tagged errors are enriched in place where fields are unset; foreign errors
// are wrapped first. Intended for use in a defer:
//
//	func (s *Server) assign(ctx context.Context) (err error) {
//	    ctx = fault.WithScope(ctx, "request_next_task")
//	    defer fault.Capture(ctx, &err)
//	    ...
//	}
func Capture(ctx context.Context, errp *error) {
	if errp == nil || *errp == nil {
		return
	}
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return
	}
	fe, tagged := As(*errp)
	if !tagged {
		fe = Wrap(*errp, (*errp).Error())
		*errp = fe
	}
	if fe.Context.Operation == "" {
		fe.Context.Operation = scope.Operation
	}
	if fe.Context.OperationID == "" {
		fe.Context.OperationID = scope.OperationID
	}
	if fe.Context.AgentID == "" {
		fe.Context.AgentID = scope.AgentID
	}
	if fe.Context.TaskID == "" {
		fe.Context.TaskID = scope.TaskID
	}
}
