// Package format renders tagged errors and results into the server's target
// shapes: tool-call responses, HTTP bodies, user text, log and monitor
// records, and debug dumps. Rendering is pure; no recovery policy lives
// here.
package format

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/marcushq/marcus/internal/fault"
)

// DefaultMaxMessage bounds rendered messages before truncation.
const DefaultMaxMessage = 500

// Formatter renders errors and payloads. The zero value is not usable; call
// New.
type Formatter struct {
	// MaxMessageLength truncates rendered messages; longer ones get an
	// ellipsis.
	MaxMessageLength int
}

// New returns a formatter with default limits.
func New() *Formatter {
	return &Formatter{MaxMessageLength: DefaultMaxMessage}
}

// normalize guarantees a tagged error to render.
func normalize(err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		return fe
	}
	return fault.Wrap(err, err.Error())
}

// truncate bounds msg at the configured rune length.
func (f *Formatter) truncate(msg string) string {
	max := f.MaxMessageLength
	if max <= 0 {
		max = DefaultMaxMessage
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max]) + "..."
}

// ErrorBody is the error payload embedded in tool responses.
type ErrorBody struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Retryable   bool           `json:"retryable"`
	Context     map[string]any `json:"context,omitempty"`
	Remediation map[string]any `json:"remediation,omitempty"`
}

// ToolError is the tool-call failure envelope.
type ToolError struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// Tool renders the tool-call failure shape.
func (f *Formatter) Tool(err error) ToolError {
	fe := normalize(err)
	return ToolError{
		Success: false,
		Error: ErrorBody{
			Code:        string(fe.Code),
			Message:     f.truncate(fe.Message),
			Type:        string(fe.Category),
			Severity:    string(fe.Severity),
			Retryable:   fe.Retryable,
			Context:     contextMap(fe),
			Remediation: remediationMap(fe.Remediation),
		},
	}
}

// Result renders a tool-call success envelope around sanitized fields.
func (f *Formatter) Result(fields map[string]any) map[string]any {
	out := map[string]any{"success": true}
	for k, v := range fields {
		if SensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = Sanitize(v)
	}
	return out
}

// HTTPMeta carries classification metadata in HTTP error bodies.
type HTTPMeta struct {
	Severity    string    `json:"severity"`
	Category    string    `json:"category"`
	Retryable   bool      `json:"retryable"`
	Timestamp   time.Time `json:"timestamp"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

// HTTPSource names where the error originated.
type HTTPSource struct {
	Operation string `json:"operation,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Task      string `json:"task,omitempty"`
}

// HTTPBody is the inner HTTP error object.
type HTTPBody struct {
	ID     string     `json:"id"`
	Status int        `json:"status"`
	Code   string     `json:"code"`
	Title  string     `json:"title"`
	Detail string     `json:"detail"`
	Meta   HTTPMeta   `json:"meta"`
	Source HTTPSource `json:"source"`
}

// HTTPError is the HTTP failure envelope.
type HTTPError struct {
	Error HTTPBody `json:"error"`
}

// HTTP renders the HTTP shape and its status code.
func (f *Formatter) HTTP(err error) (int, HTTPError) {
	fe := normalize(err)
	status := httpStatus(fe.Category)
	return status, HTTPError{
		Error: HTTPBody{
			ID:     fe.CorrelationID,
			Status: status,
			Code:   string(fe.Code),
			Title:  humanize(string(fe.Code)),
			Detail: f.truncate(fe.Message),
			Meta: HTTPMeta{
				Severity:    string(fe.Severity),
				Category:    string(fe.Category),
				Retryable:   fe.Retryable,
				Timestamp:   fe.Context.Timestamp,
				Suggestions: suggestions(fe.Remediation),
			},
			Source: HTTPSource{
				Operation: fe.Context.Operation,
				Agent:     fe.Context.AgentID,
				Task:      fe.Context.TaskID,
			},
		},
	}
}

func httpStatus(cat fault.Category) int {
	switch cat {
	case fault.CategorySecurity:
		return http.StatusForbidden
	case fault.CategoryConfiguration:
		return http.StatusBadRequest
	case fault.CategoryBusinessLogic:
		return http.StatusUnprocessableEntity
	case fault.CategoryTransient:
		return http.StatusServiceUnavailable
	case fault.CategoryIntegration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// User renders the friendly multi-line message.
func (f *Formatter) User(err error) string {
	fe := normalize(err)
	var b strings.Builder
	b.WriteString(f.truncate(fe.Message))
	if r := fe.Remediation; r != nil {
		if r.Immediate != "" {
			fmt.Fprintf(&b, "\nWhat to do: %s", r.Immediate)
		}
		if r.Fallback != "" {
			fmt.Fprintf(&b, "\nAlternative: %s", r.Fallback)
		}
	}
	if fe.Retryable {
		b.WriteString("\nRetry: this operation is safe to retry")
		if r := fe.Remediation; r != nil && r.NextAttempt != nil {
			fmt.Fprintf(&b, " after %s", r.NextAttempt.Format(time.RFC3339))
		}
	} else {
		b.WriteString("\nRetry: do not retry; the error is not transient")
	}
	return b.String()
}

// LogRecord is the flat structured log shape.
type LogRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	CorrelationID string    `json:"correlation_id"`
	Code          string    `json:"code"`
	Category      string    `json:"category"`
	Severity      string    `json:"severity"`
	Retryable     bool      `json:"retryable"`
	Message       string    `json:"message"`
	Operation     string    `json:"operation,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Integration   string    `json:"integration,omitempty"`
	CauseChain    []string  `json:"cause_chain,omitempty"`
}

// Log renders the structured log shape.
func (f *Formatter) Log(err error) LogRecord {
	fe := normalize(err)
	return LogRecord{
		Timestamp:     fe.Context.Timestamp,
		Level:         severityLevel(fe.Severity),
		CorrelationID: fe.CorrelationID,
		Code:          string(fe.Code),
		Category:      string(fe.Category),
		Severity:      string(fe.Severity),
		Retryable:     fe.Retryable,
		Message:       f.truncate(fe.Message),
		Operation:     fe.Context.Operation,
		OperationID:   fe.Context.OperationID,
		AgentID:       fe.Context.AgentID,
		TaskID:        fe.Context.TaskID,
		Integration:   fe.Context.Integration,
		CauseChain:    causeChain(fe),
	}
}

// MonitorRecord is the alerting shape.
type MonitorRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	Alert         string         `json:"alert"`
	Tags          []string       `json:"tags"`
	CorrelationID string         `json:"correlation_id"`
	Context       map[string]any `json:"context,omitempty"`
}

// Monitor renders the alert shape tagged by category, severity, and code.
func (f *Formatter) Monitor(err error) MonitorRecord {
	fe := normalize(err)
	return MonitorRecord{
		Timestamp:     fe.Context.Timestamp,
		Alert:         f.truncate(fe.Message),
		Tags:          []string{string(fe.Category), string(fe.Severity), string(fe.Code)},
		CorrelationID: fe.CorrelationID,
		Context:       contextMap(fe),
	}
}

// DebugRecord is the full dump used in diagnostics.
type DebugRecord struct {
	Error      ErrorBody `json:"error"`
	CauseChain []string  `json:"cause_chain,omitempty"`
	Stack      string    `json:"stack"`
}

// Debug renders everything, including the current stack.
func (f *Formatter) Debug(err error) DebugRecord {
	fe := normalize(err)
	body := f.Tool(err).Error
	return DebugRecord{
		Error:      body,
		CauseChain: causeChain(fe),
		Stack:      string(debug.Stack()),
	}
}

// BatchResult is the rollup shape for batch operations.
type BatchResult struct {
	Summary       fault.Summary `json:"summary"`
	Errors        []ToolError   `json:"errors"`
	HasMoreErrors bool          `json:"has_more_errors"`
}

// batchErrorCap bounds the per-batch error list.
const batchErrorCap = 10

// Batch renders a batch rollup with at most ten rendered errors.
func (f *Formatter) Batch(agg *fault.Aggregator) BatchResult {
	summary := agg.Summary()
	items := agg.Errors()
	out := BatchResult{
		Summary:       summary,
		Errors:        make([]ToolError, 0, min(len(items), batchErrorCap)),
		HasMoreErrors: len(items) > batchErrorCap,
	}
	for i, it := range items {
		if i == batchErrorCap {
			break
		}
		te := f.Tool(it.Err)
		if te.Error.Context == nil {
			te.Error.Context = map[string]any{}
		}
		te.Error.Context["item"] = it.Item
		out.Errors = append(out.Errors, te)
	}
	return out
}

// contextMap flattens error context with sanitized custom fields.
func contextMap(fe *fault.Error) map[string]any {
	out := map[string]any{}
	if fe.Context.Operation != "" {
		out["operation"] = fe.Context.Operation
	}
	if fe.Context.OperationID != "" {
		out["operation_id"] = fe.Context.OperationID
	}
	if fe.Context.AgentID != "" {
		out["agent_id"] = fe.Context.AgentID
	}
	if fe.Context.TaskID != "" {
		out["task_id"] = fe.Context.TaskID
	}
	if fe.Context.Integration != "" {
		out["integration_name"] = fe.Context.Integration
	}
	if !fe.Context.Timestamp.IsZero() {
		out["timestamp"] = fe.Context.Timestamp
	}
	out["correlation_id"] = fe.CorrelationID
	if len(fe.Context.Custom) > 0 {
		out["custom"] = Sanitize(fe.Context.Custom)
	}
	return out
}

// remediationMap keeps only populated remediation fields.
func remediationMap(r *fault.Remediation) map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{}
	if r.Immediate != "" {
		out["immediate"] = r.Immediate
	}
	if r.LongTerm != "" {
		out["long_term"] = r.LongTerm
	}
	if r.Fallback != "" {
		out["fallback"] = r.Fallback
	}
	if r.RetryStrategy != "" {
		out["retry_strategy"] = r.RetryStrategy
	}
	if r.Escalation != "" {
		out["escalation"] = r.Escalation
	}
	if r.NextAttempt != nil {
		out["next_attempt_time"] = *r.NextAttempt
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func suggestions(r *fault.Remediation) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, s := range []string{r.Immediate, r.Fallback, r.RetryStrategy, r.LongTerm} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// causeChain walks the cause links, outermost first.
func causeChain(fe *fault.Error) []string {
	var out []string
	for c := fe.Cause; c != nil; c = errors.Unwrap(c) {
		out = append(out, c.Error())
	}
	return out
}

// humanize turns SNAKE_CASE codes into title text.
func humanize(code string) string {
	words := strings.Split(strings.ToLower(code), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func severityLevel(s fault.Severity) string {
	switch s {
	case fault.SeverityCritical, fault.SeverityHigh:
		return "ERROR"
	case fault.SeverityMedium:
		return "WARNING"
	default:
		return "INFO"
	}
}
