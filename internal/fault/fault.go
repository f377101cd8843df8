// Package fault is the error substrate for the marcus server. Every failure
// surfaced by the core is a tagged *Error carrying a category, severity,
// retryability, correlation id, and the operation context it escaped from.
// The package also provides the recovery primitives wrapped around every
// external call: retry, circuit breaker, fallback, and batch aggregation.
package fault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category is the coarse error classification that drives recovery policy.
type Category string

const (
	CategoryTransient     Category = "TRANSIENT"
	CategoryConfiguration Category = "CONFIGURATION"
	CategoryBusinessLogic Category = "BUSINESS_LOGIC"
	CategoryIntegration   Category = "INTEGRATION"
	CategorySecurity      Category = "SECURITY"
	CategorySystem        Category = "SYSTEM"
)

// Severity ranks operational impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Code identifies the concrete error variant within a category.
type Code string

const (
	// TRANSIENT
	NetworkTimeout     Code = "NETWORK_TIMEOUT"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	RateLimit          Code = "RATE_LIMIT"
	TemporaryResource  Code = "TEMPORARY_RESOURCE"

	// CONFIGURATION
	MissingCredentials   Code = "MISSING_CREDENTIALS"
	InvalidConfiguration Code = "INVALID_CONFIGURATION"
	MissingDependency    Code = "MISSING_DEPENDENCY"
	Environment          Code = "ENVIRONMENT"

	// BUSINESS_LOGIC
	TaskAssignment    Code = "TASK_ASSIGNMENT"
	WorkflowViolation Code = "WORKFLOW_VIOLATION"
	Validation        Code = "VALIDATION"
	StateConflict     Code = "STATE_CONFLICT"

	// INTEGRATION
	KanbanIntegration Code = "KANBAN_INTEGRATION"
	AIProvider        Code = "AI_PROVIDER"
	Authentication    Code = "AUTHENTICATION"
	ExternalService   Code = "EXTERNAL_SERVICE"

	// SECURITY
	Authorization     Code = "AUTHORIZATION"
	WorkspaceSecurity Code = "WORKSPACE_SECURITY"
	Permission        Code = "PERMISSION"

	// SYSTEM
	ResourceExhaustion Code = "RESOURCE_EXHAUSTION"
	CorruptedState     Code = "CORRUPTED_STATE"
	Database           Code = "DATABASE"
	CriticalDependency Code = "CRITICAL_DEPENDENCY"
)

type defaults struct {
	category  Category
	severity  Severity
	retryable bool
}

// variants maps each code to its default classification. Severity and
// retryability are defaults, not subclass behavior: options override them.
var variants = map[Code]defaults{
	NetworkTimeout:     {CategoryTransient, SeverityMedium, true},
	ServiceUnavailable: {CategoryTransient, SeverityMedium, true},
	RateLimit:          {CategoryTransient, SeverityMedium, true},
	TemporaryResource:  {CategoryTransient, SeverityMedium, true},

	MissingCredentials:   {CategoryConfiguration, SeverityHigh, false},
	InvalidConfiguration: {CategoryConfiguration, SeverityHigh, false},
	MissingDependency:    {CategoryConfiguration, SeverityHigh, false},
	Environment:          {CategoryConfiguration, SeverityHigh, false},

	TaskAssignment:    {CategoryBusinessLogic, SeverityMedium, false},
	WorkflowViolation: {CategoryBusinessLogic, SeverityMedium, false},
	Validation:        {CategoryBusinessLogic, SeverityMedium, false},
	StateConflict:     {CategoryBusinessLogic, SeverityMedium, false},

	KanbanIntegration: {CategoryIntegration, SeverityMedium, true},
	AIProvider:        {CategoryIntegration, SeverityMedium, true},
	Authentication:    {CategoryIntegration, SeverityMedium, false},
	ExternalService:   {CategoryIntegration, SeverityMedium, true},

	Authorization:     {CategorySecurity, SeverityCritical, false},
	WorkspaceSecurity: {CategorySecurity, SeverityCritical, false},
	Permission:        {CategorySecurity, SeverityCritical, false},

	ResourceExhaustion: {CategorySystem, SeverityCritical, false},
	CorruptedState:     {CategorySystem, SeverityCritical, false},
	Database:           {CategorySystem, SeverityCritical, false},
	CriticalDependency: {CategorySystem, SeverityCritical, false},
}

// CategoryOf returns the default category for a code. Unknown codes map to
// SYSTEM so nothing silently downgrades.
func CategoryOf(code Code) Category {
	if d, ok := variants[code]; ok {
		return d.category
	}
	return CategorySystem
}

// Context records where an error happened.
type Context struct {
	Operation   string         `json:"operation,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Integration string         `json:"integration_name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Custom      map[string]any `json:"custom,omitempty"`
}

// Remediation carries recovery guidance attached to an error.
type Remediation struct {
	Immediate     string     `json:"immediate,omitempty"`
	LongTerm      string     `json:"long_term,omitempty"`
	Fallback      string     `json:"fallback,omitempty"`
	RetryStrategy string     `json:"retry_strategy,omitempty"`
	Escalation    string     `json:"escalation,omitempty"`
	NextAttempt   *time.Time `json:"next_attempt_time,omitempty"`
}

// Error is the tagged error value used throughout the server.
type Error struct {
	Message       string
	Code          Code
	Category      Category
	Severity      Severity
	Retryable     bool
	CorrelationID string
	Context       Context
	Remediation   *Remediation
	Cause         error
}

// Error renders "CODE: message" with the cause chain appended.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Critical reports whether this error carries CRITICAL severity.
func (e *Error) Critical() bool { return e.Severity == SeverityCritical }

// Option mutates a freshly constructed Error.
type Option func(*Error)

// WithCause attaches the underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.Cause = err }
}

// WithOperation sets the originating operation name.
func WithOperation(op string) Option {
	return func(e *Error) { e.Context.Operation = op }
}

// WithAgent tags the error with an agent id.
func WithAgent(agentID string) Option {
	return func(e *Error) { e.Context.AgentID = agentID }
}

// WithTask tags the error with a task id.
func WithTask(taskID string) Option {
	return func(e *Error) { e.Context.TaskID = taskID }
}

// WithIntegration names the external dependency involved.
func WithIntegration(name string) Option {
	return func(e *Error) { e.Context.Integration = name }
}

// WithSeverity overrides the variant's default severity.
func WithSeverity(s Severity) Option {
	return func(e *Error) { e.Severity = s }
}

// WithRetryable overrides the variant's default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.Retryable = retryable }
}

// WithCustom attaches an arbitrary context key/value pair.
func WithCustom(key string, value any) Option {
	return func(e *Error) {
		if e.Context.Custom == nil {
			e.Context.Custom = make(map[string]any)
		}
		e.Context.Custom[key] = value
	}
}

// WithRemediation attaches recovery guidance.
func WithRemediation(r *Remediation) Option {
	return func(e *Error) { e.Remediation = r }
}

// New constructs a tagged error for the given variant.
func New(code Code, msg string, opts ...Option) *Error {
	d, ok := variants[code]
	if !ok {
		d = defaults{CategorySystem, SeverityCritical, false}
	}
	e := &Error{
		Message:       msg,
		Code:          code,
		Category:      d.category,
		Severity:      d.severity,
		Retryable:     d.retryable,
		CorrelationID: uuid.NewString(),
		Context:       Context{Timestamp: time.Now().UTC()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf is New with printf-style message formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Kanban constructs a KANBAN_INTEGRATION error.
func Kanban(msg string, opts ...Option) *Error { return New(KanbanIntegration, msg, opts...) }

// AI constructs an AI_PROVIDER error.
func AI(msg string, opts ...Option) *Error { return New(AIProvider, msg, opts...) }

// Integration constructs a generic EXTERNAL_SERVICE error.
func Integration(msg string, opts ...Option) *Error { return New(ExternalService, msg, opts...) }

// Assignment constructs a TASK_ASSIGNMENT business error.
func Assignment(msg string, opts ...Option) *Error { return New(TaskAssignment, msg, opts...) }

// Invalid constructs a VALIDATION business error.
func Invalid(msg string, opts ...Option) *Error { return New(Validation, msg, opts...) }

// Config constructs an INVALID_CONFIGURATION error.
func Config(msg string, opts ...Option) *Error { return New(InvalidConfiguration, msg, opts...) }

// As extracts the tagged error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Wrap converts a foreign error into an EXTERNAL_SERVICE tagged error. A
// chain that already carries a tagged error is returned unchanged so tags
// assigned close to the failure win.
func Wrap(err error, msg string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	return New(ExternalService, msg, append([]Option{WithCause(err)}, opts...)...)
}
