package tracing

// Span attribute keys. These are the semantic conventions for Marcus
// spans; the coordination server stamps them on tool dispatch and the
// guarded board/AI calls.
const (
	// Tool dispatch attributes.
	AttrToolName    = "tool.name"
	AttrOperationID = "operation.id"

	// Coordination attributes.
	AttrAgentID = "agent.id"
	AttrTaskID  = "task.id"

	// Integration attributes.
	AttrBoardProvider = "board.provider"
	AttrAIProvider    = "ai.provider"

	// Error attributes.
	AttrErrorCode     = "error.code"
	AttrErrorCategory = "error.category"
)

// Span name prefixes.
const (
	SpanPrefixTool  = "tool."
	SpanPrefixBoard = "board."
	SpanPrefixAI    = "ai."
)
