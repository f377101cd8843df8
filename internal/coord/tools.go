package coord

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcushq/marcus/internal/ai"
	"github.com/marcushq/marcus/internal/events"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/format"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/lifecycle"
	"github.com/marcushq/marcus/internal/mcp"
)

// registerTools declares the coordination tool surface. Order here is the
// order tools/list reports.
func (s *Server) registerTools() {
	s.register(mcp.Tool{
		Name:        "register_agent",
		Description: "Register a worker agent with its role and skills. Required before requesting tasks; re-registering refreshes the profile.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id": {Type: "string", Description: "Stable agent identifier, e.g. 'agent-1'"},
				"name":     {Type: "string", Description: "Display name"},
				"role":     {Type: "string", Description: "Agent role, e.g. 'backend developer'"},
				"skills":   {Type: "array", Description: "Skill tags matched against task labels", Items: &mcp.PropertySchema{Type: "string"}},
				"capacity": {Type: "number", Description: "Concurrent task capacity (default 1)"},
			},
			Required: []string{"agent_id", "name", "role"},
		},
	}, s.handleRegisterAgent)

	s.register(mcp.Tool{
		Name:        "get_agent_status",
		Description: "Return an agent's roster profile and current assignment, if any.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id": {Type: "string", Description: "Agent to look up"},
			},
			Required: []string{"agent_id"},
		},
	}, s.handleAgentStatus)

	s.register(mcp.Tool{
		Name:        "list_registered_agents",
		Description: "List every registered agent with its current workload.",
		InputSchema: &mcp.InputSchema{Type: "object"},
	}, s.handleListAgents)

	s.register(mcp.Tool{
		Name:        "request_next_task",
		Description: "Request the best available task for an agent. Grants at most one task per agent; returns task null when nothing suits.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id": {Type: "string", Description: "Registered agent requesting work"},
			},
			Required: []string{"agent_id"},
		},
	}, s.handleRequestNextTask)

	s.register(mcp.Tool{
		Name:        "report_task_progress",
		Description: "Report progress on the agent's assigned task. Status completed releases the assignment.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id": {Type: "string", Description: "Reporting agent"},
				"task_id":  {Type: "string", Description: "Task being worked"},
				"status":   {Type: "string", Description: "Task state", Enum: []string{lifecycle.StatusInProgress, lifecycle.StatusCompleted, lifecycle.StatusBlocked}},
				"progress": {Type: "number", Description: "Percent complete, 0-100"},
				"message":  {Type: "string", Description: "Free-form progress note"},
			},
			Required: []string{"agent_id", "task_id", "status"},
		},
	}, s.handleReportProgress)

	s.register(mcp.Tool{
		Name:        "report_blocker",
		Description: "Report a blocker on the agent's assigned task. Marks the task blocked and returns resolution suggestions.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"agent_id":            {Type: "string", Description: "Blocked agent"},
				"task_id":             {Type: "string", Description: "Blocked task"},
				"blocker_description": {Type: "string", Description: "What is blocking progress"},
				"severity":            {Type: "string", Description: "Blocker severity (default MEDIUM)", Enum: []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}},
			},
			Required: []string{"agent_id", "task_id", "blocker_description"},
		},
	}, s.handleReportBlocker)

	s.register(mcp.Tool{
		Name:        "get_project_status",
		Description: "Return the project rollup: counts, progress percent, velocity, and risk level.",
		InputSchema: &mcp.InputSchema{Type: "object"},
	}, s.handleProjectStatus)

	s.register(mcp.Tool{
		Name:        "create_project",
		Description: "Expand a natural-language description into kanban tasks and create them on the board.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"project_name": {Type: "string", Description: "Project name"},
				"description":  {Type: "string", Description: "What the project should deliver"},
				"options":      {Type: "object", Description: "Expansion options: template ('default' or 'feature') and max_tasks"},
			},
			Required: []string{"project_name", "description"},
		},
	}, s.handleCreateProject)

	s.register(mcp.Tool{
		Name:        "add_feature",
		Description: "Expand a feature description into additive tasks on the existing board.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"feature_description": {Type: "string", Description: "What the feature should do"},
				"integration_point":   {Type: "string", Description: "Where the feature hooks into the project"},
			},
			Required: []string{"feature_description"},
		},
	}, s.handleAddFeature)

	s.register(mcp.Tool{
		Name:        "ping",
		Description: "Health check. Echoes the optional payload with server status.",
		InputSchema: &mcp.InputSchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"echo": {Type: "string", Description: "Payload echoed back"},
			},
		},
	}, s.handlePing)

	s.register(mcp.Tool{
		Name:        "check_assignment_health",
		Description: "Report reconciliation health: sync state, correction counts, assignment totals, and circuit breaker states.",
		InputSchema: &mcp.InputSchema{Type: "object"},
	}, s.handleAssignmentHealth)
}

type registerAgentArgs struct {
	AgentID  string   `json:"agent_id"`
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Skills   []string `json:"skills"`
	Capacity int      `json:"capacity"`
}

func (s *Server) handleRegisterAgent(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args registerAgentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.AgentID == "" {
		return nil, fault.Invalid("agent_id is required")
	}
	if args.Name == "" {
		return nil, fault.Invalid("name is required")
	}
	if args.Role == "" {
		return nil, fault.Invalid("role is required")
	}
	agent, err := s.registry.Register(args.AgentID, args.Name, args.Role, args.Skills, args.Capacity)
	if err != nil {
		return nil, fault.Invalid(err.Error(), fault.WithCause(err))
	}
	s.emit(events.AgentRegistered, map[string]any{
		"agent_id": agent.AgentID,
		"role":     agent.Role,
		"skills":   agent.Skills,
	})
	return map[string]any{"agent": agent}, nil
}

type agentIDArgs struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAgentStatus(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args agentIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.AgentID == "" {
		return nil, fault.Invalid("agent_id is required")
	}
	agent, ok := s.registry.Get(args.AgentID)
	if !ok {
		return nil, fault.Invalid(fmt.Sprintf("agent %s is not registered", args.AgentID),
			fault.WithRemediation(&fault.Remediation{Immediate: "call register_agent first"}))
	}
	fields := map[string]any{"agent": agent, "assignment": nil}
	if rec, held := s.ledger.Get(args.AgentID); held {
		fields["assignment"] = rec
	}
	return fields, nil
}

func (s *Server) handleListAgents(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	agents := s.registry.List()
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (s *Server) handleRequestNextTask(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args agentIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.AgentID == "" {
		return nil, fault.Invalid("agent_id is required")
	}
	res, err := s.engine.Assign(ctx, args.AgentID)
	if err != nil {
		s.emit(events.AssignmentDenied, map[string]any{
			"agent_id": args.AgentID,
			"reason":   err.Error(),
		})
		return nil, err
	}
	if !res.Assigned {
		s.emit(events.AssignmentDenied, map[string]any{
			"agent_id": args.AgentID,
			"reason":   res.Message,
		})
		return asFields(res)
	}
	s.emit(events.AssignmentGranted, map[string]any{
		"agent_id": args.AgentID,
		"task_id":  res.Task.ID,
		"score":    res.Score,
	})
	return asFields(res)
}

type reportProgressArgs struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

func (s *Server) handleReportProgress(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args reportProgressArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.AgentID == "" {
		return nil, fault.Invalid("agent_id is required")
	}
	if args.TaskID == "" {
		return nil, fault.Invalid("task_id is required")
	}
	if args.Status == "" {
		return nil, fault.Invalid("status is required")
	}
	err := s.tasks.ReportProgress(ctx, lifecycle.Progress{
		AgentID: args.AgentID,
		TaskID:  args.TaskID,
		Status:  args.Status,
		Percent: args.Progress,
		Message: args.Message,
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.ProgressReported, map[string]any{
		"agent_id": args.AgentID,
		"task_id":  args.TaskID,
		"status":   args.Status,
		"progress": args.Progress,
	})
	return map[string]any{
		"task_id":  args.TaskID,
		"status":   args.Status,
		"progress": args.Progress,
	}, nil
}

type reportBlockerArgs struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Description string `json:"blocker_description"`
	Severity    string `json:"severity"`
}

func (s *Server) handleReportBlocker(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args reportBlockerArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.AgentID == "" {
		return nil, fault.Invalid("agent_id is required")
	}
	if args.TaskID == "" {
		return nil, fault.Invalid("task_id is required")
	}
	if args.Description == "" {
		return nil, fault.Invalid("blocker_description is required")
	}
	suggestions, err := s.tasks.ReportBlocker(ctx, args.AgentID, args.TaskID, args.Description, args.Severity)
	if err != nil {
		return nil, err
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	s.emit(events.BlockerReported, map[string]any{
		"agent_id": args.AgentID,
		"task_id":  args.TaskID,
		"severity": args.Severity,
	})
	return map[string]any{
		"task_id":     args.TaskID,
		"suggestions": suggestions,
	}, nil
}

func (s *Server) handleProjectStatus(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	st, err := s.project.Status(ctx)
	if err != nil {
		return nil, err
	}
	return asFields(st)
}

type createProjectArgs struct {
	ProjectName string         `json:"project_name"`
	Description string         `json:"description"`
	Options     map[string]any `json:"options"`
}

func (s *Server) handleCreateProject(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args createProjectArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.ProjectName == "" {
		return nil, fault.Invalid("project_name is required")
	}
	if args.Description == "" {
		return nil, fault.Invalid("description is required")
	}
	if s.ai == nil {
		return nil, fault.Config("no AI provider configured",
			fault.WithRemediation(&fault.Remediation{Immediate: "set ai.provider in the configuration"}))
	}
	exp, err := s.ai.ExpandProject(ctx, args.ProjectName, args.Description, args.Options)
	if err != nil {
		return nil, err
	}
	created, batch := s.createTasks(ctx, exp)
	if len(created) == 0 {
		return nil, fault.Kanban("task creation failed for every draft",
			fault.WithIntegration("kanban:"+s.board.Name()),
			fault.WithCustom("batch", batch.Summary))
	}
	s.project.Invalidate()
	s.emit(events.ProjectCreated, map[string]any{
		"project":       args.ProjectName,
		"tasks_created": len(created),
		"tasks_failed":  batch.Summary.Errors,
	})
	return map[string]any{
		"project": args.ProjectName,
		"summary": exp.Summary,
		"tasks":   created,
		"batch":   batch,
	}, nil
}

type addFeatureArgs struct {
	Description      string `json:"feature_description"`
	IntegrationPoint string `json:"integration_point"`
}

func (s *Server) handleAddFeature(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args addFeatureArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
	}
	if args.Description == "" {
		return nil, fault.Invalid("feature_description is required")
	}
	if s.ai == nil {
		return nil, fault.Config("no AI provider configured",
			fault.WithRemediation(&fault.Remediation{Immediate: "set ai.provider in the configuration"}))
	}
	point := args.IntegrationPoint
	if point == "" {
		point = "the current project"
	}
	exp, err := s.ai.ExpandProject(ctx, point, args.Description, map[string]any{"template": "feature"})
	if err != nil {
		return nil, err
	}
	created, batch := s.createTasks(ctx, exp)
	if len(created) == 0 {
		return nil, fault.Kanban("task creation failed for every draft",
			fault.WithIntegration("kanban:"+s.board.Name()),
			fault.WithCustom("batch", batch.Summary))
	}
	s.project.Invalidate()
	s.emit(events.FeatureAdded, map[string]any{
		"integration_point": args.IntegrationPoint,
		"tasks_created":     len(created),
		"tasks_failed":      batch.Summary.Errors,
	})
	return map[string]any{
		"summary": exp.Summary,
		"tasks":   created,
		"batch":   batch,
	}, nil
}

type pingArgs struct {
	Echo string `json:"echo"`
}

func (s *Server) handlePing(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args pingArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fault.Invalid("invalid arguments: "+err.Error(), fault.WithCause(err))
		}
	}
	return map[string]any{
		"status":    "online",
		"echo":      args.Echo,
		"timestamp": s.clk.Now().UTC(),
	}, nil
}

func (s *Server) handleAssignmentHealth(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	fields, err := asFields(s.recon.State())
	if err != nil {
		return nil, err
	}
	fields["active_assignments"] = s.ledger.Len()
	fields["registered_agents"] = s.registry.Len()
	if s.breakers != nil {
		fields["circuit_breakers"] = s.breakers.Snapshots()
	}
	return fields, nil
}

// createdTask is the per-draft outcome included in batch responses.
type createdTask struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// createTasks lands an expansion on the board in batch order. Drafts name
// their dependencies by draft name; each create rewrites them to the board
// ids minted earlier in the batch. A failed draft is recorded and skipped,
// and its dependents lose that edge.
func (s *Server) createTasks(ctx context.Context, exp ai.Expansion) ([]createdTask, format.BatchResult) {
	agg := fault.NewAggregator("create_tasks")
	ids := make(map[string]string, len(exp.Tasks))
	created := make([]createdTask, 0, len(exp.Tasks))
	for _, draft := range exp.Tasks {
		deps := make([]string, 0, len(draft.Dependencies))
		for _, name := range draft.Dependencies {
			if id, ok := ids[name]; ok {
				deps = append(deps, id)
			}
		}
		data := kanban.NewTask{
			Name:           draft.Name,
			Description:    draft.Description,
			Labels:         draft.Labels,
			Dependencies:   deps,
			EstimatedHours: draft.EstimatedHours,
		}
		if draft.Priority != "" {
			data.Priority = kanban.ParsePriority(draft.Priority)
		}
		task, err := s.board.CreateTask(ctx, data)
		if err != nil {
			agg.Record(draft.Name, err)
			continue
		}
		agg.Success()
		ids[draft.Name] = task.ID
		created = append(created, createdTask{ID: task.ID, Name: task.Name})
	}
	return created, s.fmtr.Batch(agg)
}
