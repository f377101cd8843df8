// Package coord wires the coordination tools onto the MCP transport. It
// owns the tool surface agents talk to and the background loops that keep
// board, ledger, and roster honest.
package coord

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/marcushq/marcus/internal/ai"
	"github.com/marcushq/marcus/internal/assign"
	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/events"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/format"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/lifecycle"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/mcp"
	"github.com/marcushq/marcus/internal/monitor"
	"github.com/marcushq/marcus/internal/reconcile"
	"github.com/marcushq/marcus/internal/roster"
	"github.com/marcushq/marcus/internal/snapshot"
)

// serverInstructions travels in the MCP initialize response. Per-task
// guidance is delivered with each assignment instead.
const serverInstructions = `Marcus coordination server. Call register_agent once, then loop:
request_next_task to receive work, report_task_progress as you go
(status completed when done), report_blocker when stuck. One task is
held per agent at a time.`

// Config tunes the server. Zero values get working defaults.
type Config struct {
	// Version is reported in the MCP handshake and lifecycle events.
	Version string
	// Assign tunes selection scoring and the assignment commit protocol.
	Assign assign.Config
	// Reconcile tunes the background drift sweep.
	Reconcile reconcile.Config
	// SnapshotTTL bounds the project-status cache.
	SnapshotTTL time.Duration
}

// Deps are the externally owned collaborators. Board and Ledger are
// required; the rest degrade gracefully when absent.
type Deps struct {
	Board   kanban.Provider
	Ledger  *ledger.Ledger
	AI      ai.Adapter
	Monitor *monitor.Monitor
	Events  *events.Log
	// Breakers is the registry guarding board and AI calls; when present,
	// check_assignment_health reports each breaker's state.
	Breakers *fault.BreakerSet
	Tracer   trace.Tracer
	Clock    clock.Clock
}

// Server is the coordination core behind the MCP tool surface.
type Server struct {
	cfg      Config
	mcp      *mcp.Server
	handlers map[string]mcp.ToolHandler

	board    kanban.Provider
	registry *roster.Registry
	ledger   *ledger.Ledger
	engine   *assign.Engine
	tasks    *lifecycle.Manager
	recon    *reconcile.Reconciler
	project  *snapshot.Service
	ai       ai.Adapter

	mon      *monitor.Monitor
	events   *events.Log
	breakers *fault.BreakerSet
	fmtr     *format.Formatter
	tracer   trace.Tracer
	clk      clock.Clock
}

// New assembles the server and registers its tools. The board is probed for
// task-creation support up front: a read-only backend is a configuration
// error, not something to discover on the first create_project call.
func New(cfg Config, d Deps) (*Server, error) {
	if d.Board == nil {
		return nil, fault.Config("coordination server requires a board provider")
	}
	if d.Ledger == nil {
		return nil, fault.Config("coordination server requires an assignment ledger")
	}
	if !kanban.SupportsCreate(d.Board) {
		return nil, fault.Config(
			"board provider cannot create tasks",
			fault.WithIntegration("kanban:"+d.Board.Name()),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "configure a board backend that supports task creation",
			}),
		)
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("marcus")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	registry := roster.New()
	s := &Server{
		cfg:      cfg,
		handlers: make(map[string]mcp.ToolHandler),
		board:    d.Board,
		registry: registry,
		ledger:   d.Ledger,
		engine:   assign.New(cfg.Assign, d.Board, d.Ledger, registry, d.AI, d.Clock),
		tasks:    lifecycle.New(d.Board, d.Ledger, registry, d.AI, d.Clock),
		recon:    reconcile.New(cfg.Reconcile, d.Board, d.Ledger, registry, d.Clock),
		project:  snapshot.New(d.Board, d.Clock, cfg.SnapshotTTL),
		ai:       d.AI,
		mon:      d.Monitor,
		events:   d.Events,
		breakers: d.Breakers,
		fmtr:     format.New(),
		tracer:   d.Tracer,
		clk:      d.Clock,
	}
	s.recon.OnCorrection = func(agentID, taskID, reason string) {
		s.emit(events.ReconciliationCorrected, map[string]any{
			"agent_id": agentID,
			"task_id":  taskID,
			"reason":   reason,
		})
	}
	s.mcp = mcp.NewServer("marcus", cfg.Version, mcp.WithInstructions(serverInstructions))
	s.registerTools()
	return s, nil
}

// Start launches the background loops: reconciliation, snapshot refresh,
// and the monitor-alert relay. They exit when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.recon.Run(ctx)
	go s.project.Run(ctx)
	if s.mon != nil {
		go s.relayAlerts(ctx)
	}
	s.emit(events.ServerStarted, map[string]any{
		"version": s.cfg.Version,
		"board":   s.board.Name(),
	})
	log.Info(log.CatServer, "coordination server started",
		"version", s.cfg.Version, "board", s.board.Name())
}

// Serve runs the stdio transport until the input closes or Stop is called.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	return s.mcp.Serve(stdin, stdout)
}

// Handler exposes the MCP endpoint for HTTP transports.
func (s *Server) Handler() http.Handler {
	return s.mcp.Handler()
}

// Stop records the shutdown and halts the transport.
func (s *Server) Stop() {
	s.emit(events.ServerStopped, map[string]any{"version": s.cfg.Version})
	s.mcp.Stop()
	log.Info(log.CatServer, "coordination server stopped")
}

// ApplyTuning pushes hot-reloadable settings into the running assignment
// engine and reconciler. Transports, storage, and providers are fixed for
// the life of the process.
func (s *Server) ApplyTuning(assignCfg assign.Config, reconCfg reconcile.Config) {
	s.engine.SetConfig(assignCfg)
	s.recon.SetConfig(reconCfg)
	log.Info(log.CatConfig, "assignment and reconcile tuning applied")
}

// relayAlerts forwards monitor pattern alerts onto the event stream.
func (s *Server) relayAlerts(ctx context.Context) {
	for alert := range s.mon.Alerts().Subscribe(ctx) {
		s.emit(events.PatternDetected, map[string]any{
			"pattern":     alert.Pattern.Kind,
			"key":         alert.Pattern.Key,
			"count":       alert.Pattern.Count,
			"severity":    string(alert.Pattern.Severity),
			"description": alert.Pattern.Description,
		})
	}
}

// emit appends one event to the realtime log, stamped from the server
// clock. Append failures are logged, never surfaced to the caller.
func (s *Server) emit(typ events.Type, payload map[string]any) {
	if s.events == nil {
		return
	}
	ev := events.Event{
		Timestamp: s.clk.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
	if err := s.events.Append(ev); err != nil {
		log.Warn(log.CatEvents, "event append failed", "event", string(typ), "error", err)
	}
}

// BreakerObserver returns a circuit state-change hook that lands
// transitions on the event log. Pass it to fault.NewBreaker when building
// the board and AI breakers.
func BreakerObserver(evlog *events.Log) func(name, from, to string) {
	return func(name, from, to string) {
		log.Info(log.CatMonitor, "circuit state changed",
			"breaker", name, "from", from, "to", to)
		if evlog == nil {
			return
		}
		ev := events.New(events.CircuitStateChanged, map[string]any{
			"breaker": name,
			"from":    from,
			"to":      to,
		})
		if err := evlog.Append(ev); err != nil {
			log.Warn(log.CatEvents, "event append failed",
				"event", string(events.CircuitStateChanged), "error", err)
		}
	}
}
