package kanban

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/monitor"
	"github.com/marcushq/marcus/internal/tracing"
)

// DefaultCallTimeout bounds each board call.
const DefaultCallTimeout = 30 * time.Second

// GuardConfig tunes the guarded wrapper.
type GuardConfig struct {
	Retry   fault.RetryConfig
	Timeout time.Duration
}

// Guarded wraps a Provider with the full call discipline: per-call timeout,
// tagging, circuit breaker, retry, and error-monitor feed. It satisfies
// Provider so callers never see the raw backend.
type Guarded struct {
	p       Provider
	breaker *fault.Breaker
	cfg     GuardConfig
	mon     *monitor.Monitor
	tracer  trace.Tracer
	integ   string
}

// Guard builds the wrapped provider. The breaker should be named
// "kanban:{provider}"; mon may be nil in tests.
func Guard(p Provider, breaker *fault.Breaker, cfg GuardConfig, mon *monitor.Monitor) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fault.DefaultRetry()
	}
	return &Guarded{
		p:       p,
		breaker: breaker,
		cfg:     cfg,
		mon:     mon,
		tracer:  otel.Tracer("marcus/kanban"),
		integ:   "kanban:" + p.Name(),
	}
}

// Name identifies the underlying backend.
func (g *Guarded) Name() string { return g.p.Name() }

// SupportsCreate forwards the capability probe to the wrapped backend.
func (g *Guarded) SupportsCreate() bool { return SupportsCreate(g.p) }

// tag converts backend errors into the taxonomy. Sentinels stay reachable
// through the cause chain for errors.Is.
func (g *Guarded) tag(op string, err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		if fe.Context.Integration == "" {
			fe.Context.Integration = g.integ
		}
		return fe
	}
	opts := []fault.Option{
		fault.WithCause(err),
		fault.WithOperation(op),
		fault.WithIntegration(g.integ),
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotSupported):
		opts = append(opts, fault.WithRetryable(false))
	case errors.Is(err, context.DeadlineExceeded):
		return fault.New(fault.NetworkTimeout, "board call timed out", opts...)
	}
	return fault.Kanban(err.Error(), opts...)
}

// run composes retry around breaker around the timed call, recording the
// final failure. The span covers all attempts of one logical call.
func run[T any](g *Guarded, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, tracing.SpanPrefixBoard+strings.TrimPrefix(op, "kanban_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(tracing.AttrBoardProvider, g.p.Name())))
	defer span.End()

	out, err := fault.RetryValue(ctx, g.cfg.Retry, op, func(ctx context.Context) (T, error) {
		return fault.ExecuteValue(g.breaker, ctx, func(ctx context.Context) (T, error) {
			cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
			v, err := fn(cctx)
			if err != nil {
				return v, g.tag(op, err)
			}
			return v, nil
		})
	})
	if err != nil {
		if g.mon != nil {
			g.mon.Record(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if fe, ok := fault.As(err); ok {
			span.SetAttributes(
				attribute.String(tracing.AttrErrorCode, string(fe.Code)),
				attribute.String(tracing.AttrErrorCategory, string(fe.Category)))
		}
		log.Warn(log.CatKanban, "board call failed", "op", op, "provider", g.p.Name(), "error", err)
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, err
}

func (g *Guarded) Connect(ctx context.Context) error {
	_, err := run(g, ctx, "kanban_connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.p.Connect(ctx)
	})
	return err
}

func (g *Guarded) Disconnect(ctx context.Context) error {
	_, err := run(g, ctx, "kanban_disconnect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.p.Disconnect(ctx)
	})
	return err
}

func (g *Guarded) AvailableTasks(ctx context.Context) ([]Task, error) {
	return run(g, ctx, "kanban_available_tasks", g.p.AvailableTasks)
}

func (g *Guarded) AllTasks(ctx context.Context) ([]Task, error) {
	return run(g, ctx, "kanban_all_tasks", g.p.AllTasks)
}

func (g *Guarded) TaskByID(ctx context.Context, id string) (Task, error) {
	return run(g, ctx, "kanban_task_by_id", func(ctx context.Context) (Task, error) {
		return g.p.TaskByID(ctx, id)
	})
}

func (g *Guarded) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	_, err := run(g, ctx, "kanban_update_task", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.p.UpdateTask(ctx, id, update)
	})
	return err
}

func (g *Guarded) AddComment(ctx context.Context, id, text string) error {
	_, err := run(g, ctx, "kanban_add_comment", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.p.AddComment(ctx, id, text)
	})
	return err
}

func (g *Guarded) CreateTask(ctx context.Context, data NewTask) (Task, error) {
	return run(g, ctx, "kanban_create_task", func(ctx context.Context) (Task, error) {
		return g.p.CreateTask(ctx, data)
	})
}

func (g *Guarded) BoardSummary(ctx context.Context) (Summary, error) {
	return run(g, ctx, "kanban_board_summary", g.p.BoardSummary)
}
